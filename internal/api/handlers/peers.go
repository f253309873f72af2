package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/mrs-federation/server/internal/api/apierror"
	"github.com/mrs-federation/server/internal/api/middleware"
	"github.com/mrs-federation/server/internal/domain/federation"
)

type PeersHandler struct {
	Service *federation.Service
}

func NewPeersHandler(service *federation.Service) *PeersHandler {
	return &PeersHandler{Service: service}
}

type addPeerRequest struct {
	URL string `json:"url"`
}

type peerResponse struct {
	Domain           string     `json:"domain"`
	URL              string     `json:"url"`
	Source           string     `json:"source"`
	Hint             *string    `json:"hint,omitempty"`
	LastSeenAt       *time.Time `json:"last_seen_at,omitempty"`
	LastSyncAt       *time.Time `json:"last_sync_at,omitempty"`
	LastSyncError    *string    `json:"last_sync_error,omitempty"`
	ConsecutiveFails int        `json:"consecutive_fails,omitempty"`
}

// Add handles POST /admin/peers: operator-placed peers become
// configured and take referral precedence over learned ones.
func (h *PeersHandler) Add(w http.ResponseWriter, r *http.Request) {
	principal := middleware.Principal(r.Context())
	if principal == nil || !principal.IsLocal || principal.IsServer {
		apierror.Write(w, r, apierror.CodeForbidden, "local user required", nil)
		return
	}

	var req addPeerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		apierror.Write(w, r, apierror.CodeMissingField, "url required", nil)
		return
	}

	peer, err := h.Service.AddPeer(r.Context(), req.URL, federation.SourceConfigured)
	if err != nil {
		if errors.Is(err, federation.ErrInvalidPeerURL) {
			apierror.Write(w, r, apierror.CodeInvalidURI, "invalid peer url", err)
			return
		}
		apierror.WriteInternal(w, r, middleware.GetRequestID(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, toPeerResponse(*peer))
}

type peerListResponse struct {
	Peers []peerResponse `json:"peers"`
}

// List handles GET /admin/peers.
func (h *PeersHandler) List(w http.ResponseWriter, r *http.Request) {
	principal := middleware.Principal(r.Context())
	if principal == nil || !principal.IsLocal || principal.IsServer {
		apierror.Write(w, r, apierror.CodeForbidden, "local user required", nil)
		return
	}

	peers, err := h.Service.ListPeers(r.Context())
	if err != nil {
		apierror.WriteInternal(w, r, middleware.GetRequestID(r.Context()), err)
		return
	}
	out := make([]peerResponse, 0, len(peers))
	for _, peer := range peers {
		out = append(out, toPeerResponse(peer))
	}
	writeJSON(w, http.StatusOK, peerListResponse{Peers: out})
}

func toPeerResponse(peer federation.Peer) peerResponse {
	return peerResponse{
		Domain:           peer.Domain,
		URL:              peer.BaseURL,
		Source:           peer.Source,
		Hint:             peer.Hint,
		LastSeenAt:       peer.LastSeenAt,
		LastSyncAt:       peer.LastSyncAt,
		LastSyncError:    peer.LastSyncError,
		ConsecutiveFails: peer.ConsecutiveFails,
	}
}
