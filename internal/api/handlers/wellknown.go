package handlers

import (
	"errors"
	"net/http"

	"github.com/mrs-federation/server/internal/api/apierror"
	"github.com/mrs-federation/server/internal/api/middleware"
	"github.com/mrs-federation/server/internal/auth/keys"
	"github.com/mrs-federation/server/internal/domain/accounts"
	"github.com/mrs-federation/server/internal/domain/federation"
	"github.com/mrs-federation/server/internal/domain/geo"
)

type WellKnownHandler struct {
	Federation *federation.Service
	Keys       *keys.Service

	ServerURL string
	Operator  string
	Hint      string
	// Regions this server claims authority over, straight from config.
	Regions   []geo.Geometry
	MaxRadius float64
}

// Document handles GET /.well-known/mrs, the discovery document peers
// crawl for federation metadata.
func (h *WellKnownHandler) Document(w http.ResponseWriter, r *http.Request) {
	doc := federation.WellKnownDoc{
		Server:               h.ServerURL,
		MRSVersion:           federation.ProtocolVersion,
		Operator:             h.Operator,
		AuthoritativeRegions: h.Regions,
		Capabilities: federation.Capabilities{
			GeometryTypes: []string{geo.TypeSphere, geo.TypePolygon},
			MaxRadius:     h.MaxRadius,
		},
	}
	if h.Hint != "" {
		doc.Hint = &h.Hint
	}

	peers, err := h.Federation.ListPeers(r.Context())
	if err != nil {
		apierror.WriteInternal(w, r, middleware.GetRequestID(r.Context()), err)
		return
	}
	for _, peer := range peers {
		doc.KnownPeers = append(doc.KnownPeers, peer.BaseURL)
	}

	writeJSON(w, http.StatusOK, doc)
}

type keySetResponse struct {
	Keys []keys.PublishedKey `json:"keys"`
}

// PublishedKeys handles GET /.well-known/mrs/keys/{identity}. One key
// is served as a bare object, several as {"keys": [...]}; both shapes
// are accepted by verifiers.
func (h *WellKnownHandler) PublishedKeys(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	if identity == "" {
		apierror.Write(w, r, apierror.CodeMissingField, "identity required", nil)
		return
	}

	published, err := h.Keys.Published(r.Context(), identity)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			apierror.Write(w, r, apierror.CodeNotFound, "no keys published for identity", err)
			return
		}
		apierror.WriteInternal(w, r, middleware.GetRequestID(r.Context()), err)
		return
	}

	if len(published) == 1 {
		writeJSON(w, http.StatusOK, published[0])
		return
	}
	writeJSON(w, http.StatusOK, keySetResponse{Keys: published})
}
