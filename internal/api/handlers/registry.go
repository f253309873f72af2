package handlers

import (
	"errors"
	"net/http"

	"github.com/mrs-federation/server/internal/api/apierror"
	"github.com/mrs-federation/server/internal/api/middleware"
	"github.com/mrs-federation/server/internal/domain/geo"
	"github.com/mrs-federation/server/internal/domain/registry"
)

type RegistryHandler struct {
	Service *registry.Service
}

func NewRegistryHandler(service *registry.Service) *RegistryHandler {
	return &RegistryHandler{Service: service}
}

type registerRequest struct {
	ID           string       `json:"id,omitempty"`
	Space        geo.Geometry `json:"space"`
	ServicePoint string       `json:"service_point,omitempty"`
	FOAD         bool         `json:"foad,omitempty"`
	OriginServer string       `json:"origin_server,omitempty"`
	OriginID     string       `json:"origin_id,omitempty"`
}

// Register handles POST /register. A body carrying the id of an
// existing local record is an update; otherwise a create.
func (h *RegistryHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.register(w, r, req)
}

// Update handles PUT /register/{id}; the path id wins over a body id.
func (h *RegistryHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ID = r.PathValue("id")
	if req.ID == "" {
		apierror.Write(w, r, apierror.CodeMissingField, "registration id required", nil)
		return
	}
	h.register(w, r, req)
}

func (h *RegistryHandler) register(w http.ResponseWriter, r *http.Request, req registerRequest) {
	principal := middleware.Principal(r.Context())
	if principal == nil {
		apierror.Write(w, r, apierror.CodeUnauthorized, "authentication required", nil)
		return
	}

	creating := req.ID == ""
	reg, err := h.Service.Register(r.Context(), principal.Identity, registry.RegisterInput{
		ID:           req.ID,
		Space:        req.Space,
		ServicePoint: req.ServicePoint,
		FOAD:         req.FOAD,
		OriginServer: req.OriginServer,
		OriginID:     req.OriginID,
	})
	if err != nil {
		writeRegistryError(w, r, err)
		return
	}

	status := http.StatusOK
	if creating {
		status = http.StatusCreated
	}
	writeJSON(w, status, reg)
}

type releaseRequest struct {
	ID string `json:"id"`
}

// Release handles POST /release.
func (h *RegistryHandler) Release(w http.ResponseWriter, r *http.Request) {
	principal := middleware.Principal(r.Context())
	if principal == nil {
		apierror.Write(w, r, apierror.CodeUnauthorized, "authentication required", nil)
		return
	}

	var req releaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		apierror.Write(w, r, apierror.CodeMissingField, "registration id required", nil)
		return
	}

	if err := h.Service.Release(r.Context(), principal.Identity, req.ID); err != nil {
		writeRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

type searchRequest struct {
	Location geo.Location `json:"location"`
	Range    float64      `json:"range"`
}

type searchResponse struct {
	Results   []registry.SearchResult `json:"results"`
	Referrals []registry.Referral     `json:"referrals,omitempty"`
}

// Search handles POST /search. No auth; results carry foad and omit
// service_point on foad records.
func (h *RegistryHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	results, referrals, err := h.Service.Search(r.Context(), registry.SearchQuery{
		Point:  req.Location,
		RangeM: req.Range,
	})
	if err != nil {
		writeRegistryError(w, r, err)
		return
	}
	if results == nil {
		results = []registry.SearchResult{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: results, Referrals: referrals})
}

// writeRegistryError maps registry and geometry errors onto the stable
// error codes. Unknown errors become internal without leaking detail.
func writeRegistryError(w http.ResponseWriter, r *http.Request, err error) {
	var notAuth *registry.NotAuthoritativeError
	switch {
	case errors.As(err, &notAuth):
		apierror.Write(w, r, apierror.CodeNotAuthoritative, "not authoritative for this registration", err,
			apierror.WithDetail(map[string]any{"origin_server": notAuth.OriginServer}))
	case errors.Is(err, registry.ErrServicePointRequired):
		apierror.Write(w, r, apierror.CodeMissingField, "service_point required unless foad is set", err)
	case errors.Is(err, registry.ErrServicePointForbidden):
		apierror.Write(w, r, apierror.CodeTypeMismatch, "service_point must be absent when foad is set", err)
	case errors.Is(err, registry.ErrInvalidServicePoint):
		apierror.Write(w, r, apierror.CodeInvalidURI, "invalid service_point", err)
	case errors.Is(err, geo.ErrInvalidCoordinates),
		errors.Is(err, geo.ErrInvalidRadius),
		errors.Is(err, geo.ErrInvalidPolygon),
		errors.Is(err, geo.ErrUnknownGeometry):
		apierror.Write(w, r, apierror.CodeInvalidGeometry, "invalid geometry", err)
	case errors.Is(err, registry.ErrInvalidRange):
		apierror.Write(w, r, apierror.CodeInvalidGeometry, "invalid search range", err)
	case errors.Is(err, registry.ErrNotFound):
		apierror.Write(w, r, apierror.CodeNotFound, "registration not found", err)
	case errors.Is(err, registry.ErrForbidden):
		apierror.Write(w, r, apierror.CodeForbidden, "not the owner of this registration", err)
	case errors.Is(err, registry.ErrLimitExceeded):
		apierror.Write(w, r, apierror.CodeConflict, "registration limit reached", err)
	default:
		apierror.WriteInternal(w, r, middleware.GetRequestID(r.Context()), err)
	}
}
