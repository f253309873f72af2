package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/mrs-federation/server/internal/api/apierror"
	"github.com/mrs-federation/server/internal/api/middleware"
	"github.com/mrs-federation/server/internal/auth"
	"github.com/mrs-federation/server/internal/domain/ids"
	"github.com/mrs-federation/server/internal/domain/registry"
)

type AuthHandler struct {
	Service  *auth.Service
	Registry *registry.Service
}

func NewAuthHandler(service *auth.Service, registrySvc *registry.Service) *AuthHandler {
	return &AuthHandler{Service: service, Registry: registrySvc}
}

type signupRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

type userResponse struct {
	Identity  string    `json:"identity"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		apierror.Write(w, r, apierror.CodeMissingField, "username and password required", nil)
		return
	}

	user, err := h.Service.Signup(r.Context(), req.Username, req.Password, req.Email)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrReservedUser), errors.Is(err, ids.ErrInvalidIdentity):
			apierror.Write(w, r, apierror.CodeTypeMismatch, "invalid username", err)
		case errors.Is(err, auth.ErrUserExists):
			apierror.Write(w, r, apierror.CodeConflict, "user already exists", err)
		default:
			apierror.WriteInternal(w, r, middleware.GetRequestID(r.Context()), err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{
		Identity:  user.Identity,
		Email:     user.Email,
		CreatedAt: user.CreatedAt,
	})
}

type loginRequest struct {
	Identity string `json:"identity"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Identity == "" || req.Password == "" {
		apierror.Write(w, r, apierror.CodeMissingField, "identity and password required", nil)
		return
	}

	token, err := h.Service.Login(r.Context(), req.Identity, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			apierror.Write(w, r, apierror.CodeUnauthorized, "invalid credentials", err)
			return
		}
		apierror.WriteInternal(w, r, middleware.GetRequestID(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token.Token,
		Identity:  token.Identity,
		ExpiresAt: token.ExpiresAt,
	})
}

// Logout handles POST /auth/logout, revoking the presented token.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	raw, err := auth.TokenFromHeader(r.Header.Get("Authorization"))
	if err != nil {
		apierror.Write(w, r, apierror.CodeUnauthorized, "bearer token required", err)
		return
	}
	if err := h.Service.Logout(r.Context(), raw); err != nil {
		apierror.WriteInternal(w, r, middleware.GetRequestID(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

type meResponse struct {
	Identity string `json:"identity"`
	IsLocal  bool   `json:"is_local"`
	IsServer bool   `json:"is_server,omitempty"`
}

// Me handles GET /auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal := middleware.Principal(r.Context())
	if principal == nil {
		apierror.Write(w, r, apierror.CodeUnauthorized, "authentication required", nil)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		Identity: principal.Identity,
		IsLocal:  principal.IsLocal,
		IsServer: principal.IsServer,
	})
}

type registrationListResponse struct {
	Registrations []registry.Registration `json:"registrations"`
}

// MyRegistrations handles GET /auth/me/registrations.
func (h *AuthHandler) MyRegistrations(w http.ResponseWriter, r *http.Request) {
	principal := middleware.Principal(r.Context())
	if principal == nil {
		apierror.Write(w, r, apierror.CodeUnauthorized, "authentication required", nil)
		return
	}

	regs, err := h.Registry.ListByOwner(r.Context(), principal.Identity)
	if err != nil {
		apierror.WriteInternal(w, r, middleware.GetRequestID(r.Context()), err)
		return
	}
	if regs == nil {
		regs = []registry.Registration{}
	}
	writeJSON(w, http.StatusOK, registrationListResponse{Registrations: regs})
}
