package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/mrs-federation/server/internal/api/apierror"
	"github.com/mrs-federation/server/internal/auth"
)

const principalKey contextKey = "principal"

// Principal returns the authenticated caller, nil on unauthenticated
// requests.
func Principal(ctx context.Context) *auth.Principal {
	if p, ok := ctx.Value(principalKey).(*auth.Principal); ok {
		return p
	}
	return nil
}

// RequireAuth authenticates via bearer token or HTTP message signature
// and stores the principal in the context. The body is read up front
// because signature verification covers its digest; handlers re-read it
// from r.Body as usual.
func RequireAuth(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				status := http.StatusBadRequest
				var maxErr *http.MaxBytesError
				if errors.As(err, &maxErr) {
					status = http.StatusRequestEntityTooLarge
				}
				apierror.WriteStatus(w, r, status, apierror.CodeTypeMismatch, "unreadable request body", err)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			principal, err := svc.Authenticate(r.Context(), r, body)
			if err != nil {
				apierror.Write(w, r, apierror.CodeUnauthorized, "authentication failed", err)
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePeer restricts a route to sync participants: a signing peer
// (the reserved _server identity) or a local user with a bearer token.
func RequirePeer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := Principal(r.Context())
		if principal == nil || (!principal.IsServer && !principal.IsLocal) {
			apierror.Write(w, r, apierror.CodeForbidden, "peer or local identity required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
