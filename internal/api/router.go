// Package api assembles the HTTP surface: routes, middleware order,
// and method dispatch.
package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mrs-federation/server/internal/api/handlers"
	"github.com/mrs-federation/server/internal/api/middleware"
	"github.com/mrs-federation/server/internal/auth"
	"github.com/mrs-federation/server/internal/auth/keys"
	"github.com/mrs-federation/server/internal/config"
	"github.com/mrs-federation/server/internal/domain/federation"
	"github.com/mrs-federation/server/internal/domain/registry"
	"github.com/mrs-federation/server/internal/metrics"
)

// Services are the wired domain services the router dispatches to.
type Services struct {
	Auth       *auth.Service
	Keys       *keys.Service
	Registry   *registry.Service
	Federation *federation.Service
	Version    string
}

// NewRouter builds the full route table. Rate limiting keys off tiers
// tagged per route; auth-reading middleware runs inside the size cap so
// signature digests never buffer an unbounded body.
func NewRouter(cfg config.Config, svcs Services, logger zerolog.Logger) http.Handler {
	registryHandler := handlers.NewRegistryHandler(svcs.Registry)
	authHandler := handlers.NewAuthHandler(svcs.Auth, svcs.Registry)
	syncHandler := handlers.NewSyncHandler(svcs.Federation)
	peersHandler := handlers.NewPeersHandler(svcs.Federation)
	wellKnown := &handlers.WellKnownHandler{
		Federation: svcs.Federation,
		Keys:       svcs.Keys,
		ServerURL:  cfg.Server.URL,
		Operator:   cfg.Server.AdminEmail,
		Hint:       cfg.Server.Hint,
		Regions:    cfg.Server.AuthoritativeRegions,
		MaxRadius:  cfg.Registry.MaxRadiusM,
	}

	limit := middleware.RateLimit(cfg.RateLimit)
	size := middleware.RequestSize(middleware.DefaultMaxBodySize)
	requireAuth := middleware.RequireAuth(svcs.Auth)

	public := func(tier middleware.RateLimitTier, h http.Handler) http.Handler {
		return chain(h, middleware.WithTier(tier), limit, size)
	}
	authed := func(tier middleware.RateLimitTier, h http.Handler) http.Handler {
		return chain(h, middleware.WithTier(tier), limit, size, requireAuth)
	}
	peer := func(h http.Handler) http.Handler {
		return chain(h, middleware.WithTier(middleware.TierSync), limit, size, requireAuth, middleware.RequirePeer)
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", handlers.Healthz())
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/", handlers.Root(svcs.Version))

	mux.Handle("/register", methodMux(map[string]http.Handler{
		http.MethodPost: authed(middleware.TierWrite, http.HandlerFunc(registryHandler.Register)),
	}))
	mux.Handle("/register/{id}", methodMux(map[string]http.Handler{
		http.MethodPut: authed(middleware.TierWrite, http.HandlerFunc(registryHandler.Update)),
	}))
	mux.Handle("/release", methodMux(map[string]http.Handler{
		http.MethodPost: authed(middleware.TierWrite, http.HandlerFunc(registryHandler.Release)),
	}))
	mux.Handle("/search", methodMux(map[string]http.Handler{
		http.MethodPost: public(middleware.TierSearch, http.HandlerFunc(registryHandler.Search)),
	}))

	mux.Handle("/.well-known/mrs", methodMux(map[string]http.Handler{
		http.MethodGet: public(middleware.TierSearch, http.HandlerFunc(wellKnown.Document)),
	}))
	mux.Handle("/.well-known/mrs/keys/{identity}", methodMux(map[string]http.Handler{
		http.MethodGet: public(middleware.TierSearch, http.HandlerFunc(wellKnown.PublishedKeys)),
	}))

	mux.Handle("/auth/register", methodMux(map[string]http.Handler{
		http.MethodPost: public(middleware.TierWrite, http.HandlerFunc(authHandler.Register)),
	}))
	mux.Handle("/auth/login", methodMux(map[string]http.Handler{
		http.MethodPost: public(middleware.TierWrite, http.HandlerFunc(authHandler.Login)),
	}))
	mux.Handle("/auth/logout", methodMux(map[string]http.Handler{
		http.MethodPost: authed(middleware.TierWrite, http.HandlerFunc(authHandler.Logout)),
	}))
	mux.Handle("/auth/me", methodMux(map[string]http.Handler{
		http.MethodGet: authed(middleware.TierSearch, http.HandlerFunc(authHandler.Me)),
	}))
	mux.Handle("/auth/me/registrations", methodMux(map[string]http.Handler{
		http.MethodGet: authed(middleware.TierSearch, http.HandlerFunc(authHandler.MyRegistrations)),
	}))

	mux.Handle("/sync/snapshot", methodMux(map[string]http.Handler{
		http.MethodGet: peer(http.HandlerFunc(syncHandler.Snapshot)),
	}))
	mux.Handle("/sync/changes", methodMux(map[string]http.Handler{
		http.MethodGet: peer(http.HandlerFunc(syncHandler.Changes)),
	}))

	mux.Handle("/admin/peers", methodMux(map[string]http.Handler{
		http.MethodPost: authed(middleware.TierWrite, http.HandlerFunc(peersHandler.Add)),
		http.MethodGet:  authed(middleware.TierSearch, http.HandlerFunc(peersHandler.List)),
	}))

	return chain(mux, middleware.CorrelationID(logger), middleware.RequestLogging)
}

// chain wraps h in the given middleware, first listed outermost.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func methodMux(handlers map[string]http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Allow", allowedMethods(handlers))
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
}

func allowedMethods(handlers map[string]http.Handler) string {
	methods := make([]string, 0, len(handlers))
	for method := range handlers {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return strings.Join(methods, ", ")
}
