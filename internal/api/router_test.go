package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrs-federation/server/internal/api"
	"github.com/mrs-federation/server/internal/auth"
	"github.com/mrs-federation/server/internal/auth/keys"
	"github.com/mrs-federation/server/internal/config"
	"github.com/mrs-federation/server/internal/domain/federation"
	"github.com/mrs-federation/server/internal/domain/geo"
	"github.com/mrs-federation/server/internal/domain/registry"
	"github.com/mrs-federation/server/internal/storage/sqlite"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.MigrateUp(db))
	repo, err := sqlite.NewRepository(db)
	require.NoError(t, err)

	cfg := config.Config{
		Server: config.ServerConfig{
			Host:       "127.0.0.1",
			Port:       0,
			URL:        "https://mrs.example",
			Domain:     "mrs.example",
			AdminEmail: "ops@mrs.example",
			AuthoritativeRegions: []geo.Geometry{{
				Type:   geo.TypeSphere,
				Center: &geo.Location{Lat: -33.8568, Lon: 151.2153},
				Radius: 50_000,
			}},
		},
		Registry: config.RegistryConfig{MaxRadiusM: 1_000_000, MaxResults: 100},
		Auth:     config.AuthConfig{TokenExpiry: time.Hour, KeyCacheTTL: time.Hour},
		// All tiers zero: rate limiting off for handler tests.
		RateLimit: config.RateLimitConfig{},
	}

	keysvc := keys.NewService(repo, cfg.Server.Domain)
	_, err = keysvc.EnsureServerKey(t.Context())
	require.NoError(t, err)

	cache := keys.NewCache(nil, cfg.Auth.KeyCacheTTL)
	authSvc := auth.NewService(repo, cache, keysvc, cfg.Server.Domain, cfg.Auth.TokenExpiry)

	client := federation.NewClient(staticServerKey{})
	fedSvc := federation.NewService(repo.FederationStore(), client, cfg.Server.URL, cfg.Server.Domain)
	regSvc := registry.NewService(repo.RegistryStore(), fedSvc, registry.Config{
		ServerURL:  cfg.Server.URL,
		MaxRadius:  cfg.Registry.MaxRadiusM,
		MaxResults: cfg.Registry.MaxResults,
	})

	router := api.NewRouter(cfg, api.Services{
		Auth:       authSvc,
		Keys:       keysvc,
		Registry:   regSvc,
		Federation: fedSvc,
		Version:    "test",
	}, zerolog.Nop())

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}

type staticServerKey struct{}

func (staticServerKey) ServerKey(ctx context.Context) (federation.ServerKey, error) {
	return federation.ServerKey{}, fmt.Errorf("no outbound signing in tests")
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, token string, body any) (int, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return resp.StatusCode, decoded
}

func signupAndLogin(t *testing.T, ts *httptest.Server, username string) string {
	t.Helper()
	status, _ := doJSON(t, ts, http.MethodPost, "/auth/register", "", map[string]any{
		"username": username,
		"password": "correct horse battery staple",
	})
	require.Equal(t, http.StatusCreated, status)

	status, body := doJSON(t, ts, http.MethodPost, "/auth/login", "", map[string]any{
		"identity": username + "@mrs.example",
		"password": "correct horse battery staple",
	})
	require.Equal(t, http.StatusOK, status)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func sphere(lat, lon, radius float64) map[string]any {
	return map[string]any{
		"type":   "sphere",
		"center": map[string]any{"lat": lat, "lon": lon, "ele": 0},
		"radius": radius,
	}
}

func TestHealthAndRoot(t *testing.T) {
	ts := newTestServer(t)

	status, body := doJSON(t, ts, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	status, body = doJSON(t, ts, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "mrs", body["service"])
}

func TestAuthFlow(t *testing.T) {
	ts := newTestServer(t)

	status, body := doJSON(t, ts, http.MethodPost, "/auth/register", "", map[string]any{
		"username": "alice", "password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "alice@mrs.example", body["identity"])

	status, body = doJSON(t, ts, http.MethodPost, "/auth/register", "", map[string]any{
		"username": "alice", "password": "hunter2hunter2",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", body["error"])

	status, body = doJSON(t, ts, http.MethodPost, "/auth/register", "", map[string]any{
		"username": "_server", "password": "hunter2hunter2",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = doJSON(t, ts, http.MethodPost, "/auth/login", "", map[string]any{
		"identity": "alice@mrs.example", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["error"])

	token := ""
	status, body = doJSON(t, ts, http.MethodPost, "/auth/login", "", map[string]any{
		"identity": "alice@mrs.example", "password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusOK, status)
	token = body["token"].(string)

	status, body = doJSON(t, ts, http.MethodGet, "/auth/me", token, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice@mrs.example", body["identity"])
	assert.Equal(t, true, body["is_local"])

	status, _ = doJSON(t, ts, http.MethodPost, "/auth/logout", token, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = doJSON(t, ts, http.MethodGet, "/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRegisterSearchRelease(t *testing.T) {
	ts := newTestServer(t)
	token := signupAndLogin(t, ts, "bob")

	status, reg := doJSON(t, ts, http.MethodPost, "/register", token, map[string]any{
		"space":         sphere(48.8584, 2.2945, 100),
		"service_point": "https://tower.example/mrse",
	})
	require.Equal(t, http.StatusCreated, status)
	id := reg["id"].(string)
	assert.Equal(t, "https://mrs.example", reg["origin_server"])
	assert.Equal(t, id, reg["origin_id"])
	assert.Equal(t, float64(1), reg["version"])

	// Point inside the sphere, range 0.
	status, body := doJSON(t, ts, http.MethodPost, "/search", "", map[string]any{
		"location": map[string]any{"lat": 48.8584, "lon": 2.2945, "ele": 0},
		"range":    0,
	})
	require.Equal(t, http.StatusOK, status)
	results := body["results"].([]any)
	require.Len(t, results, 1)
	hit := results[0].(map[string]any)
	assert.Equal(t, "https://tower.example/mrse", hit["service_point"])

	// Update bumps the version.
	status, updated := doJSON(t, ts, http.MethodPut, "/register/"+id, token, map[string]any{
		"space":         sphere(48.8584, 2.2945, 100),
		"service_point": "https://tower.example/mrse/v2",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), updated["version"])

	// Far-away search misses.
	status, body = doJSON(t, ts, http.MethodPost, "/search", "", map[string]any{
		"location": map[string]any{"lat": -33.86, "lon": 151.20, "ele": 0},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["results"])

	status, _ = doJSON(t, ts, http.MethodPost, "/release", token, map[string]any{"id": id})
	assert.Equal(t, http.StatusOK, status)

	status, body = doJSON(t, ts, http.MethodPost, "/search", "", map[string]any{
		"location": map[string]any{"lat": 48.8584, "lon": 2.2945, "ele": 0},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["results"])

	status, body = doJSON(t, ts, http.MethodPost, "/release", token, map[string]any{"id": id})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["error"])
}

func TestRegisterValidationErrors(t *testing.T) {
	ts := newTestServer(t)
	token := signupAndLogin(t, ts, "carol")

	// Unauthenticated write.
	status, body := doJSON(t, ts, http.MethodPost, "/register", "", map[string]any{
		"space": sphere(1, 1, 10), "service_point": "https://a.example/x",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["error"])

	// foad and service_point are mutually exclusive.
	status, body = doJSON(t, ts, http.MethodPost, "/register", token, map[string]any{
		"space": sphere(1, 1, 10), "service_point": "https://a.example/x", "foad": true,
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "type_mismatch", body["error"])

	// Neither foad nor service_point.
	status, body = doJSON(t, ts, http.MethodPost, "/register", token, map[string]any{
		"space": sphere(1, 1, 10),
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "missing_field", body["error"])

	// Non-https service point.
	status, body = doJSON(t, ts, http.MethodPost, "/register", token, map[string]any{
		"space": sphere(1, 1, 10), "service_point": "http://a.example/x",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_uri", body["error"])

	// Latitude out of range.
	status, body = doJSON(t, ts, http.MethodPost, "/register", token, map[string]any{
		"space": sphere(91, 1, 10), "service_point": "https://a.example/x",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_geometry", body["error"])

	// Write against a foreign origin is refused with the origin named.
	status, body = doJSON(t, ts, http.MethodPost, "/register", token, map[string]any{
		"space":         sphere(1, 1, 10),
		"service_point": "https://a.example/x",
		"origin_server": "https://other.example",
		"origin_id":     "reg_elsewhere",
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_authoritative", body["error"])
	detail := body["detail"].(map[string]any)
	assert.Equal(t, "https://other.example", detail["origin_server"])
}

func TestFOADRecordOmitsServicePoint(t *testing.T) {
	ts := newTestServer(t)
	token := signupAndLogin(t, ts, "dave")

	status, _ := doJSON(t, ts, http.MethodPost, "/register", token, map[string]any{
		"space": sphere(10, 10, 50), "foad": true,
	})
	require.Equal(t, http.StatusCreated, status)

	status, body := doJSON(t, ts, http.MethodPost, "/search", "", map[string]any{
		"location": map[string]any{"lat": 10, "lon": 10, "ele": 0},
	})
	require.Equal(t, http.StatusOK, status)
	results := body["results"].([]any)
	require.Len(t, results, 1)
	hit := results[0].(map[string]any)
	assert.Equal(t, true, hit["foad"])
	_, hasServicePoint := hit["service_point"]
	assert.False(t, hasServicePoint)
}

func TestOwnershipEnforcedAcrossUsers(t *testing.T) {
	ts := newTestServer(t)
	owner := signupAndLogin(t, ts, "erin")
	other := signupAndLogin(t, ts, "frank")

	status, reg := doJSON(t, ts, http.MethodPost, "/register", owner, map[string]any{
		"space": sphere(20, 20, 30), "service_point": "https://erin.example/svc",
	})
	require.Equal(t, http.StatusCreated, status)
	id := reg["id"].(string)

	status, body := doJSON(t, ts, http.MethodPost, "/release", other, map[string]any{"id": id})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", body["error"])

	status, body = doJSON(t, ts, http.MethodPut, "/register/"+id, other, map[string]any{
		"space": sphere(20, 20, 30), "service_point": "https://frank.example/svc",
	})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestMyRegistrations(t *testing.T) {
	ts := newTestServer(t)
	token := signupAndLogin(t, ts, "grace")

	for i := 0; i < 3; i++ {
		status, _ := doJSON(t, ts, http.MethodPost, "/register", token, map[string]any{
			"space":         sphere(30+float64(i), 30, 25),
			"service_point": fmt.Sprintf("https://grace.example/svc/%d", i),
		})
		require.Equal(t, http.StatusCreated, status)
	}

	status, body := doJSON(t, ts, http.MethodGet, "/auth/me/registrations", token, nil)
	require.Equal(t, http.StatusOK, status)
	regs := body["registrations"].([]any)
	assert.Len(t, regs, 3)
}

func TestWellKnownSurface(t *testing.T) {
	ts := newTestServer(t)

	status, doc := doJSON(t, ts, http.MethodGet, "/.well-known/mrs", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://mrs.example", doc["server"])
	assert.Equal(t, "1.0", doc["mrs_version"])
	assert.Equal(t, "ops@mrs.example", doc["operator"])
	regions := doc["authoritative_regions"].([]any)
	require.Len(t, regions, 1)
	assert.Equal(t, "sphere", regions[0].(map[string]any)["type"])
	caps := doc["capabilities"].(map[string]any)
	assert.ElementsMatch(t, []any{"sphere", "polygon"}, caps["geometry_types"].([]any))
	assert.Equal(t, float64(1_000_000), caps["max_radius"])

	// The _server key is published and never leaks the private half.
	status, key := doJSON(t, ts, http.MethodGet, "/.well-known/mrs/keys/_server@mrs.example", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ed25519", key["algorithm"])
	assert.Contains(t, key["public_key"], "PUBLIC KEY")
	_, hasPrivate := key["private_key"]
	assert.False(t, hasPrivate)

	status, body := doJSON(t, ts, http.MethodGet, "/.well-known/mrs/keys/nobody@mrs.example", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["error"])
}

func TestSyncEndpoints(t *testing.T) {
	ts := newTestServer(t)
	token := signupAndLogin(t, ts, "heidi")

	status, body := doJSON(t, ts, http.MethodGet, "/sync/snapshot", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["error"])

	status, reg := doJSON(t, ts, http.MethodPost, "/register", token, map[string]any{
		"space": sphere(40, 40, 60), "service_point": "https://heidi.example/svc",
	})
	require.Equal(t, http.StatusCreated, status)

	// Local bearer tokens may read the sync feed.
	status, page := doJSON(t, ts, http.MethodGet, "/sync/snapshot", token, nil)
	require.Equal(t, http.StatusOK, status)
	regs := page["registrations"].([]any)
	require.Len(t, regs, 1)
	assert.Equal(t, reg["id"], regs[0].(map[string]any)["id"])
	changesCursor := page["changes_cursor"].(string)
	assert.NotEmpty(t, changesCursor)

	status, body = doJSON(t, ts, http.MethodGet, "/sync/changes?cursor="+changesCursor, token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["events"])

	status, body = doJSON(t, ts, http.MethodGet, "/sync/changes", token, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "missing_field", body["error"])

	status, body = doJSON(t, ts, http.MethodGet, "/sync/changes?cursor=garbage", token, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "type_mismatch", body["error"])
}

func TestAdminPeers(t *testing.T) {
	ts := newTestServer(t)
	token := signupAndLogin(t, ts, "ivan")

	status, body := doJSON(t, ts, http.MethodPost, "/admin/peers", "", map[string]any{
		"url": "https://peer.example",
	})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = doJSON(t, ts, http.MethodPost, "/admin/peers", token, map[string]any{
		"url": "https://peer.example",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "peer.example", body["domain"])
	assert.Equal(t, "configured", body["source"])

	// Adding this server itself is refused.
	status, body = doJSON(t, ts, http.MethodPost, "/admin/peers", token, map[string]any{
		"url": "https://mrs.example",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_uri", body["error"])

	status, body = doJSON(t, ts, http.MethodGet, "/admin/peers", token, nil)
	require.Equal(t, http.StatusOK, status)
	peers := body["peers"].([]any)
	require.Len(t, peers, 1)
	assert.Equal(t, "https://peer.example", peers[0].(map[string]any)["url"])
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/register", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "POST", resp.Header.Get("Allow"))
}
