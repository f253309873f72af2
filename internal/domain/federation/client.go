package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mrs-federation/server/internal/auth/httpsig"
	"github.com/mrs-federation/server/internal/domain/geo"
)

const (
	syncTimeout      = 30 * time.Second
	wellKnownTimeout = 5 * time.Second
	maxResponseSize  = 16 << 20
)

// ServerKey supplies the signing material for outbound federation
// requests, usually the _server key minted at startup.
type ServerKey struct {
	Identity      string // "_server@<domain>"
	KeyURL        string // published key URL with fragment
	PrivateKeyPEM string
}

// KeySource resolves the current server key so rotation takes effect
// without restarting the sync loops.
type KeySource interface {
	ServerKey(ctx context.Context) (ServerKey, error)
}

// WellKnownDoc is the discovery document served at /.well-known/mrs.
type WellKnownDoc struct {
	Server               string         `json:"server"`
	MRSVersion           string         `json:"mrs_version"`
	Operator             string         `json:"operator,omitempty"`
	Hint                 *string        `json:"hint,omitempty"`
	AuthoritativeRegions []geo.Geometry `json:"authoritative_regions,omitempty"`
	KnownPeers           []string       `json:"known_peers,omitempty"`
	Capabilities         Capabilities   `json:"capabilities"`
}

// Capabilities advertises what this server accepts.
type Capabilities struct {
	GeometryTypes []string `json:"geometry_types"`
	MaxRadius     float64  `json:"max_radius"`
}

// Client performs signed HTTP pulls against peer servers.
type Client struct {
	http *http.Client
	keys KeySource
	now  func() time.Time
}

func NewClient(keys KeySource) *Client {
	return &Client{
		http: &http.Client{Timeout: syncTimeout},
		keys: keys,
		now:  time.Now,
	}
}

// FetchWellKnown retrieves a peer's discovery document. Unsigned: the
// document is public.
func (c *Client) FetchWellKnown(ctx context.Context, baseURL string) (*WellKnownDoc, error) {
	ctx, cancel := context.WithTimeout(ctx, wellKnownTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/.well-known/mrs", nil)
	if err != nil {
		return nil, err
	}
	var doc WellKnownDoc
	if err := c.do(req, &doc); err != nil {
		return nil, err
	}
	if doc.Server == "" {
		return nil, fmt.Errorf("well-known document from %s missing server field", baseURL)
	}
	return &doc, nil
}

// FetchSnapshot pulls one snapshot page.
func (c *Client) FetchSnapshot(ctx context.Context, baseURL, cursor string) (*SnapshotPage, error) {
	u := baseURL + "/sync/snapshot"
	if cursor != "" {
		u += "?cursor=" + url.QueryEscape(cursor)
	}
	var page SnapshotPage
	if err := c.signedGet(ctx, u, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// FetchChanges pulls one page of the peer's delta feed.
func (c *Client) FetchChanges(ctx context.Context, baseURL, cursor string) (*ChangePage, error) {
	u := baseURL + "/sync/changes?cursor=" + url.QueryEscape(cursor)
	var page ChangePage
	if err := c.signedGet(ctx, u, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) signedGet(ctx context.Context, rawURL string, out any) error {
	key, err := c.keys.ServerKey(ctx)
	if err != nil {
		return fmt.Errorf("server key: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if err := httpsig.SignRequest(req, key.Identity, key.KeyURL, key.PrivateKeyPEM, nil, c.now()); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		if isCursorExpired(body) {
			return ErrCursorExpired
		}
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func isCursorExpired(body []byte) bool {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false
	}
	return envelope.Error == "cursor_expired"
}
