package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mrs-federation/server/internal/metrics"
)

const (
	// DefaultCacheTTL is how long a fetched key set stays fresh.
	DefaultCacheTTL = time.Hour

	fetchTimeout  = 5 * time.Second
	maxKeyDocSize = 64 * 1024
)

var ErrKeyFetch = errors.New("key fetch failed")

// Cache fetches and caches remote identity key documents keyed by URL.
// Concurrent misses on the same URL coalesce into one in-flight fetch.
type Cache struct {
	client *http.Client
	ttl    time.Duration
	now    func() time.Time

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	keys      []PublishedKey
	fetchedAt time.Time
}

func NewCache(client *http.Client, ttl time.Duration) *Cache {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		client:  client,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the published keys at keyURL, from cache when fresh.
func (c *Cache) Get(ctx context.Context, keyURL string) ([]PublishedKey, error) {
	c.mu.RLock()
	entry, ok := c.entries[keyURL]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		metrics.KeyCacheHits.Inc()
		return entry.keys, nil
	}
	metrics.KeyCacheMisses.Inc()

	result, err, _ := c.group.Do(keyURL, func() (any, error) {
		keys, err := c.fetch(ctx, keyURL)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[keyURL] = cacheEntry{keys: keys, fetchedAt: c.now()}
		c.mu.Unlock()
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]PublishedKey), nil
}

// Invalidate drops the cached entry so the next Get refetches. Called on
// any verification failure before the single retry.
func (c *Cache) Invalidate(keyURL string) {
	c.mu.Lock()
	delete(c.entries, keyURL)
	c.mu.Unlock()
}

func (c *Cache) fetch(ctx context.Context, keyURL string) ([]PublishedKey, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFetch, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d from %s", ErrKeyFetch, resp.StatusCode, keyURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeyDocSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFetch, err)
	}
	keys, err := ParseKeyDocument(body)
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// ParseKeyDocument accepts both published forms: a single key object or
// a {"keys": [...]} collection.
func ParseKeyDocument(body []byte) ([]PublishedKey, error) {
	var multi struct {
		Keys []PublishedKey `json:"keys"`
	}
	if err := json.Unmarshal(body, &multi); err == nil && len(multi.Keys) > 0 {
		return multi.Keys, nil
	}

	var single PublishedKey
	if err := json.Unmarshal(body, &single); err != nil || single.PublicKey == "" {
		return nil, fmt.Errorf("%w: unrecognized key document", ErrKeyFetch)
	}
	return []PublishedKey{single}, nil
}
