// Package keys manages signing keys: the server's own keypair, keys
// published for local users, and a TTL cache of remote identity keys.
package keys

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mrs-federation/server/internal/auth/httpsig"
	"github.com/mrs-federation/server/internal/domain/accounts"
	"github.com/mrs-federation/server/internal/domain/ids"
)

var ErrNoUsableKey = errors.New("no usable key")

// Store is the key persistence this service depends on.
type Store interface {
	Keys() accounts.KeyRepository
}

// PublishedKey is the public form served at
// /.well-known/mrs/keys/{identity} and fetched from peers.
type PublishedKey struct {
	KeyID      string     `json:"key_id"`
	Algorithm  string     `json:"algorithm"`
	PublicKey  string     `json:"public_key"`
	Created    time.Time  `json:"created"`
	Expires    *time.Time `json:"expires,omitempty"`
	Deprecated bool       `json:"deprecated,omitempty"`
}

// Usable mirrors accounts.Key.Usable for fetched keys.
func (k PublishedKey) Usable(now time.Time) bool {
	if k.Deprecated {
		return false
	}
	return k.Expires == nil || now.Before(*k.Expires)
}

// Select picks the verification key: the fragment names a specific
// key_id, otherwise the first usable key wins.
func Select(published []PublishedKey, fragment string, now time.Time) (*PublishedKey, error) {
	for i := range published {
		key := &published[i]
		if fragment != "" {
			if key.KeyID == fragment && key.Usable(now) {
				return key, nil
			}
			continue
		}
		if key.Usable(now) {
			return key, nil
		}
	}
	return nil, ErrNoUsableKey
}

// SplitKeyURL separates a keyid into the fetch URL and the optional
// #key_id fragment.
func SplitKeyURL(keyid string) (fetchURL, fragment string) {
	if i := strings.Index(keyid, "#"); i >= 0 {
		return keyid[:i], keyid[i+1:]
	}
	return keyid, ""
}

// HostMatchesDomain reports whether the key URL's host equals the
// identity's domain. This binding is what stops a signer from pointing
// keyid at a key they control on another domain.
func HostMatchesDomain(keyURL, domain string) bool {
	u, err := url.Parse(keyURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), domain)
}

// Service manages the keys this server stores and signs with.
type Service struct {
	repo Store
	// domain is the identity domain local keys are published under.
	domain string
	now    func() time.Time
}

func NewService(repo Store, domain string) *Service {
	return &Service{repo: repo, domain: domain, now: time.Now}
}

// ServerIdentity returns the reserved identity the server key is
// published under.
func (s *Service) ServerIdentity() string {
	return ids.ServerIdentity + "@" + s.domain
}

// EnsureServerKey returns the active server signing key, generating and
// persisting one on first run. The key id encodes the rotation month.
func (s *Service) EnsureServerKey(ctx context.Context) (*accounts.Key, error) {
	owner := s.ServerIdentity()
	existing, err := s.repo.Keys().ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	for i := range existing {
		if existing[i].Usable(now) && existing[i].PrivateKey != "" {
			return &existing[i], nil
		}
	}
	return s.Generate(ctx, owner, fmt.Sprintf("server-%s", now.Format("2006-01")))
}

// Generate mints and persists an Ed25519 keypair for an identity.
func (s *Service) Generate(ctx context.Context, owner, keyID string) (*accounts.Key, error) {
	publicPEM, privatePEM, err := httpsig.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	key := &accounts.Key{
		ID:         ids.NewKeyID(),
		Owner:      owner,
		KeyID:      keyID,
		Algorithm:  accounts.AlgEd25519,
		PublicKey:  publicPEM,
		PrivateKey: privatePEM,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.repo.Keys().Put(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Published returns the public forms of an identity's keys, private
// halves stripped. Identities with no keys yield accounts.ErrNotFound.
func (s *Service) Published(ctx context.Context, identity string) ([]PublishedKey, error) {
	stored, err := s.repo.Keys().ListByOwner(ctx, identity)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, accounts.ErrNotFound
	}
	out := make([]PublishedKey, 0, len(stored))
	for _, key := range stored {
		out = append(out, PublishedKey{
			KeyID:      key.KeyID,
			Algorithm:  key.Algorithm,
			PublicKey:  key.PublicKey,
			Created:    key.CreatedAt,
			Expires:    key.ExpiresAt,
			Deprecated: key.Deprecated,
		})
	}
	return out, nil
}
