package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mrs-federation/server/internal/auth/httpsig"
	"github.com/mrs-federation/server/internal/auth/keys"
	"github.com/mrs-federation/server/internal/domain/ids"
)

// maxClockSkew bounds how far a signature's created parameter may drift
// from server time in either direction.
const maxClockSkew = 300 * time.Second

func (s *Service) verifySignature(ctx context.Context, r *http.Request, body []byte) (*Principal, error) {
	sigInput := r.Header.Get(httpsig.HeaderSignatureInput)
	sigHeader := r.Header.Get(httpsig.HeaderSignature)
	identityHeader := r.Header.Get(httpsig.HeaderIdentity)
	if sigInput == "" || sigHeader == "" || identityHeader == "" {
		return nil, fmt.Errorf("%w: signature headers incomplete", ErrUnauthorized)
	}

	params, err := httpsig.ParseSignatureInput(sigInput)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !params.HasCreated {
		return nil, fmt.Errorf("%w: created parameter required", ErrUnauthorized)
	}
	age := s.now().UTC().Sub(time.Unix(params.Created, 0))
	if age > maxClockSkew || age < -maxClockSkew {
		return nil, fmt.Errorf("%w: signature created outside the accepted window", ErrUnauthorized)
	}
	if err := params.RequiredComponents(len(body) > 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	label, sig, err := httpsig.ParseSignature(sigHeader)
	if err != nil || label != params.Label {
		return nil, fmt.Errorf("%w: signature does not match signature input", ErrUnauthorized)
	}

	identity, err := ids.ParseIdentity(identityHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: bad MRS-Identity", ErrUnauthorized)
	}

	keyURL, fragment := keys.SplitKeyURL(params.KeyID)
	if keyURL == "" || !keys.HostMatchesDomain(keyURL, identity.Domain) {
		return nil, fmt.Errorf("%w: keyid host does not match identity domain", ErrUnauthorized)
	}

	if len(body) > 0 {
		if err := httpsig.VerifyContentDigest(r.Header.Get(httpsig.HeaderContentDigest), body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}

	base, err := httpsig.BuildBase(r, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if err := s.verifyWithKeys(ctx, identity, keyURL, fragment, params.Alg, []byte(base), sig); err != nil {
		return nil, err
	}

	if identity.User != ids.ServerIdentity {
		if err := s.ensureShellUser(ctx, identity.String()); err != nil {
			return nil, err
		}
	}
	return &Principal{
		Identity: identity.String(),
		IsLocal:  identity.Domain == s.domain,
		IsServer: identity.User == ids.ServerIdentity,
	}, nil
}

// verifyWithKeys resolves the published keys and checks the signature.
// A failed verification against a cached remote key invalidates the
// entry and retries once with a fresh fetch, which is how rotation is
// picked up inside the TTL.
func (s *Service) verifyWithKeys(ctx context.Context, identity ids.Identity, keyURL, fragment, alg string, base, sig []byte) error {
	local := identity.Domain == s.domain

	published, err := s.resolveKeys(ctx, identity, keyURL, local)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	verify := func(published []keys.PublishedKey) error {
		key, err := keys.Select(published, fragment, s.now().UTC())
		if err != nil {
			return err
		}
		useAlg := alg
		if useAlg == "" {
			useAlg = key.Algorithm
		}
		return httpsig.Verify(useAlg, key.PublicKey, base, sig)
	}

	if verify(published) == nil {
		return nil
	}
	if local {
		return fmt.Errorf("%w: signature verification failed", ErrUnauthorized)
	}

	// One refetch after invalidation before giving up.
	s.cache.Invalidate(keyURL)
	published, err = s.resolveKeys(ctx, identity, keyURL, false)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if err := verify(published); err != nil {
		s.cache.Invalidate(keyURL)
		return fmt.Errorf("%w: signature verification failed", ErrUnauthorized)
	}
	return nil
}

// resolveKeys reads local identities straight from the store; remote
// identities go through the fetch cache.
func (s *Service) resolveKeys(ctx context.Context, identity ids.Identity, keyURL string, local bool) ([]keys.PublishedKey, error) {
	if local {
		return s.keysvc.Published(ctx, identity.String())
	}
	return s.cache.Get(ctx, keyURL)
}
