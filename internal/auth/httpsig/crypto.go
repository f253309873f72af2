package httpsig

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

// Algorithm labels carried in the alg signature parameter.
const (
	AlgEd25519 = "ed25519"
	AlgRSAPSS  = "rsa-pss-sha512"
	AlgECDSA   = "ecdsa-p256-sha256"
)

var (
	ErrBadKey           = errors.New("unusable key material")
	ErrVerifyFailed     = errors.New("signature verification failed")
	ErrUnsupportedAlg   = errors.New("unsupported signature algorithm")
	ErrDigestMismatch   = errors.New("content digest mismatch")
	ErrSigningKeyNeeded = errors.New("private key required")
)

// ContentDigest computes the sha-256 structured-field value for a body.
func ContentDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha-256=:" + base64.StdEncoding.EncodeToString(sum[:]) + ":"
}

// VerifyContentDigest recomputes the digest and compares byte for byte.
func VerifyContentDigest(header string, body []byte) error {
	if header != ContentDigest(body) {
		return ErrDigestMismatch
	}
	return nil
}

// Verify checks the signature over the base with a PEM-encoded public
// key. The algorithm label selects the primitive.
func Verify(alg, publicKeyPEM string, base, sig []byte) error {
	pub, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return err
	}

	switch alg {
	case AlgEd25519:
		key, ok := pub.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("%w: alg %s but key is %T", ErrBadKey, alg, pub)
		}
		if !ed25519.Verify(key, base, sig) {
			return ErrVerifyFailed
		}
	case AlgRSAPSS:
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: alg %s but key is %T", ErrBadKey, alg, pub)
		}
		if key.N.BitLen() < 2048 {
			return fmt.Errorf("%w: RSA key below 2048 bits", ErrBadKey)
		}
		digest := sha512.Sum512(base)
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA512}
		if err := rsa.VerifyPSS(key, crypto.SHA512, digest[:], sig, opts); err != nil {
			return ErrVerifyFailed
		}
	case AlgECDSA:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: alg %s but key is %T", ErrBadKey, alg, pub)
		}
		digest := sha256.Sum256(base)
		if !ecdsa.VerifyASN1(key, digest[:], sig) {
			return ErrVerifyFailed
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAlg, alg)
	}
	return nil
}

// Sign produces a signature over the base with a PEM-encoded PKCS#8
// private key. Only Ed25519 signing is supported; it is what the server
// key uses for outbound sync requests.
func Sign(alg, privateKeyPEM string, base []byte) ([]byte, error) {
	if alg != AlgEd25519 {
		return nil, fmt.Errorf("%w for signing: %s", ErrUnsupportedAlg, alg)
	}
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrSigningKeyNeeded)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an Ed25519 key", ErrBadKey)
	}
	return ed25519.Sign(key, base), nil
}

// GenerateEd25519 mints a keypair and returns PEM encodings: PKIX for
// the public half, PKCS#8 for the private.
func GenerateEd25519() (publicPEM, privatePEM string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ed25519: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("marshal public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	publicPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	privatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))
	return publicPEM, privatePEM, nil
}

func parsePublicKey(publicKeyPEM string) (any, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrBadKey)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return pub, nil
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
