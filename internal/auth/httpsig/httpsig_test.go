package httpsig

import (
	"bytes"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignatureInput(t *testing.T) {
	header := `sig1=("@method" "@path" "content-digest" "mrs-identity");created=1618884473;keyid="https://a.example/.well-known/mrs/keys/alice";alg="ed25519"`
	p, err := ParseSignatureInput(header)
	require.NoError(t, err)

	assert.Equal(t, "sig1", p.Label)
	assert.Equal(t, []string{"@method", "@path", "content-digest", "mrs-identity"}, p.Components)
	assert.True(t, p.HasCreated)
	assert.Equal(t, int64(1618884473), p.Created)
	assert.Equal(t, "https://a.example/.well-known/mrs/keys/alice", p.KeyID)
	assert.Equal(t, "ed25519", p.Alg)
	assert.NoError(t, p.RequiredComponents(true))
}

func TestParseSignatureInputRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"no label", `("@method")`},
		{"unquoted component", `sig1=(@method);created=1`},
		{"bad created", `sig1=("@method");created=soon`},
		{"unterminated list", `sig1=("@method";created=1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSignatureInput(tt.header)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestRequiredComponents(t *testing.T) {
	p, err := ParseSignatureInput(`sig1=("@method" "mrs-identity");created=1;keyid="k";alg="ed25519"`)
	require.NoError(t, err)
	assert.ErrorIs(t, p.RequiredComponents(false), ErrMissingComponent)
}

func TestContentDigest(t *testing.T) {
	// Known digest for this body from the Digest Fields examples.
	body := []byte(`{"hello": "world"}`)
	digest := ContentDigest(body)
	assert.Equal(t, "sha-256=:X48E9qOokqqrvdts8nOJRJN3OWDUoyWxBf7kbu9DBPE=:", digest)
	assert.NoError(t, VerifyContentDigest(digest, body))
	assert.ErrorIs(t, VerifyContentDigest(digest, []byte("tampered")), ErrDigestMismatch)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pubPEM, privPEM, err := GenerateEd25519()
	require.NoError(t, err)

	body := []byte(`{"location":{"lat":0,"lon":0,"ele":0}}`)
	r := httptest.NewRequest("POST", "https://a.example/register", bytes.NewReader(body))
	require.NoError(t, SignRequest(r, "alice@a.example",
		"https://a.example/.well-known/mrs/keys/alice", privPEM, body, time.Now()))

	params, err := ParseSignatureInput(r.Header.Get(HeaderSignatureInput))
	require.NoError(t, err)
	require.NoError(t, params.RequiredComponents(true))

	label, sig, err := ParseSignature(r.Header.Get(HeaderSignature))
	require.NoError(t, err)
	assert.Equal(t, params.Label, label)

	base, err := BuildBase(r, params)
	require.NoError(t, err)
	assert.NoError(t, Verify(AlgEd25519, pubPEM, []byte(base), sig))

	// Any covered component change must break the signature.
	r.Header.Set(HeaderIdentity, "mallory@a.example")
	base, err = BuildBase(r, params)
	require.NoError(t, err)
	assert.ErrorIs(t, Verify(AlgEd25519, pubPEM, []byte(base), sig), ErrVerifyFailed)
}

func TestVerifyWrongKey(t *testing.T) {
	pubPEM, _, err := GenerateEd25519()
	require.NoError(t, err)
	_, otherPriv, err := GenerateEd25519()
	require.NoError(t, err)

	sig, err := Sign(AlgEd25519, otherPriv, []byte("base"))
	require.NoError(t, err)
	assert.ErrorIs(t, Verify(AlgEd25519, pubPEM, []byte("base"), sig), ErrVerifyFailed)
}

func TestVerifyUnsupportedAlg(t *testing.T) {
	pubPEM, _, err := GenerateEd25519()
	require.NoError(t, err)
	assert.ErrorIs(t, Verify("hmac-sha256", pubPEM, []byte("x"), []byte("y")), ErrUnsupportedAlg)
}
