package httpsig

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SignRequest attaches MRS-Identity, Content-Digest, Signature-Input,
// and Signature headers covering the protocol's required components.
// keyURL becomes the keyid parameter and must resolve to the public half
// of privateKeyPEM.
func SignRequest(r *http.Request, identity, keyURL, privateKeyPEM string, body []byte, created time.Time) error {
	r.Header.Set(HeaderIdentity, identity)

	components := []string{"@method", "@path", "mrs-identity"}
	if len(body) > 0 {
		r.Header.Set(HeaderContentDigest, ContentDigest(body))
		components = append(components, "content-digest")
	}

	quoted := make([]string, len(components))
	for i, c := range components {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	raw := fmt.Sprintf("(%s);created=%d;keyid=%q;alg=%q",
		strings.Join(quoted, " "), created.Unix(), keyURL, AlgEd25519)

	params, err := ParseSignatureInput("sig1=" + raw)
	if err != nil {
		return fmt.Errorf("build signature input: %w", err)
	}
	base, err := BuildBase(r, params)
	if err != nil {
		return fmt.Errorf("build signature base: %w", err)
	}
	sig, err := Sign(AlgEd25519, privateKeyPEM, []byte(base))
	if err != nil {
		return err
	}

	r.Header.Set(HeaderSignatureInput, "sig1="+raw)
	r.Header.Set(HeaderSignature, "sig1=:"+base64.StdEncoding.EncodeToString(sig)+":")
	return nil
}
