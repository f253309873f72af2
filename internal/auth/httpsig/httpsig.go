// Package httpsig implements the subset of RFC 9421 HTTP Message
// Signatures the MRS protocol uses: single-signature messages over the
// components @method, @path, content-digest, and mrs-identity.
package httpsig

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	// HeaderSignatureInput and friends are the wire headers involved in a
	// signed MRS request.
	HeaderSignatureInput = "Signature-Input"
	HeaderSignature      = "Signature"
	HeaderIdentity       = "MRS-Identity"
	HeaderContentDigest  = "Content-Digest"
)

var (
	ErrMalformed        = errors.New("malformed signature header")
	ErrMissingComponent = errors.New("required component not covered")
)

// Params is one parsed Signature-Input entry. Raw preserves the exact
// serialization after the label so the signature base reproduces what
// the signer hashed.
type Params struct {
	Label      string
	Components []string
	Created    int64
	HasCreated bool
	KeyID      string
	Alg        string
	Raw        string
}

// RequiredComponents reports whether the covered-component list includes
// everything the protocol mandates. content-digest is required only when
// the request carries a body.
func (p Params) RequiredComponents(hasBody bool) error {
	need := []string{"@method", "@path", "mrs-identity"}
	if hasBody {
		need = append(need, "content-digest")
	}
	have := make(map[string]bool, len(p.Components))
	for _, c := range p.Components {
		have[c] = true
	}
	for _, c := range need {
		if !have[c] {
			return fmt.Errorf("%w: %s", ErrMissingComponent, c)
		}
	}
	return nil
}

// ParseSignatureInput parses a single-entry Signature-Input header.
func ParseSignatureInput(header string) (Params, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Params{}, fmt.Errorf("%w: empty Signature-Input", ErrMalformed)
	}

	eq := strings.Index(header, "=")
	if eq <= 0 {
		return Params{}, fmt.Errorf("%w: no label", ErrMalformed)
	}
	p := Params{Label: strings.TrimSpace(header[:eq]), Raw: header[eq+1:]}

	rest := p.Raw
	if !strings.HasPrefix(rest, "(") {
		return Params{}, fmt.Errorf("%w: component list must be parenthesized", ErrMalformed)
	}
	close := strings.Index(rest, ")")
	if close < 0 {
		return Params{}, fmt.Errorf("%w: unterminated component list", ErrMalformed)
	}

	for _, item := range strings.Fields(rest[1:close]) {
		component, err := unquote(item)
		if err != nil {
			return Params{}, err
		}
		p.Components = append(p.Components, strings.ToLower(component))
	}

	for _, part := range strings.Split(rest[close+1:], ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return Params{}, fmt.Errorf("%w: bad parameter %q", ErrMalformed, part)
		}
		key, value := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		switch key {
		case "created":
			created, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Params{}, fmt.Errorf("%w: created is not an integer", ErrMalformed)
			}
			p.Created = created
			p.HasCreated = true
		case "keyid":
			keyID, err := unquote(value)
			if err != nil {
				return Params{}, err
			}
			p.KeyID = keyID
		case "alg":
			alg, err := unquote(value)
			if err != nil {
				return Params{}, err
			}
			p.Alg = strings.ToLower(alg)
		default:
			// Unknown parameters stay in Raw and are covered by the base.
		}
	}
	return p, nil
}

// ParseSignature parses a single-entry Signature header into the label
// and raw signature bytes.
func ParseSignature(header string) (string, []byte, error) {
	header = strings.TrimSpace(header)
	eq := strings.Index(header, "=")
	if eq <= 0 {
		return "", nil, fmt.Errorf("%w: no label in Signature", ErrMalformed)
	}
	label := strings.TrimSpace(header[:eq])
	value := strings.TrimSpace(header[eq+1:])
	if len(value) < 2 || value[0] != ':' || value[len(value)-1] != ':' {
		return "", nil, fmt.Errorf("%w: signature must be a byte sequence", ErrMalformed)
	}
	sig, err := decodeBase64(value[1 : len(value)-1])
	if err != nil {
		return "", nil, fmt.Errorf("%w: bad signature encoding", ErrMalformed)
	}
	return label, sig, nil
}

// BuildBase reconstructs the RFC 9421 signature base for the request.
func BuildBase(r *http.Request, p Params) (string, error) {
	var b strings.Builder
	for _, component := range p.Components {
		value, err := componentValue(r, component)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%q: %s\n", component, value)
	}
	fmt.Fprintf(&b, "%q: %s", "@signature-params", p.Raw)
	return b.String(), nil
}

func componentValue(r *http.Request, component string) (string, error) {
	switch component {
	case "@method":
		return strings.ToUpper(r.Method), nil
	case "@path":
		path := r.URL.Path
		if path == "" {
			path = "/"
		}
		return path, nil
	case "@authority":
		return r.Host, nil
	default:
		if strings.HasPrefix(component, "@") {
			return "", fmt.Errorf("%w: unsupported derived component %s", ErrMalformed, component)
		}
		values := r.Header.Values(http.CanonicalHeaderKey(component))
		if len(values) == 0 {
			return "", fmt.Errorf("%w: header %s absent", ErrMissingComponent, component)
		}
		trimmed := make([]string, len(values))
		for i, v := range values {
			trimmed[i] = strings.TrimSpace(v)
		}
		return strings.Join(trimmed, ", "), nil
	}
}

func unquote(s string) (string, error) {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", fmt.Errorf("%w: expected quoted string, got %q", ErrMalformed, s)
	}
	return s[1 : len(s)-1], nil
}
