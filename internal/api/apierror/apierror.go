// Package apierror renders the stable MRS error envelope and maps error
// codes to HTTP statuses.
package apierror

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
)

// Code is a stable, client-visible error code.
type Code string

const (
	CodeInvalidGeometry  Code = "invalid_geometry"
	CodeInvalidURI       Code = "invalid_uri"
	CodeMissingField     Code = "missing_field"
	CodeTypeMismatch     Code = "type_mismatch"
	CodeUnauthorized     Code = "unauthorized"
	CodeForbidden        Code = "forbidden"
	CodeNotAuthoritative Code = "not_authoritative"
	CodeNotFound         Code = "not_found"
	CodeConflict         Code = "conflict"
	CodeRateLimited      Code = "rate_limited"
	CodeCursorExpired    Code = "cursor_expired"
	CodeInternal         Code = "internal"
)

// Response is the wire shape of every error the server emits.
type Response struct {
	Status  string         `json:"status"`
	Error   Code           `json:"error"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code Code) int {
	switch code {
	case CodeInvalidGeometry, CodeInvalidURI, CodeMissingField, CodeTypeMismatch, CodeCursorExpired:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden, CodeNotAuthoritative:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Option mutates the response before it is written.
type Option func(*Response)

// WithDetail attaches a structured detail object.
func WithDetail(detail map[string]any) Option {
	return func(resp *Response) {
		resp.Detail = detail
	}
}

// Write renders the envelope and logs the underlying error with the
// request-scoped logger: 5xx at error level, 4xx at warn.
func Write(w http.ResponseWriter, r *http.Request, code Code, message string, err error, opts ...Option) {
	WriteStatus(w, r, StatusFor(code), code, message, err, opts...)
}

// WriteStatus is Write with an explicit status, for the few statuses
// that have no code of their own (e.g. 413).
func WriteStatus(w http.ResponseWriter, r *http.Request, status int, code Code, message string, err error, opts ...Option) {
	resp := Response{Status: "error", Error: code, Message: message}
	for _, opt := range opts {
		opt(&resp)
	}

	if err != nil {
		logger := zerolog.Ctx(r.Context())
		event := logger.Warn()
		if status >= 500 {
			event = logger.Error()
		}
		event.
			Err(err).
			Int("status", status).
			Str("error_code", string(code)).
			Str("path", r.URL.Path).
			Str("method", r.Method).
			Msg(message)
	}

	writeResponse(w, status, resp)
}

// WriteInternal hides the underlying error behind a correlation id.
func WriteInternal(w http.ResponseWriter, r *http.Request, correlationID string, err error) {
	Write(w, r, CodeInternal, "internal server error", err,
		WithDetail(map[string]any{"correlation_id": correlationID}))
}

func writeResponse(w http.ResponseWriter, status int, resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","error":"internal","message":"internal server error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
