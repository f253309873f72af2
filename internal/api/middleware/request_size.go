package middleware

import "net/http"

const (
	// DefaultMaxBodySize caps registration and account request bodies.
	DefaultMaxBodySize int64 = 1 << 20
)

// RequestSize rejects request bodies larger than maxBytes with 413.
func RequestSize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
