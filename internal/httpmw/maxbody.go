package httpmw

import (
	"encoding/json"
	"net/http"
)

// MaxBody caps request bodies at limit bytes. A declared Content-Length over
// the cap is refused with a JSON 413 before the handler runs; bodies without a
// length are wrapped in http.MaxBytesReader so reads past the cap fail.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Connection", "close")
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":     "Request entity too large",
					"max_bytes": limit,
				})
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
