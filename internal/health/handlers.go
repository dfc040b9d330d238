package health

import "net/http"

func statusHandler(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okBody))
	}
}

// HealthzHandler serves 200 "ok" while p passes and 503 with the failure reason otherwise.
// A nil probe is always healthy.
func HealthzHandler(p Probe) http.HandlerFunc { return statusHandler(p, "ok\n") }

// ReadyzHandler is HealthzHandler for readiness, answering "ready".
func ReadyzHandler(p Probe) http.HandlerFunc { return statusHandler(p, "ready\n") }
