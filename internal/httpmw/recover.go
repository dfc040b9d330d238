package httpmw

import (
	"errors"
	"net/http"

	"github.com/genxfx/genx-gateway/internal/log"
	"github.com/genxfx/genx-gateway/internal/xerrors"
)

// panicBody matches the JSON error shape of every other gateway answer.
const panicBody = `{"error":"Internal server error"}` + "\n"

// Recover logs a handler panic with its stack and answers 500. onPanic runs
// after logging. http.ErrAbortHandler is re-raised so net/http still aborts
// the connection, the reverse proxy relies on that for broken upstream bodies.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				err, isErr := v.(error)
				if isErr && errors.Is(err, http.ErrAbortHandler) {
					panic(v)
				}
				if isErr {
					err = xerrors.WithStack(err)
				} else {
					err = xerrors.Newf("panic: %v", v)
				}

				L.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
				).Error(r.Context(), err, "panic serving request")

				if onPanic != nil {
					onPanic()
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Content-Type-Options", "nosniff")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(panicBody))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
