package httpmw

import (
	"net/http"
	"strconv"
	"time"
)

// HeaderResponseTime carries the time spent before the response headers were written.
const HeaderResponseTime = "X-Response-Time"

type timingWriter struct {
	http.ResponseWriter
	start       time.Time
	wroteHeader bool
}

func (tw *timingWriter) stamp() {
	if tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	secs := time.Since(tw.start).Seconds()
	tw.Header().Set(HeaderResponseTime, strconv.FormatFloat(secs, 'f', 4, 64)+"s")
}

func (tw *timingWriter) WriteHeader(code int) {
	tw.stamp()
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *timingWriter) Write(b []byte) (int, error) {
	tw.stamp()
	return tw.ResponseWriter.Write(b)
}

func (tw *timingWriter) Flush() {
	tw.stamp()
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (tw *timingWriter) Unwrap() http.ResponseWriter { return tw.ResponseWriter }

// ResponseTime sets X-Response-Time, e.g. "0.0123s", on every response.
// Headers are frozen once written so the value is time to first byte.
func ResponseTime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &timingWriter{ResponseWriter: w, start: time.Now()}
		next.ServeHTTP(tw, r)
		// handlers that never write still get a 200 with the header
		tw.stamp()
	})
}
