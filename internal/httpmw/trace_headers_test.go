package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	testTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	testSpanID  = "00f067aa0ba902b7"
)

func sampledContext(t *testing.T) context.Context {
	t.Helper()
	tid, err := trace.TraceIDFromHex(testTraceID)
	if err != nil {
		t.Fatal(err)
	}
	sid, err := trace.SpanIDFromHex(testSpanID)
	if err != nil {
		t.Fatal(err)
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestTraceResponseHeaders(t *testing.T) {
	tests := []struct {
		name            string
		ctx             context.Context
		traceH, spanH   string
		wantTrace       string
		wantSpan        string
		wantTraceparent string
	}{
		{
			name: "defaults", ctx: sampledContext(t),
			wantTrace: testTraceID, wantSpan: testSpanID,
			wantTraceparent: "00-" + testTraceID + "-" + testSpanID + "-01",
		},
		{
			name: "custom names", ctx: sampledContext(t), traceH: "X-Genx-Trace", spanH: "X-Genx-Span",
			wantTrace: testTraceID, wantSpan: testSpanID,
			wantTraceparent: "00-" + testTraceID + "-" + testSpanID + "-01",
		},
		{name: "no span", ctx: context.Background()},
		{name: "noop span", ctx: trace.ContextWithSpan(context.Background(), noop.Span{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := TraceResponseHeaders(tt.traceH, tt.spanH)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusTooManyRequests)
			}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/quotes", nil).WithContext(tt.ctx))

			if !called {
				t.Fatal("handler not called")
			}
			traceH, spanH := tt.traceH, tt.spanH
			if traceH == "" {
				traceH, spanH = "X-Trace-Id", "X-Span-Id"
			}
			if got := rec.Header().Get(traceH); got != tt.wantTrace {
				t.Errorf("%s = %q, want %q", traceH, got, tt.wantTrace)
			}
			if got := rec.Header().Get(spanH); got != tt.wantSpan {
				t.Errorf("%s = %q, want %q", spanH, got, tt.wantSpan)
			}
			if got := rec.Header().Get(HeaderTraceResponse); got != tt.wantTraceparent {
				t.Errorf("%s = %q, want %q", HeaderTraceResponse, got, tt.wantTraceparent)
			}
		})
	}
}
