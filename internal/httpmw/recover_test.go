package httpmw

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/genxfx/genx-gateway/internal/log"
)

func TestRecover(t *testing.T) {
	tests := []struct {
		name   string
		panicV any
	}{
		{"string", "nil map write"},
		{"error", errors.New("store exploded")},
		{"int", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &recLogger{}
			var panics int
			h := RequestID("")(Recover(l, func() { panics++ })(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				panic(tt.panicV)
			})))

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
			req.Header.Set(DefaultRequestIDHeader, "req-7")
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("Content-Type = %q", ct)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] != "Internal server error" {
				t.Fatalf("body = %q (%v)", rec.Body.String(), err)
			}
			if panics != 1 {
				t.Fatalf("onPanic called %d times", panics)
			}

			e := l.last(t)
			if e.level != "error" || e.msg != "panic serving request" {
				t.Fatalf("entry = %s %q", e.level, e.msg)
			}
			for k, want := range map[string]string{
				"http.request.method": http.MethodPost,
				"url.path":            "/api/v1/orders",
				"request_id":          "req-7",
			} {
				if got, _ := field(l.withs, k); got != want {
					t.Errorf("%s = %v, want %s", k, got, want)
				}
			}
		})
	}
}

func TestRecover_ErrorKeepsChain(t *testing.T) {
	sentinel := errors.New("boom")
	var got error
	spy := &errLogger{recLogger: &recLogger{}, got: &got}
	h := Recover(spy, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic(sentinel) }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !errors.Is(got, sentinel) {
		t.Fatalf("logged error %v does not wrap the panic value", got)
	}
}

// errLogger keeps the error passed to Error.
type errLogger struct {
	*recLogger
	got *error
}

func (l *errLogger) With(kv ...any) log.Logger { return l }

func (l *errLogger) Error(_ context.Context, err error, msg string, kv ...any) { *l.got = err }

func TestRecover_NoPanic(t *testing.T) {
	h := Recover(nil, func() { t.Fatal("onPanic called without a panic") })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("queued"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil))
	if rec.Code != http.StatusAccepted || rec.Body.String() != "queued" {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
}

func TestRecover_AbortHandlerRepanics(t *testing.T) {
	h := Recover(nil, func() { t.Fatal("onPanic called for ErrAbortHandler") })(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if v := recover(); v != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", v)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	t.Fatal("ErrAbortHandler was swallowed")
}

func TestRecover_NoLoggerStillAnswers(t *testing.T) {
	h := Recover(nil, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("x") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "Internal server error") {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
}
