package xerrors

import (
	"errors"
	"runtime"
	"strings"
	"testing"
)

var errRedisDown = errors.New("redis: connection refused")

type stacked = interface{ StackPCs() []uintptr }

// stackContains reports whether any frame's function contains substr.
func stackContains(pcs []uintptr, substr string) bool {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.Contains(fr.Function, substr) {
			return true
		}
		if !more {
			return false
		}
	}
}

func stackOf(t *testing.T, err error) []uintptr {
	t.Helper()
	var hs stacked
	if !errors.As(err, &hs) {
		t.Fatalf("%v carries no stack", err)
	}
	if len(hs.StackPCs()) == 0 {
		t.Fatal("empty stack")
	}
	return hs.StackPCs()
}

func TestNilPassthrough(t *testing.T) {
	for name, err := range map[string]error{
		"WithStack":   WithStack(nil),
		"EnsureTrace": EnsureTrace(nil),
		"Wrap":        Wrap(nil, "record request"),
		"Wrapf":       Wrapf(nil, "reset %q", "198.51.100.7"),
		"Join":        Join(nil, nil),
		"withStack":   withStackSkip(nil, 0),
	} {
		if err != nil {
			t.Errorf("%s(nil) = %v, want nil", name, err)
		}
	}
}

func TestNew(t *testing.T) {
	err := New("upstream: target must be an absolute url")
	if err.Error() != "upstream: target must be an absolute url" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !stackContains(stackOf(t, err), "TestNew") {
		t.Fatal("stack should contain the caller")
	}
	if _, ok := err.(interface{ IsXerrorsWrapper() }); !ok {
		t.Fatal("New should mark itself as an xerrors wrapper")
	}
}

func TestNewf(t *testing.T) {
	err := Newf("unexpected take reply length %d", 5)
	if err.Error() != "unexpected take reply length 5" {
		t.Fatalf("Error() = %q", err.Error())
	}
	stackOf(t, err)

	wrapped := Newf("scan: %w", errRedisDown)
	if !errors.Is(wrapped, errRedisDown) {
		t.Fatal("Newf should wrap its error argument")
	}
}

func TestWithStack(t *testing.T) {
	err := WithStack(errRedisDown)
	if err.Error() != errRedisDown.Error() {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, errRedisDown) || errors.Unwrap(err) != errRedisDown {
		t.Fatal("WithStack should unwrap to the original")
	}
	if !stackContains(stackOf(t, err), "TestWithStack") {
		t.Fatal("stack should contain the caller")
	}
}

func TestWrap(t *testing.T) {
	err := Wrap(errRedisDown, "check rate limit")
	if err.Error() != "check rate limit: redis: connection refused" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, errRedisDown) {
		t.Fatal("Wrap should unwrap")
	}

	w := err.(*wrap) //nolint:errorlint // internal type
	fn := runtime.FuncForPC(w.PC())
	if fn == nil || !strings.Contains(fn.Name(), "TestWrap") {
		t.Fatalf("PC should point at the caller, got %v", fn)
	}

	err = Wrapf(errRedisDown, "usage for %q", "2001:db8::1")
	if err.Error() != `usage for "2001:db8::1": redis: connection refused` {
		t.Fatalf("Wrapf Error() = %q", err.Error())
	}
}

func TestWrap_ChainKeepsEveryLayer(t *testing.T) {
	w1 := Wrap(errRedisDown, "redis take")
	w2 := Wrapf(w1, "allow %s", "203.0.113.1")
	w3 := Wrap(w2, "rate limit middleware")

	if got, want := w3.Error(), "rate limit middleware: allow 203.0.113.1: redis take: redis: connection refused"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(w3, errRedisDown) {
		t.Fatal("should unwrap through the chain")
	}
	pc1 := w1.(*wrap).PC() //nolint:errorlint // internal type
	pc2 := w2.(*wrap).PC() //nolint:errorlint // internal type
	if pc1 == 0 || pc2 == 0 || pc1 == pc2 {
		t.Fatalf("distinct call sites should give distinct PCs: %d %d", pc1, pc2)
	}
}

func TestEnsureTrace(t *testing.T) {
	plain := Wrap(errRedisDown, "sweep")
	traced := EnsureTrace(plain)
	if traced == plain {
		t.Fatal("plain chain should gain a stack")
	}
	stackOf(t, traced)
	if !errors.Is(traced, errRedisDown) {
		t.Fatal("EnsureTrace should unwrap")
	}

	if again := EnsureTrace(traced); again != traced {
		t.Fatal("EnsureTrace should be idempotent")
	}
	deep := Wrap(New("oldest score"), "take")
	if EnsureTrace(deep) != deep {
		t.Fatal("a stack deeper in the chain should be reused")
	}
}

func TestJoin(t *testing.T) {
	errClose := errors.New("close store")
	err := Join(nil, errRedisDown, nil, errClose)

	if !errors.Is(err, errRedisDown) || !errors.Is(err, errClose) {
		t.Fatalf("Join lost an error: %v", err)
	}
	if err.Error() != "redis: connection refused\nclose store" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !stackContains(stackOf(t, err), "TestJoin") {
		t.Fatal("stack should contain the caller")
	}
}

func TestCaptureStack(t *testing.T) {
	pcs := captureStack(0)
	if len(pcs) == 0 || !stackContains(pcs, "TestCaptureStack") {
		t.Fatal("captureStack(0) should start at the caller")
	}
	if callerPC(0) == 0 {
		t.Fatal("callerPC(0) = 0")
	}
}
