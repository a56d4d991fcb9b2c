package errs

import (
	"errors"
	"testing"
)

func TestNewAndKindOf(t *testing.T) {
	err := New(PARAM, "bad value %d", 7)
	if KindOf(err) != PARAM {
		t.Fatalf("KindOf = %v, want PARAM", KindOf(err))
	}
	if !Is(err, PARAM) {
		t.Fatalf("Is(err, PARAM) = false")
	}
	if !Is(err, ANY) {
		t.Fatalf("Is(err, ANY) = false")
	}
}

func TestPropagatePreservesKind(t *testing.T) {
	err := New(FS, "open failed")
	err = Propagate(err, "loading device.pem")
	err = Propagate(err, "key_tool_new")
	if KindOf(err) != FS {
		t.Fatalf("KindOf = %v, want FS", KindOf(err))
	}
	trace := Trace(err)
	if len(trace) != 3 {
		t.Fatalf("Trace length = %d, want 3: %v", len(trace), trace)
	}
	if trace[0] != "open failed" || trace[2] != "key_tool_new" {
		t.Fatalf("unexpected trace order: %v", trace)
	}
}

func TestRethrowChangesKindKeepsTrace(t *testing.T) {
	err := New(FIXEDSIZE, "buffer too small")
	err = Rethrow(err, RESPONSE, "at wire boundary")
	if KindOf(err) != RESPONSE {
		t.Fatalf("KindOf = %v, want RESPONSE", KindOf(err))
	}
	trace := Trace(err)
	if len(trace) != 2 || trace[0] != "buffer too small" || trace[1] != "at wire boundary" {
		t.Fatalf("unexpected trace: %v", trace)
	}
}

func TestPropagateNilIsNil(t *testing.T) {
	if Propagate(nil, "no-op") != nil {
		t.Fatal("Propagate(nil) should be nil")
	}
	if Rethrow(nil, PARAM, "no-op") != nil {
		t.Fatal("Rethrow(nil) should be nil")
	}
}

func TestWrapUnwrapsToCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(CONN, cause, "connecting to upstream")
	if KindOf(err) != CONN {
		t.Fatalf("KindOf = %v, want CONN", KindOf(err))
	}
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is should see through to the wrapped cause")
	}
}

func TestKindOfNonDitmError(t *testing.T) {
	if KindOf(errors.New("plain")) != ANY {
		t.Fatal("KindOf of a plain error should be ANY")
	}
	if KindOf(nil) != OK {
		t.Fatal("KindOf(nil) should be OK")
	}
}
