package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapNilReturnsNil(t *testing.T) {
	if err := Wrap(KindConnection, nil, "connect"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestKindOfUnwrapsChain(t *testing.T) {
	inner := New(KindProtocol, "exception 2")
	outer := fmt.Errorf("read device a: %w", inner)
	if got := KindOf(outer); got != KindProtocol {
		t.Fatalf("expected protocol kind, got %q", got)
	}
}

func TestKindOfUntagged(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty kind, got %q", got)
	}
}

func TestIsKindMatchesWrappedCause(t *testing.T) {
	err := Wrap(KindConnection, errors.New("dial tcp: refused"), "connect 10.0.0.5:502")
	if !IsKind(err, KindConnection) {
		t.Fatal("expected connection kind")
	}
	if IsKind(err, KindDecode) {
		t.Fatal("unexpected decode kind")
	}
}

func TestErrorStringIncludesKindAndCause(t *testing.T) {
	err := Wrap(KindDecode, errors.New("short buffer"), "parameter temperature")
	want := "decode: parameter temperature: short buffer"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
}
