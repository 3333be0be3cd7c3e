package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_WrappedChain(t *testing.T) {
	base := New(KindInsufficientFunds, ReasonNoFunds)
	wrapped := fmt.Errorf("create trader: %w", base)

	if KindOf(wrapped) != KindInsufficientFunds {
		t.Errorf("Expected kind %s, got %s", KindInsufficientFunds, KindOf(wrapped))
	}
	if ReasonOf(wrapped) != ReasonNoFunds {
		t.Errorf("Expected reason %q, got %q", ReasonNoFunds, ReasonOf(wrapped))
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternal {
		t.Error("Unclassified errors should report KindInternal")
	}
	if KindOf(nil) != "" {
		t.Error("nil error should have empty kind")
	}
}

func TestWrap_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindTransientIO, cause, "fetch candles")

	if !errors.Is(err, cause) {
		t.Error("Wrapped error should unwrap to its cause")
	}
	if !Is(err, KindTransientIO) {
		t.Error("Expected transient IO kind")
	}
}
