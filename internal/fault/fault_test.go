package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCarriesKindAndDetail(t *testing.T) {
	err := New(KindUnavailable, "task %d is busy", 7)
	if err.Error() != "unavailable: task 7 is busy" {
		t.Fatalf("unexpected rendering: %q", err.Error())
	}
	if KindOf(err) != KindUnavailable {
		t.Fatalf("expected unavailable, got %s", KindOf(err))
	}
	if !Is(err, KindUnavailable) || Is(err, KindNotFound) {
		t.Fatal("Is must match the kind exactly")
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(KindCycleDetected, "edge 3 -> 1 closes a loop")
	wrapped := fmt.Errorf("creating relationship: %w", inner)
	if KindOf(wrapped) != KindCycleDetected {
		t.Fatalf("kind lost through wrapping: %s", KindOf(wrapped))
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("database is locked (5)")
	err := Wrap(KindTxAborted, cause, "write retry budget (5) exhausted")
	if !errors.Is(err, cause) {
		t.Fatal("cause must stay on the chain")
	}
	if KindOf(err) != KindTxAborted {
		t.Fatalf("expected tx_aborted, got %s", KindOf(err))
	}
}

func TestUnclassifiedErrorsReadAsFatal(t *testing.T) {
	if KindOf(errors.New("surprise")) != KindFatal {
		t.Fatal("unclassified errors are invariant breaches")
	}
}

func TestRetryability(t *testing.T) {
	if !KindTxAborted.Retryable() {
		t.Fatal("tx_aborted is retryable")
	}
	for _, k := range []Kind{KindValidation, KindNotFound, KindUnavailable, KindCycleDetected, KindConflict, KindFatal} {
		if k.Retryable() {
			t.Fatalf("%s must not be retryable", k)
		}
	}
}
