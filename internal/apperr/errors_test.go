package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Persistence("chat.send", "insert_failed", cause)

	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence kind to match")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to match")
	}
	if errors.Is(err, ErrValidation) {
		t.Fatalf("did not expect validation kind to match")
	}
	if err.Error() != "chat.send.insert_failed: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestCodeOfFindsWrappedError(t *testing.T) {
	err := fmt.Errorf("handler: %w", NotAuthenticated("raid.submit"))
	if code := CodeOf(err); code != "raid.submit.not_authenticated" {
		t.Fatalf("unexpected code %q", code)
	}
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected not authenticated kind")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty code for unclassified error")
	}
}
