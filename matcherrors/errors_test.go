package matcherrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", ErrMissingPlayerID, KindValidation},
		{"wrapped not found", fmt.Errorf("get match: %w", ErrMatchNotFound), KindNotFound},
		{"conflict", ErrAlreadySubmitted, KindConflict},
		{"non-active match", ErrMatchNotActive, KindConflict},
		{"plain error", errors.New("connection reset"), KindInfrastructure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSentinelMatchesWithCause(t *testing.T) {
	cause := errors.New("insert failed")
	err := Infrastructure("failed to create first round", cause)

	if !errors.Is(err, ErrRoundNotPersisted) {
		t.Error("expected error to match ErrRoundNotPersisted")
	}
	if !errors.Is(err, cause) {
		t.Error("expected error to unwrap to its cause")
	}
	if errors.Is(err, ErrMatchNotFound) {
		t.Error("expected no match against an unrelated sentinel")
	}
}

func TestMessage(t *testing.T) {
	if got := Message(fmt.Errorf("x: %w", ErrRoundCompleted)); got != "round already completed" {
		t.Errorf("expected sentinel message, got %q", got)
	}
	if got := Message(errors.New("pq: password authentication failed")); got != "internal error" {
		t.Errorf("expected generic message, got %q", got)
	}
}

func TestPlayerID(t *testing.T) {
	if id, err := PlayerID("  alice ", 10); err != nil || id != "alice" {
		t.Errorf("expected alice, got %q %v", id, err)
	}
	if _, err := PlayerID("   ", 10); !errors.Is(err, ErrMissingPlayerID) {
		t.Errorf("expected ErrMissingPlayerID, got %v", err)
	}
	if _, err := PlayerID("abcdefghijk", 10); !errors.Is(err, ErrPlayerIDTooLong) {
		t.Errorf("expected ErrPlayerIDTooLong, got %v", err)
	}
}
