// Package matcherrors holds the error taxonomy shared by matchmaking, the round
// engine, single-player runs and the HTTP transport.
package matcherrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for callers that need to map it to a response.
type Kind int

const (
	KindInfrastructure Kind = iota
	KindValidation
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "infrastructure"
	}
}

// Error is a classified error. Message is safe to show to clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same kind and message, so sentinels
// survive being re-created with a cause attached.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// Validation returns a malformed-input error.
func Validation(msg string) *Error { return &Error{Kind: KindValidation, Message: msg} }

// NotFound returns a missing-entity error.
func NotFound(msg string) *Error { return &Error{Kind: KindNotFound, Message: msg} }

// Conflict returns an error for an operation that lost a race or repeats a
// completed action.
func Conflict(msg string) *Error { return &Error{Kind: KindConflict, Message: msg} }

// Infrastructure wraps a store, network or timeout failure.
func Infrastructure(msg string, err error) *Error {
	return &Error{Kind: KindInfrastructure, Message: msg, Err: err}
}

// KindOf classifies err. Unclassified errors are infrastructure failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInfrastructure
}

// Message returns the client-safe message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

var (
	ErrMissingPlayerID   = Validation("playerId is required")
	ErrPlayerIDTooLong   = Validation("playerId is too long")
	ErrInvalidMatchID    = Validation("matchId is invalid")
	ErrNotInMatch        = Validation("player is not part of this match")
	ErrInvalidWinner     = Validation("winnerId is not part of this match")
	ErrInvalidScore      = Validation("score must be a non-negative integer")
	ErrInvalidBoard      = Validation("invalid leaderboard type")
	ErrLimitTooLarge     = Validation("limit cannot exceed 1000")
	ErrMatchNotFound     = NotFound("match not found")
	ErrRoundNotFound     = NotFound("round not found")
	ErrMatchFinished     = NotFound("match not found or already finished")
	ErrRunNotFound       = NotFound("run not found")
	ErrAlreadySubmitted  = Conflict("answer already submitted")
	ErrRoundCompleted    = Conflict("round already completed")
	ErrRunOver           = Conflict("run is over")
	ErrMatchNotActive    = Conflict("match is not active")
	ErrRoundMoved        = Conflict("round is no longer open")
	ErrRoundNotPersisted = Infrastructure("failed to create first round", nil)
)

// PlayerID trims raw and checks it is non-empty and at most maxLen bytes.
func PlayerID(raw string, maxLen int) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrMissingPlayerID
	}
	if maxLen > 0 && len(id) > maxLen {
		return "", ErrPlayerIDTooLong
	}
	return id, nil
}
