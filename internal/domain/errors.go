package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Business-rule outcomes (already checked in, quest not active, no freeze
// tokens) are not errors; they travel in result structs as an Outcome.

var (
	// ErrNotFound is the root of every unknown-record error.
	ErrNotFound      = errors.New("not found")
	ErrUserNotFound  = wrapNotFound("user profile not found")
	ErrQuestNotFound = wrapNotFound("quest not found")

	// ErrVersionConflict means a compare-and-swap lost the race. Retried
	// internally; callers see ErrContention once the retry budget is spent.
	ErrVersionConflict = errors.New("version conflict")

	// ErrContention means the bounded retry loop gave up.
	ErrContention = errors.New("contention: retry budget exhausted, retry later")

	// ErrInvalidRequest marks malformed input. Never retried.
	ErrInvalidRequest = errors.New("invalid request")
)

type notFoundError struct{ msg string }

func (e *notFoundError) Error() string        { return e.msg }
func (e *notFoundError) Is(target error) bool { return target == ErrNotFound }

func wrapNotFound(msg string) error { return &notFoundError{msg: msg} }
