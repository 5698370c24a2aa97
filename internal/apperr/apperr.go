// Package apperr classifies errors returned at the adapter boundaries
// so callers can switch on a kind instead of inspecting messages.
package apperr

import (
	"context"
	"errors"
)

var (
	ErrRejected      = errors.New("rejected by upstream")
	ErrMalformed     = errors.New("malformed response")
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrSessionBusy   = errors.New("session busy")
	ErrNothingToDo   = errors.New("nothing pending")
	ErrJournalWrite  = errors.New("journal write failed")
	ErrJournalLocked = errors.New("journal key not configured")
)

func Kind(err error) string {
	switch {
	case err == nil:
		return ""

	case errors.Is(err, ErrRejected):
		return "rejected"

	case errors.Is(err, ErrMalformed):
		return "malformed"

	case errors.Is(err, ErrNotFound):
		return "not_found"

	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"

	case errors.Is(err, ErrSessionBusy):
		return "busy"

	case errors.Is(err, ErrNothingToDo):
		return "nothing_pending"

	case errors.Is(err, ErrJournalWrite), errors.Is(err, ErrJournalLocked):
		return "persistence"

	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"

	case errors.Is(err, context.Canceled):
		return "canceled"

	default:
		return "internal"
	}
}

// Message returns the operator-facing text for err's kind.
func Message(err error) string {
	switch Kind(err) {
	case "":
		return ""
	case "rejected":
		return "upstream rejected the request"
	case "malformed":
		return "upstream sent an unrecognized response"
	case "not_found":
		return "not found"
	case "invalid_input":
		return "invalid input"
	case "busy":
		return "another operation is already in progress"
	case "nothing_pending":
		return "nothing is waiting for confirmation"
	case "persistence":
		return "could not save the journal record"
	case "timeout":
		return "upstream timed out"
	case "canceled":
		return "canceled"
	default:
		return "internal error"
	}
}
