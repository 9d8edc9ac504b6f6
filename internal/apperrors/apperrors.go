package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound covers unknown ride and offer ids.
var ErrNotFound = errors.New("not found")

// ValidationError rejects malformed caller input before any state is
// mutated.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func Validation(field, msg string) error { return &ValidationError{Field: field, Msg: msg} }

func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ConflictReason narrows a StateConflictError so callers can react to the
// specific way a request lost.
type ConflictReason string

const (
	ReasonExpired           ConflictReason = "EXPIRED"
	ReasonAlreadyTaken      ConflictReason = "ALREADY_TAKEN"
	ReasonRideUnavailable   ConflictReason = "RIDE_UNAVAILABLE"
	ReasonIllegalTransition ConflictReason = "ILLEGAL_TRANSITION"
	ReasonActorNotAllowed   ConflictReason = "ACTOR_NOT_ALLOWED"
)

// StateConflictError rejects an illegal transition or a lost offer race.
// The engine never auto-retries; callers may retry at a higher level.
type StateConflictError struct {
	Reason ConflictReason
	Msg    string
}

func (e *StateConflictError) Error() string {
	if e.Msg == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Msg)
}

func Conflict(reason ConflictReason, msg string) error {
	return &StateConflictError{Reason: reason, Msg: msg}
}

func Conflictf(reason ConflictReason, format string, args ...any) error {
	return &StateConflictError{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// ConflictReasonOf returns the reason code carried by err, or "" when err
// is not a state conflict.
func ConflictReasonOf(err error) ConflictReason {
	var ce *StateConflictError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

// HTTPStatus maps a core error to the response status the API layer
// should emit.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case ConflictReasonOf(err) != "":
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
