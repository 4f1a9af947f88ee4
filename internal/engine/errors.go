package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/stemsi/exstem-sync/internal/model"
)

// Sentinels for errors.Is checks against the typed errors below.
var (
	ErrNetwork      = errors.New("network error")
	ErrValidation   = errors.New("validation error")
	ErrSessionEnded = errors.New("session already ended")
	ErrNotFound     = errors.New("not found")
	// ErrSessionClosed is returned for local actions attempted after the
	// session reached a terminal state or the view was torn down.
	ErrSessionClosed = errors.New("session is closed")
)

// NetworkError is a transient failure talking to the backend. The engine keeps
// its last-known state and the next poll or action retries naturally.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// ValidationError is a local rejection; no network call was made for it.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// SessionEndedError is the backend's authoritative rejection of an action
// because the session already ended. Status carries the terminal state the
// backend reported, when it reported one.
type SessionEndedError struct {
	Status model.SessionStatus
}

func (e *SessionEndedError) Error() string {
	if e.Status == "" {
		return ErrSessionEnded.Error()
	}
	return fmt.Sprintf("%s (%s)", ErrSessionEnded.Error(), e.Status)
}

func (e *SessionEndedError) Is(target error) bool { return target == ErrSessionEnded }

// NotFoundError reports a missing session or assessment. It is fatal to the
// current view.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func validationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// endedStatus extracts the terminal status carried by a SessionEndedError,
// defaulting to ENDED_BY_AUTHORITY.
func endedStatus(err error) model.SessionStatus {
	var se *SessionEndedError
	if errors.As(err, &se) && se.Status.Terminal() {
		return se.Status
	}
	return model.SessionStatusEndedByAuthority
}
