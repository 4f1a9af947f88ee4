package service

import (
	"errors"
	"fmt"

	"github.com/stemsi/exstem-sync/internal/model"
)

// Domain errors returned by the services. Handlers map them to response codes.
var (
	ErrNotFound          = errors.New("not found")
	ErrItemNotFound      = errors.New("item not found in assessment")
	ErrNotOwner          = errors.New("session belongs to another participant")
	ErrNotProctor        = errors.New("assessment belongs to another proctor")
	ErrInvalidOption     = errors.New("option not offered by item")
	ErrSessionEnded      = errors.New("session already ended")
	ErrSessionActive     = errors.New("session still in progress")
	ErrIncomplete        = errors.New("not every item is answered")
	ErrAssessmentEnded   = errors.New("assessment already ended")
	ErrAssessmentPending = errors.New("assessment has not started")
)

// SessionEndedError carries the terminal status a rejected action ran into.
type SessionEndedError struct {
	Status model.SessionStatus
}

func (e *SessionEndedError) Error() string {
	return fmt.Sprintf("%s (%s)", ErrSessionEnded.Error(), e.Status)
}

func (e *SessionEndedError) Is(target error) bool { return target == ErrSessionEnded }

// IncompleteError reports how many items are still unanswered.
type IncompleteError struct {
	Missing int
	Total   int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("%d of %d items unanswered", e.Missing, e.Total)
}

func (e *IncompleteError) Is(target error) bool { return target == ErrIncomplete }
