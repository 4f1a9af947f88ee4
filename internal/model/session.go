package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates the lifecycle states of a participant session.
// The same vocabulary is used by the participant and the proctor views.
type SessionStatus string

const (
	SessionStatusNew              SessionStatus = "NEW"
	SessionStatusInProgress       SessionStatus = "IN_PROGRESS"
	SessionStatusCompleted        SessionStatus = "COMPLETED"
	SessionStatusEndedByTimeout   SessionStatus = "ENDED_BY_TIMEOUT"
	SessionStatusEndedByAuthority SessionStatus = "ENDED_BY_AUTHORITY"
)

// Terminal reports whether the status is one of the absorbing end states.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusEndedByTimeout, SessionStatusEndedByAuthority:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusNew, SessionStatusInProgress:
		return true
	}
	return s.Terminal()
}

// Session is one participant's attempt at one assessment.
type Session struct {
	ID              uuid.UUID            `json:"id"`
	AssessmentID    uuid.UUID            `json:"assessment_id"`
	ParticipantID   int                  `json:"participant_id"`
	Title           string               `json:"title"`
	Status          SessionStatus        `json:"status"`
	StartedAt       time.Time            `json:"started_at"`
	EndsAt          *time.Time           `json:"ends_at,omitempty"`
	FinishedAt      *time.Time           `json:"finished_at,omitempty"`
	Items           []Item               `json:"items"`
	LastAnsweredID  *uuid.UUID           `json:"last_answered_item_id,omitempty"`
	Answers         map[uuid.UUID]string `json:"answers"`
	FinalScore      *float64             `json:"final_score,omitempty"`
	DurationMinutes int                  `json:"duration_minutes"`
}

// ItemIDs returns the ordered item identifiers of the session.
func (s *Session) ItemIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(s.Items))
	for i, it := range s.Items {
		ids[i] = it.ID
	}
	return ids
}

// StartSessionRequest is the payload for starting (or resuming) a session.
type StartSessionRequest struct {
	AssessmentID uuid.UUID `json:"assessment_id" binding:"required"`
}

// SubmitAnswerRequest is the payload for recording a single answer.
type SubmitAnswerRequest struct {
	ItemID    uuid.UUID `json:"item_id" binding:"required"`
	OptionKey string    `json:"option_key" binding:"required,optionkey"`
}

// ForceEndRequest is the payload a proctor sends to end every running session of an assessment.
type ForceEndRequest struct {
	IsTimerDriven bool `json:"is_timer_driven"`
}
