package model

import (
	"time"

	"github.com/google/uuid"
)

// ParticipantStatus is one row of the proctor's attendance list.
type ParticipantStatus struct {
	ID            int           `json:"id"`
	SessionID     uuid.UUID     `json:"session_id"`
	Name          string        `json:"name"`
	Status        SessionStatus `json:"status"`
	AnsweredCount int           `json:"answered_count"`
}

// MonitorSnapshot is the proctor-side aggregate for one assessment. It is
// rebuilt wholesale on every poll.
type MonitorSnapshot struct {
	AssessmentID   uuid.UUID           `json:"assessment_id"`
	Title          string              `json:"title"`
	CompletedCount int                 `json:"completed_count"`
	TotalCount     int                 `json:"total_count"`
	StartTime      *time.Time          `json:"start_time,omitempty"`
	EndTime        *time.Time          `json:"end_time,omitempty"`
	RemainingTime  string              `json:"remaining_time,omitempty"`
	Ended          bool                `json:"ended"`
	Participants   []ParticipantStatus `json:"participants"`
}

// InProgressCount returns how many participants are still answering.
func (s *MonitorSnapshot) InProgressCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.Status == SessionStatusInProgress {
			n++
		}
	}
	return n
}
