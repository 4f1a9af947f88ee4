package model

import (
	"time"

	"github.com/google/uuid"
)

// AssessmentStatus enumerates the states of an assessment instance.
type AssessmentStatus string

const (
	AssessmentStatusPublished AssessmentStatus = "PUBLISHED"
	AssessmentStatusEnded     AssessmentStatus = "ENDED"
)

// Assessment is a scheduled, time-bounded exam instance run by a proctor.
type Assessment struct {
	ID              uuid.UUID        `json:"id"`
	Title           string           `json:"title"`
	ProctorID       int              `json:"proctor_id"`
	DurationMinutes int              `json:"duration_minutes"`
	PassMark        float64          `json:"pass_mark"`
	ScheduledStart  *time.Time       `json:"scheduled_start,omitempty"`
	ScheduledEnd    *time.Time       `json:"scheduled_end,omitempty"`
	Status          AssessmentStatus `json:"status"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// SessionDeadline returns the end timestamp for a session started at startedAt:
// the start plus the duration, capped by the scheduled end when one is set.
func (a *Assessment) SessionDeadline(startedAt time.Time) time.Time {
	end := startedAt.Add(time.Duration(a.DurationMinutes) * time.Minute)
	if a.ScheduledEnd != nil && a.ScheduledEnd.Before(end) {
		end = *a.ScheduledEnd
	}
	return end
}
