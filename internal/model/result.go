package model

import "github.com/google/uuid"

// Verdict is the overall pass/fail outcome of a session.
type Verdict string

const (
	VerdictPassed Verdict = "PASSED"
	VerdictFailed Verdict = "FAILED"
)

// ItemVerdict values.
const (
	ItemCorrect    = "CORRECT"
	ItemWrong      = "WRONG"
	ItemUnanswered = "UNANSWERED"
)

// ItemResult is the per-item verdict shown on the results view.
type ItemResult struct {
	ItemID  uuid.UUID `json:"item_id"`
	Prompt  string    `json:"prompt"`
	Verdict string    `json:"verdict"`
}

// Result is the graded outcome of a session, computed by the backend.
type Result struct {
	SessionID      uuid.UUID     `json:"session_id"`
	Title          string        `json:"title"`
	Status         SessionStatus `json:"status"`
	Verdict        Verdict       `json:"verdict"`
	Score          float64       `json:"score"`
	Grade          string        `json:"grade"`
	ObtainedPoints int           `json:"obtained_points"`
	Items          []ItemResult  `json:"items"`
}
