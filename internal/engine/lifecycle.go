package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-sync/internal/model"
)

// Trigger identifies what drove a session to a terminal state. Triggers are
// ordered by precedence: an authority end beats a timeout, which beats a
// completion still in flight.
type Trigger int

const (
	TriggerCompletion Trigger = iota + 1
	TriggerTimeout
	TriggerAuthority
)

func (t Trigger) String() string {
	switch t {
	case TriggerCompletion:
		return "completion"
	case TriggerTimeout:
		return "timeout"
	case TriggerAuthority:
		return "authority"
	}
	return "unknown"
}

// Status returns the terminal status the trigger leads to.
func (t Trigger) Status() model.SessionStatus {
	switch t {
	case TriggerCompletion:
		return model.SessionStatusCompleted
	case TriggerTimeout:
		return model.SessionStatusEndedByTimeout
	case TriggerAuthority:
		return model.SessionStatusEndedByAuthority
	}
	return ""
}

// TriggerFor maps a terminal status to its trigger.
func TriggerFor(status model.SessionStatus) (Trigger, bool) {
	switch status {
	case model.SessionStatusCompleted:
		return TriggerCompletion, true
	case model.SessionStatusEndedByTimeout:
		return TriggerTimeout, true
	case model.SessionStatusEndedByAuthority:
		return TriggerAuthority, true
	}
	return 0, false
}

// Source values for Outcome.
const (
	SourceLocalClock = "local_clock"
	SourceReconcile  = "reconcile"
	SourceSubmission = "submission"
	SourceFinish     = "finish"
	SourceLoad       = "load"
)

// Outcome describes how a session ended.
type Outcome struct {
	SessionID uuid.UUID
	Status    model.SessionStatus
	Trigger   Trigger
	Source    string
	At        time.Time
}

func newOutcome(sessionID uuid.UUID, t Trigger, source string, at time.Time) Outcome {
	return Outcome{SessionID: sessionID, Status: t.Status(), Trigger: t, Source: source, At: at}
}

// Lifecycle is the local session state machine:
//
//	NEW -> IN_PROGRESS -> COMPLETED | ENDED_BY_TIMEOUT | ENDED_BY_AUTHORITY
//
// A terminal outcome is first proposed, then committed. Between the two the
// outcome can only be replaced by one of higher precedence. Terminal states
// absorb every later proposal.
type Lifecycle struct {
	status  model.SessionStatus
	pending *Outcome
	final   *Outcome
}

// NewLifecycle returns a machine in NEW.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{status: model.SessionStatusNew}
}

// Status returns the current state.
func (l *Lifecycle) Status() model.SessionStatus { return l.status }

// Terminal reports whether a terminal state has been committed.
func (l *Lifecycle) Terminal() bool { return l.status.Terminal() }

// Active reports whether answers are accepted: IN_PROGRESS with no terminal
// outcome pending.
func (l *Lifecycle) Active() bool {
	return l.status == model.SessionStatusInProgress && l.pending == nil
}

// Begin moves NEW to IN_PROGRESS.
func (l *Lifecycle) Begin() error {
	if l.status != model.SessionStatusNew {
		return fmt.Errorf("begin session: invalid transition from %s", l.status)
	}
	l.status = model.SessionStatusInProgress
	return nil
}

// Propose records a terminal outcome to commit later. It reports whether the
// proposal is now the pending outcome.
func (l *Lifecycle) Propose(o Outcome) bool {
	if l.status != model.SessionStatusInProgress {
		return false
	}
	if l.pending != nil && l.pending.Trigger >= o.Trigger {
		return false
	}
	l.pending = &o
	return true
}

// Pending returns the outcome awaiting commit.
func (l *Lifecycle) Pending() (Outcome, bool) {
	if l.pending == nil {
		return Outcome{}, false
	}
	return *l.pending, true
}

// Commit enters the pending terminal state. It reports false when there is
// nothing to commit, which makes a second commit a no-op.
func (l *Lifecycle) Commit() (Outcome, bool) {
	if l.pending == nil || l.status.Terminal() {
		return Outcome{}, false
	}
	o := *l.pending
	l.pending = nil
	l.status = o.Status
	l.final = &o
	return o, true
}

// Final returns the committed outcome.
func (l *Lifecycle) Final() (Outcome, bool) {
	if l.final == nil {
		return Outcome{}, false
	}
	return *l.final, true
}
