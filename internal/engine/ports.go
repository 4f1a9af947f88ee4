package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-sync/internal/model"
)

// ParticipantBackend is the subset of backend operations the participant
// engine consumes.
type ParticipantBackend interface {
	// StartSession is idempotent: calling it for an already started session
	// returns the current progress.
	StartSession(ctx context.Context, assessmentID uuid.UUID) (*model.Session, error)
	SubmitAnswer(ctx context.Context, sessionID, itemID uuid.UUID, optionKey string) error
	FinishSession(ctx context.Context, sessionID uuid.UUID) error
	GetResult(ctx context.Context, sessionID uuid.UUID) (*model.Result, error)
}

// ProctorBackend is the subset of backend operations the monitor consumes.
type ProctorBackend interface {
	GetMonitorSnapshot(ctx context.Context, assessmentID uuid.UUID) (*model.MonitorSnapshot, error)
	ForceEndSession(ctx context.Context, assessmentID uuid.UUID, isTimerDriven bool) error
}

// Store is a client-local durable key/value store. Get reports found=false
// for a missing key rather than an error.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Navigator receives the terminal outcome of a participant session. It is
// called exactly once per session, outside of any engine lock.
type Navigator interface {
	Navigate(outcome Outcome)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(Outcome)

func (f NavigatorFunc) Navigate(o Outcome) { f(o) }
