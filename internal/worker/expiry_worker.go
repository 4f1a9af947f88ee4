package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// SessionExpirer ends overdue sessions and returns their IDs.
type SessionExpirer interface {
	ExpireOverdue(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// ExpiryWorker periodically marks IN_PROGRESS sessions whose deadline passed
// as ENDED_BY_TIMEOUT, so participants that stopped polling still end.
type ExpiryWorker struct {
	sessions SessionExpirer
	clock    clockwork.Clock
	interval time.Duration
	log      zerolog.Logger
}

// NewExpiryWorker creates a new ExpiryWorker.
func NewExpiryWorker(sessions SessionExpirer, clock clockwork.Clock, interval time.Duration, log zerolog.Logger) *ExpiryWorker {
	return &ExpiryWorker{
		sessions: sessions,
		clock:    clock,
		interval: interval,
		log:      log.With().Str("component", "expiry_worker").Logger(),
	}
}

// Start sweeps on every tick until ctx is done. Call in a goroutine.
func (w *ExpiryWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("Worker started")

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.Chan():
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass and returns how many sessions it ended.
func (w *ExpiryWorker) Sweep(ctx context.Context) int {
	ids, err := w.sessions.ExpireOverdue(ctx, w.clock.Now())
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Expiry sweep failed")
		}
		return 0
	}
	for _, id := range ids {
		w.log.Info().Str("session_id", id.String()).Msg("Session ended by timeout")
	}
	return len(ids)
}
