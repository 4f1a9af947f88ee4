package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PollFunc fetches authoritative state and reconciles it. It must not change
// lifecycle state when it returns an error.
type PollFunc func(ctx context.Context) error

// Poller runs a PollFunc on a fixed interval. A failed poll is recorded as a
// transient error and the cadence is unchanged; overlapping polls are skipped.
type Poller struct {
	sched    Scheduler
	interval time.Duration
	fetch    PollFunc
	log      zerolog.Logger

	mu       sync.Mutex
	handle   Handle
	ctx      context.Context
	cancel   context.CancelFunc
	inFlight bool
	lastErr  error
	failures int
	polls    int
}

// NewPoller creates a stopped Poller.
func NewPoller(sched Scheduler, interval time.Duration, fetch PollFunc, log zerolog.Logger) *Poller {
	return &Poller{
		sched:    sched,
		interval: interval,
		fetch:    fetch,
		log:      log.With().Str("component", "poller").Logger(),
	}
}

// Start arms the interval timer. Polls run with a context derived from ctx
// that is cancelled by Stop.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle != nil || p.interval <= 0 {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.handle = p.sched.Every(p.interval, p.Trigger)
}

// Trigger starts a poll now unless one is already in flight or the poller is
// stopped.
func (p *Poller) Trigger() {
	p.mu.Lock()
	if p.handle == nil || p.inFlight {
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	ctx := p.ctx
	p.mu.Unlock()

	p.sched.Go(func() {
		err := p.fetch(ctx)

		p.mu.Lock()
		p.inFlight = false
		p.polls++
		p.lastErr = err
		if err != nil {
			p.failures++
		} else {
			p.failures = 0
		}
		failures := p.failures
		p.mu.Unlock()

		if err != nil && ctx.Err() == nil {
			p.log.Warn().Err(err).Int("consecutive_failures", failures).Msg("Poll failed, keeping last known state")
		}
	})
}

// Stop cancels the interval timer and any in-flight poll.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		return
	}
	p.handle.Cancel()
	p.handle = nil
	p.cancel()
	p.log.Debug().Msg("Poller stopped")
}

// Running reports whether the interval timer is armed.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle != nil
}

// LastError returns the error of the most recent poll, nil after a success.
func (p *Poller) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Polls returns how many polls have completed.
func (p *Poller) Polls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}
