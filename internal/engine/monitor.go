package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/model"
)

// DefaultMonitorInterval is the proctor monitor's poll cadence.
const DefaultMonitorInterval = 10 * time.Second

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	AssessmentID uuid.UUID
	PollInterval time.Duration
	// AutoEndOnZero issues a timer-driven force end when the countdown
	// reaches zero.
	AutoEndOnZero bool
}

// MonitorView is what the proctor sees after the latest poll.
type MonitorView struct {
	Title           string
	CompletedCount  int
	TotalCount      int
	InProgressCount int
	Participants    []model.ParticipantStatus
	Remaining       int
	RemainingKnown  bool
	Countdown       string
	Ended           bool
	Stale           bool
	LastPoll        time.Time
}

// Monitor is the proctor-side adapter. It polls aggregate progress, keeps a
// local countdown between polls, and issues the force-end command.
type Monitor struct {
	backend ProctorBackend
	sched   Scheduler
	log     zerolog.Logger
	cfg     MonitorConfig

	clock  *DeadlineClock
	poller *Poller

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	snapshot  *model.MonitorSnapshot
	lastPoll  time.Time
	lastErr   error
	autoEnded bool
	stopped   bool
}

// NewMonitor creates a stopped Monitor.
func NewMonitor(backend ProctorBackend, sched Scheduler, log zerolog.Logger, cfg MonitorConfig) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultMonitorInterval
	}
	m := &Monitor{
		backend: backend,
		sched:   sched,
		log:     log.With().Str("component", "monitor").Str("assessment_id", cfg.AssessmentID.String()).Logger(),
		cfg:     cfg,
	}
	m.clock = NewDeadlineClock(sched, m.onZero)
	m.poller = NewPoller(sched, cfg.PollInterval, m.Poll, log)
	return m
}

// Start polls once and then on the configured interval. The first poll's
// error is returned but does not prevent the interval from starting.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	ctx = m.ctx
	m.mu.Unlock()

	err := m.Poll(ctx)
	m.poller.Start(ctx)
	return err
}

// Poll fetches the snapshot and replaces the local one wholesale. On failure
// the last snapshot is kept and marked stale.
func (m *Monitor) Poll(ctx context.Context) error {
	snap, err := m.backend.GetMonitorSnapshot(ctx, m.cfg.AssessmentID)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		m.lastErr = err
		m.mu.Unlock()
		return fmt.Errorf("poll monitor: %w", err)
	}

	m.snapshot = snap
	m.lastErr = nil
	m.lastPoll = m.sched.Now()

	expiredNow := false
	if snap.Ended {
		m.clock.Reset(nil)
	} else {
		expiredNow = m.clock.Reset(m.deadlineLocked(snap))
		m.clock.Start()
		// A failed timer-driven end is retried on the next poll.
		expiredNow = expiredNow || m.clock.Expired()
	}
	m.mu.Unlock()

	if expiredNow {
		m.onZero()
	}
	return nil
}

// ForceEnd ends every running session of the assessment, then re-polls so the
// view reflects the backend rather than the assumed effect.
func (m *Monitor) ForceEnd(ctx context.Context, isTimerDriven bool) error {
	if err := m.backend.ForceEndSession(ctx, m.cfg.AssessmentID, isTimerDriven); err != nil {
		return fmt.Errorf("force end: %w", err)
	}
	m.log.Info().Bool("timer_driven", isTimerDriven).Msg("Force end issued")

	m.mu.Lock()
	m.autoEnded = true
	m.mu.Unlock()

	if err := m.Poll(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Re-poll after force end failed")
	}
	return nil
}

// Stop cancels the poll interval and the countdown.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	m.poller.Stop()
	m.clock.Stop()
	if cancel != nil {
		cancel()
	}
	m.log.Debug().Msg("Monitor stopped")
}

// View returns the current display state.
func (m *Monitor) View() MonitorView {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining, known := m.clock.Remaining()
	v := MonitorView{
		Remaining:      remaining,
		RemainingKnown: known,
		Stale:          m.lastErr != nil,
		LastPoll:       m.lastPoll,
	}
	if m.snapshot == nil {
		return v
	}
	s := m.snapshot
	v.Title = s.Title
	v.CompletedCount = s.CompletedCount
	v.TotalCount = s.TotalCount
	v.InProgressCount = s.InProgressCount()
	v.Participants = append([]model.ParticipantStatus(nil), s.Participants...)
	v.Ended = s.Ended
	switch {
	case s.Ended:
		v.Countdown = "Ended"
	case known:
		v.Countdown = FormatCountdown(remaining)
	}
	return v
}

// LastError returns the error of the most recent poll.
func (m *Monitor) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// deadlineLocked prefers the explicit remaining-time field and falls back to
// the end timestamp.
func (m *Monitor) deadlineLocked(s *model.MonitorSnapshot) *time.Time {
	if secs, ok := ParseRemaining(s.RemainingTime); ok {
		d := m.sched.Now().Add(time.Duration(secs) * time.Second)
		return &d
	}
	return s.EndTime
}

func (m *Monitor) onZero() {
	m.mu.Lock()
	if !m.cfg.AutoEndOnZero || m.autoEnded || m.stopped || m.snapshot == nil || m.snapshot.Ended {
		m.mu.Unlock()
		return
	}
	m.autoEnded = true
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	m.log.Info().Msg("Countdown reached zero, ending sessions")
	m.sched.Go(func() {
		if err := m.ForceEnd(ctx, true); err != nil {
			m.log.Warn().Err(err).Msg("Timer-driven force end failed")
			m.mu.Lock()
			m.autoEnded = false
			m.lastErr = err
			m.mu.Unlock()
		}
	})
}
