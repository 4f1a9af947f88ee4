package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/model"
)

// DefaultFlushWait bounds how long a local timeout waits for in-flight
// submissions before the session is finalized anyway.
const DefaultFlushWait = 5 * time.Second

// Config configures a participant engine.
type Config struct {
	AssessmentID uuid.UUID
	// FlushWait bounds the flush of pending answers after a local timeout.
	FlushWait time.Duration
	// PollInterval enables periodic reconciliation. Zero reconciles only on
	// explicit Reconcile calls.
	PollInterval time.Duration
}

// Participant drives one participant session: it ticks the deadline, caches
// and submits answers, reconciles with the backend, and walks the lifecycle
// to exactly one terminal outcome.
type Participant struct {
	backend ParticipantBackend
	store   Store
	sched   Scheduler
	nav     Navigator
	log     zerolog.Logger
	cfg     Config

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	lc            *Lifecycle
	clock         *DeadlineClock
	poller        *Poller
	cache         *AnswerCache
	session       *model.Session
	current       int
	starting      bool
	closed        bool
	inflight      int
	inflightItems map[uuid.UUID]int
	awaitFlush    bool
	drainExpired  bool
	drain         Handle
	lastErr       error
	done          chan struct{}
	doneOnce      sync.Once
}

// NewParticipant creates an engine in NEW. nav may be nil.
func NewParticipant(backend ParticipantBackend, store Store, sched Scheduler, nav Navigator, log zerolog.Logger, cfg Config) *Participant {
	if cfg.FlushWait <= 0 {
		cfg.FlushWait = DefaultFlushWait
	}
	p := &Participant{
		backend:       backend,
		store:         store,
		sched:         sched,
		nav:           nav,
		log:           log.With().Str("component", "participant").Str("assessment_id", cfg.AssessmentID.String()).Logger(),
		cfg:           cfg,
		lc:            NewLifecycle(),
		inflightItems: make(map[uuid.UUID]int),
		done:          make(chan struct{}),
	}
	p.clock = NewDeadlineClock(sched, p.onLocalTimeout)
	p.poller = NewPoller(sched, cfg.PollInterval, p.Reconcile, log)
	return p
}

// Start loads (or resumes) the session, restores cached answers and starts
// the countdown. A session the backend already ended is finalized at once.
func (p *Participant) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.lc.Status() != model.SessionStatusNew || p.starting || p.closed {
		p.mu.Unlock()
		return fmt.Errorf("start session: already %s", p.lc.Status())
	}
	p.starting = true
	p.mu.Unlock()

	sess, err := p.backend.StartSession(ctx, p.cfg.AssessmentID)
	if err != nil {
		p.mu.Lock()
		p.starting = false
		p.lastErr = err
		p.mu.Unlock()
		return fmt.Errorf("start session: %w", err)
	}

	cache := NewAnswerCache(p.store, sess.ID, p.backend, p.log)
	current := resumeIndex(sess)
	var currentID uuid.UUID
	if current < len(sess.Items) {
		currentID = sess.Items[current].ID
	}
	if err := cache.Restore(ctx, sess.Answers, currentID); err != nil {
		p.mu.Lock()
		p.starting = false
		p.mu.Unlock()
		return fmt.Errorf("start session: %w", err)
	}

	p.mu.Lock()
	p.starting = false
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.session = sess
	p.cache = cache
	p.current = current
	p.log = p.log.With().Str("session_id", sess.ID.String()).Logger()
	if err := p.lc.Begin(); err != nil {
		p.mu.Unlock()
		return err
	}

	expiredNow := p.clock.Reset(sess.EndsAt)
	switch t, terminal := TriggerFor(sess.Status); {
	case terminal:
		p.proposeLocked(t, SourceLoad, false)
	case expiredNow:
		p.beginTimeoutLocked(SourceLoad)
	default:
		p.clock.Start()
		p.poller.Start(p.ctx)
	}
	remaining, known := p.clock.Remaining()
	p.log.Info().
		Int("items", len(sess.Items)).
		Int("answered", len(cache.Answers())).
		Int("remaining_seconds", remaining).
		Bool("deadline_known", known).
		Msg("Session started")
	out := p.settleLocked()
	p.mu.Unlock()

	p.finalize(out)
	return nil
}

// RecordAnswer selects optionKey for itemID, persists it locally before
// returning and submits it in the background.
func (p *Participant) RecordAnswer(itemID uuid.UUID, optionKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.acceptingLocked() {
		return ErrSessionClosed
	}
	item, ok := p.itemLocked(itemID)
	if !ok {
		return validationError("item_id", "item is not part of this session")
	}
	if !item.HasOption(optionKey) {
		return validationError("option_key", fmt.Sprintf("option %q is not offered", optionKey))
	}
	if err := p.cache.Record(p.ctx, itemID, optionKey); err != nil {
		return err
	}

	p.beginOpLocked(itemID)
	ctx, cache := p.ctx, p.cache
	p.sched.Go(func() {
		err := cache.Submit(ctx, itemID)
		_ = p.endOp(itemID, SourceSubmission, 0, err)
	})
	return nil
}

// FlushCurrent synchronously submits the selection for the item in view.
func (p *Participant) FlushCurrent(ctx context.Context) error {
	p.mu.Lock()
	if !p.acceptingLocked() {
		p.mu.Unlock()
		return ErrSessionClosed
	}
	if len(p.session.Items) == 0 {
		p.mu.Unlock()
		return nil
	}
	itemID := p.session.Items[p.current].ID
	p.mu.Unlock()
	return p.flush(ctx, itemID)
}

func (p *Participant) flush(ctx context.Context, itemID uuid.UUID) error {
	p.mu.Lock()
	if !p.acceptingLocked() {
		p.mu.Unlock()
		return ErrSessionClosed
	}
	if _, ok := p.cache.Selected(itemID); !ok {
		p.mu.Unlock()
		return nil
	}
	p.beginOpLocked(itemID)
	cache := p.cache
	p.mu.Unlock()

	err := cache.Submit(ctx, itemID)
	return p.endOp(itemID, SourceSubmission, 0, err)
}

// Next flushes the current answer and moves to the following item. A network
// failure still moves; the answer stays cached and the error is returned for
// display.
func (p *Participant) Next(ctx context.Context) error {
	return p.move(ctx, 1)
}

// Prev flushes the current answer and moves to the preceding item.
func (p *Participant) Prev(ctx context.Context) error {
	return p.move(ctx, -1)
}

// Goto flushes the current answer and jumps to the item at index.
func (p *Participant) Goto(ctx context.Context, index int) error {
	p.mu.Lock()
	if p.session == nil {
		p.mu.Unlock()
		return ErrSessionClosed
	}
	delta := index - p.current
	p.mu.Unlock()
	return p.move(ctx, delta)
}

func (p *Participant) move(ctx context.Context, delta int) error {
	err := p.FlushCurrent(ctx)
	if err != nil && !errors.Is(err, ErrNetwork) {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.acceptingLocked() {
		return ErrSessionClosed
	}
	if len(p.session.Items) == 0 {
		return err
	}
	p.current = clamp(p.current+delta, 0, len(p.session.Items)-1)
	return err
}

// Save flushes the current answer and tears the view down, leaving the
// session IN_PROGRESS with its cached answers intact.
func (p *Participant) Save(ctx context.Context) error {
	err := p.FlushCurrent(ctx)
	if err != nil && !errors.Is(err, ErrNetwork) {
		return err
	}
	p.Close()
	return err
}

// Complete finishes the session. It is rejected locally, without a network
// call, while any item is unanswered.
func (p *Participant) Complete(ctx context.Context) error {
	p.mu.Lock()
	if !p.acceptingLocked() {
		p.mu.Unlock()
		return ErrSessionClosed
	}
	ids := p.session.ItemIDs()
	if missing := p.cache.Missing(ids); len(missing) > 0 {
		p.mu.Unlock()
		return validationError("answers", fmt.Sprintf("%d of %d items unanswered", len(missing), len(ids)))
	}
	pending := p.cache.Unconfirmed(ids)
	p.mu.Unlock()

	for _, id := range pending {
		if err := p.flush(ctx, id); err != nil {
			return fmt.Errorf("complete session: %w", err)
		}
	}

	p.mu.Lock()
	if !p.acceptingLocked() {
		p.mu.Unlock()
		return ErrSessionClosed
	}
	p.beginOpLocked(uuid.Nil)
	sessionID := p.session.ID
	p.mu.Unlock()

	err := p.backend.FinishSession(ctx, sessionID)
	return p.endOp(uuid.Nil, SourceFinish, TriggerCompletion, err)
}

// Reconcile fetches the authoritative session state and applies it: the
// deadline is replaced, and a terminal status the backend reports is entered
// immediately. A failed fetch changes nothing but LastError.
func (p *Participant) Reconcile(ctx context.Context) error {
	p.mu.Lock()
	if p.session == nil || p.lc.Terminal() || p.closed {
		p.mu.Unlock()
		return ErrSessionClosed
	}
	p.mu.Unlock()

	sess, err := p.backend.StartSession(ctx, p.cfg.AssessmentID)

	p.mu.Lock()
	if p.lc.Terminal() || p.closed {
		p.mu.Unlock()
		return nil
	}
	if err != nil {
		err = p.handleErrLocked(SourceReconcile, err)
		out := p.settleLocked()
		p.mu.Unlock()
		p.finalize(out)
		return fmt.Errorf("reconcile session: %w", err)
	}

	p.lastErr = nil
	p.cache.Confirm(sess.Answers)
	p.session.EndsAt = sess.EndsAt
	expiredNow := p.clock.Reset(sess.EndsAt)

	switch t, terminal := TriggerFor(sess.Status); {
	case terminal:
		if !p.proposeLocked(t, SourceReconcile, false) {
			if pending, ok := p.lc.Pending(); ok && pending.Trigger == t {
				// Server confirmed what is already pending; stop waiting on the flush.
				p.awaitFlush = false
			}
		}
	case expiredNow:
		p.beginTimeoutLocked(SourceReconcile)
	case p.lc.Active():
		p.clock.Start()
	}
	out := p.settleLocked()
	p.mu.Unlock()

	p.finalize(out)
	return nil
}

// Close tears the view down without ending the session. Timers are cancelled
// and the durable answer entry is kept for a later resume.
func (p *Participant) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.teardownLocked()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.doneOnce.Do(func() { close(p.done) })
	p.log.Debug().Msg("Participant view closed")
}

// Result fetches the graded result once the session has ended.
func (p *Participant) Result(ctx context.Context) (*model.Result, error) {
	p.mu.Lock()
	if p.session == nil {
		p.mu.Unlock()
		return nil, ErrSessionClosed
	}
	sessionID := p.session.ID
	p.mu.Unlock()

	res, err := p.backend.GetResult(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return res, nil
}

// State returns the lifecycle status.
func (p *Participant) State() model.SessionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lc.Status()
}

// Pending returns the terminal outcome waiting on the answer flush, if any.
func (p *Participant) Pending() (Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lc.Pending()
}

// Outcome returns the committed terminal outcome.
func (p *Participant) Outcome() (Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lc.Final()
}

// Done is closed once the session reaches a terminal state or the view is
// closed.
func (p *Participant) Done() <-chan struct{} { return p.done }

// Remaining returns the countdown in whole seconds.
func (p *Participant) Remaining() (int, bool) {
	return p.clock.Remaining()
}

// Session returns a copy of the local session projection.
func (p *Participant) Session() (model.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return model.Session{}, false
	}
	return *p.session, true
}

// Current returns the item in view and its index.
func (p *Participant) Current() (model.Item, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil || len(p.session.Items) == 0 {
		return model.Item{}, 0, false
	}
	return p.session.Items[p.current], p.current, true
}

// Answers returns the local selections.
func (p *Participant) Answers() map[uuid.UUID]string {
	p.mu.Lock()
	cache := p.cache
	p.mu.Unlock()
	if cache == nil {
		return nil
	}
	return cache.Answers()
}

// LastError returns the most recent transient error, cleared by a successful
// reconciliation.
func (p *Participant) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// InFlight reports how many backend calls are outstanding.
func (p *Participant) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight
}

func (p *Participant) onLocalTimeout() {
	p.mu.Lock()
	if !p.acceptingLocked() {
		p.mu.Unlock()
		return
	}
	p.beginTimeoutLocked(SourceLocalClock)
	out := p.settleLocked()
	p.mu.Unlock()

	p.finalize(out)
}

// beginTimeoutLocked proposes a timeout and flushes every unconfirmed answer
// not already in flight. Commit waits for the flush, bounded by FlushWait.
func (p *Participant) beginTimeoutLocked(source string) {
	if !p.proposeLocked(TriggerTimeout, source, true) {
		return
	}
	ctx, cache := p.ctx, p.cache
	for _, id := range cache.Unconfirmed(p.session.ItemIDs()) {
		if p.inflightItems[id] > 0 {
			continue
		}
		itemID := id
		p.beginOpLocked(itemID)
		p.sched.Go(func() {
			err := cache.Submit(ctx, itemID)
			_ = p.endOp(itemID, SourceSubmission, 0, err)
		})
	}
	if p.inflight > 0 {
		p.log.Info().Int("in_flight", p.inflight).Dur("flush_wait", p.cfg.FlushWait).Msg("Deadline reached, flushing pending answers")
		p.drain = p.sched.After(p.cfg.FlushWait, p.onDrainTimeout)
	}
}

func (p *Participant) onDrainTimeout() {
	p.mu.Lock()
	p.drain = nil
	p.drainExpired = true
	if p.awaitFlush && p.inflight > 0 {
		p.log.Warn().Int("in_flight", p.inflight).Msg("Flush wait exceeded, ending session regardless")
	}
	out := p.settleLocked()
	p.mu.Unlock()

	p.finalize(out)
}

func (p *Participant) beginOpLocked(itemID uuid.UUID) {
	p.inflight++
	if itemID != uuid.Nil {
		p.inflightItems[itemID]++
	}
}

// endOp closes the accounting for a backend call. success, when set, is
// proposed if the call returned nil.
func (p *Participant) endOp(itemID uuid.UUID, source string, success Trigger, err error) error {
	p.mu.Lock()
	p.inflight--
	if itemID != uuid.Nil {
		if p.inflightItems[itemID]--; p.inflightItems[itemID] <= 0 {
			delete(p.inflightItems, itemID)
		}
	}
	if err == nil && success != 0 && !p.closed {
		p.proposeLocked(success, source, false)
	}
	err = p.handleErrLocked(source, err)
	out := p.settleLocked()
	p.mu.Unlock()

	p.finalize(out)
	return err
}

func (p *Participant) handleErrLocked(source string, err error) error {
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionEnded):
		if p.closed || p.lc.Terminal() {
			return err
		}
		// An unqualified rejection confirms a pending outcome rather than
		// escalating it.
		status := model.SessionStatusEndedByAuthority
		if pending, ok := p.lc.Pending(); ok {
			status = pending.Status
		}
		var se *SessionEndedError
		if errors.As(err, &se) && se.Status.Terminal() {
			status = se.Status
		}
		p.cache.Close()
		t, _ := TriggerFor(status)
		if !p.proposeLocked(t, source, false) {
			if pending, ok := p.lc.Pending(); ok && pending.Trigger == t {
				p.awaitFlush = false
			}
		}
	case errors.Is(err, ErrNetwork):
		p.lastErr = err
	}
	return err
}

func (p *Participant) proposeLocked(t Trigger, source string, awaitFlush bool) bool {
	o := newOutcome(p.session.ID, t, source, p.sched.Now())
	if !p.lc.Propose(o) {
		return false
	}
	p.awaitFlush = awaitFlush
	p.log.Info().Str("status", string(o.Status)).Str("trigger", t.String()).Str("source", source).Msg("Terminal outcome pending")
	return true
}

// settleLocked commits the pending outcome unless a local timeout is still
// waiting on the flush.
func (p *Participant) settleLocked() *Outcome {
	// A closed view keeps its pending outcome uncommitted for a later resume.
	if p.closed {
		return nil
	}
	if _, ok := p.lc.Pending(); !ok {
		return nil
	}
	if p.awaitFlush && p.inflight > 0 && !p.drainExpired {
		return nil
	}
	o, ok := p.lc.Commit()
	if !ok {
		return nil
	}
	p.teardownLocked()
	return &o
}

func (p *Participant) teardownLocked() {
	p.clock.Stop()
	p.poller.Stop()
	if p.drain != nil {
		p.drain.Cancel()
		p.drain = nil
	}
	if p.cache != nil {
		p.cache.Close()
	}
	p.log.Debug().Msg("Timers cancelled")
}

// finalize runs the terminal side effects: the durable entry is cleared and
// the navigator is told. Callers pass the outcome returned by settleLocked
// and must not hold the lock.
func (p *Participant) finalize(o *Outcome) {
	if o == nil {
		return
	}
	if err := p.cache.Clear(p.ctx); err != nil {
		p.log.Warn().Err(err).Msg("Failed to clear cached answers")
	}
	p.cancel()
	p.log.Info().Str("status", string(o.Status)).Str("trigger", o.Trigger.String()).Str("source", o.Source).Msg("Session ended")
	if p.nav != nil {
		p.nav.Navigate(*o)
	}
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *Participant) acceptingLocked() bool {
	return !p.closed && p.session != nil && p.lc.Active()
}

func (p *Participant) itemLocked(id uuid.UUID) (model.Item, bool) {
	for _, it := range p.session.Items {
		if it.ID == id {
			return it, true
		}
	}
	return model.Item{}, false
}

// resumeIndex points at the item after the last answered one.
func resumeIndex(sess *model.Session) int {
	if len(sess.Items) == 0 {
		return 0
	}
	if sess.LastAnsweredID != nil {
		for i, it := range sess.Items {
			if it.ID == *sess.LastAnsweredID {
				return clamp(i+1, 0, len(sess.Items)-1)
			}
		}
	}
	return 0
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
