package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParticipant_ReloadRestoresCachedAnswersAndDeadline(t *testing.T) {
	h := newHarness(t, 3, 600*time.Second, Config{})
	ids := h.srv.itemIDs()

	cached, err := json.Marshal(map[uuid.UUID]string{ids[0]: "A", ids[1]: "C"})
	require.NoError(t, err)
	require.NoError(t, h.store.Put(context.Background(), h.answersKey(), cached))

	h.start(t)

	remaining, known := h.p.Remaining()
	require.True(t, known)
	assert.InDelta(t, 600, remaining, 1)

	answers := h.p.Answers()
	assert.Equal(t, "A", answers[ids[0]])
	assert.Equal(t, "C", answers[ids[1]])
	assert.NotContains(t, answers, ids[2])
	assert.Equal(t, model.SessionStatusInProgress, h.p.State())
}

func TestParticipant_ServerConfirmedAnswersWinExceptCurrentItem(t *testing.T) {
	h := newHarness(t, 3, 10*time.Minute, Config{})
	ids := h.srv.itemIDs()
	h.srv.setAnswer(0, ids[1], "B")
	h.srv.setAnswer(0, ids[0], "A")

	// Item 0 was answered last, so item 1 is in view and its local value
	// was never flushed.
	cached, err := json.Marshal(map[uuid.UUID]string{ids[0]: "C", ids[1]: "C"})
	require.NoError(t, err)
	require.NoError(t, h.store.Put(context.Background(), h.answersKey(), cached))

	h.start(t)

	item, idx, ok := h.p.Current()
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, ids[1], item.ID)

	answers := h.p.Answers()
	assert.Equal(t, "A", answers[ids[0]], "server wins for flushed items")
	assert.Equal(t, "C", answers[ids[1]], "local wins for the item in view")
}

func TestParticipant_CountdownIsMonotonicAndNeverNegative(t *testing.T) {
	h := newHarness(t, 2, 10*time.Second, Config{})
	h.start(t)

	prev, known := h.p.Remaining()
	require.True(t, known)
	require.Equal(t, 10, prev)

	for i := 0; i < 15; i++ {
		h.sched.Advance(time.Second)
		cur, _ := h.p.Remaining()
		assert.GreaterOrEqual(t, cur, 0)
		assert.LessOrEqual(t, cur, prev)
		if prev > 0 {
			assert.Equal(t, prev-1, cur, "tick %d", i+1)
		}
		prev = cur
	}

	h.sched.Settle()
	assert.Equal(t, model.SessionStatusEndedByTimeout, h.p.State())
	require.Len(t, h.nav.calls(), 1)
	assert.Equal(t, SourceLocalClock, h.nav.calls()[0].Source)
	assert.Zero(t, h.sched.ActiveTimers(), "terminal state must cancel every timer")
}

func TestParticipant_CompleteRejectedLocallyWhileIncomplete(t *testing.T) {
	h := newHarness(t, 3, 10*time.Minute, Config{})
	h.start(t)
	ids := h.srv.itemIDs()

	require.NoError(t, h.p.RecordAnswer(ids[0], "A"))
	require.NoError(t, h.p.RecordAnswer(ids[1], "B"))
	h.sched.Settle()

	err := h.p.Complete(context.Background())
	require.ErrorIs(t, err, ErrValidation)
	_, _, finishes := h.srv.counts()
	assert.Zero(t, finishes, "no network call for a local rejection")
	assert.Equal(t, model.SessionStatusInProgress, h.p.State())

	require.NoError(t, h.p.RecordAnswer(ids[2], "C"))
	require.NoError(t, h.p.Complete(context.Background()))
	h.sched.Settle()

	assert.Equal(t, model.SessionStatusCompleted, h.p.State())
	require.Len(t, h.nav.calls(), 1)
	assert.Equal(t, TriggerCompletion, h.nav.calls()[0].Trigger)
	assert.False(t, h.store.has(h.answersKey()), "terminal entry clears the durable cache")
	_, _, finishes = h.srv.counts()
	assert.Equal(t, 1, finishes)

	res, err := h.p.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.ObtainedPoints)
}

func TestParticipant_SessionEndedSubmissionEndsByAuthority(t *testing.T) {
	h := newHarness(t, 3, 10*time.Minute, Config{})
	h.start(t)
	ids := h.srv.itemIDs()

	h.srv.setStatus(0, model.SessionStatusEndedByAuthority)
	require.NoError(t, h.p.RecordAnswer(ids[0], "A"))
	h.sched.Settle()

	assert.Equal(t, model.SessionStatusEndedByAuthority, h.p.State())
	require.Len(t, h.nav.calls(), 1)
	assert.Equal(t, SourceSubmission, h.nav.calls()[0].Source)

	assert.ErrorIs(t, h.p.RecordAnswer(ids[1], "B"), ErrSessionClosed)
	assert.ErrorIs(t, h.p.FlushCurrent(context.Background()), ErrSessionClosed)
	assert.ErrorIs(t, h.p.Complete(context.Background()), ErrSessionClosed)
	h.sched.Settle()

	_, submits, finishes := h.srv.counts()
	assert.Equal(t, 1, submits, "no submission after SESSION_ENDED")
	assert.Zero(t, finishes)
}

func TestParticipant_TimeoutFlushesInFlightAnswerWithinBoundedWait(t *testing.T) {
	h := newHarness(t, 3, 10*time.Second, Config{FlushWait: 5 * time.Second})
	h.start(t)
	ids := h.srv.itemIDs()
	deadline := testStart.Add(10 * time.Second)

	h.srv.mu.Lock()
	h.srv.gate = make(chan struct{})
	gate := h.srv.gate
	h.srv.mu.Unlock()

	// Submit the last item one second before the deadline; the round trip
	// takes two seconds.
	h.sched.Advance(9 * time.Second)
	require.NoError(t, h.p.RecordAnswer(ids[2], "B"))
	h.srv.waitEntered(t, 1)

	h.sched.Advance(time.Second)
	pending, ok := h.p.Pending()
	require.True(t, ok, "timeout is pending while the answer is in flight")
	assert.Equal(t, TriggerTimeout, pending.Trigger)
	assert.Equal(t, model.SessionStatusInProgress, h.p.State())
	assert.Empty(t, h.nav.calls(), "must not finalize before the flush")
	assert.ErrorIs(t, h.p.RecordAnswer(ids[0], "A"), ErrSessionClosed)

	h.sched.Advance(time.Second)
	close(gate)
	h.sched.Settle()

	assert.Equal(t, model.SessionStatusEndedByTimeout, h.p.State())
	require.Len(t, h.nav.calls(), 1)
	waited := h.nav.firstAt().Sub(deadline)
	assert.Equal(t, time.Second, waited)
	assert.LessOrEqual(t, waited, 5*time.Second)
	assert.Equal(t, "B", h.srv.session(0).Answers[ids[2]], "the in-flight answer reached the server")
}

func TestParticipant_TimeoutProceedsWhenFlushWaitExceeded(t *testing.T) {
	h := newHarness(t, 3, 10*time.Second, Config{FlushWait: 5 * time.Second})
	h.start(t)
	ids := h.srv.itemIDs()
	deadline := testStart.Add(10 * time.Second)

	h.srv.mu.Lock()
	h.srv.gate = make(chan struct{})
	gate := h.srv.gate
	h.srv.mu.Unlock()

	h.sched.Advance(9 * time.Second)
	require.NoError(t, h.p.RecordAnswer(ids[2], "B"))
	h.srv.waitEntered(t, 1)

	h.sched.Advance(time.Second)
	h.sched.Advance(4 * time.Second)
	assert.Empty(t, h.nav.calls(), "still inside the bounded wait")

	h.sched.Advance(time.Second)
	assert.Equal(t, model.SessionStatusEndedByTimeout, h.p.State())
	require.Len(t, h.nav.calls(), 1)
	assert.Equal(t, 5*time.Second, h.nav.firstAt().Sub(deadline))

	close(gate)
	h.sched.Settle()
	assert.Len(t, h.nav.calls(), 1, "a late response does not finalize twice")
	assert.Equal(t, model.SessionStatusEndedByTimeout, h.p.State())
}

func TestParticipant_CloseWhileTimeoutFlushesKeepsCache(t *testing.T) {
	h := newHarness(t, 3, 10*time.Second, Config{FlushWait: 5 * time.Second})
	h.start(t)
	ids := h.srv.itemIDs()

	h.srv.mu.Lock()
	h.srv.gate = make(chan struct{})
	h.srv.mu.Unlock()

	h.sched.Advance(9 * time.Second)
	require.NoError(t, h.p.RecordAnswer(ids[2], "B"))
	h.srv.waitEntered(t, 1)

	h.sched.Advance(time.Second)
	_, ok := h.p.Pending()
	require.True(t, ok)

	h.p.Close()
	h.sched.Settle()
	h.sched.Advance(10 * time.Second)

	select {
	case <-h.p.Done():
	default:
		t.Fatal("close must tear the view down")
	}
	assert.Equal(t, model.SessionStatusInProgress, h.p.State(), "closing does not commit the pending timeout")
	assert.Empty(t, h.nav.calls())
	assert.True(t, h.store.has(h.answersKey()), "cached answers survive for a later resume")
	assert.Zero(t, h.store.deleteCount())
	assert.Zero(t, h.sched.ActiveTimers())
}

func TestParticipant_TimeoutFlushesUnconfirmedAnswers(t *testing.T) {
	h := newHarness(t, 2, 10*time.Second, Config{})
	h.start(t)
	ids := h.srv.itemIDs()

	h.srv.setFailNetwork(true)
	require.NoError(t, h.p.RecordAnswer(ids[0], "A"))
	h.sched.Settle()
	require.ErrorIs(t, h.p.LastError(), ErrNetwork)

	h.srv.setFailNetwork(false)
	h.sched.Advance(9 * time.Second)
	// Deadline on the server is reached at the same instant, so the flush is
	// rejected; the session still times out exactly once.
	h.sched.Advance(time.Second)
	h.sched.Settle()

	_, submits, _ := h.srv.counts()
	assert.Equal(t, 2, submits, "the unconfirmed answer is retried at the deadline")
	assert.Equal(t, model.SessionStatusEndedByTimeout, h.p.State())
	assert.Len(t, h.nav.calls(), 1)
}

func TestParticipant_DualTimeoutTriggersFireOnce(t *testing.T) {
	tests := []struct {
		name          string
		reconcileLast bool
	}{
		{name: "local clock first", reconcileLast: true},
		{name: "reconciliation first", reconcileLast: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 2, 10*time.Second, Config{})
			h.start(t)
			h.sched.Advance(9 * time.Second)
			h.srv.setStatus(0, model.SessionStatusEndedByTimeout)

			if tt.reconcileLast {
				h.sched.Advance(time.Second)
				_ = h.p.Reconcile(context.Background())
			} else {
				require.NoError(t, h.p.Reconcile(context.Background()))
				h.sched.Advance(time.Second)
			}
			h.sched.Settle()

			assert.Equal(t, model.SessionStatusEndedByTimeout, h.p.State())
			assert.Len(t, h.nav.calls(), 1)
			assert.Equal(t, 1, h.store.deleteCount(), "cache cleared exactly once")
		})
	}
}

func TestParticipant_AuthorityBeatsPendingTimeout(t *testing.T) {
	h := newHarness(t, 2, 10*time.Second, Config{})
	h.start(t)
	ids := h.srv.itemIDs()

	h.srv.mu.Lock()
	h.srv.gate = make(chan struct{})
	gate := h.srv.gate
	h.srv.mu.Unlock()

	h.sched.Advance(9 * time.Second)
	require.NoError(t, h.p.RecordAnswer(ids[0], "A"))
	h.srv.waitEntered(t, 1)
	h.sched.Advance(time.Second)
	_, pending := h.p.Pending()
	require.True(t, pending)

	h.srv.setStatus(0, model.SessionStatusEndedByAuthority)
	require.NoError(t, h.p.Reconcile(context.Background()))

	assert.Equal(t, model.SessionStatusEndedByAuthority, h.p.State())
	calls := h.nav.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, TriggerAuthority, calls[0].Trigger)
	assert.Equal(t, SourceReconcile, calls[0].Source)

	close(gate)
	h.sched.Settle()
	assert.Len(t, h.nav.calls(), 1)
}

func TestParticipant_RepeatedSubmissionIsIdempotent(t *testing.T) {
	h := newHarness(t, 2, 10*time.Minute, Config{})
	h.start(t)
	ids := h.srv.itemIDs()

	require.NoError(t, h.p.RecordAnswer(ids[0], "B"))
	h.sched.Settle()
	once := h.srv.session(0).Answers

	require.NoError(t, h.p.RecordAnswer(ids[0], "B"))
	require.NoError(t, h.p.FlushCurrent(context.Background()))
	h.sched.Settle()

	assert.Equal(t, once, h.srv.session(0).Answers)
	_, submits, _ := h.srv.counts()
	assert.Equal(t, 3, submits)
}

func TestParticipant_PollFailureKeepsStateAndCadence(t *testing.T) {
	h := newHarness(t, 2, 10*time.Minute, Config{PollInterval: 3 * time.Second})
	h.start(t)

	h.srv.setFailNetwork(true)
	h.sched.Advance(3 * time.Second)
	h.sched.Settle()

	assert.ErrorIs(t, h.p.LastError(), ErrNetwork)
	assert.Equal(t, model.SessionStatusInProgress, h.p.State())
	remaining, _ := h.p.Remaining()
	assert.Equal(t, 597, remaining, "countdown keeps ticking on stale data")

	h.srv.setFailNetwork(false)
	h.sched.Advance(3 * time.Second)
	h.sched.Settle()

	assert.NoError(t, h.p.LastError())
	starts, _, _ := h.srv.counts()
	assert.Equal(t, 3, starts, "one load plus two polls")
}

func TestParticipant_ReconcileReplacesDeadline(t *testing.T) {
	h := newHarness(t, 2, 60*time.Second, Config{})
	h.start(t)

	h.sched.Advance(10 * time.Second)
	remaining, _ := h.p.Remaining()
	require.Equal(t, 50, remaining)

	h.srv.setEndsAt(0, testStart.Add(5*time.Minute))
	require.NoError(t, h.p.Reconcile(context.Background()))
	remaining, _ = h.p.Remaining()
	assert.Equal(t, 290, remaining)

	h.sched.Advance(time.Second)
	remaining, _ = h.p.Remaining()
	assert.Equal(t, 289, remaining)
}

func TestParticipant_ReconcileWithPassedDeadlineTimesOut(t *testing.T) {
	h := newHarness(t, 2, 60*time.Second, Config{})
	h.start(t)

	h.srv.setEndsAt(0, testStart.Add(-time.Second))
	require.NoError(t, h.p.Reconcile(context.Background()))
	h.sched.Settle()

	assert.Equal(t, model.SessionStatusEndedByTimeout, h.p.State())
	require.Len(t, h.nav.calls(), 1)
	assert.Equal(t, SourceReconcile, h.nav.calls()[0].Source)
}

func TestParticipant_NavigationFlushesCurrentItem(t *testing.T) {
	h := newHarness(t, 3, 10*time.Minute, Config{})
	h.start(t)
	ids := h.srv.itemIDs()

	require.NoError(t, h.p.Prev(context.Background()))
	_, idx, _ := h.p.Current()
	assert.Equal(t, 0, idx, "prev clamps at the first item")

	require.NoError(t, h.p.RecordAnswer(ids[0], "C"))
	h.sched.Settle()
	require.NoError(t, h.p.Next(context.Background()))
	_, idx, _ = h.p.Current()
	assert.Equal(t, 1, idx)
	_, submits, _ := h.srv.counts()
	assert.Equal(t, 2, submits, "record plus flush before moving")

	require.NoError(t, h.p.Goto(context.Background(), 7))
	_, idx, _ = h.p.Current()
	assert.Equal(t, 2, idx, "jumps clamp at the last item")
}

func TestParticipant_NavigationSurvivesNetworkFailure(t *testing.T) {
	h := newHarness(t, 3, 10*time.Minute, Config{})
	h.start(t)
	ids := h.srv.itemIDs()

	h.srv.setFailNetwork(true)
	require.NoError(t, h.p.RecordAnswer(ids[0], "A"))
	h.sched.Settle()

	err := h.p.Next(context.Background())
	require.ErrorIs(t, err, ErrNetwork)
	_, idx, _ := h.p.Current()
	assert.Equal(t, 1, idx)
	assert.Equal(t, "A", h.p.Answers()[ids[0]])
	assert.True(t, h.store.has(h.answersKey()))
}

func TestParticipant_RecordAnswerValidatesInput(t *testing.T) {
	h := newHarness(t, 2, 10*time.Minute, Config{})
	h.start(t)
	ids := h.srv.itemIDs()

	err := h.p.RecordAnswer(ids[0], "D")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "option_key")

	assert.ErrorIs(t, h.p.RecordAnswer(uuid.New(), "A"), ErrValidation)
	_, submits, _ := h.srv.counts()
	assert.Zero(t, submits)
}

func TestParticipant_SaveKeepsSessionAndCache(t *testing.T) {
	h := newHarness(t, 2, 10*time.Minute, Config{PollInterval: 5 * time.Second})
	h.start(t)
	ids := h.srv.itemIDs()

	require.NoError(t, h.p.RecordAnswer(ids[0], "A"))
	h.sched.Settle()
	require.NoError(t, h.p.Save(context.Background()))

	select {
	case <-h.p.Done():
	default:
		t.Fatal("save must tear the view down")
	}
	assert.Equal(t, model.SessionStatusInProgress, h.p.State())
	assert.True(t, h.store.has(h.answersKey()))
	assert.Zero(t, h.sched.ActiveTimers())
	assert.Empty(t, h.nav.calls())
	assert.ErrorIs(t, h.p.RecordAnswer(ids[1], "A"), ErrSessionClosed)
}

func TestParticipant_StartOnEndedSessionFinalizes(t *testing.T) {
	h := newHarness(t, 2, 10*time.Minute, Config{})
	h.srv.setStatus(0, model.SessionStatusCompleted)
	h.start(t)

	assert.Equal(t, model.SessionStatusCompleted, h.p.State())
	calls := h.nav.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, SourceLoad, calls[0].Source)
	assert.Zero(t, h.sched.ActiveTimers())
}

func TestParticipant_StartNotFound(t *testing.T) {
	sched := NewManualScheduler(testStart)
	srv := newFakeServer(t, sched, 1, 1, time.Minute)
	p := NewParticipant(srv.participant(0), newMapStore(), sched, nil, zerolog.Nop(), Config{AssessmentID: uuid.New()})

	err := p.Start(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, model.SessionStatusNew, p.State())
}

func TestParticipant_IndeterminateDeadlineShowsNoCountdown(t *testing.T) {
	h := newHarness(t, 1, time.Minute, Config{})
	h.srv.mu.Lock()
	h.srv.sessions[0].EndsAt = nil
	h.srv.mu.Unlock()
	h.start(t)

	_, known := h.p.Remaining()
	assert.False(t, known)
	h.sched.Advance(10 * time.Minute)
	assert.Equal(t, model.SessionStatusInProgress, h.p.State())
}
