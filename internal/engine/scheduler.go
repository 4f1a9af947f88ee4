package engine

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Handle cancels a scheduled callback. Cancel is idempotent and, once it
// returns, the callback will not be invoked again.
type Handle interface {
	Cancel()
}

// Scheduler is the only source of time and asynchrony for the engine. Tick and
// poll timers are created through it so they can be cancelled
// deterministically, and tests can substitute virtual time.
type Scheduler interface {
	Now() time.Time
	// Every invokes fn once per interval until the handle is cancelled.
	Every(interval time.Duration, fn func()) Handle
	// After invokes fn once after d unless the handle is cancelled first.
	After(d time.Duration, fn func()) Handle
	// Go runs work asynchronously. Network round trips go through here.
	Go(work func())
}

// ClockScheduler runs timers on a clockwork.Clock. Use clockwork.NewRealClock()
// in production.
type ClockScheduler struct {
	clock clockwork.Clock
	wg    sync.WaitGroup
}

// NewScheduler creates a ClockScheduler on the given clock.
func NewScheduler(clock clockwork.Clock) *ClockScheduler {
	return &ClockScheduler{clock: clock}
}

func (s *ClockScheduler) Now() time.Time { return s.clock.Now() }

func (s *ClockScheduler) Every(interval time.Duration, fn func()) Handle {
	h := newChanHandle()
	ticker := s.clock.NewTicker(interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-ticker.Chan():
				// A tick may race with Cancel; cancellation wins.
				select {
				case <-h.done:
					return
				default:
				}
				fn()
			}
		}
	}()
	return h
}

func (s *ClockScheduler) After(d time.Duration, fn func()) Handle {
	h := newChanHandle()
	timer := s.clock.NewTimer(d)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-h.done:
			stopAndDrainTimer(timer)
		case <-timer.Chan():
			select {
			case <-h.done:
				return
			default:
			}
			fn()
		}
	}()
	return h
}

func (s *ClockScheduler) Go(work func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		work()
	}()
}

// Wait blocks until every timer goroutine and async work item has returned.
// Timers must be cancelled first or Wait never returns.
func (s *ClockScheduler) Wait() {
	s.wg.Wait()
}

type chanHandle struct {
	done chan struct{}
	once sync.Once
}

func newChanHandle() *chanHandle {
	return &chanHandle{done: make(chan struct{})}
}

func (h *chanHandle) Cancel() {
	h.once.Do(func() { close(h.done) })
}

func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

type noopHandle struct{}

func (noopHandle) Cancel() {}
