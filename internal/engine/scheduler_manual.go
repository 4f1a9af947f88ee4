package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ManualScheduler is a virtual-time Scheduler. Timers fire only from Advance,
// synchronously and in deadline order, on the caller's goroutine. Work passed
// to Go runs on its own goroutine and is tracked so Settle can wait for it.
type ManualScheduler struct {
	mu     sync.Mutex
	clock  *clockwork.FakeClock
	timers []*manualTimer
	seq    int
	work   sync.WaitGroup
}

type manualTimer struct {
	s         *ManualScheduler
	at        time.Time
	period    time.Duration
	fn        func()
	seq       int
	cancelled bool
}

// NewManualScheduler starts virtual time at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{clock: clockwork.NewFakeClockAt(start)}
}

// Clock exposes the fake clock backing Now.
func (s *ManualScheduler) Clock() *clockwork.FakeClock { return s.clock }

func (s *ManualScheduler) Now() time.Time { return s.clock.Now() }

func (s *ManualScheduler) Every(interval time.Duration, fn func()) Handle {
	return s.add(interval, interval, fn)
}

func (s *ManualScheduler) After(d time.Duration, fn func()) Handle {
	return s.add(d, 0, fn)
}

func (s *ManualScheduler) add(d, period time.Duration, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTimer{s: s, at: s.clock.Now().Add(d), period: period, fn: fn, seq: s.seq}
	s.timers = append(s.timers, t)
	return t
}

func (t *manualTimer) Cancel() {
	t.s.mu.Lock()
	t.cancelled = true
	t.s.mu.Unlock()
}

func (s *ManualScheduler) Go(work func()) {
	s.work.Add(1)
	go func() {
		defer s.work.Done()
		work()
	}()
}

// Advance moves virtual time forward by d, firing every timer that comes due
// on the way. Callbacks run without the scheduler lock held, so they may
// schedule or cancel timers.
func (s *ManualScheduler) Advance(d time.Duration) {
	target := s.clock.Now().Add(d)
	for {
		s.mu.Lock()
		t := s.nextDueLocked(target)
		if t == nil {
			s.mu.Unlock()
			break
		}
		if now := s.clock.Now(); t.at.After(now) {
			s.clock.Advance(t.at.Sub(now))
		}
		if t.period > 0 {
			t.at = t.at.Add(t.period)
		} else {
			t.cancelled = true
		}
		s.mu.Unlock()
		t.fn()
	}

	s.mu.Lock()
	if now := s.clock.Now(); target.After(now) {
		s.clock.Advance(target.Sub(now))
	}
	s.pruneLocked()
	s.mu.Unlock()
}

// Settle blocks until all work started with Go has returned.
func (s *ManualScheduler) Settle() {
	s.work.Wait()
}

// ActiveTimers reports how many timers are still armed.
func (s *ManualScheduler) ActiveTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return len(s.timers)
}

func (s *ManualScheduler) nextDueLocked(target time.Time) *manualTimer {
	var due []*manualTimer
	for _, t := range s.timers {
		if !t.cancelled && !t.at.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}

func (s *ManualScheduler) pruneLocked() {
	live := s.timers[:0]
	for _, t := range s.timers {
		if !t.cancelled {
			live = append(live, t)
		}
	}
	s.timers = live
}
