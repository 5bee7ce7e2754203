package clock

import (
	"sort"
	"sync"
	"time"
)

// Simulated implements a virtual Clock for reproducible time-sensitive
// tests. Virtual time does not advance on its own; call Run to advance it
// and execute timers that fall due. Timer callbacks run on the goroutine
// that calls Run, after the clock has been set to their due time.
type Simulated struct {
	mu        sync.Mutex
	now       time.Time
	scheduled []*simTimer
	lastID    uint64
}

type simTimer struct {
	do func()
	at time.Time
	id uint64
	s  *Simulated
}

// NewSimulated returns a virtual clock starting at the given instant.
func NewSimulated(start time.Time) *Simulated {
	return &Simulated{now: start}
}

// Run advances the clock by d, executing all timers due within that span in
// order. The clock is positioned at each timer's due time while it runs, and
// timers the callbacks schedule inside the span fire in the same call.
func (s *Simulated) Run(d time.Duration) {
	s.mu.Lock()
	end := s.now.Add(d)
	for len(s.scheduled) > 0 && !s.scheduled[0].at.After(end) {
		t := s.scheduled[0]
		s.scheduled = s.scheduled[1:]
		s.now = t.at
		s.mu.Unlock()
		t.do()
		s.mu.Lock()
	}
	s.now = end
	s.mu.Unlock()
}

// ActiveTimers returns the number of timers that have not fired.
func (s *Simulated) ActiveTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scheduled)
}

func (s *Simulated) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Simulated) Since(t time.Time) time.Duration {
	return s.Now().Sub(t)
}

// Sleep blocks until the clock has advanced by d. It only returns once
// another goroutine calls Run past the wake-up time.
func (s *Simulated) Sleep(d time.Duration) {
	<-s.After(d)
}

func (s *Simulated) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	s.AfterFunc(d, func() {
		s.mu.Lock()
		now := s.now
		s.mu.Unlock()
		ch <- now
	})
	return ch
}

func (s *Simulated) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	t := &simTimer{do: fn, at: s.now.Add(d), id: s.lastID, s: s}
	s.scheduled = append(s.scheduled, t)
	sort.SliceStable(s.scheduled, func(i, j int) bool {
		a, b := s.scheduled[i], s.scheduled[j]
		if a.at.Equal(b.at) {
			return a.id < b.id
		}
		return a.at.Before(b.at)
	})
	return t
}

func (t *simTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for i, st := range t.s.scheduled {
		if st == t {
			t.s.scheduled = append(t.s.scheduled[:i], t.s.scheduled[i+1:]...)
			return true
		}
	}
	return false
}
