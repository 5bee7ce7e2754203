// Package clock abstracts time so the scheduler, risk manager, and oracle
// can run against a virtual clock in tests. All deadlines in the system are
// absolute wall-clock values derived from the injected Clock.
package clock

import "time"

// Clock provides the subset of time functions the farmer components use.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable pending call scheduled with AfterFunc.
type Timer interface {
	// Stop cancels the timer. It returns false if the timer already fired.
	Stop() bool
}

// System implements Clock with the real system clock.
type System struct{}

func (System) Now() time.Time                  { return time.Now() }
func (System) Since(t time.Time) time.Duration { return time.Since(t) }
func (System) Sleep(d time.Duration)           { time.Sleep(d) }

func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (System) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{time.AfterFunc(d, fn)}
}

type systemTimer struct {
	t *time.Timer
}

func (t systemTimer) Stop() bool { return t.t.Stop() }
