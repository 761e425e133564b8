// Package clock is the time source used by every ticket timer. Deadlines are
// plain time.Time values read from a Clock, so that elections, heartbeats and
// resends can be driven deterministically in tests.
package clock

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Clock abstracts the time source. Production code uses Real(); tests
// use a Fake that only moves when advanced.
type Clock interface {
	// Now returns the current time. Readings from Real carry the
	// monotonic clock when the platform provides one, so interval
	// arithmetic is immune to wall clock steps.
	Now() time.Time

	// NewTicker delivers ticks on the returned Ticker's C at interval d.
	NewTicker(d time.Duration) *Ticker
}

// Ticker wraps a periodic timer.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	tk := time.NewTicker(d)
	return &Ticker{C: tk.C, stop: tk.Stop}
}

// Fake is a manually advanced Clock. Its tickers fire once per Advance
// call that crosses at least one tick boundary.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

type fakeTicker struct {
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

// NewFake returns a Fake clock set to t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := &fakeTicker{
		ch:       make(chan time.Time, 1),
		interval: d,
		next:     f.now.Add(d),
	}
	f.tickers = append(f.tickers, ft)
	return &Ticker{C: ft.ch, stop: func() {
		f.mu.Lock()
		ft.stopped = true
		f.mu.Unlock()
	}}
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	for _, ft := range f.tickers {
		if ft.stopped || f.now.Before(ft.next) {
			continue
		}
		for !f.now.Before(ft.next) {
			ft.next = ft.next.Add(ft.interval)
		}
		select {
		case ft.ch <- f.now:
		default:
		}
	}
}

// Compare returns -1, 0 or +1 depending on whether a is before, equal to,
// or after b.
func Compare(a, b time.Time) int {
	return a.Compare(b)
}

// Future returns the deadline d from now.
func Future(c Clock, d time.Duration) time.Time {
	return c.Now().Add(d)
}

// Remaining is the time left until deadline. A zero or negative value
// means the deadline is due.
func Remaining(c Clock, deadline time.Time) time.Duration {
	return deadline.Sub(c.Now())
}

// MillisLeft is Remaining expressed in whole milliseconds.
func MillisLeft(c Clock, deadline time.Time) int64 {
	return Remaining(c, deadline).Milliseconds()
}

// IsPast reports whether deadline is due. An unset deadline is always past.
func IsPast(c Clock, deadline time.Time) bool {
	if deadline.IsZero() {
		return true
	}
	return Remaining(c, deadline) <= 0
}

// Jitter returns a uniformly distributed delay in [0, limit].
func Jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit) + 1))
}

// Stamp splits a wall clock reading into the seconds/microseconds pair
// carried in message headers.
func Stamp(t time.Time) (secs, usecs uint32) {
	return uint32(t.Unix()), uint32(t.Nanosecond() / 1000)
}

// FromStamp is the inverse of Stamp.
func FromStamp(secs, usecs uint32) time.Time {
	return time.Unix(int64(secs), int64(usecs)*1000)
}
