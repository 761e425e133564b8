package arbiter

import (
	"log/slog"
	"time"

	"github.com/Mathew-Estafanous/arbiter/clock"
	"github.com/Mathew-Estafanous/arbiter/wire"
)

// Options tune the event loop and its collaborators. The zero value of
// every field selects the default.
type Options struct {
	// PollInterval bounds how long the loop sleeps before scanning ticket
	// timers.
	PollInterval time.Duration

	// MaxSkew is the accepted distance between a frame's timestamp and
	// the local clock. Negative disables the check.
	MaxSkew time.Duration

	// StartupGrace skips the skew check for this long after New.
	StartupGrace time.Duration

	// InboundBuffer is the number of received frames queued for the loop
	// before further frames are dropped.
	InboundBuffer int

	// ReleaseOnStop makes Run revoke every ticket it leads when its
	// context is cancelled.
	ReleaseOnStop bool

	Logger   *slog.Logger
	Clock    clock.Clock
	Store    TicketStore
	Observer Observer

	// Jitter randomizes election and acquire deadlines.
	Jitter func(limit time.Duration) time.Duration
}

const (
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultInboundBuffer = 256
)

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		PollInterval:  DefaultPollInterval,
		MaxSkew:       wire.DefaultMaxSkew,
		InboundBuffer: DefaultInboundBuffer,
		ReleaseOnStop: true,
	}
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxSkew == 0 {
		o.MaxSkew = wire.DefaultMaxSkew
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = DefaultInboundBuffer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Store == nil {
		o.Store = NewMemStore()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Jitter == nil {
		o.Jitter = clock.Jitter
	}
}

// Observer receives ticket and codec measurements, e.g. for metrics.
type Observer interface {
	TicketChanged(name string, state State, term uint32, leading bool)
	ElectionFinished(name string, won bool)
	DecodeFailed(kind string)
	InboundDropped()
}

type nopObserver struct{}

func (nopObserver) TicketChanged(string, State, uint32, bool) {}
func (nopObserver) ElectionFinished(string, bool)             {}
func (nopObserver) DecodeFailed(string)                       {}
func (nopObserver) InboundDropped()                           {}
