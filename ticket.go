package arbiter

import (
	"errors"
	"fmt"
	"time"

	"github.com/Mathew-Estafanous/arbiter/cluster"
	"github.com/Mathew-Estafanous/arbiter/wire"
)

// State is the election state of one ticket at this site.
type State byte

const (
	Idle      State = 'I'
	Electing  State = 'E'
	Leading   State = 'L'
	Following State = 'F'
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Electing:
		return "electing"
	case Leading:
		return "leading"
	case Following:
		return "following"
	}
	return "unknown"
}

const (
	DefaultExpiry  = 600 * time.Second
	DefaultTimeout = 5 * time.Second
	DefaultRetries = 10
)

var (
	ErrInvalidTicket   = errors.New("invalid ticket configuration")
	ErrDuplicateTicket = errors.New("ticket is configured twice")
)

// Prereq is an attribute condition that must hold before this site
// accepts an administrative grant.
type Prereq struct {
	Attr  string
	Value string
	// Negate requires the attribute to differ from Value.
	Negate bool
}

// TicketConfig defines one ticket.
type TicketConfig struct {
	Name string

	// Expiry is the lease a leader holds after a quorum acknowledged it.
	Expiry time.Duration

	// Timeout is the resend interval and base election timeout.
	Timeout time.Duration

	// Retries bounds the elections run before the ticket is lost.
	Retries int

	// Renewal is the heartbeat period, Expiry/2 when zero.
	Renewal time.Duration

	// AcquireAfter delays automatic elections of leaderless tickets.
	AcquireAfter time.Duration

	// Manual tickets are only ever elected through Grant.
	Manual bool

	// Weights overrides the weight of individual sites, keyed by address.
	Weights map[string]int

	Prereqs []Prereq
}

func (c *TicketConfig) setDefaults() {
	if c.Expiry <= 0 {
		c.Expiry = DefaultExpiry
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	if c.Renewal <= 0 {
		c.Renewal = c.Expiry / 2
	}
}

func (c *TicketConfig) validate() error {
	if c.Name == "" || len(c.Name) >= wire.NameLen {
		return fmt.Errorf("%w: name %q must be 1 to %d bytes", ErrInvalidTicket, c.Name, wire.NameLen-1)
	}
	if c.Renewal >= c.Expiry {
		return fmt.Errorf("%w: %s: renewal %v must be shorter than expiry %v", ErrInvalidTicket, c.Name, c.Renewal, c.Expiry)
	}
	if c.Expiry/time.Millisecond > time.Duration(^uint32(0)) {
		return fmt.Errorf("%w: %s: expiry %v does not fit the wire", ErrInvalidTicket, c.Name, c.Expiry)
	}
	return nil
}

// attr is one site-local ticket attribute.
type attr struct {
	value   string
	updated time.Time
}

// grantWaiter is an administrative grant waiting for the election.
type grantWaiter struct {
	ch     chan Reply
	commit bool
}

// ticket is the state machine of one ticket. It is only touched by the
// loop goroutine.
type ticket struct {
	cfg     TicketConfig
	weights cluster.Weights

	state    State
	term     uint32
	leader   uint32
	votedFor uint32

	// leaseUntil is the leader's lease as known here. For a leader it
	// only moves after a quorum acknowledged a heartbeat.
	leaseUntil time.Time

	// Electing.
	votes            cluster.Mask
	refused          cluster.Mask
	electionDeadline time.Time
	attempts         int
	reason           wire.Reason
	immediate        bool

	// Leading. hbSent is the send time of the current heartbeat round,
	// hbValid the lease it grants in wire units and acked the sites that
	// confirmed it.
	hbSent        time.Time
	hbValid       uint32
	round         uint32
	acked         cluster.Mask
	confirmed     bool
	nextHeartbeat time.Time
	resendAt      time.Time

	// Leaderless idle tickets elect at acquireAt unless held or lost.
	acquireAt time.Time
	hold      bool
	lost      bool

	// Outstanding revoke broadcast.
	revoking      bool
	revokeAcked   cluster.Mask
	revokeResend  time.Time
	revokeTries   int
	revokeWaiters []chan Reply

	grantWaiters []grantWaiter
	attrs        map[string]attr
}

// TicketInfo is a point-in-time copy of a ticket.
type TicketInfo struct {
	Name     string
	State    State
	Term     uint32
	Leader   uint32
	VotedFor uint32
	Validity time.Duration
	Hold     bool
	Lost     bool
}

// Reply is the outcome of an administrative operation.
type Reply struct {
	Result wire.Result
	Ticket string
	Leader uint32
	Term   uint32
}
