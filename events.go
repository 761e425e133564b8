package arbiter

import (
	"time"

	"github.com/Mathew-Estafanous/arbiter/wire"
)

// EventType names an ownership change of a ticket.
type EventType int

const (
	// EventBecameLeader: this site now holds the ticket.
	EventBecameLeader EventType = iota + 1
	// EventLostLeadership: this site held the ticket and no longer does.
	EventLostLeadership
	// EventTicketLost: no quorum could be reached within the retry budget.
	EventTicketLost
	// EventLeaderChanged: the ticket's leader as seen from this site changed.
	EventLeaderChanged
)

func (e EventType) String() string {
	switch e {
	case EventBecameLeader:
		return "became-leader"
	case EventLostLeadership:
		return "lost-leadership"
	case EventTicketLost:
		return "ticket-lost"
	case EventLeaderChanged:
		return "leader-changed"
	}
	return "unknown"
}

// Event is delivered to every Listener, in the loop goroutine.
type Event struct {
	Type   EventType
	Ticket string
	Term   uint32
	Leader uint32
	Reason wire.Reason
	Time   time.Time
}

// Listener must be implemented by whatever runs the service a ticket
// guards. OnEvent runs synchronously inside the event loop and should
// return quickly.
//
// An error returned for EventBecameLeader makes the site give the ticket
// up again. Errors for other events are only logged.
type Listener interface {
	OnEvent(ev Event) error
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func(ev Event) error

func (f ListenerFunc) OnEvent(ev Event) error { return f(ev) }

// emit delivers ev to every listener and returns the first error.
func (a *Arbiter) emit(ev Event) error {
	ev.Time = a.clock.Now()
	var first error
	for _, l := range a.listeners {
		if err := l.OnEvent(ev); err != nil {
			a.logger.Error("listener failed", "event", ev.Type.String(), "ticket", ev.Ticket, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
