// Package events publishes ticket ownership changes on a mangos pub
// socket so an external resource agent can start and stop services.
// Each message is a topic prefix followed by a CBOR encoded Notice.
package events

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mathew-Estafanous/arbiter"
	"github.com/Mathew-Estafanous/arbiter/wire"
	"github.com/fxamacker/cbor/v2"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// TopicPrefix starts every published message.
const TopicPrefix = "arbiter/"

// topicEnd separates the topic from the payload.
const topicEnd = 0

var (
	ErrMalformed = errors.New("malformed event message")
	ErrTimeout   = errors.New("no event before the deadline")
)

// Notice is the published form of an arbiter.Event.
type Notice struct {
	Site   string            `cbor:"1,keyasint"`
	Type   arbiter.EventType `cbor:"2,keyasint"`
	Ticket string            `cbor:"3,keyasint"`
	Term   uint32            `cbor:"4,keyasint"`
	Leader uint32            `cbor:"5,keyasint"`
	Reason wire.Reason       `cbor:"6,keyasint"`
	Time   time.Time         `cbor:"7,keyasint"`
}

// Topic is the subscription prefix matching one ticket's events.
func Topic(ticket string) []byte {
	return append([]byte(TopicPrefix+ticket), topicEnd)
}

var encMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Publisher is an arbiter.Listener broadcasting every event. Publishing
// never fails the event: a pub socket drops messages nobody reads.
type Publisher struct {
	sock   mangos.Socket
	site   string
	logger *slog.Logger
}

// NewPublisher listens on addr, e.g. "ipc:///run/arbiter/events" or
// "tcp://127.0.0.1:9930".
func NewPublisher(addr, site string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sock, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("creating pub socket: %w", err)
	}
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return &Publisher{sock: sock, site: site, logger: logger.With("component", "events")}, nil
}

func (p *Publisher) OnEvent(ev arbiter.Event) error {
	msg, err := encode(Notice{
		Site:   p.site,
		Type:   ev.Type,
		Ticket: ev.Ticket,
		Term:   ev.Term,
		Leader: ev.Leader,
		Reason: ev.Reason,
		Time:   ev.Time,
	})
	if err != nil {
		p.logger.Error("encoding event", "ticket", ev.Ticket, "error", err)
		return nil
	}
	if err := p.sock.Send(msg); err != nil {
		p.logger.Warn("publishing event", "ticket", ev.Ticket, "event", ev.Type.String(), "error", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.sock.Close()
}

func encode(n Notice) ([]byte, error) {
	body, err := encMode.Marshal(n)
	if err != nil {
		return nil, err
	}
	msg := Topic(n.Ticket)
	return append(msg, body...), nil
}

func decode(msg []byte) (Notice, error) {
	var n Notice
	if !bytes.HasPrefix(msg, []byte(TopicPrefix)) {
		return n, ErrMalformed
	}
	i := bytes.IndexByte(msg, topicEnd)
	if i < 0 {
		return n, ErrMalformed
	}
	if err := cbor.Unmarshal(msg[i+1:], &n); err != nil {
		return n, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if string(msg[len(TopicPrefix):i]) != n.Ticket {
		return n, fmt.Errorf("%w: topic does not match ticket %q", ErrMalformed, n.Ticket)
	}
	return n, nil
}

// Subscriber receives notices from a Publisher.
type Subscriber struct {
	sock mangos.Socket
}

// NewSubscriber dials addr and subscribes to the given tickets, or to
// every ticket when none are named.
func NewSubscriber(addr string, tickets ...string) (*Subscriber, error) {
	sock, err := sub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("creating sub socket: %w", err)
	}
	topics := [][]byte{[]byte(TopicPrefix)}
	if len(tickets) > 0 {
		topics = topics[:0]
		for _, t := range tickets {
			topics = append(topics, Topic(t))
		}
	}
	for _, topic := range topics {
		if err := sock.SetOption(mangos.OptionSubscribe, topic); err != nil {
			sock.Close()
			return nil, err
		}
	}
	if err := sock.Dial(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &Subscriber{sock: sock}, nil
}

// Next waits up to timeout for the next notice. A non-positive timeout
// waits forever.
func (s *Subscriber) Next(timeout time.Duration) (Notice, error) {
	if timeout < 0 {
		timeout = 0
	}
	if err := s.sock.SetOption(mangos.OptionRecvDeadline, timeout); err != nil {
		return Notice{}, err
	}
	msg, err := s.sock.Recv()
	if errors.Is(err, mangos.ErrRecvTimeout) {
		return Notice{}, ErrTimeout
	}
	if err != nil {
		return Notice{}, err
	}
	return decode(msg)
}

func (s *Subscriber) Close() error {
	return s.sock.Close()
}

var _ arbiter.Listener = (*Publisher)(nil)
