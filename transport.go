package arbiter

import "github.com/Mathew-Estafanous/arbiter/cluster"

// Transport moves authenticated frames between sites. Sends are fire and
// forget; delivery is never assumed and the ticket timers retry.
type Transport interface {
	// Start initializes and starts the transport layer
	Start() error

	// Stop gracefully shuts down the transport layer
	Stop() error

	// Send transmits one frame to the site listening on addr.
	Send(addr string, frame []byte) error

	// RegisterPacketHandler registers the receiver of incoming frames.
	// It must be called before Start.
	RegisterPacketHandler(handler PacketHandler) error
}

// PacketHandler receives frames from a Transport. OnPacket may be called
// from any goroutine and must not block; frame is owned by the handler.
type PacketHandler interface {
	OnPacket(from string, frame []byte)
}

type packet struct {
	from  string
	frame []byte
}

// packetHandler is used as an adapter to implement PacketHandler for an
// Arbiter while keeping the queueing private.
type packetHandler struct {
	arbiter *Arbiter
}

func (h packetHandler) OnPacket(from string, frame []byte) {
	a := h.arbiter
	select {
	case a.inbound <- packet{from: from, frame: frame}:
	default:
		a.observer.InboundDropped()
		if s, err := a.dir.ByAddr(from); err == nil {
			a.dir.Record(s.ID, cluster.CounterRecvError)
		}
		a.logger.Warn("inbound queue full, dropping frame", "from", from)
	}
}
