package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type packet struct {
	from  string
	frame []byte
}

// recorder is a PacketHandler collecting every frame it receives.
type recorder struct {
	ch chan packet
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan packet, 16)}
}

func (r *recorder) OnPacket(from string, frame []byte) {
	r.ch <- packet{from: from, frame: frame}
}

func (r *recorder) next(t *testing.T) packet {
	t.Helper()
	select {
	case p := <-r.ch:
		return p
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no packet received")
		return packet{}
	}
}

func (r *recorder) empty(t *testing.T) {
	t.Helper()
	select {
	case p := <-r.ch:
		require.FailNow(t, "unexpected packet", "from %s", p.from)
	default:
	}
}
