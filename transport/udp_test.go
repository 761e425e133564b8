package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startUDP(t *testing.T) (*UDPTransport, *recorder) {
	t.Helper()
	rec := newRecorder()
	tr := NewUDPTransport("127.0.0.1:0", nil)
	require.NoError(t, tr.RegisterPacketHandler(rec))
	require.NoError(t, tr.Start())
	t.Cleanup(func() { _ = tr.Stop() })
	return tr, rec
}

func TestUDPTransport_RoundTrip(t *testing.T) {
	a, recA := startUDP(t)
	b, recB := startUDP(t)

	require.NoError(t, a.Send(b.LocalAddr().String(), []byte("hello")))
	p := recB.next(t)
	assert.Equal(t, []byte("hello"), p.frame)
	assert.Equal(t, a.LocalAddr().String(), p.from, "frames leave from the bound socket")

	require.NoError(t, b.Send(p.from, []byte("back")))
	assert.Equal(t, []byte("back"), recA.next(t).frame)
}

func TestUDPTransport_Lifecycle(t *testing.T) {
	tr := NewUDPTransport("127.0.0.1:0", nil)
	assert.ErrorIs(t, tr.Start(), ErrNoHandlerRegistered)
	assert.ErrorIs(t, tr.Send("127.0.0.1:9", []byte("x")), ErrNotRunning)
	assert.Nil(t, tr.LocalAddr())

	require.NoError(t, tr.RegisterPacketHandler(newRecorder()))
	require.NoError(t, tr.Start())
	assert.ErrorIs(t, tr.Start(), ErrAlreadyRunning)
	require.NoError(t, tr.Stop())
	require.NoError(t, tr.Stop())
}

func TestUDPTransport_Rebind(t *testing.T) {
	first, _ := startUDP(t)
	addr := first.LocalAddr().String()
	require.NoError(t, first.Stop())

	again := NewUDPTransport(addr, nil)
	require.NoError(t, again.RegisterPacketHandler(newRecorder()))
	require.NoError(t, again.Start())
	defer again.Stop()
	assert.Equal(t, addr, again.LocalAddr().String())
}

func TestUDPTransport_FrameTooLarge(t *testing.T) {
	a, _ := startUDP(t)
	big := bytes.Repeat([]byte{1}, MaxDatagram+1)
	assert.ErrorIs(t, a.Send("127.0.0.1:9", big), ErrFrameTooLarge)
}

func TestUDPTransport_BadAddress(t *testing.T) {
	a, _ := startUDP(t)
	assert.Error(t, a.Send("not an address", []byte("x")))
}
