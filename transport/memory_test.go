package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startMemory(t *testing.T, reg *Registry, addr string) (*MemoryTransport, *recorder) {
	t.Helper()
	rec := newRecorder()
	tr := NewMemoryTransport(addr, reg)
	require.NoError(t, tr.RegisterPacketHandler(rec))
	require.NoError(t, tr.Start())
	t.Cleanup(func() { _ = tr.Stop() })
	return tr, rec
}

func TestMemoryTransport_StartRequiresHandler(t *testing.T) {
	tr := NewMemoryTransport("a:1", NewRegistry())
	assert.ErrorIs(t, tr.Start(), ErrNoHandlerRegistered)
	assert.ErrorIs(t, tr.RegisterPacketHandler(nil), ErrNilHandler)
}

func TestMemoryTransport_DuplicateAddress(t *testing.T) {
	reg := NewRegistry()
	startMemory(t, reg, "a:1")

	dup := NewMemoryTransport("a:1", reg)
	require.NoError(t, dup.RegisterPacketHandler(newRecorder()))
	assert.Error(t, dup.Start())
}

func TestMemoryTransport_Send(t *testing.T) {
	reg := NewRegistry()
	a, _ := startMemory(t, reg, "a:1")
	_, recB := startMemory(t, reg, "b:1")

	frame := []byte("frame")
	require.NoError(t, a.Send("b:1", frame))
	frame[0] = 'X'

	p := recB.next(t)
	assert.Equal(t, "a:1", p.from)
	assert.Equal(t, []byte("frame"), p.frame, "receiver gets its own copy")

	// Unknown peers lose the frame like a datagram would.
	assert.NoError(t, a.Send("nobody:1", frame))
}

func TestMemoryTransport_StoppedSender(t *testing.T) {
	reg := NewRegistry()
	a, _ := startMemory(t, reg, "a:1")
	_, recB := startMemory(t, reg, "b:1")
	require.NoError(t, a.Stop())

	assert.ErrorIs(t, a.Send("b:1", []byte("x")), ErrNotRunning)
	recB.empty(t)
}

func TestRegistry_Partition(t *testing.T) {
	reg := NewRegistry()
	a, recA := startMemory(t, reg, "a:1")
	b, _ := startMemory(t, reg, "b:1")
	_, recC := startMemory(t, reg, "c:1")

	reg.Partition([]string{"a:1"}, []string{"b:1", "c:1"})
	require.NoError(t, a.Send("b:1", []byte("x")))
	require.NoError(t, b.Send("a:1", []byte("x")))
	require.NoError(t, b.Send("c:1", []byte("same side")))
	recA.empty(t)
	assert.Equal(t, []byte("same side"), recC.next(t).frame)

	reg.Heal()
	require.NoError(t, b.Send("a:1", []byte("healed")))
	assert.Equal(t, []byte("healed"), recA.next(t).frame)
}
