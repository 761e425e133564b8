package transport

import (
	"errors"
	"sync"

	"github.com/Mathew-Estafanous/arbiter"
)

// Registry manages a collection of in-memory transports
type Registry struct {
	transports map[string]*MemoryTransport
	// drop, when set, silently loses frames it returns true for.
	drop func(from, to string) bool
	mu   sync.RWMutex
}

// NewRegistry creates a new registry for in-memory transports
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]*MemoryTransport),
	}
}

// SetFilter installs fn to decide which frames are lost. A nil fn heals
// the network.
func (r *Registry) SetFilter(fn func(from, to string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drop = fn
}

// Partition drops every frame crossing between the two groups.
func (r *Registry) Partition(left, right []string) {
	side := make(map[string]int, len(left)+len(right))
	for _, a := range left {
		side[a] = 1
	}
	for _, a := range right {
		side[a] = 2
	}
	r.SetFilter(func(from, to string) bool {
		return side[from] != 0 && side[to] != 0 && side[from] != side[to]
	})
}

// Heal removes any filter.
func (r *Registry) Heal() { r.SetFilter(nil) }

// MemoryTransport implements arbiter.Transport for in-memory
// communication. This is primarily useful for testing purposes.
type MemoryTransport struct {
	addr     string
	handler  arbiter.PacketHandler
	running  bool
	mu       sync.RWMutex
	registry *Registry
}

// NewMemoryTransport creates a new in-memory transport with a custom registry
func NewMemoryTransport(addr string, registry *Registry) *MemoryTransport {
	return &MemoryTransport{
		addr:     addr,
		registry: registry,
	}
}

// Start initializes and starts the transport layer
func (t *MemoryTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handler == nil {
		return ErrNoHandlerRegistered
	}

	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()

	if _, exists := t.registry.transports[t.addr]; exists {
		return errors.New("memory transport already registered with this address")
	}

	t.registry.transports[t.addr] = t
	t.running = true
	return nil
}

// Stop gracefully shuts down the transport layer
func (t *MemoryTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}

	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()

	delete(t.registry.transports, t.addr)
	t.running = false
	return nil
}

// RegisterPacketHandler registers the receiver of incoming frames
func (t *MemoryTransport) RegisterPacketHandler(handler arbiter.PacketHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if handler == nil {
		return ErrNilHandler
	}
	t.handler = handler
	return nil
}

// Send hands a copy of frame to the transport registered at addr. Like
// a datagram, a frame for an absent or filtered peer is silently lost;
// only a stopped sender reports an error.
func (t *MemoryTransport) Send(addr string, frame []byte) error {
	t.mu.RLock()
	running := t.running
	t.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	target, ok := t.getTargetTransport(addr)
	if !ok {
		return nil
	}
	target.handler.OnPacket(t.addr, append([]byte(nil), frame...))
	return nil
}

// getTargetTransport retrieves the target transport from the registry
func (t *MemoryTransport) getTargetTransport(addr string) (*MemoryTransport, bool) {
	t.registry.mu.RLock()
	defer t.registry.mu.RUnlock()

	if t.registry.drop != nil && t.registry.drop(t.addr, addr) {
		return nil, false
	}
	target, exists := t.registry.transports[addr]
	if !exists {
		return nil, false
	}

	target.mu.RLock()
	defer target.mu.RUnlock()
	return target, target.running
}
