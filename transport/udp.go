package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/Mathew-Estafanous/arbiter"
	"golang.org/x/net/ipv4"
)

// UDPConfig holds configuration for the UDP transport
type UDPConfig struct {
	// TOS marks outgoing IPv4 datagrams, e.g. 0xb8 for expedited
	// forwarding. Zero leaves the system default.
	TOS    int
	Logger *slog.Logger
}

// UDPTransport carries peer frames as single datagrams from one bound
// socket, so a peer's source address is its configured site address.
type UDPTransport struct {
	bind   string
	tos    int
	logger *slog.Logger

	mu      sync.RWMutex
	conn    net.PacketConn
	handler arbiter.PacketHandler
	peers   map[string]*net.UDPAddr
	wg      sync.WaitGroup
}

// NewUDPTransport creates a transport that listens on bind once started.
func NewUDPTransport(bind string, config *UDPConfig) *UDPTransport {
	if config == nil {
		config = &UDPConfig{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &UDPTransport{
		bind:   bind,
		tos:    config.TOS,
		logger: logger.With("component", "udp"),
		peers:  make(map[string]*net.UDPAddr),
	}
}

// Start binds the socket and starts the receive loop.
func (t *UDPTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler == nil {
		return ErrNoHandlerRegistered
	}
	if t.conn != nil {
		return ErrAlreadyRunning
	}

	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(context.Background(), "udp", t.bind)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", t.bind, err)
	}
	if t.tos > 0 {
		if err := ipv4.NewPacketConn(conn).SetTOS(t.tos); err != nil {
			t.logger.Warn("failed to set TOS", "tos", t.tos, "error", err)
		}
	}
	t.conn = conn
	t.wg.Add(1)
	go t.readLoop(conn, t.handler)
	t.logger.Info("listening", "addr", conn.LocalAddr().String())
	return nil
}

func (t *UDPTransport) readLoop(conn net.PacketConn, h arbiter.PacketHandler) {
	defer t.wg.Done()
	buf := make([]byte, MaxDatagram)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("read failed", "error", err)
			continue
		}
		h.OnPacket(from.String(), append([]byte(nil), buf[:n]...))
	}
}

// Stop closes the socket and waits for the receive loop to exit.
func (t *UDPTransport) Stop() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	t.wg.Wait()
	return err
}

// RegisterPacketHandler registers the receiver of incoming frames
func (t *UDPTransport) RegisterPacketHandler(handler arbiter.PacketHandler) error {
	if handler == nil {
		return ErrNilHandler
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
	return nil
}

// LocalAddr is the bound address, or nil before Start.
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// Send writes frame as one datagram to addr.
func (t *UDPTransport) Send(addr string, frame []byte) error {
	if len(frame) > MaxDatagram {
		return ErrFrameTooLarge
	}
	t.mu.RLock()
	conn := t.conn
	dst, ok := t.peers[addr]
	t.mu.RUnlock()
	if conn == nil {
		return ErrNotRunning
	}
	if !ok {
		var err error
		dst, err = net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.peers[addr] = dst
		t.mu.Unlock()
	}
	_, err := conn.WriteTo(frame, dst)
	return err
}
