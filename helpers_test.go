package arbiter

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Mathew-Estafanous/arbiter/clock"
	"github.com/Mathew-Estafanous/arbiter/cluster"
	"github.com/Mathew-Estafanous/arbiter/wire"
	"github.com/stretchr/testify/require"
)

const testTicket = "ticket-A"

var epoch = time.Unix(1700000000, 0)

func testTicketConfig() TicketConfig {
	return TicketConfig{
		Name:    testTicket,
		Expiry:  10 * time.Second,
		Timeout: time.Second,
		Retries: 3,
		Manual:  true,
	}
}

func noJitter(time.Duration) time.Duration { return 0 }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// envelope is one frame in flight on the test network.
type envelope struct {
	from, to string
	frame    []byte
}

// testNet queues every sent frame until the test delivers it.
type testNet struct {
	queue []envelope
	// drop, when set, silently loses matching frames.
	drop func(from, to string) bool
}

type tapTransport struct {
	addr    string
	net     *testNet
	handler PacketHandler
}

func (t *tapTransport) Start() error { return nil }
func (t *tapTransport) Stop() error  { return nil }

func (t *tapTransport) Send(addr string, frame []byte) error {
	if t.net.drop != nil && t.net.drop(t.addr, addr) {
		return nil
	}
	t.net.queue = append(t.net.queue, envelope{from: t.addr, to: addr, frame: frame})
	return nil
}

func (t *tapTransport) RegisterPacketHandler(h PacketHandler) error {
	t.handler = h
	return nil
}

// testCluster drives several arbiters sharing one fake clock without
// running their loops, so every delivery and timer is deterministic.
type testCluster struct {
	t      *testing.T
	clock  *clock.Fake
	net    *testNet
	auth   wire.Authenticator
	sites  []*Arbiter
	byAddr map[string]*Arbiter
	events map[string][]Event
	stores map[string]*InMemStore
}

type siteSpec struct {
	addr       string
	arbitrator bool
}

func sites(addrs ...string) []siteSpec {
	out := make([]siteSpec, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, siteSpec{addr: a})
	}
	return out
}

func newTestCluster(t *testing.T, specs []siteSpec, cfg TicketConfig, mutate ...func(addr string, o *Options)) *testCluster {
	t.Helper()
	auth, err := wire.NewAuthenticator(wire.HashHMACSHA1, []byte("test-cluster-key"))
	require.NoError(t, err)

	c := &testCluster{
		t:      t,
		clock:  clock.NewFake(epoch),
		net:    &testNet{},
		auth:   auth,
		byAddr: make(map[string]*Arbiter),
		events: make(map[string][]Event),
		stores: make(map[string]*InMemStore),
	}
	configs := make([]cluster.SiteConfig, 0, len(specs))
	for _, s := range specs {
		configs = append(configs, cluster.SiteConfig{Addr: s.addr, Arbitrator: s.arbitrator})
	}
	for _, s := range specs {
		c.addSite(configs, s.addr, cfg, mutate...)
	}
	return c
}

func (c *testCluster) addSite(configs []cluster.SiteConfig, addr string, cfg TicketConfig, mutate ...func(addr string, o *Options)) *Arbiter {
	c.t.Helper()
	dir, err := cluster.New(configs, addr, wire.DefaultPort, cluster.WithClock(c.clock), cluster.WithLogger(discardLogger()))
	require.NoError(c.t, err)
	local := dir.Local().Addr

	store, ok := c.stores[local]
	if !ok {
		store = NewMemStore()
		c.stores[local] = store
	}
	opts := Options{
		Clock:  c.clock,
		Logger: discardLogger(),
		Jitter: noJitter,
		Store:  store,
	}
	for _, m := range mutate {
		m(local, &opts)
	}
	trans := &tapTransport{addr: local, net: c.net}
	a, err := New(dir, trans, c.auth, []TicketConfig{cfg}, opts)
	require.NoError(c.t, err)
	a.AddListener(ListenerFunc(func(ev Event) error {
		c.events[local] = append(c.events[local], ev)
		return nil
	}))

	if old, ok := c.byAddr[local]; ok {
		for i, s := range c.sites {
			if s == old {
				c.sites[i] = a
			}
		}
	} else {
		c.sites = append(c.sites, a)
	}
	c.byAddr[local] = a
	return a
}

// deliver hands queued frames to their receivers, including any frames
// sent while handling them, until the network is quiet.
func (c *testCluster) deliver() int {
	c.t.Helper()
	n := 0
	for len(c.net.queue) > 0 {
		e := c.net.queue[0]
		c.net.queue = c.net.queue[1:]
		if a, ok := c.byAddr[e.to]; ok {
			a.handlePacket(e.from, e.frame)
		}
		n++
		require.Less(c.t, n, 10000, "network never went quiet")
	}
	return n
}

// advance moves the clock, fires every site's timers and delivers the
// resulting traffic.
func (c *testCluster) advance(d time.Duration) {
	c.t.Helper()
	c.clock.Advance(d)
	for _, a := range c.sites {
		a.tick()
	}
	c.deliver()
}

func (c *testCluster) ticket(a *Arbiter) *ticket {
	return a.tickets[testTicket]
}

// queued decodes the frames waiting for addr with the given command.
func (c *testCluster) queued(to string, cmd wire.Cmd) []*wire.Message {
	c.t.Helper()
	var out []*wire.Message
	for _, e := range c.net.queue {
		if e.to != to {
			continue
		}
		m, err := wire.Decode(e.frame)
		require.NoError(c.t, err)
		if m.Header.Cmd == cmd {
			out = append(out, m)
		}
	}
	return out
}

// frame builds an authenticated ticket frame as if sent by from.
func (c *testCluster) frame(from *Arbiter, cmd wire.Cmd, body wire.TicketBody) []byte {
	c.t.Helper()
	return c.frameWith(from, wire.Header{Cmd: cmd}, body)
}

// frameWith is frame with extra header fields set.
func (c *testCluster) frameWith(from *Arbiter, h wire.Header, body wire.TicketBody) []byte {
	c.t.Helper()
	h.From = from.local.ID
	m := &wire.Message{Header: h, Ticket: &body}
	m.Header.Secs, m.Header.Usecs = clock.Stamp(c.clock.Now())
	b, err := wire.Encode(m, c.auth)
	require.NoError(c.t, err)
	return b
}

func (c *testCluster) leaders() []*Arbiter {
	var out []*Arbiter
	for _, a := range c.sites {
		if c.ticket(a).state == Leading {
			out = append(out, a)
		}
	}
	return out
}

func (c *testCluster) eventTypes(a *Arbiter) []EventType {
	var out []EventType
	for _, ev := range c.events[a.local.Addr] {
		out = append(out, ev.Type)
	}
	return out
}

// elect makes a win an election and lets the announcement settle.
func (c *testCluster) elect(a *Arbiter) {
	c.t.Helper()
	a.startElection(c.ticket(a), wire.ReasonAdmin)
	c.deliver()
	require.Equal(c.t, Leading, c.ticket(a).state)
}

// isolate drops every frame to or from addr.
func (c *testCluster) isolate(addrs ...string) {
	down := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		down[a] = true
	}
	c.net.drop = func(from, to string) bool { return down[from] || down[to] }
}

func (c *testCluster) heal() { c.net.drop = nil }
