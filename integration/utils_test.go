package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Mathew-Estafanous/arbiter"
	"github.com/Mathew-Estafanous/arbiter/cluster"
	"github.com/Mathew-Estafanous/arbiter/store"
	"github.com/Mathew-Estafanous/arbiter/transport"
	"github.com/Mathew-Estafanous/arbiter/wire"
	"github.com/stretchr/testify/require"
)

const testTicket = "ticket-A"

var testKey = []byte("integration-key")

var testTicketConfig = arbiter.TicketConfig{
	Name:         testTicket,
	Expiry:       2 * time.Second,
	Renewal:      time.Second,
	Timeout:      250 * time.Millisecond,
	Retries:      3,
	AcquireAfter: 100 * time.Millisecond,
}

// testNode is one site running its own event loop.
type testNode struct {
	addr    string
	ticket  arbiter.TicketConfig
	options arbiter.Options
	trans   arbiter.Transport
	store   *store.BoltStore
	arb     *arbiter.Arbiter

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	events []arbiter.Event
}

func (n *testNode) OnEvent(ev arbiter.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *testNode) eventsOf(typ arbiter.EventType) []arbiter.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []arbiter.Event
	for _, ev := range n.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (n *testNode) running() bool {
	return n.done != nil
}

// info returns the node's view of the test ticket.
func (n *testNode) info() (arbiter.TicketInfo, bool) {
	if !n.running() {
		return arbiter.TicketInfo{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	infos, err := n.arb.List(ctx)
	if err != nil || len(infos) == 0 {
		return arbiter.TicketInfo{}, false
	}
	return infos[0], true
}

func (n *testNode) isLeader() bool {
	ti, ok := n.info()
	return ok && ti.State == arbiter.Leading
}

type testCluster struct {
	t        *testing.T
	registry *transport.Registry
	configs  []cluster.SiteConfig
	nodes    []*testNode
	dataDir  string
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupCluster prepares n sites on an in-memory network. Each option may
// adjust a node before its arbiter is built; startCluster runs them all.
func setupCluster(t *testing.T, n int, opts ...func(node *testNode)) (*testCluster, func()) {
	t.Helper()
	c := &testCluster{
		t:        t,
		registry: transport.NewRegistry(),
		dataDir:  t.TempDir(),
	}
	for i := 0; i < n; i++ {
		c.configs = append(c.configs, cluster.SiteConfig{Addr: fmt.Sprintf("10.0.0.%d", i+1)})
	}
	for i := range c.configs {
		addr := fmt.Sprintf("10.0.0.%d:%d", i+1, wire.DefaultPort)
		node := &testNode{
			addr:   addr,
			ticket: testTicketConfig,
			options: arbiter.Options{
				PollInterval:  10 * time.Millisecond,
				ReleaseOnStop: true,
				Logger:        testLogger(),
			},
			trans: transport.NewMemoryTransport(addr, c.registry),
		}
		for _, opt := range opts {
			opt(node)
		}
		c.build(node)
		c.nodes = append(c.nodes, node)
	}
	t.Cleanup(func() { cleanupTestCluster(t, c) })
	return c, func() {
		for _, node := range c.nodes {
			c.start(node)
		}
	}
}

func (c *testCluster) build(node *testNode) {
	c.t.Helper()
	dir, err := cluster.New(c.configs, node.addr, wire.DefaultPort, cluster.WithLogger(testLogger()))
	require.NoError(c.t, err)
	auth, err := wire.NewAuthenticator(wire.HashHMACSHA1, testKey)
	require.NoError(c.t, err)

	if node.store == nil {
		node.store, err = store.NewBoltStore(filepath.Join(c.dataDir, node.addr, "tickets.db"))
		require.NoError(c.t, err)
	}
	opts := node.options
	opts.Store = node.store
	node.arb, err = arbiter.New(dir, node.trans, auth, []arbiter.TicketConfig{node.ticket}, opts)
	require.NoError(c.t, err)
	node.arb.AddListener(node)
}

func (c *testCluster) start(node *testNode) {
	ctx, cancel := context.WithCancel(context.Background())
	node.cancel = cancel
	node.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := node.arb.Run(ctx); err != nil {
			c.t.Errorf("site %s: %v", node.addr, err)
		}
	}(node.done)
}

// stop cancels the node's loop and waits for it to return.
func (c *testCluster) stop(node *testNode) {
	if !node.running() {
		return
	}
	node.cancel()
	<-node.done
	node.done = nil
}

// restart rebuilds a stopped node on its existing store and a fresh
// transport, as a restarted daemon would be.
func (c *testCluster) restart(node *testNode) {
	c.t.Helper()
	c.stop(node)
	node.trans = transport.NewMemoryTransport(node.addr, c.registry)
	c.build(node)
	c.start(node)
}

func (c *testCluster) addrs(nodes ...*testNode) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.addr)
	}
	return out
}

func (c *testCluster) others(node *testNode) []*testNode {
	var out []*testNode
	for _, n := range c.nodes {
		if n != node {
			out = append(out, n)
		}
	}
	return out
}

func cleanupTestCluster(t *testing.T, c *testCluster) {
	t.Helper()
	for _, node := range c.nodes {
		c.stop(node)
		if node.store != nil {
			if err := node.store.Close(); err != nil {
				t.Errorf("closing store of %s: %v", node.addr, err)
			}
		}
	}
}
