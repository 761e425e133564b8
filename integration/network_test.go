package integration

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/Mathew-Estafanous/arbiter"
	"github.com/Mathew-Estafanous/arbiter/cluster"
	"github.com/Mathew-Estafanous/arbiter/events"
	"github.com/Mathew-Estafanous/arbiter/metrics"
	"github.com/Mathew-Estafanous/arbiter/transport"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeUDPPorts reserves n loopback ports and releases them for reuse.
func freeUDPPorts(t *testing.T, n int) []int {
	t.Helper()
	var conns []net.PacketConn
	var ports []int
	for i := 0; i < n; i++ {
		conn, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		conns = append(conns, conn)
		ports = append(ports, conn.LocalAddr().(*net.UDPAddr).Port)
	}
	for _, conn := range conns {
		require.NoError(t, conn.Close())
	}
	return ports
}

func TestNetwork_UDPElection(t *testing.T) {
	ports := freeUDPPorts(t, 3)
	configs := make([]cluster.SiteConfig, 0, len(ports))
	for _, p := range ports {
		configs = append(configs, cluster.SiteConfig{Addr: fmt.Sprintf("127.0.0.1:%d", p)})
	}

	registries := make(map[string]*metrics.Registry)
	eventsAddr := "inproc://udp-election-events"
	var pub *events.Publisher

	useUDP := func(node *testNode) {
		node.trans = transport.NewUDPTransport(node.addr, &transport.UDPConfig{Logger: testLogger()})
		node.ticket.AcquireAfter = 500 * time.Millisecond
		reg := metrics.NewRegistry()
		registries[node.addr] = reg
		node.options.Observer = reg
	}

	c := &testCluster{t: t, configs: configs, dataDir: t.TempDir()}
	t.Cleanup(func() { cleanupTestCluster(t, c) })

	var err error
	pub, err = events.NewPublisher(eventsAddr, "udp-cluster", testLogger())
	require.NoError(t, err)
	defer pub.Close()
	sub, err := events.NewSubscriber(eventsAddr, testTicket)
	require.NoError(t, err)
	defer sub.Close()

	for _, sc := range configs {
		node := &testNode{
			addr:   sc.Addr,
			ticket: testTicketConfig,
			options: arbiter.Options{
				PollInterval:  10 * time.Millisecond,
				ReleaseOnStop: true,
				Logger:        testLogger(),
			},
		}
		useUDP(node)
		c.build(node)
		node.arb.AddListener(pub)
		c.nodes = append(c.nodes, node)
	}
	for _, node := range c.nodes {
		c.start(node)
	}

	leader, err := waitForLeader(t, c.nodes, 10*time.Second)
	require.NoError(t, err)
	waitForFollowers(t, leader, c.others(leader))
	ti, _ := leader.info()

	var became *events.Notice
	for became == nil {
		n, err := sub.Next(5 * time.Second)
		require.NoError(t, err, "no ownership notice published")
		if n.Type == arbiter.EventBecameLeader {
			became = &n
		}
	}
	assert.Equal(t, testTicket, became.Ticket)
	assert.Equal(t, ti.Leader, became.Leader)
	assert.Equal(t, ti.Term, became.Term)

	leading := 0.0
	for _, reg := range registries {
		leading += testutil.ToFloat64(reg.TicketLeading.WithLabelValues(testTicket))
	}
	assert.Equal(t, 1.0, leading)
	assert.Equal(t, 1.0, testutil.ToFloat64(registries[leader.addr].ElectionsTotal.WithLabelValues(testTicket, "won")))
}
