package integration

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/Mathew-Estafanous/arbiter"
	"github.com/Mathew-Estafanous/arbiter/clock"
	"github.com/Mathew-Estafanous/arbiter/transport"
	"github.com/Mathew-Estafanous/arbiter/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/benchmark/latency"
)

// adminClient serves node's admin interface on a loopback listener
// slowed down by network.
func adminClient(t *testing.T, node *testNode, network latency.Network) *transport.AdminClient {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := transport.NewAdminServer(network.Listener(lis), node.arb, nil)
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Stop)

	client, err := transport.NewAdminClient(lis.Addr().String(), &transport.AdminClientConfig{
		Dialer: func(ctx context.Context, target string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", target)
			if err != nil {
				return nil, err
			}
			return network.Conn(conn)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func request(t *testing.T, client *transport.AdminClient, m *wire.Message) *wire.Message {
	t.Helper()
	auth, err := wire.NewAuthenticator(wire.HashHMACSHA1, testKey)
	require.NoError(t, err)
	m.Header.Secs, m.Header.Usecs = clock.Stamp(time.Now())
	frame, err := wire.Encode(m, auth)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reply, err := client.Call(ctx, frame)
	require.NoError(t, err)
	got, err := wire.NewVerifier(auth, wire.DefaultMaxSkew, 0, nil).Decode(reply)
	require.NoError(t, err)
	return got
}

func TestAdmin_GrantAndRevoke(t *testing.T) {
	tests := []struct {
		name    string
		latency latency.Network
	}{
		{"SmallDelay", latency.LAN},
		{"MediumDelay", latency.WAN},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, startCluster := setupCluster(t, 3, func(node *testNode) {
				node.ticket.Manual = true
			})
			startCluster()
			site := c.nodes[1]
			client := adminClient(t, site, tt.latency)

			reply := request(t, client, &wire.Message{
				Header: wire.Header{Cmd: wire.CmdGrant, Options: wire.OptWait},
				Ticket: &wire.TicketBody{Name: testTicket, Leader: wire.NoOne},
			})
			require.Equal(t, wire.ResultSyncSuccess, reply.Header.Result)
			assert.Equal(t, wire.ClGrant, reply.Header.Cmd)
			assert.Equal(t, uint32(1), reply.Ticket.Term)
			waitForFollowers(t, site, c.others(site))

			// Another site is told who holds the ticket.
			other := adminClient(t, c.nodes[0], tt.latency)
			reply = request(t, other, &wire.Message{
				Header: wire.Header{Cmd: wire.CmdRevoke},
				Ticket: &wire.TicketBody{Name: testTicket, Leader: wire.NoOne},
			})
			assert.Equal(t, wire.ResultRedirect, reply.Header.Result)
			ti, _ := site.info()
			assert.Equal(t, ti.Leader, reply.Ticket.Leader)

			reply = request(t, client, &wire.Message{
				Header: wire.Header{Cmd: wire.CmdRevoke, Options: wire.OptWait},
				Ticket: &wire.TicketBody{Name: testTicket, Leader: wire.NoOne},
			})
			assert.Equal(t, wire.ResultSyncSuccess, reply.Header.Result)
			require.Eventually(t, func() bool {
				for _, n := range c.nodes {
					ti, ok := n.info()
					if !ok || ti.State != arbiter.Idle || ti.Leader != wire.NoOne || !ti.Hold {
						return false
					}
				}
				return true
			}, 5*time.Second, 20*time.Millisecond)
		})
	}
}

func TestAdmin_GrantOverUnreachableLeader(t *testing.T) {
	c, startCluster := setupCluster(t, 3, func(node *testNode) {
		node.ticket.Manual = true
		node.ticket.Expiry = 30 * time.Second
		node.ticket.Renewal = 10 * time.Second
	})
	startCluster()

	first := c.nodes[0]
	r, err := first.arb.Grant(t.Context(), testTicket, wire.OptWait)
	require.NoError(t, err)
	require.Equal(t, wire.ResultSyncSuccess, r.Result)
	waitForFollowers(t, first, c.others(first))

	// The leader dies without its revoke getting through; its lease is
	// still running at the other sites.
	c.registry.Partition(c.addrs(first), c.addrs(c.others(first)...))
	c.stop(first)

	second := c.nodes[1]
	r, err = second.arb.Grant(t.Context(), testTicket, wire.OptWait)
	require.NoError(t, err)
	assert.Equal(t, wire.ResultOvergrant, r.Result)
	// The survivors learn that the leader is gone, as gossip would tell them.
	for _, n := range c.others(first) {
		n.arb.Directory().MarkUnreachable(r.Leader)
	}

	r, err = second.arb.Grant(t.Context(), testTicket, wire.OptWait|wire.OptImmediate)
	require.NoError(t, err)
	assert.Equal(t, wire.ResultSyncSuccess, r.Result)
	assert.Equal(t, uint32(2), r.Term)
}
