package arbiter

import (
	"time"

	"github.com/Mathew-Estafanous/arbiter/clock"
	"github.com/Mathew-Estafanous/arbiter/cluster"
	"github.com/Mathew-Estafanous/arbiter/wire"
)

// follow accepts leader for the current term with a lease of validity
// from now.
func (a *Arbiter) follow(t *ticket, leader uint32, validity time.Duration) {
	t.leaseUntil = a.clock.Now().Add(validity)
	t.attempts = 0
	t.votes = 0
	t.lost = false
	t.hold = false
	a.setState(t, Following)
	if t.leader != leader {
		a.logger.Info("following new leader", "ticket", t.cfg.Name, "term", t.term, "leader", leader)
		a.setLeader(t, leader, wire.ReasonNone)
		return
	}
	a.persist(t)
}

// tickFollowing starts an election once the leader's lease ran out.
func (a *Arbiter) tickFollowing(t *ticket) {
	if !clock.IsPast(a.clock, t.leaseUntil) {
		return
	}
	a.logger.Info("leader lease expired", "ticket", t.cfg.Name, "term", t.term, "leader", t.leader)
	if a.local.Arbitrator {
		t.leaseUntil = time.Time{}
		a.setState(t, Idle)
		a.setLeader(t, wire.NoOne, wire.ReasonLost)
		return
	}
	a.startElection(t, wire.ReasonLost)
}

// onHeartbeat handles a leader's announcement (OP_UPDATE right after its
// election, OP_HEARTBEAT afterwards).
func (a *Arbiter) onHeartbeat(t *ticket, site *cluster.Site, m *wire.Message) {
	body := m.Ticket
	if body.Term < t.term {
		a.reject(t, site, m, wire.ResultTermOutdated)
		return
	}
	if site.Arbitrator || body.Leader != site.ID {
		a.logger.Warn("heartbeat from a site that cannot lead", "ticket", t.cfg.Name, "peer", site.Addr, "leader", body.Leader)
		a.reject(t, site, m, wire.ResultInvalidArg)
		return
	}
	if body.Term == t.term {
		switch {
		case t.state == Leading:
			a.logger.Error("split brain: another site claims our term", "ticket", t.cfg.Name, "term", t.term, "peer", site.Addr)
			a.reject(t, site, m, wire.ResultBusy)
			return
		case t.leader != wire.NoOne && t.leader != site.ID && !clock.IsPast(a.clock, t.leaseUntil):
			a.logger.Error("two leaders announced for one term", "ticket", t.cfg.Name, "term", t.term,
				"leader", t.leader, "peer", site.Addr)
			a.reject(t, site, m, wire.ResultBusy)
			return
		}
	}
	a.adoptTerm(t, body.Term)
	a.follow(t, site.ID, body.Validity())

	ack := a.ticketMsg(t, wire.OpAck, wire.ReasonNone)
	ack.Header.Request = m.Header.Cmd
	ack.Ticket.ValidFor = body.ValidFor
	a.send(site, ack)
}

// onRevoke releases the ticket when its leader gives it up.
func (a *Arbiter) onRevoke(t *ticket, site *cluster.Site, m *wire.Message) {
	body := m.Ticket
	if body.Term < t.term {
		a.reject(t, site, m, wire.ResultTermOutdated)
		return
	}
	if body.Leader != site.ID {
		a.reject(t, site, m, wire.ResultInvalidArg)
		return
	}
	if body.Term == t.term && t.state == Leading {
		a.reject(t, site, m, wire.ResultBusy)
		return
	}
	a.adoptTerm(t, body.Term)

	if t.leader == site.ID || t.leader == wire.NoOne {
		reason := m.Header.Reason
		t.leaseUntil = time.Time{}
		a.setState(t, Idle)
		a.setLeader(t, wire.NoOne, reason)
		if reason == wire.ReasonAdmin {
			t.hold = true
		} else {
			t.hold = false
			t.acquireAt = a.clock.Now().Add(t.cfg.AcquireAfter + a.jitter(t.cfg.Timeout))
		}
		a.logger.Info("ticket revoked by leader", "ticket", t.cfg.Name, "term", t.term, "peer", site.Addr, "reason", reason.String())
	}
	a.reply(t, site, m, wire.OpAck, wire.ResultSuccess)
}
