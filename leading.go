package arbiter

import (
	"time"

	"github.com/Mathew-Estafanous/arbiter/clock"
	"github.com/Mathew-Estafanous/arbiter/cluster"
	"github.com/Mathew-Estafanous/arbiter/wire"
)

// becomeLeader takes the ticket for the current term and announces it.
// If a listener refuses the ticket, it is given up again straight away.
func (a *Arbiter) becomeLeader(t *ticket) {
	now := a.clock.Now()
	t.votes = 0
	t.attempts = 0
	t.lost = false
	t.hold = false
	t.leaseUntil = now.Add(t.cfg.Expiry)
	t.round = 0
	a.setState(t, Leading)
	a.setLeader(t, a.local.ID, t.reason)
	a.observer.ElectionFinished(t.cfg.Name, true)
	a.logger.Info("won election, leading", "ticket", t.cfg.Name, "term", t.term)

	a.heartbeat(t, wire.OpUpdate)

	err := a.emit(Event{Type: EventBecameLeader, Ticket: t.cfg.Name, Term: t.term, Leader: a.local.ID, Reason: t.reason})
	if err != nil {
		a.finishGrants(t, wire.ResultSyncFail, wire.ResultExtFailed)
		a.stepDown(t, wire.ReasonLocalFail)
		return
	}
	a.finishGrants(t, wire.ResultSyncSuccess, wire.ResultSyncSuccess)
}

// roundTags is the number of consecutive heartbeat rounds whose grants
// differ. Acks echo the grant they answer, so a late ack from one of the
// previous rounds never confirms the current one.
const roundTags = 8

// roundValidity is the lease granted by the current round: the full
// expiry less the round's tag in milliseconds.
func (a *Arbiter) roundValidity(t *ticket) uint32 {
	ms := uint32(t.cfg.Expiry / time.Millisecond)
	if ms > roundTags {
		ms -= t.round % roundTags
	}
	return ms
}

// leaseMsg is a leader announcement granting peers the current round's
// lease.
func (a *Arbiter) leaseMsg(t *ticket, cmd wire.Cmd) *wire.Message {
	m := a.ticketMsg(t, cmd, t.reason)
	m.Ticket.ValidFor = t.hbValid
	return m
}

// heartbeat starts a new heartbeat round.
func (a *Arbiter) heartbeat(t *ticket, cmd wire.Cmd) {
	now := a.clock.Now()
	t.hbSent = now
	t.hbValid = a.roundValidity(t)
	t.round++
	t.acked = a.local.Mask
	t.confirmed = false
	t.nextHeartbeat = now.Add(t.cfg.Renewal)
	t.resendAt = now.Add(t.cfg.Timeout)
	a.confirmRound(t)
	for _, s := range a.dir.Peers() {
		a.send(s, a.leaseMsg(t, cmd))
	}
}

// confirmRound extends the leader's lease once a weight majority
// acknowledged the current round.
func (a *Arbiter) confirmRound(t *ticket) {
	if t.confirmed || !a.dir.Majority(t.acked, t.weights) {
		return
	}
	t.confirmed = true
	if until := t.hbSent.Add(time.Duration(t.hbValid) * time.Millisecond); until.After(t.leaseUntil) {
		t.leaseUntil = until
		a.persist(t)
	}
}

func (a *Arbiter) tickLeading(t *ticket) {
	if clock.IsPast(a.clock, t.leaseUntil) {
		a.logger.Warn("lease expired without quorum acknowledgement", "ticket", t.cfg.Name, "term", t.term, "acked", t.acked.Count())
		t.leaseUntil = time.Time{}
		a.emit(Event{Type: EventLostLeadership, Ticket: t.cfg.Name, Term: t.term, Leader: a.local.ID, Reason: wire.ReasonLost})
		a.startElection(t, wire.ReasonLost)
		return
	}
	if clock.IsPast(a.clock, t.nextHeartbeat) {
		a.heartbeat(t, wire.OpHeartbeat)
		return
	}
	if clock.IsPast(a.clock, t.resendAt) && t.acked != a.dir.AllMask() {
		for _, s := range a.dir.Peers() {
			if t.acked.Has(s.Mask) {
				continue
			}
			a.dir.Record(s.ID, cluster.CounterResent)
			a.send(s, a.leaseMsg(t, wire.OpHeartbeat))
		}
		t.resendAt = a.clock.Now().Add(t.cfg.Timeout)
	}
}

// onAck counts acknowledgements of heartbeats and revokes for the current
// term. A heartbeat ack only counts for the round whose grant it echoes.
func (a *Arbiter) onAck(t *ticket, site *cluster.Site, m *wire.Message) {
	body := m.Ticket
	if body.Term < t.term || a.adoptTerm(t, body.Term) {
		return
	}
	switch m.Header.Request {
	case wire.OpRevoke:
		if !t.revoking {
			return
		}
		t.revokeAcked = t.revokeAcked.Add(site.Mask)
		if t.revokeAcked == a.dir.AllMask() {
			a.logger.Info("revoke acknowledged by every site", "ticket", t.cfg.Name, "term", t.term)
			a.finishRevoke(t, wire.ResultSyncSuccess)
		}
	case wire.OpHeartbeat, wire.OpUpdate:
		if t.state != Leading || body.Leader != a.local.ID {
			return
		}
		if body.ValidFor != t.hbValid {
			a.logger.Debug("ack from an earlier round", "ticket", t.cfg.Name, "term", t.term, "peer", site.Addr)
			return
		}
		t.acked = t.acked.Add(site.Mask)
		a.confirmRound(t)
	}
}

// stepDown gives up leadership, telling every peer. reason decides what
// happens next: an administrative revoke holds the ticket until the next
// grant, a local failure leaves the ticket to the other sites for a full
// lease, anything else rearms the normal acquire timer.
func (a *Arbiter) stepDown(t *ticket, reason wire.Reason) {
	now := a.clock.Now()
	a.logger.Info("stepping down", "ticket", t.cfg.Name, "term", t.term, "reason", reason.String())
	a.broadcast(t, wire.OpRevoke, reason)

	t.leaseUntil = time.Time{}
	a.setState(t, Idle)
	a.setLeader(t, wire.NoOne, reason)
	a.emit(Event{Type: EventLostLeadership, Ticket: t.cfg.Name, Term: t.term, Leader: wire.NoOne, Reason: reason})

	switch reason {
	case wire.ReasonAdmin:
		t.hold = true
	case wire.ReasonLocalFail:
		t.acquireAt = now.Add(t.cfg.Expiry + a.jitter(t.cfg.Timeout))
	default:
		t.acquireAt = now.Add(t.cfg.AcquireAfter + a.jitter(t.cfg.Timeout))
	}

	t.revoking = true
	t.revokeAcked = a.local.Mask
	t.revokeResend = now.Add(t.cfg.Timeout)
	t.revokeTries = 0
	t.reason = reason
	if t.revokeAcked == a.dir.AllMask() {
		a.finishRevoke(t, wire.ResultSyncSuccess)
	}
}

// tickRevoke resends an unacknowledged revoke until the retry budget is
// spent.
func (a *Arbiter) tickRevoke(t *ticket) {
	if !clock.IsPast(a.clock, t.revokeResend) {
		return
	}
	if t.revokeTries >= t.cfg.Retries {
		a.logger.Warn("revoke not acknowledged by every site", "ticket", t.cfg.Name, "term", t.term)
		a.finishRevoke(t, wire.ResultProbablySuccess)
		return
	}
	t.revokeTries++
	for _, s := range a.dir.Peers() {
		if t.revokeAcked.Has(s.Mask) {
			continue
		}
		m := a.ticketMsg(t, wire.OpRevoke, t.reason)
		m.Ticket.Leader = a.local.ID
		a.dir.Record(s.ID, cluster.CounterResent)
		a.send(s, m)
	}
	t.revokeResend = a.clock.Now().Add(t.cfg.Timeout)
}

func (a *Arbiter) finishRevoke(t *ticket, result wire.Result) {
	for _, ch := range t.revokeWaiters {
		ch <- a.replyFor(t, result)
	}
	t.revokeWaiters = nil
	t.revoking = false
}

func (a *Arbiter) finishGrants(t *ticket, plain, commit wire.Result) {
	for _, w := range t.grantWaiters {
		r := plain
		if w.commit {
			r = commit
		}
		w.ch <- a.replyFor(t, r)
	}
	t.grantWaiters = nil
}
