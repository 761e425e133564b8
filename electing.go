package arbiter

import (
	"time"

	"github.com/Mathew-Estafanous/arbiter/clock"
	"github.com/Mathew-Estafanous/arbiter/cluster"
	"github.com/Mathew-Estafanous/arbiter/wire"
)

// startElection raises the term, votes for this site and asks every peer
// for its vote. Arbitrators never stand as candidates.
func (a *Arbiter) startElection(t *ticket, reason wire.Reason) {
	if a.local.Arbitrator {
		return
	}
	now := a.clock.Now()
	t.term++
	t.votedFor = a.local.ID
	t.votes = a.local.Mask
	t.refused = 0
	t.attempts++
	t.reason = reason
	t.electionDeadline = now.Add(t.cfg.Timeout + a.jitter(t.cfg.Timeout))
	t.acquireAt = time.Time{}
	if t.leader != wire.NoOne {
		t.leaseUntil = time.Time{}
		a.setLeader(t, wire.NoOne, reason)
	}
	a.setState(t, Electing)
	a.persist(t)
	a.logger.Info("candidate started election", "ticket", t.cfg.Name, "term", t.term,
		"attempt", t.attempts, "reason", reason.String())

	if a.dir.Majority(t.votes, t.weights) {
		a.becomeLeader(t)
		return
	}
	for _, s := range a.dir.Peers() {
		m := a.ticketMsg(t, wire.OpReqVote, reason)
		m.Ticket.Leader = a.local.ID
		if t.immediate {
			m.Header.Options = wire.OptImmediate
		}
		a.send(s, m)
	}
}

// tickElecting retries an election whose deadline passed without quorum,
// until the retry budget is spent.
func (a *Arbiter) tickElecting(t *ticket) {
	if !clock.IsPast(a.clock, t.electionDeadline) {
		return
	}
	a.observer.ElectionFinished(t.cfg.Name, false)
	if t.attempts >= t.cfg.Retries {
		a.markLost(t)
		return
	}
	a.logger.Info("election has failed", "ticket", t.cfg.Name, "term", t.term, "votes", t.votes.Count())
	a.startElection(t, wire.ReasonAgain)
}

// markLost gives up on a ticket that could not reach quorum. Automatic
// elections stay suspended until a peer is heard from again.
func (a *Arbiter) markLost(t *ticket) {
	a.setState(t, Idle)
	t.lost = true
	t.votes = 0
	t.attempts = 0
	a.logger.Warn("ticket lost, no quorum within the retry budget", "ticket", t.cfg.Name, "term", t.term,
		"live_quorum", a.dir.HasLiveQuorum(t.cfg.Expiry, t.weights))
	a.emit(Event{Type: EventTicketLost, Ticket: t.cfg.Name, Term: t.term, Leader: wire.NoOne, Reason: wire.ReasonLost})
}

// onRequestVote decides whether site gets this site's vote for the
// requested term. A site votes at most once per term; the only vote that
// ever moves is a candidate's own, when it yields to a lower site id
// competing for the same term. While the leader this site follows still
// holds a valid lease, no other candidate gets a vote at any term.
func (a *Arbiter) onRequestVote(t *ticket, site *cluster.Site, m *wire.Message) {
	body := m.Ticket
	if body.Term < t.term {
		a.reject(t, site, m, wire.ResultTermOutdated)
		return
	}
	if site.Arbitrator || body.Leader != site.ID {
		a.reject(t, site, m, wire.ResultInvalidArg)
		return
	}
	if a.leaseHeld(t, site) {
		if !m.Header.Options.Has(wire.OptImmediate) || a.dir.IsLive(t.leader, t.cfg.Expiry) {
			a.logger.Info("refusing vote, leader lease still valid", "ticket", t.cfg.Name, "term", t.term,
				"candidate", site.Addr, "their_term", body.Term, "leader", t.leader)
			a.reject(t, site, m, wire.ResultTermStillValid)
			return
		}
		a.logger.Warn("voting over an unreachable leader", "ticket", t.cfg.Name, "term", t.term,
			"candidate", site.Addr, "leader", t.leader)
	}
	a.adoptTerm(t, body.Term)

	switch {
	case t.votedFor == site.ID:
		// Duplicate request; repeat the vote.
	case t.state == Leading:
		a.reject(t, site, m, wire.ResultBusy)
		return
	case t.state == Electing && t.votedFor == a.local.ID:
		if site.ID > a.local.ID {
			a.reject(t, site, m, wire.ResultBusy)
			return
		}
		a.logger.Info("yielding to candidate with lower id", "ticket", t.cfg.Name, "term", t.term, "candidate", site.Addr)
		deadline := t.electionDeadline
		a.setState(t, Idle)
		t.votes = 0
		t.acquireAt = deadline
	case t.leader != wire.NoOne, t.votedFor != wire.NoOne:
		a.reject(t, site, m, wire.ResultBusy)
		return
	}

	t.votedFor = site.ID
	if t.state == Idle {
		// Give the candidate time to win before competing.
		if hold := a.clock.Now().Add(t.cfg.Timeout + a.jitter(t.cfg.Timeout)); hold.After(t.acquireAt) {
			t.acquireAt = hold
		}
	}
	a.persist(t)

	v := a.ticketMsg(t, wire.OpVoteFor, wire.ReasonNone)
	v.Ticket.Leader = site.ID
	v.Header.Request = m.Header.Cmd
	a.send(site, v)
}

// leaseHeld reports whether this site follows a leader other than site
// whose lease has not run out.
func (a *Arbiter) leaseHeld(t *ticket, site *cluster.Site) bool {
	return t.state == Following && t.leader != wire.NoOne && t.leader != site.ID &&
		!clock.IsPast(a.clock, t.leaseUntil)
}

func (a *Arbiter) onVoteFor(t *ticket, site *cluster.Site, m *wire.Message) {
	body := m.Ticket
	if body.Term < t.term || a.adoptTerm(t, body.Term) {
		return
	}
	if t.state != Electing || body.Leader != a.local.ID {
		return
	}
	t.votes = t.votes.Add(site.Mask)
	a.logger.Debug("received vote", "ticket", t.cfg.Name, "term", t.term, "voter", site.Addr, "votes", t.votes.Count())
	if a.dir.Majority(t.votes, t.weights) {
		a.becomeLeader(t)
	}
}

// onRejected handles a peer refusing one of our requests. A refusal
// naming a leader with a running lease is taken as that leader's
// heartbeat; a newer term is adopted and retried from Idle.
func (a *Arbiter) onRejected(t *ticket, site *cluster.Site, m *wire.Message) {
	body := m.Ticket
	if body.Term < t.term {
		if m.Header.Result == wire.ResultTermStillValid && m.Header.Request == wire.OpReqVote {
			a.onLeaseStillValid(t, site, body)
		}
		return
	}
	adopted := a.adoptTerm(t, body.Term)

	if t.state != Leading && body.Leader != wire.NoOne && body.Leader != a.local.ID && body.ValidFor > 0 {
		if leader, err := a.dir.ByID(body.Leader); err == nil && !leader.Arbitrator {
			a.follow(t, leader.ID, body.Validity())
			return
		}
	}

	switch {
	case adopted:
		a.logger.Info("peer has a newer term", "ticket", t.cfg.Name, "peer", site.Addr, "term", t.term)
		if !t.lost && !t.hold {
			t.acquireAt = a.clock.Now().Add(a.jitter(t.cfg.Timeout))
		}
	case t.state == Leading && m.Header.Request != wire.OpRevoke:
		a.logger.Error("split brain: peer refuses our leadership", "ticket", t.cfg.Name, "term", t.term,
			"peer", site.Addr, "their_leader", body.Leader, "result", m.Header.Result.String())
	default:
		a.logger.Debug("request refused", "ticket", t.cfg.Name, "peer", site.Addr,
			"request", m.Header.Request.String(), "result", m.Header.Result.String())
	}
}

// onLeaseStillValid counts a voter that keeps honouring an older leader's
// lease. Once such refusals leave no weight majority within reach, the
// candidate stands down until that lease has run out.
func (a *Arbiter) onLeaseStillValid(t *ticket, site *cluster.Site, body *wire.TicketBody) {
	if t.state != Electing {
		return
	}
	t.refused = t.refused.Add(site.Mask)
	if a.dir.Majority(a.dir.AllMask().Remove(t.refused), t.weights) {
		return
	}
	a.logger.Info("leader lease still honoured, standing down", "ticket", t.cfg.Name, "term", t.term,
		"leader", body.Leader, "valid_for", body.Validity())
	a.setState(t, Idle)
	t.votes = 0
	t.refused = 0
	t.acquireAt = a.clock.Now().Add(body.Validity() + a.jitter(t.cfg.Timeout))
}
