// Package arbiter grants named tickets to exactly one site of a multi-site
// cluster at a time. Every ticket runs its own term based election; a
// single event loop owns all ticket state and talks to the other sites
// through authenticated wire frames.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/Mathew-Estafanous/arbiter/clock"
	"github.com/Mathew-Estafanous/arbiter/cluster"
	"github.com/Mathew-Estafanous/arbiter/wire"
)

var (
	ErrUnknownTicket  = errors.New("no ticket with that name is configured")
	ErrNotRunning     = errors.New("the arbiter is not running")
	ErrAlreadyRunning = errors.New("the arbiter is already running")
)

// Arbiter is the per-site ticket arbitration engine.
type Arbiter struct {
	dir      *cluster.Directory
	local    *cluster.Site
	trans    Transport
	auth     wire.Authenticator
	verifier *wire.Verifier

	clock    clock.Clock
	logger   *slog.Logger
	store    TicketStore
	observer Observer
	jitter   func(time.Duration) time.Duration
	opts     Options

	tickets   map[string]*ticket
	names     []string
	listeners []Listener

	inbound chan packet
	adminCh chan adminReq
	liveCh  <-chan cluster.Member

	running atomic.Bool
	stopped chan struct{}
}

// New creates the arbiter of the directory's local site. auth may be nil
// for an unauthenticated cluster. The transport's packet handler is
// registered here; the transport itself is started by Run.
func New(dir *cluster.Directory, trans Transport, auth wire.Authenticator, tickets []TicketConfig, opts Options) (*Arbiter, error) {
	opts.setDefaults()
	a := &Arbiter{
		dir:      dir,
		local:    dir.Local(),
		trans:    trans,
		auth:     auth,
		clock:    opts.Clock,
		logger:   opts.Logger.With("site", dir.Local().Addr),
		store:    opts.Store,
		observer: opts.Observer,
		jitter:   opts.Jitter,
		opts:     opts,
		tickets:  make(map[string]*ticket, len(tickets)),
		inbound:  make(chan packet, opts.InboundBuffer),
		adminCh:  make(chan adminReq),
		stopped:  make(chan struct{}),
	}
	a.verifier = wire.NewVerifier(auth, opts.MaxSkew, opts.StartupGrace, opts.Clock)

	for _, cfg := range tickets {
		cfg.setDefaults()
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		if _, ok := a.tickets[cfg.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTicket, cfg.Name)
		}
		weights, err := a.resolveWeights(cfg)
		if err != nil {
			return nil, err
		}
		t := &ticket{
			cfg:      cfg,
			weights:  weights,
			state:    Idle,
			leader:   wire.NoOne,
			votedFor: wire.NoOne,
			attrs:    make(map[string]attr),
		}
		if err := a.restore(t); err != nil {
			return nil, err
		}
		a.tickets[cfg.Name] = t
		a.names = append(a.names, cfg.Name)
	}
	slices.Sort(a.names)

	if err := trans.RegisterPacketHandler(packetHandler{arbiter: a}); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Arbiter) resolveWeights(cfg TicketConfig) (cluster.Weights, error) {
	if len(cfg.Weights) == 0 {
		return nil, nil
	}
	w := make(cluster.Weights, len(cfg.Weights))
	for addr, weight := range cfg.Weights {
		norm, err := cluster.NormalizeAddr(addr, wire.DefaultPort)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidTicket, cfg.Name, err)
		}
		s, err := a.dir.ByAddr(norm)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: weight for %w", ErrInvalidTicket, cfg.Name, err)
		}
		if weight < 0 {
			return nil, fmt.Errorf("%w: %s: negative weight for %s", ErrInvalidTicket, cfg.Name, norm)
		}
		w[s.ID] = weight
	}
	return w, nil
}

// restore loads the persisted term, vote and leader. A peer leader whose
// lease has not run out is followed again; this site never resumes as
// leader and instead waits for its old lease to pass.
func (a *Arbiter) restore(t *ticket) error {
	rec, err := a.store.Load(t.cfg.Name)
	if errors.Is(err, ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading ticket %s: %w", t.cfg.Name, err)
	}
	t.term = rec.Term
	t.votedFor = rec.VotedFor
	now := a.clock.Now()
	left := rec.LeaseExpiry.Sub(now)
	if rec.Leader == wire.NoOne || left <= 0 {
		return nil
	}
	if rec.Leader == a.local.ID {
		t.acquireAt = now.Add(left)
		a.logger.Info("previous lease still running, not resuming leadership", "ticket", t.cfg.Name, "term", t.term, "remaining", left)
		return nil
	}
	if _, err := a.dir.ByID(rec.Leader); err != nil {
		return nil
	}
	t.state = Following
	t.leader = rec.Leader
	t.leaseUntil = now.Add(left)
	return nil
}

// AddListener registers l for ownership events. It must be called before
// Run.
func (a *Arbiter) AddListener(l Listener) {
	a.listeners = append(a.listeners, l)
}

// WatchLiveness makes the loop react to gossip membership changes.
func (a *Arbiter) WatchLiveness(ch <-chan cluster.Member) {
	a.liveCh = ch
}

func (a *Arbiter) Directory() *cluster.Directory { return a.dir }

// Run is where the core logic of the arbiter lies. It is a long running
// routine that owns every ticket: it handles received frames and
// administrative requests, and scans ticket timers every PollInterval.
// It returns when ctx is cancelled.
func (a *Arbiter) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(a.stopped)

	if err := a.trans.Start(); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	defer func() {
		if err := a.trans.Stop(); err != nil {
			a.logger.Warn("stopping transport", "error", err)
		}
	}()

	a.start()
	ticker := a.clock.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case p := <-a.inbound:
			a.handlePacket(p.from, p.frame)
			a.drain()
		case req := <-a.adminCh:
			req.fn()
			close(req.done)
		case m := <-a.liveCh:
			a.onLiveness(m)
		case <-ticker.C:
			a.drain()
			a.tick()
		}
	}
}

// drain handles every frame already queued without blocking.
func (a *Arbiter) drain() {
	for {
		select {
		case p := <-a.inbound:
			a.handlePacket(p.from, p.frame)
		default:
			return
		}
	}
}

// start arms the first acquire deadlines and asks every peer for its view
// of each ticket.
func (a *Arbiter) start() {
	now := a.clock.Now()
	for _, name := range a.names {
		t := a.tickets[name]
		if t.acquireAt.IsZero() {
			t.acquireAt = now.Add(t.cfg.AcquireAfter + a.jitter(t.cfg.Timeout))
		}
		a.observe(t)
		a.broadcast(t, wire.OpStatus, wire.ReasonNone)
	}
	a.logger.Info("arbiter started", "tickets", len(a.names), "sites", a.dir.Len())
}

func (a *Arbiter) shutdown() {
	if !a.opts.ReleaseOnStop {
		return
	}
	for _, name := range a.names {
		if t := a.tickets[name]; t.state == Leading {
			a.stepDown(t, wire.ReasonStepdown)
		}
	}
}

func (a *Arbiter) onLiveness(m cluster.Member) {
	for _, name := range a.names {
		t := a.tickets[name]
		if t.lost && a.dir.IsLive(m.SiteID, t.cfg.Expiry) {
			a.resume(t)
		}
	}
}

// tick fires every ticket timer that is due.
func (a *Arbiter) tick() {
	for _, name := range a.names {
		t := a.tickets[name]
		switch t.state {
		case Electing:
			a.tickElecting(t)
		case Leading:
			a.tickLeading(t)
		case Following:
			a.tickFollowing(t)
		case Idle:
			a.tickIdle(t)
		}
		if t.revoking {
			a.tickRevoke(t)
		}
	}
}

func (a *Arbiter) tickIdle(t *ticket) {
	if t.leader != wire.NoOne && clock.IsPast(a.clock, t.leaseUntil) {
		a.setLeader(t, wire.NoOne, wire.ReasonLost)
	}
	if t.leader != wire.NoOne || t.cfg.Manual || t.hold || t.lost || a.local.Arbitrator {
		return
	}
	if !t.acquireAt.IsZero() && clock.IsPast(a.clock, t.acquireAt) {
		a.startElection(t, wire.ReasonLost)
	}
}

// handlePacket decodes one received frame and routes it to its ticket.
// Frames failing any check are dropped without a reply.
func (a *Arbiter) handlePacket(from string, frame []byte) {
	m, err := a.verifier.Decode(frame)
	if err != nil {
		a.observer.DecodeFailed(wire.Kind(err))
		var de *wire.DecodeError
		if errors.As(err, &de) {
			if s, lerr := a.dir.ByID(de.From); lerr == nil {
				a.dir.Record(s.ID, cluster.CounterInvalid)
			}
		}
		a.logger.Debug("dropping invalid frame", "from", from, "error", err)
		return
	}

	site, err := a.dir.ByID(m.Header.From)
	if err != nil {
		a.logger.Debug("dropping frame from unknown site", "from", from, "site_id", m.Header.From)
		return
	}
	if site.Local {
		return
	}
	if !a.dir.AcceptStamp(site.ID, m.Header.Secs, m.Header.Usecs) {
		a.logger.Warn("dropping replayed frame", "peer", site.Addr, "cmd", m.Header.Cmd.String())
		return
	}
	a.dir.Record(site.ID, cluster.CounterReceived)
	a.dir.Touch(site.ID, a.clock.Now())

	if !m.Header.Cmd.IsPeerOp() || m.Ticket == nil {
		a.dir.Record(site.ID, cluster.CounterRecvError)
		a.logger.Debug("dropping non-peer frame", "peer", site.Addr, "cmd", m.Header.Cmd.String())
		return
	}
	t, ok := a.tickets[m.Ticket.Name]
	if !ok {
		a.logger.Debug("frame for unknown ticket", "peer", site.Addr, "ticket", m.Ticket.Name)
		return
	}
	if t.lost {
		a.resume(t)
	}

	switch m.Header.Cmd {
	case wire.OpReqVote:
		a.onRequestVote(t, site, m)
	case wire.OpVoteFor:
		a.onVoteFor(t, site, m)
	case wire.OpHeartbeat, wire.OpUpdate:
		a.onHeartbeat(t, site, m)
	case wire.OpAck:
		a.onAck(t, site, m)
	case wire.OpRevoke:
		a.onRevoke(t, site, m)
	case wire.OpRejected:
		a.onRejected(t, site, m)
	case wire.OpStatus, wire.OpMyIndex:
		a.onStatus(t, site, m)
	}
}

// adoptTerm moves t forward to term, giving up any candidacy, leadership
// or leader known for the older term. It reports whether the term changed.
func (a *Arbiter) adoptTerm(t *ticket, term uint32) bool {
	if term <= t.term {
		return false
	}
	a.logger.Debug("adopting newer term", "ticket", t.cfg.Name, "from", t.term, "to", term)
	prev := t.state
	t.term = term
	t.votedFor = wire.NoOne
	a.setState(t, Idle)
	if t.revoking {
		a.finishRevoke(t, wire.ResultProbablySuccess)
	}
	if t.leader != wire.NoOne {
		t.leaseUntil = time.Time{}
		a.setLeader(t, wire.NoOne, wire.ReasonStepdown)
	}
	if prev == Leading {
		a.logger.Warn("newer term seen, giving up leadership", "ticket", t.cfg.Name, "term", term)
		a.emit(Event{Type: EventLostLeadership, Ticket: t.cfg.Name, Term: t.term, Leader: wire.NoOne, Reason: wire.ReasonStepdown})
	}
	a.persist(t)
	return true
}

// setState changes t.state. Leaving an election for anything other than
// leadership fails waiting grants.
func (a *Arbiter) setState(t *ticket, s State) {
	if t.state == s {
		return
	}
	if t.state == Electing {
		t.immediate = false
		if s != Leading {
			a.finishGrants(t, wire.ResultSyncFail, wire.ResultSyncFail)
		}
	}
	t.state = s
	a.observe(t)
}

func (a *Arbiter) setLeader(t *ticket, leader uint32, reason wire.Reason) {
	if t.leader == leader {
		return
	}
	t.leader = leader
	a.persist(t)
	a.emit(Event{Type: EventLeaderChanged, Ticket: t.cfg.Name, Term: t.term, Leader: leader, Reason: reason})
}

func (a *Arbiter) observe(t *ticket) {
	a.observer.TicketChanged(t.cfg.Name, t.state, t.term, t.state == Leading)
}

func (a *Arbiter) persist(t *ticket) {
	rec := TicketRecord{
		Name:     t.cfg.Name,
		Term:     t.term,
		VotedFor: t.votedFor,
		Leader:   t.leader,
	}
	if t.leader != wire.NoOne && !t.leaseUntil.IsZero() {
		rec.LeaseExpiry = t.leaseUntil
	}
	if err := a.store.Save(rec); err != nil {
		a.logger.Error("failed to persist ticket", "ticket", t.cfg.Name, "term", t.term, "error", err)
	}
}

// resume lifts the suspension of a lost ticket.
func (a *Arbiter) resume(t *ticket) {
	t.lost = false
	t.attempts = 0
	t.acquireAt = a.clock.Now().Add(t.cfg.AcquireAfter + a.jitter(t.cfg.Timeout))
	a.logger.Info("peer heard again, resuming ticket", "ticket", t.cfg.Name)
}

// validity is the remaining lease of t in wire units.
func (a *Arbiter) validity(t *ticket) uint32 {
	if t.leader == wire.NoOne {
		return 0
	}
	ms := clock.MillisLeft(a.clock, t.leaseUntil)
	if ms <= 0 {
		return 0
	}
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}

func (a *Arbiter) ticketMsg(t *ticket, cmd wire.Cmd, reason wire.Reason) *wire.Message {
	return &wire.Message{
		Header: wire.Header{Cmd: cmd, Reason: reason},
		Ticket: &wire.TicketBody{
			Name:     t.cfg.Name,
			Leader:   t.leader,
			Term:     t.term,
			ValidFor: a.validity(t),
		},
	}
}

// send stamps, encodes and transmits m to site. Failures are recorded
// against the site and otherwise left to the ticket timers.
func (a *Arbiter) send(site *cluster.Site, m *wire.Message) {
	m.Header.From = a.local.ID
	m.Header.Secs, m.Header.Usecs = clock.Stamp(a.clock.Now())
	frame, err := wire.Encode(m, a.auth)
	if err != nil {
		a.logger.Error("failed to encode frame", "cmd", m.Header.Cmd.String(), "error", err)
		return
	}
	if err := a.trans.Send(site.Addr, frame); err != nil {
		a.dir.Record(site.ID, cluster.CounterSendError)
		a.dir.MarkUnreachable(site.ID)
		a.logger.Debug("send failed", "peer", site.Addr, "cmd", m.Header.Cmd.String(), "error", err)
		return
	}
	a.dir.Record(site.ID, cluster.CounterSent)
}

func (a *Arbiter) broadcast(t *ticket, cmd wire.Cmd, reason wire.Reason) {
	for _, s := range a.dir.Peers() {
		a.send(s, a.ticketMsg(t, cmd, reason))
	}
}

// reply answers req with this site's view of t.
func (a *Arbiter) reply(t *ticket, site *cluster.Site, req *wire.Message, cmd wire.Cmd, result wire.Result) {
	m := a.ticketMsg(t, cmd, wire.ReasonNone)
	m.Header.Request = req.Header.Cmd
	m.Header.Result = result
	a.send(site, m)
}

func (a *Arbiter) reject(t *ticket, site *cluster.Site, req *wire.Message, result wire.Result) {
	a.logger.Debug("rejecting", "ticket", t.cfg.Name, "peer", site.Addr, "cmd", req.Header.Cmd.String(),
		"their_term", req.Ticket.Term, "term", t.term, "result", result.String())
	a.reply(t, site, req, wire.OpRejected, result)
}

// onStatus handles both the startup status query and its answer. Either
// one carries the peer's view of the ticket and is applied like a
// heartbeat when it names a live leader.
func (a *Arbiter) onStatus(t *ticket, site *cluster.Site, m *wire.Message) {
	body := m.Ticket
	a.adoptTerm(t, body.Term)
	if body.Term == t.term && body.Leader != wire.NoOne && body.ValidFor > 0 {
		switch {
		case body.Leader == a.local.ID:
			if t.state != Leading {
				// A peer still honours a lease this site held before a restart.
				until := a.clock.Now().Add(body.Validity())
				if until.After(t.acquireAt) {
					t.acquireAt = until
				}
			}
		case t.state == Leading:
			a.logger.Error("split brain: peer reports another leader for our term",
				"ticket", t.cfg.Name, "term", t.term, "peer", site.Addr, "leader", body.Leader)
		default:
			if leader, err := a.dir.ByID(body.Leader); err == nil && !leader.Arbitrator {
				a.follow(t, leader.ID, body.Validity())
			}
		}
	}
	if m.Header.Cmd == wire.OpStatus {
		a.reply(t, site, m, wire.OpMyIndex, wire.ResultSuccess)
	}
}
