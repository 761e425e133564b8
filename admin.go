package arbiter

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/Mathew-Estafanous/arbiter/clock"
	"github.com/Mathew-Estafanous/arbiter/cluster"
	"github.com/Mathew-Estafanous/arbiter/wire"
)

// adminReq runs fn on the loop goroutine; done is closed afterwards.
type adminReq struct {
	fn   func()
	done chan struct{}
}

// do funnels fn into the event loop and waits until it ran.
func (a *Arbiter) do(ctx context.Context, fn func()) error {
	if !a.running.Load() {
		return ErrNotRunning
	}
	req := adminReq{fn: fn, done: make(chan struct{})}
	select {
	case a.adminCh <- req:
	case <-a.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.done
	return nil
}

// await waits for the outcome of an operation that replied Async.
func (a *Arbiter) await(ctx context.Context, r Reply, wait chan Reply) (Reply, error) {
	if wait == nil {
		return r, nil
	}
	select {
	case r = <-wait:
		return r, nil
	case <-ctx.Done():
		return r, ctx.Err()
	case <-a.stopped:
		return r, ErrNotRunning
	}
}

func (a *Arbiter) replyFor(t *ticket, result wire.Result) Reply {
	return Reply{Result: result, Ticket: t.cfg.Name, Leader: t.leader, Term: t.term}
}

// Grant asks for the ticket to be held by this site. Without OptWait or
// OptWaitCommit the reply is ResultAsync once the election started.
func (a *Arbiter) Grant(ctx context.Context, name string, opts wire.Options) (Reply, error) {
	var (
		r    Reply
		wait chan Reply
	)
	if err := a.do(ctx, func() { r, wait = a.grant(name, opts) }); err != nil {
		return Reply{}, err
	}
	return a.await(ctx, r, wait)
}

func (a *Arbiter) grant(name string, opts wire.Options) (Reply, chan Reply) {
	t, ok := a.tickets[name]
	if !ok {
		return Reply{Result: wire.ResultInvalidArg, Ticket: name, Leader: wire.NoOne}, nil
	}
	if a.local.Arbitrator {
		return a.replyFor(t, wire.ResultInvalidArg), nil
	}
	switch t.state {
	case Leading:
		return a.replyFor(t, wire.ResultOvergrant), nil
	case Electing:
		return a.replyFor(t, wire.ResultBusy), nil
	}
	overLeader := t.leader != wire.NoOne && !clock.IsPast(a.clock, t.leaseUntil)
	if overLeader {
		if !opts.Has(wire.OptImmediate) || a.dir.IsLive(t.leader, t.cfg.Expiry) {
			return a.replyFor(t, wire.ResultOvergrant), nil
		}
		a.logger.Warn("granting over an unreachable leader", "ticket", name, "leader", t.leader, "term", t.term)
	}
	if !a.prereqsMet(t) {
		return a.replyFor(t, wire.ResultAttrPrereq), nil
	}

	a.logger.Info("administrative grant", "ticket", name, "options", uint32(opts))
	t.hold = false
	t.lost = false
	t.attempts = 0
	var wait chan Reply
	if opts.Has(wire.OptWait) || opts.Has(wire.OptWaitCommit) {
		wait = make(chan Reply, 1)
		t.grantWaiters = append(t.grantWaiters, grantWaiter{ch: wait, commit: opts.Has(wire.OptWaitCommit)})
	}
	t.immediate = overLeader
	a.startElection(t, wire.ReasonAdmin)
	return a.replyFor(t, wire.ResultAsync), wait
}

// Revoke gives up a ticket this site leads. With OptWait it waits until
// every site acknowledged the revoke.
func (a *Arbiter) Revoke(ctx context.Context, name string, opts wire.Options) (Reply, error) {
	var (
		r    Reply
		wait chan Reply
	)
	if err := a.do(ctx, func() { r, wait = a.revoke(name, opts) }); err != nil {
		return Reply{}, err
	}
	return a.await(ctx, r, wait)
}

func (a *Arbiter) revoke(name string, opts wire.Options) (Reply, chan Reply) {
	t, ok := a.tickets[name]
	if !ok {
		return Reply{Result: wire.ResultInvalidArg, Ticket: name, Leader: wire.NoOne}, nil
	}
	if t.state != Leading {
		if t.leader != wire.NoOne && !clock.IsPast(a.clock, t.leaseUntil) {
			return a.replyFor(t, wire.ResultRedirect), nil
		}
		return a.replyFor(t, wire.ResultTicketIdle), nil
	}
	a.logger.Info("administrative revoke", "ticket", name, "term", t.term)
	a.stepDown(t, wire.ReasonAdmin)
	if opts.Has(wire.OptWait) && t.revoking {
		wait := make(chan Reply, 1)
		t.revokeWaiters = append(t.revokeWaiters, wait)
		return a.replyFor(t, wire.ResultAsync), wait
	}
	return a.replyFor(t, wire.ResultSuccess), nil
}

// List returns every ticket in name order.
func (a *Arbiter) List(ctx context.Context) ([]TicketInfo, error) {
	var out []TicketInfo
	err := a.do(ctx, func() { out = a.list() })
	return out, err
}

func (a *Arbiter) list() []TicketInfo {
	out := make([]TicketInfo, 0, len(a.names))
	for _, name := range a.names {
		out = append(out, a.info(a.tickets[name]))
	}
	return out
}

func (a *Arbiter) info(t *ticket) TicketInfo {
	return TicketInfo{
		Name:     t.cfg.Name,
		State:    t.state,
		Term:     t.term,
		Leader:   t.leader,
		VotedFor: t.votedFor,
		Validity: time.Duration(a.validity(t)) * time.Millisecond,
		Hold:     t.hold,
		Lost:     t.lost,
	}
}

// Peers returns the directory's view of every site.
func (a *Arbiter) Peers() []cluster.Status {
	return a.dir.Status()
}

// SetAttr stores a site-local attribute of a ticket.
func (a *Arbiter) SetAttr(ctx context.Context, ticketName, name, value string) (wire.Result, error) {
	if name == "" || len(name) >= wire.NameLen || len(value) >= wire.AttrValueLen {
		return wire.ResultInvalidArg, nil
	}
	res := wire.ResultInvalidArg
	err := a.do(ctx, func() {
		if t, ok := a.tickets[ticketName]; ok {
			t.attrs[name] = attr{value: value, updated: a.clock.Now()}
			res = wire.ResultSuccess
		}
	})
	return res, err
}

// GetAttr returns one attribute, or ResultNoSuchAttr.
func (a *Arbiter) GetAttr(ctx context.Context, ticketName, name string) (string, wire.Result, error) {
	var (
		value string
		res   = wire.ResultInvalidArg
	)
	err := a.do(ctx, func() {
		t, ok := a.tickets[ticketName]
		if !ok {
			return
		}
		at, ok := t.attrs[name]
		if !ok {
			res = wire.ResultNoSuchAttr
			return
		}
		value, res = at.value, wire.ResultSuccess
	})
	return value, res, err
}

func (a *Arbiter) DelAttr(ctx context.Context, ticketName, name string) (wire.Result, error) {
	res := wire.ResultInvalidArg
	err := a.do(ctx, func() {
		t, ok := a.tickets[ticketName]
		if !ok {
			return
		}
		if _, ok := t.attrs[name]; !ok {
			res = wire.ResultNoSuchAttr
			return
		}
		delete(t.attrs, name)
		res = wire.ResultSuccess
	})
	return res, err
}

// Attrs returns a copy of every attribute of a ticket.
func (a *Arbiter) Attrs(ctx context.Context, ticketName string) (map[string]string, wire.Result, error) {
	var (
		out map[string]string
		res = wire.ResultInvalidArg
	)
	err := a.do(ctx, func() {
		t, ok := a.tickets[ticketName]
		if !ok {
			return
		}
		out = make(map[string]string, len(t.attrs))
		for k, v := range t.attrs {
			out[k] = v.value
		}
		res = wire.ResultSuccess
	})
	return out, res, err
}

func (a *Arbiter) prereqsMet(t *ticket) bool {
	for _, p := range t.cfg.Prereqs {
		at, ok := t.attrs[p.Attr]
		equal := ok && at.value == p.Value
		if equal == p.Negate {
			a.logger.Info("grant prerequisite not met", "ticket", t.cfg.Name, "attr", p.Attr, "want", p.Value, "negate", p.Negate)
			return false
		}
	}
	return true
}

// HandleAdmin serves one authenticated administrative frame and returns
// the encoded reply frames. Frames that fail verification are not
// answered; the error says why.
func (a *Arbiter) HandleAdmin(ctx context.Context, frame []byte) ([][]byte, error) {
	m, err := a.verifier.Decode(frame)
	if err != nil {
		a.observer.DecodeFailed(wire.Kind(err))
		return nil, err
	}
	replies, err := a.serveAdmin(ctx, m)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(replies))
	for _, r := range replies {
		r.Header.From = a.local.ID
		r.Header.Request = m.Header.Cmd
		r.Header.Secs, r.Header.Usecs = clock.Stamp(a.clock.Now())
		b, err := wire.Encode(r, a.auth)
		if err != nil {
			return nil, fmt.Errorf("encoding %s reply: %w", m.Header.Cmd, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func result(res wire.Result) *wire.Message {
	return &wire.Message{Header: wire.Header{Cmd: wire.ClResult, Result: res}}
}

func (a *Arbiter) serveAdmin(ctx context.Context, m *wire.Message) ([]*wire.Message, error) {
	h := m.Header
	switch h.Cmd {
	case wire.CmdList:
		infos, err := a.List(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]*wire.Message, 0, len(infos)+1)
		for _, ti := range infos {
			out = append(out, &wire.Message{
				Header: wire.Header{Cmd: wire.ClList, Result: wire.ResultMore},
				Ticket: &wire.TicketBody{Name: ti.Name, Leader: ti.Leader, Term: ti.Term, ValidFor: uint32(ti.Validity.Milliseconds())},
			})
		}
		return append(out, &wire.Message{Header: wire.Header{Cmd: wire.ClList, Result: wire.ResultSuccess}}), nil

	case wire.CmdPeers:
		st := a.Peers()
		out := make([]*wire.Message, 0, len(st)+1)
		for _, s := range st {
			out = append(out, &wire.Message{
				Header: wire.Header{Cmd: wire.ClResult, Result: wire.ResultMore},
				Attr:   &wire.AttrBody{Ticket: s.Addr, Name: fmt.Sprintf("%08x", s.ID), Value: FormatPeer(s)},
			})
		}
		return append(out, result(wire.ResultSuccess)), nil

	case wire.CmdGrant, wire.CmdRevoke:
		if m.Ticket == nil {
			return []*wire.Message{result(wire.ResultInvalidArg)}, nil
		}
		op := a.Grant
		cmd := wire.ClGrant
		if h.Cmd == wire.CmdRevoke {
			op, cmd = a.Revoke, wire.ClRevoke
		}
		r, err := op(ctx, m.Ticket.Name, h.Options)
		if err != nil {
			return nil, err
		}
		return []*wire.Message{{
			Header: wire.Header{Cmd: cmd, Result: r.Result},
			Ticket: &wire.TicketBody{Name: r.Ticket, Leader: r.Leader, Term: r.Term},
		}}, nil

	case wire.AttrSet, wire.AttrGet, wire.AttrDel, wire.AttrList:
		if m.Attr == nil {
			return []*wire.Message{result(wire.ResultInvalidArg)}, nil
		}
		return a.serveAttr(ctx, h.Cmd, m.Attr)
	}
	return []*wire.Message{result(wire.ResultInvalidArg)}, nil
}

func (a *Arbiter) serveAttr(ctx context.Context, cmd wire.Cmd, body *wire.AttrBody) ([]*wire.Message, error) {
	attrMsg := func(res wire.Result, name, value string) *wire.Message {
		return &wire.Message{
			Header: wire.Header{Cmd: wire.ClResult, Result: res},
			Attr:   &wire.AttrBody{Ticket: body.Ticket, Name: name, Value: value},
		}
	}
	switch cmd {
	case wire.AttrSet:
		res, err := a.SetAttr(ctx, body.Ticket, body.Name, body.Value)
		return []*wire.Message{attrMsg(res, body.Name, body.Value)}, err
	case wire.AttrGet:
		v, res, err := a.GetAttr(ctx, body.Ticket, body.Name)
		return []*wire.Message{attrMsg(res, body.Name, v)}, err
	case wire.AttrDel:
		res, err := a.DelAttr(ctx, body.Ticket, body.Name)
		return []*wire.Message{attrMsg(res, body.Name, "")}, err
	}
	all, res, err := a.Attrs(ctx, body.Ticket)
	if err != nil || res != wire.ResultSuccess {
		return []*wire.Message{result(res)}, err
	}
	out := make([]*wire.Message, 0, len(all)+1)
	for _, k := range slices.Sorted(maps.Keys(all)) {
		out = append(out, attrMsg(wire.ResultMore, k, all[k]))
	}
	return append(out, result(wire.ResultSuccess)), nil
}

// FormatPeer renders a site's status compactly enough for an attribute
// value.
func FormatPeer(s cluster.Status) string {
	var seen int64
	if !s.LastRecv.IsZero() {
		seen = s.LastRecv.Unix()
	}
	v := fmt.Sprintf("idx=%d arb=%t local=%t up=%t seen=%d sent=%d err=%d resent=%d recv=%d rerr=%d inv=%d sec=%d",
		s.Index, s.Arbitrator, s.Local, s.Reachable, seen, s.Stats.Sent, s.Stats.SendErrors, s.Stats.Resent,
		s.Stats.Received, s.Stats.RecvErrors, s.Stats.Invalid, s.Stats.Security)
	if len(v) >= wire.AttrValueLen {
		v = v[:wire.AttrValueLen-1]
	}
	return v
}
