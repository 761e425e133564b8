package cluster

import (
	"encoding/gob"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mathew-Estafanous/memlist"
)

// Member is the metadata every site publishes over gossip.
type Member struct {
	SiteID uint32
	Addr   string
}

// Gossip feeds memlist membership changes into a Directory's liveness.
// Sites are never added or removed; a departed site only becomes
// unreachable until it is heard from again.
type Gossip struct {
	dir    *Directory
	member *memlist.Member
	logger *slog.Logger

	// Changes receives one value per observed membership change. It is
	// never closed and drops values when full.
	Changes chan Member
}

// NewGossip starts a memlist member bound to bindAddr:port announcing the
// local site of dir.
func NewGossip(dir *Directory, bindAddr string, port uint16, logger *slog.Logger) (*Gossip, error) {
	gob.Register(Member{})
	if logger == nil {
		logger = slog.Default()
	}
	local := dir.Local()
	g := &Gossip{
		dir:     dir,
		logger:  logger.With("component", "gossip"),
		Changes: make(chan Member, 16),
	}

	config := memlist.DefaultLocalConfig()
	config.Name = fmt.Sprintf("site-%08x", local.ID)
	config.BindAddr = bindAddr
	config.BindPort = port
	config.EventListener = g
	config.MetaData = Member{SiteID: local.ID, Addr: local.Addr}

	member, err := memlist.Create(config)
	if err != nil {
		return nil, fmt.Errorf("starting gossip on %s:%d: %w", bindAddr, port, err)
	}
	g.member = member
	return g, nil
}

func (g *Gossip) OnMembershipChange(peer memlist.Node) {
	m, ok := peer.Data.(Member)
	if !ok {
		g.logger.Warn("gossip member without site metadata", "data", peer.Data)
		return
	}
	if _, err := g.dir.ByID(m.SiteID); err != nil {
		g.logger.Warn("gossip member is not a configured site", "site_id", m.SiteID, "addr", m.Addr)
		return
	}
	switch peer.State {
	case memlist.Alive:
		g.dir.Touch(m.SiteID, g.dir.clock.Now())
	case memlist.Left, memlist.Dead:
		g.dir.MarkUnreachable(m.SiteID)
	default:
		return
	}
	select {
	case g.Changes <- m:
	default:
	}
}

// Join contacts an existing gossip member.
func (g *Gossip) Join(addr string) error {
	return g.member.Join(addr)
}

func (g *Gossip) Leave(timeout time.Duration) error {
	return g.member.Leave(timeout)
}
