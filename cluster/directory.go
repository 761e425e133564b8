package cluster

import (
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Mathew-Estafanous/arbiter/clock"
	"github.com/Mathew-Estafanous/arbiter/wire"
)

// ReorderTolerance is how far behind the newest accepted timestamp a
// site's frame may lag before it is treated as a replay.
const ReorderTolerance = time.Second

// SiteConfig is one configured site. Addr is host or host:port.
type SiteConfig struct {
	Addr       string
	Arbitrator bool
}

// Directory is a static definition of every site of the cluster. Sites
// cannot be added after creation; only their liveness and counters change.
type Directory struct {
	mu     sync.RWMutex
	sites  []*Site
	byID   map[uint32]*Site
	byAddr map[string]*Site
	local  *Site
	all    Mask

	clock  clock.Clock
	sink   StatsSink
	logger *slog.Logger
}

// Option configures a Directory.
type Option func(*Directory)

func WithClock(c clock.Clock) Option   { return func(d *Directory) { d.clock = c } }
func WithStatsSink(s StatsSink) Option { return func(d *Directory) { d.sink = s } }
func WithLogger(l *slog.Logger) Option { return func(d *Directory) { d.logger = l } }

// NormalizeAddr returns addr as host:port, using defaultPort when addr
// has no port.
func NormalizeAddr(addr string, defaultPort int) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		var ae *net.AddrError
		if !errors.As(err, &ae) || !strings.Contains(ae.Err, "missing port") {
			return "", fmt.Errorf("%w: %q: %v", ErrInvalidAddress, addr, err)
		}
		host, port = strings.Trim(addr, "[]"), strconv.Itoa(defaultPort)
	}
	if host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidAddress, addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return "", fmt.Errorf("%w: %q has a bad port", ErrInvalidAddress, addr)
	}
	return net.JoinHostPort(host, port), nil
}

// New builds a directory from the configured sites. Indices follow the
// configuration order. Site ids are the CRC-32 of the normalized address,
// bumped past collisions and the reserved values 0 and wire.NoOne, so
// every site derives the same ids from the same configuration.
func New(configs []SiteConfig, localAddr string, defaultPort int, opts ...Option) (*Directory, error) {
	if len(configs) > MaxSites {
		return nil, fmt.Errorf("%w: got %d", ErrTooManySites, len(configs))
	}
	d := &Directory{
		byID:   make(map[uint32]*Site, len(configs)),
		byAddr: make(map[string]*Site, len(configs)),
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}

	local, err := NormalizeAddr(localAddr, defaultPort)
	if err != nil {
		return nil, err
	}

	for i, sc := range configs {
		addr, err := NormalizeAddr(sc.Addr, defaultPort)
		if err != nil {
			return nil, err
		}
		if _, ok := d.byAddr[addr]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSite, addr)
		}
		id := crc32.ChecksumIEEE([]byte(addr))
		for id == 0 || id == wire.NoOne || d.byID[id] != nil {
			id++
		}
		s := &Site{
			ID:         id,
			Addr:       addr,
			Local:      addr == local,
			Arbitrator: sc.Arbitrator,
			Index:      i,
			Mask:       MaskOf(i),
		}
		if s.Local {
			d.local = s
			s.reachable = true
		}
		d.sites = append(d.sites, s)
		d.byID[id] = s
		d.byAddr[addr] = s
		d.all = d.all.Add(s.Mask)
	}
	if d.local == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoLocalSite, local)
	}
	return d, nil
}

func (d *Directory) Local() *Site  { return d.local }
func (d *Directory) Len() int      { return len(d.sites) }
func (d *Directory) AllMask() Mask { return d.all }

// All returns every site in configuration order.
func (d *Directory) All() []*Site {
	return append([]*Site(nil), d.sites...)
}

// Peers returns every site except the local one.
func (d *Directory) Peers() []*Site {
	out := make([]*Site, 0, len(d.sites)-1)
	for _, s := range d.sites {
		if !s.Local {
			out = append(out, s)
		}
	}
	return out
}

func (d *Directory) ByID(id uint32) (*Site, error) {
	s, ok := d.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %#x", ErrSiteNotFound, id)
	}
	return s, nil
}

func (d *Directory) ByAddr(addr string) (*Site, error) {
	s, ok := d.byAddr[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSiteNotFound, addr)
	}
	return s, nil
}

// ByIndex returns the site at position i of the configuration.
func (d *Directory) ByIndex(i int) (*Site, error) {
	if i < 0 || i >= len(d.sites) {
		return nil, fmt.Errorf("%w: index %d", ErrSiteNotFound, i)
	}
	return d.sites[i], nil
}

// Weight sums the weights of the sites in m.
func (d *Directory) Weight(m Mask, w Weights) int {
	total := 0
	for _, i := range m.Indices() {
		if i < len(d.sites) {
			total += w.of(d.sites[i].ID)
		}
	}
	return total
}

// Majority reports whether m carries strictly more than half of the total
// configured weight.
func (d *Directory) Majority(m Mask, w Weights) bool {
	return 2*d.Weight(m, w) > d.Weight(d.all, w)
}

// Touch records that a valid frame from id arrived at t.
func (d *Directory) Touch(id uint32, t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.byID[id]; ok {
		if !s.reachable && !s.Local {
			d.logger.Info("site is reachable", "site", s.Addr)
		}
		s.lastRecv = t
		s.reachable = true
	}
}

// MarkUnreachable flags id after a send failure or a gossip departure.
func (d *Directory) MarkUnreachable(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.byID[id]; ok && !s.Local && s.reachable {
		d.logger.Warn("site is unreachable", "site", s.Addr)
		s.reachable = false
	}
}

// LiveMask returns the local site plus every reachable peer heard from
// within window.
func (d *Directory) LiveMask(window time.Duration) Mask {
	d.mu.RLock()
	defer d.mu.RUnlock()
	now := d.clock.Now()
	m := d.local.Mask
	for _, s := range d.sites {
		if s.Local || !s.reachable || s.lastRecv.IsZero() {
			continue
		}
		if now.Sub(s.lastRecv) <= window {
			m = m.Add(s.Mask)
		}
	}
	return m
}

// IsLive reports whether id is in LiveMask(window).
func (d *Directory) IsLive(id uint32, window time.Duration) bool {
	s, ok := d.byID[id]
	if !ok {
		return false
	}
	return d.LiveMask(window).Has(s.Mask)
}

// HasLiveQuorum reports whether the live sites carry a weight majority.
func (d *Directory) HasLiveQuorum(window time.Duration, w Weights) bool {
	return d.Majority(d.LiveMask(window), w)
}

// AcceptStamp tracks the newest header timestamp seen from id and reports
// whether secs/usecs is acceptable. Frames older than the newest by more
// than ReorderTolerance are replays; they bump the security counter.
func (d *Directory) AcceptStamp(id uint32, secs, usecs uint32) bool {
	stamp := clock.FromStamp(secs, usecs)
	d.mu.Lock()
	s, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return false
	}
	if s.lastStamp.IsZero() || !stamp.Before(s.lastStamp) {
		s.lastStamp = stamp
		d.mu.Unlock()
		return true
	}
	fresh := s.lastStamp.Sub(stamp) <= ReorderTolerance
	d.mu.Unlock()
	if !fresh {
		d.Record(id, CounterSecurity)
	}
	return fresh
}

// Record increments one counter of site id.
func (d *Directory) Record(id uint32, c Counter) {
	d.mu.Lock()
	s, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	st := &s.stats
	switch c {
	case CounterSent:
		st.Sent++
	case CounterSendError:
		st.SendErrors++
	case CounterResent:
		st.Resent++
	case CounterReceived:
		st.Received++
	case CounterRecvError:
		st.RecvErrors++
	case CounterInvalid:
		st.Invalid++
	case CounterSecurity:
		st.Security++
	}
	addr := s.Addr
	d.mu.Unlock()
	if d.sink != nil {
		d.sink.SiteCounter(addr, c)
	}
}

// Status returns a snapshot of every site in configuration order.
func (d *Directory) Status() []Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Status, 0, len(d.sites))
	for _, s := range d.sites {
		out = append(out, Status{
			ID:         s.ID,
			Addr:       s.Addr,
			Local:      s.Local,
			Arbitrator: s.Arbitrator,
			Index:      s.Index,
			LastRecv:   s.lastRecv,
			Reachable:  s.reachable,
			Stats:      s.stats,
		})
	}
	return out
}
