// Package cluster is the site directory: every site of the arbitration
// cluster, its stable id and weight bit, liveness and traffic counters.
package cluster

import (
	"errors"
	"math/bits"
	"time"
)

// MaxSites is the capacity of a Mask, and therefore of a cluster.
const MaxSites = 64

var (
	ErrTooManySites   = errors.New("too many sites, at most 64 are supported")
	ErrDuplicateSite  = errors.New("site is configured twice")
	ErrNoLocalSite    = errors.New("local address is not one of the configured sites")
	ErrInvalidAddress = errors.New("invalid site address")
	ErrSiteNotFound   = errors.New("site not found")
)

// Mask is a fixed-capacity set of sites, one bit per site index.
type Mask uint64

// MaskOf returns the mask with only index set. It panics on an index
// outside [0, MaxSites); directories never hand out such indices.
func MaskOf(index int) Mask {
	if index < 0 || index >= MaxSites {
		panic("cluster: site index out of range")
	}
	return Mask(1) << uint(index)
}

func (m Mask) Has(o Mask) bool    { return m&o == o && o != 0 }
func (m Mask) Add(o Mask) Mask    { return m | o }
func (m Mask) Remove(o Mask) Mask { return m &^ o }
func (m Mask) Count() int         { return bits.OnesCount64(uint64(m)) }

// Indices lists the set site indices in ascending order.
func (m Mask) Indices() []int {
	out := make([]int, 0, m.Count())
	for v := uint64(m); v != 0; v &= v - 1 {
		out = append(out, bits.TrailingZeros64(v))
	}
	return out
}

// Weights overrides the default weight of 1 for individual sites, keyed
// by site id.
type Weights map[uint32]int

func (w Weights) of(id uint32) int {
	if v, ok := w[id]; ok {
		return v
	}
	return 1
}

// Site is one cluster member. The identity fields never change after the
// directory is built; everything else is reached through the Directory.
type Site struct {
	ID         uint32
	Addr       string
	Local      bool
	Arbitrator bool
	Index      int
	Mask       Mask

	lastRecv  time.Time
	lastStamp time.Time
	reachable bool
	stats     Stats
}

// Stats are the per-site message counters.
type Stats struct {
	Sent       uint64
	SendErrors uint64
	Resent     uint64
	Received   uint64
	RecvErrors uint64
	Invalid    uint64
	Security   uint64
}

// Status is a point-in-time copy of a site.
type Status struct {
	ID         uint32
	Addr       string
	Local      bool
	Arbitrator bool
	Index      int
	LastRecv   time.Time
	Reachable  bool
	Stats      Stats
}

// Counter names one of the Stats fields.
type Counter int

const (
	CounterSent Counter = iota
	CounterSendError
	CounterResent
	CounterReceived
	CounterRecvError
	CounterInvalid
	CounterSecurity
)

func (c Counter) String() string {
	switch c {
	case CounterSent:
		return "sent"
	case CounterSendError:
		return "send_error"
	case CounterResent:
		return "resent"
	case CounterReceived:
		return "received"
	case CounterRecvError:
		return "recv_error"
	case CounterInvalid:
		return "invalid"
	case CounterSecurity:
		return "security"
	}
	return "unknown"
}

// StatsSink mirrors counter increments, e.g. into metrics.
type StatsSink interface {
	SiteCounter(addr string, c Counter)
}
