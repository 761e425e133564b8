// Package metrics exports arbiter measurements to Prometheus. A Registry
// serves as both the engine's Observer and the directory's StatsSink.
package metrics

import (
	"net/http"

	"github.com/Mathew-Estafanous/arbiter"
	"github.com/Mathew-Estafanous/arbiter/cluster"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var states = []arbiter.State{arbiter.Idle, arbiter.Electing, arbiter.Leading, arbiter.Following}

// Registry holds all metrics of one site
type Registry struct {
	// Ticket Metrics
	TicketState     *prometheus.GaugeVec
	TicketTerm      *prometheus.GaugeVec
	TicketLeading   *prometheus.GaugeVec
	ElectionsTotal  *prometheus.CounterVec
	TransitionTotal *prometheus.CounterVec

	// Site Metrics
	SiteFramesTotal *prometheus.CounterVec

	// Codec Metrics
	InvalidFramesTotal  *prometheus.CounterVec
	InboundDroppedTotal prometheus.Counter

	registry *prometheus.Registry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.initTicketMetrics()
	r.initSiteMetrics()
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) initTicketMetrics() {
	r.TicketState = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arbiter_ticket_state",
			Help: "Current state of each ticket (1 for the active state)",
		},
		[]string{"ticket", "state"},
	)

	r.TicketTerm = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arbiter_ticket_term",
			Help: "Current election term of each ticket",
		},
		[]string{"ticket"},
	)

	r.TicketLeading = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arbiter_ticket_leading",
			Help: "Whether this site holds the ticket (1=yes, 0=no)",
		},
		[]string{"ticket"},
	)

	r.ElectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_elections_total",
			Help: "Elections run by this site",
		},
		[]string{"ticket", "result"}, // won, failed
	)

	r.TransitionTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_ticket_transitions_total",
			Help: "State changes of each ticket",
		},
		[]string{"ticket", "state"},
	)
}

func (r *Registry) initSiteMetrics() {
	r.SiteFramesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_site_frames_total",
			Help: "Per-site frame counters",
		},
		[]string{"site", "counter"},
	)

	r.InvalidFramesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_invalid_frames_total",
			Help: "Received frames dropped by the decoder",
		},
		[]string{"kind"},
	)

	r.InboundDroppedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_inbound_dropped_total",
			Help: "Frames dropped because the inbound queue was full",
		},
	)
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Registry) TicketChanged(ticket string, state arbiter.State, term uint32, leading bool) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		r.TicketState.WithLabelValues(ticket, s.String()).Set(v)
	}
	r.TransitionTotal.WithLabelValues(ticket, state.String()).Inc()
	r.TicketTerm.WithLabelValues(ticket).Set(float64(term))
	r.TicketLeading.WithLabelValues(ticket).Set(boolValue(leading))
}

func (r *Registry) ElectionFinished(ticket string, won bool) {
	result := "failed"
	if won {
		result = "won"
	}
	r.ElectionsTotal.WithLabelValues(ticket, result).Inc()
}

func (r *Registry) DecodeFailed(kind string) {
	r.InvalidFramesTotal.WithLabelValues(kind).Inc()
}

func (r *Registry) InboundDropped() {
	r.InboundDroppedTotal.Inc()
}

// SiteCounter implements cluster.StatsSink.
func (r *Registry) SiteCounter(addr string, c cluster.Counter) {
	r.SiteFramesTotal.WithLabelValues(addr, c.String()).Inc()
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var (
	_ arbiter.Observer  = (*Registry)(nil)
	_ cluster.StatsSink = (*Registry)(nil)
)
