package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats endpoint outcomes.
const (
	StatsFresh   = "fresh"
	StatsFetched = "fetched"
	StatsStale   = "stale"
	StatsError   = "error"
)

// Membership lookup outcomes.
const (
	MembershipMember      = "member"
	MembershipNotMember   = "not_member"
	MembershipLookupError = "lookup_error"
	MembershipSkipped     = "skipped"
)

// Metrics groups the collectors of the service. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	statsRequests     *prometheus.CounterVec
	upstreamDuration  *prometheus.HistogramVec
	membershipLookups *prometheus.CounterVec
	oauthCallbacks    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		statsRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discord_stats_requests_total",
			Help: "Stats endpoint requests by cache outcome.",
		}, []string{"outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "discord_upstream_request_duration_seconds",
			Help:    "Duration of Discord API calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"call", "result"}),
		membershipLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guild_membership_lookups_total",
			Help: "Guild membership lookups made during login.",
		}, []string{"outcome"}),
		oauthCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_callbacks_total",
			Help: "OAuth callbacks by terminal state.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.statsRequests, m.upstreamDuration, m.membershipLookups, m.oauthCallbacks)
	return m
}

func (m *Metrics) StatsRequest(outcome string) {
	if m == nil {
		return
	}
	m.statsRequests.WithLabelValues(outcome).Inc()
}

// ObserveUpstream records a Discord call started at start.
func (m *Metrics) ObserveUpstream(call string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.upstreamDuration.WithLabelValues(call, result).Observe(time.Since(start).Seconds())
}

func (m *Metrics) MembershipLookup(outcome string) {
	if m == nil {
		return
	}
	m.membershipLookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OAuthCallback(result string) {
	if m == nil {
		return
	}
	m.oauthCallbacks.WithLabelValues(result).Inc()
}

// Handler serves the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
