package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/victornm/happymeter/internal/domain"
	"github.com/victornm/happymeter/internal/event"
)

const namespace = "happymeter"

// Metrics counts domain events and HTTP requests.
type Metrics struct {
	votes     *prometheus.CounterVec
	logins    *prometheus.CounterVec
	conflicts *prometheus.CounterVec
	claimed   prometheus.Gauge
	requests  *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		votes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "Votes recorded, by kiosk.",
		}, []string{"kiosk"}),

		logins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Successful logins, by role.",
		}, []string{"role"}),

		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kiosk_conflicts_total",
			Help:      "Logins that could not claim an assigned kiosk held by another operator.",
		}, []string{"kiosk"}),

		claimed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kiosks_claimed",
			Help:      "Kiosk claims taken minus released since start.",
		}),

		requests: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Subscribe updates the counters from the events published on eb.
func (m *Metrics) Subscribe(eb *event.Bus) {
	eb.Subscribe(domain.EventNameVoteSubmitted, func(_ context.Context, e event.Event) error {
		m.votes.WithLabelValues(e.(domain.EventVoteSubmitted).Vote.Kiosk).Inc()
		return nil
	})

	eb.Subscribe(domain.EventNameAccountLoggedIn, func(_ context.Context, e event.Event) error {
		role := "operator"
		if e.(domain.EventAccountLoggedIn).IsAdmin {
			role = "admin"
		}
		m.logins.WithLabelValues(role).Inc()
		return nil
	})

	eb.Subscribe(domain.EventNameKioskConflict, func(_ context.Context, e event.Event) error {
		m.conflicts.WithLabelValues(e.(domain.EventKioskConflict).Kiosk).Inc()
		return nil
	})

	eb.Subscribe(domain.EventNameKioskClaimed, func(context.Context, event.Event) error {
		m.claimed.Inc()
		return nil
	})

	eb.Subscribe(domain.EventNameKioskReleased, func(context.Context, event.Event) error {
		m.claimed.Dec()
		return nil
	})
}

func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
