package handshake

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	roleClient    = "client"
	roleServer    = "server"
	rolePreflight = "preflight"

	outcomeSuccess = "success"
)

// Metrics counts handshake outcomes and latency. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Attempts *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics creates the handshake collectors and registers them on reg.
// Collectors already registered by an earlier call are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wicrs_handshake_attempts_total",
			Help: "Handshake attempts by role and outcome.",
		}, []string{"role", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wicrs_handshake_duration_seconds",
			Help:    "Time from start to the end of a handshake attempt.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"role"}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.Attempts, err = register(reg, m.Attempts); err != nil {
		return nil, err
	}
	if m.Duration, err = register(reg, m.Duration); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) observe(role string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := outcomeSuccess
	if err != nil {
		outcome = "error"
		if reason, ok := ReasonOf(err); ok {
			outcome = reason.label()
		}
	}
	m.Attempts.WithLabelValues(role, outcome).Inc()
	m.Duration.WithLabelValues(role).Observe(elapsed.Seconds())
}
