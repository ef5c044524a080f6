package gateway

import (
	"time"

	"github.com/fly-io/imgsearch/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records one sample per Submit call. A nil *Metrics records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the gateway collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imgsearch_gateway_requests_total",
				Help: "Total number of requests sent to the similarity service.",
			},
			[]string{"endpoint", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imgsearch_gateway_request_duration_seconds",
				Help:    "Latency of requests sent to the similarity service.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
	}

	if err := reg.Register(m.requests); err != nil {
		return nil, errors.Wrap(err, "failed to register request counter")
	}
	if err := reg.Register(m.duration); err != nil {
		return nil, errors.Wrap(err, "failed to register duration histogram")
	}
	return m, nil
}

func (m *Metrics) observe(endpoint Endpoint, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = errors.KindOf(err).String()
	}
	m.requests.WithLabelValues(string(endpoint), outcome).Inc()
	m.duration.WithLabelValues(string(endpoint)).Observe(elapsed.Seconds())
}
