package metrics

import (
	"errors"
	"net/http"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"vesting-market/auth"
)

const namespace = "vestmarket"

// Metrics holds the service collectors on a registry of its own.
type Metrics struct {
	Registry     *prometheus.Registry
	Operations   *prometheus.CounterVec
	Volume       *prometheus.CounterVec
	OpenListings prometheus.Gauge
}

// New creates and registers the service metrics
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Service operations by name and outcome.",
		}, []string{"op", "result"}),
		Volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_volume",
			Help:      "Currency paid by buyers, fees included, in whole tokens.",
		}, []string{"currency"}),
		OpenListings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_listings",
			Help:      "Listings that are listed and not exhausted.",
		}),
	}

	// default system collectors
	m.Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{Namespace: namespace}))
	m.Registry.MustRegister(prometheus.NewGoCollector())

	m.Registry.MustRegister(m.Operations, m.Volume, m.OpenListings)
	return m
}

// Observe counts one operation outcome.
func (m *Metrics) Observe(op string, err error) {
	m.Operations.WithLabelValues(op, result(err)).Inc()
}

// AddVolume adds amount base units of a currency with the given decimals.
func (m *Metrics) AddVolume(symbol string, amount *uint256.Int, decimals uint8) {
	f, _ := decimal.NewFromBigInt(amount.ToBig(), -int32(decimals)).Float64()
	m.Volume.WithLabelValues(symbol).Add(f)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, auth.ErrUnauthorized):
		return "unauthorized"
	}
	return "rejected"
}
