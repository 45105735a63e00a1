package agent

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/forest6511/ssiagent/pkg/errs"
)

const metricsNamespace = "ssiagent"

// Metrics counts agent operations on a private registry, so several agents
// in one process never collide on the default registerer.
type Metrics struct {
	registry    *prometheus.Registry
	packs       *prometheus.CounterVec
	unpacks     *prometheus.CounterVec
	failures    *prometheus.CounterVec
	walletOpens *prometheus.CounterVec
}

// NewMetrics creates and registers the agent counters.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		packs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "envelope",
			Name:      "packs_total",
			Help:      "Envelopes packed, by crypto mode.",
		}, []string{"mode"}),
		unpacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "envelope",
			Name:      "unpacks_total",
			Help:      "Envelopes unpacked, by crypto mode.",
		}, []string{"mode"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "failures_total",
			Help:      "Failed operations, by operation and error code.",
		}, []string{"op", "code"}),
		walletOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "wallet",
			Name:      "opens_total",
			Help:      "Wallet open attempts, by result code.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.packs, m.unpacks, m.failures, m.walletOpens)
	return m
}

// Registry returns the private registry, for scraping or tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the current values in the node-exporter textfile
// format. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return errs.Wrap(errs.StorageError, fmt.Errorf("agent: failed to write metrics: %w", err))
	}
	return nil
}

func (m *Metrics) observe(op string, err error) {
	if err != nil {
		m.failures.WithLabelValues(op, string(errs.CodeOf(err))).Inc()
	}
}

func (m *Metrics) walletOpened(err error) {
	result := "ok"
	if err != nil {
		result = string(errs.CodeOf(err))
	}
	m.walletOpens.WithLabelValues(result).Inc()
}
