/*
Copyright 2025 David Arnold
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exports engine activity to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"gitlab.com/davidxarnold/fleet/pkg/core"
)

const (
	namespace = "fleet"

	RuleLabel     = "rule"
	KindLabel     = "kind"
	ReasonLabel   = "reason"
	StateLabel    = "state"
	ResourceLabel = "resource"
	GroupLabel    = "group"
)

// Metrics holds the collectors of one engine.
type Metrics struct {
	Cycles        prometheus.Counter
	CycleDuration prometheus.Histogram
	Decisions     *prometheus.CounterVec
	Unmet         *prometheus.GaugeVec
	Errors        *prometheus.CounterVec
	Nodes         *prometheus.GaugeVec
	Usage         *prometheus.GaugeVec
	Stale         prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total number of planning cycles",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of planning cycles including decision submission",
			Buckets:   prometheus.DefBuckets,
		}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of decisions by kind, rule and reason",
		}, []string{KindLabel, RuleLabel, ReasonLabel}),
		Unmet: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unmet_demand_millicpu",
			Help:      "Pending CPU demand no rule could cover in the last cycle",
		}, []string{GroupLabel, ReasonLabel}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of execution errors by kind",
		}, []string{KindLabel}),
		Nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Managed nodes by rule and state",
		}, []string{RuleLabel, StateLabel}),
		Usage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rule_usage",
			Help:      "Committed and reserved capacity per rule (millicpu, bytes)",
		}, []string{RuleLabel, ResourceLabel}),
		Stale: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "demand_stale",
			Help:      "1 while launches are blocked by stale demand",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Cycles, m.CycleDuration, m.Decisions, m.Unmet, m.Errors, m.Nodes, m.Usage, m.Stale)
	}
	return m
}

// ObserveCycle records one completed cycle.
func (m *Metrics) ObserveCycle(d time.Duration, stale bool) {
	m.Cycles.Inc()
	m.CycleDuration.Observe(d.Seconds())
	if stale {
		m.Stale.Set(1)
	} else {
		m.Stale.Set(0)
	}
}

// ObserveDecision counts one submitted decision.
func (m *Metrics) ObserveDecision(d core.Decision) {
	reason := string(d.Reason)
	if d.Kind == core.DecisionLaunch {
		reason = d.Offering.Name()
	}
	count := 1
	if d.Kind == core.DecisionLaunch && d.Count > 0 {
		count = d.Count
	}
	m.Decisions.WithLabelValues(string(d.Kind), d.Rule, reason).Add(float64(count))
}

// SetUnmet replaces the unmet demand gauges.
func (m *Metrics) SetUnmet(unmet []core.Unmet) {
	m.Unmet.Reset()
	for _, u := range unmet {
		m.Unmet.WithLabelValues(u.Key.String(), string(u.Reason)).Add(float64(u.Resources.MilliCPU))
	}
}

// ObserveError counts an execution error under a taxonomy kind.
func (m *Metrics) ObserveError(err error) {
	m.Errors.WithLabelValues(ErrorKind(err)).Inc()
}

// ErrorKind names the taxonomy member of err.
func ErrorKind(err error) string {
	var cfgErr *core.ConfigurationError
	switch {
	case errors.Is(err, core.ErrCapacityUnavailable):
		return "capacity_unavailable"
	case errors.Is(err, core.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, core.ErrProviderThrottled):
		return "provider_throttled"
	case errors.Is(err, core.ErrDrainTimeout):
		return "drain_timeout"
	case errors.Is(err, core.ErrStaleDemand):
		return "stale_demand"
	case errors.As(err, &cfgErr):
		return "configuration"
	default:
		return "other"
	}
}

// SetNodes replaces the node gauges from the record table.
func (m *Metrics) SetNodes(records []*core.NodeRecord) {
	m.Nodes.Reset()
	for _, rec := range records {
		m.Nodes.WithLabelValues(rec.Rule, string(rec.State)).Inc()
	}
}

// SetUsage replaces the per-rule usage gauges.
func (m *Metrics) SetUsage(usage map[string]core.Resources) {
	m.Usage.Reset()
	for rule, r := range usage {
		m.Usage.WithLabelValues(rule, "cpu").Set(float64(r.MilliCPU))
		m.Usage.WithLabelValues(rule, "memory").Set(float64(r.Memory))
	}
}

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.WithField("addr", addr).Info("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
