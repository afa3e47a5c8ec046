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

// Package controller runs the reconciliation loop: observe, plan,
// revalidate limits, execute, report.
package controller

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"gitlab.com/davidxarnold/fleet/pkg/catalog"
	"gitlab.com/davidxarnold/fleet/pkg/cloud"
	"gitlab.com/davidxarnold/fleet/pkg/core"
	"gitlab.com/davidxarnold/fleet/pkg/demand"
	"gitlab.com/davidxarnold/fleet/pkg/ledger"
	"gitlab.com/davidxarnold/fleet/pkg/lifecycle"
	"gitlab.com/davidxarnold/fleet/pkg/metrics"
	"gitlab.com/davidxarnold/fleet/pkg/planner"
	"gitlab.com/davidxarnold/fleet/pkg/rules"
	"gitlab.com/davidxarnold/fleet/pkg/state"
)

// DefaultInterval is the planning cadence when none is configured.
const DefaultInterval = 30 * time.Second

// Observer serves demand snapshots.
type Observer interface {
	Observe(now time.Time) demand.Snapshot
}

// Options wires an Engine.
type Options struct {
	Interval  time.Duration
	Rules     *rules.Store
	Catalog   *catalog.Catalog
	Observer  Observer
	Lifecycle *lifecycle.Controller
	Ledger    *ledger.Ledger
	Store     *state.Store
	Cache     *cloud.Cache
	Provider  cloud.Provider
	Planner   *planner.Planner
	// Metrics is optional.
	Metrics *metrics.Metrics
	Clock   clock.WithTicker
	// OnReport, if set, receives every cycle report.
	OnReport func(Report)
}

// Report is the operator-facing outcome of one cycle.
type Report struct {
	Cycle      int64
	Generation int64
	At         time.Time
	Duration   time.Duration
	Stale      bool
	Decisions  []core.Decision
	Unmet      []core.Unmet
	Errors     []error
}

// Engine is the single decision loop. Cycles never overlap: every cycle,
// scheduled or out-of-cycle, runs on the goroutine calling Run.
type Engine struct {
	opts    Options
	clock   clock.WithTicker
	planner *planner.Planner
	trigger chan struct{}
	cycles  atomic.Int64
}

// New returns an engine and subscribes it to rule reloads.
func New(opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Planner == nil {
		opts.Planner = planner.New()
	}
	e := &Engine{
		opts:    opts,
		clock:   opts.Clock,
		planner: opts.Planner,
		trigger: make(chan struct{}, 1),
	}
	opts.Rules.Subscribe(e.onReload)
	return e
}

// RequestReplan asks for an out-of-cycle pass. Requests coalesce.
func (e *Engine) RequestReplan() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// onReload cancels in-flight launches of rules that were removed or whose
// limits dropped, then asks for a replan.
func (e *Engine) onReload(old, updated *rules.Set) {
	for _, r := range old.Rules {
		next, ok := updated.Get(r.Name)
		if ok && !next.Limits.Below(r.Limits) {
			continue
		}
		if n := e.opts.Lifecycle.CancelRule(r.Name); n > 0 {
			log.WithFields(log.Fields{"rule": r.Name, "removed": !ok, "cancelled": n}).Info("provisioner tightened")
		}
	}
	e.RequestReplan()
}

// Run drives cycles on the interval until ctx is done. Interruption notices
// preempt the cadence and trigger an immediate cycle.
func (e *Engine) Run(ctx context.Context) error {
	interrupts := e.opts.Provider.Interruptions(ctx)
	ticker := e.clock.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	log.WithField("interval", e.opts.Interval).Info("engine started")
	e.Cycle(ctx)
	for {
		// Pending notices win over a tick that fired at the same time.
		select {
		case n, ok := <-interrupts:
			if !ok {
				interrupts = nil
				continue
			}
			e.interrupted(ctx, n, interrupts)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			log.Info("engine stopped")
			return nil
		case n, ok := <-interrupts:
			if !ok {
				interrupts = nil
				continue
			}
			e.interrupted(ctx, n, interrupts)
		case <-e.trigger:
			e.Cycle(ctx)
		case <-ticker.C():
			e.Cycle(ctx)
		}
	}
}

// interrupted marks n and every other queued notice, then replans once.
func (e *Engine) interrupted(ctx context.Context, n cloud.Interruption, more <-chan cloud.Interruption) {
	managed := e.opts.Lifecycle.Interrupt(n)
drain:
	for {
		select {
		case next, ok := <-more:
			if !ok {
				break drain
			}
			managed = e.opts.Lifecycle.Interrupt(next) || managed
		default:
			break drain
		}
	}
	if managed {
		e.Cycle(ctx)
	}
}

// Plan computes a cycle's plan without executing it.
func (e *Engine) Plan(now time.Time) (planner.Plan, demand.Snapshot, *rules.Set) {
	set := e.opts.Rules.Snapshot()
	snap := e.opts.Observer.Observe(now)
	e.opts.Lifecycle.Observe(snap, now)

	in := planner.Input{
		Now:     now,
		Rules:   set.Rules,
		Catalog: e.opts.Catalog,
		Demand:  snap.Demand,
		Nodes:   e.opts.Store.List(),
		Usage:   e.opts.Ledger.Snapshot(),
		Stale:   snap.Stale,
	}
	if e.opts.Cache != nil {
		in.Unavailable = e.opts.Cache.IsUnavailable
	}
	return e.planner.Plan(in), snap, set
}

// Cycle runs one full pass and returns its report.
func (e *Engine) Cycle(ctx context.Context) Report {
	start := e.clock.Now()
	if e.opts.Cache != nil {
		e.opts.Cache.Prune()
	}
	plan, snap, set := e.Plan(start)

	report := Report{
		Cycle:      e.cycles.Add(1),
		Generation: set.Generation,
		At:         start,
		Stale:      snap.Stale,
		Unmet:      plan.Unmet,
	}
	jobs, report := e.reserve(set, plan, report)
	res := e.opts.Lifecycle.Execute(ctx, jobs)
	report.Errors = append(report.Errors, multierr.Errors(res.Err)...)
	report.Errors = append(report.Errors, e.opts.Lifecycle.TakeErrors()...)
	report.Duration = e.clock.Since(start)

	e.publish(report)
	return report
}

// reserve revalidates launch decisions against the ledger. The whole batch
// is reserved atomically when possible; otherwise each decision is tried on
// its own and the ones that no longer fit are dropped as unmet.
func (e *Engine) reserve(set *rules.Set, plan planner.Plan, report Report) ([]lifecycle.Job, Report) {
	var (
		claims   []ledger.Claim
		launches []lifecycle.Job
		jobs     []lifecycle.Job
	)
	for _, d := range plan.Decisions {
		if d.Kind == core.DecisionTerminate {
			jobs = append(jobs, lifecycle.Job{Decision: d})
			report.Decisions = append(report.Decisions, d)
			continue
		}
		r, ok := set.Get(d.Rule)
		if !ok {
			continue
		}
		claims = append(claims, ledger.Claim{Rule: r.Name, Unit: d.Offering.Capacity, Count: d.Count, Limit: r.Limits})
		launches = append(launches, lifecycle.Job{Decision: d, Rule: r})
	}
	if len(launches) == 0 {
		return jobs, report
	}

	reservations, err := e.opts.Ledger.ReserveAll(claims)
	if err == nil {
		for i := range launches {
			launches[i].Reservation = reservations[i]
			report.Decisions = append(report.Decisions, launches[i].Decision)
		}
		return append(launches, jobs...), report
	}

	log.WithError(err).Warn("batch reservation failed, revalidating decisions one by one")
	var kept []lifecycle.Job
	for i, job := range launches {
		c := claims[i]
		res, err := e.opts.Ledger.Reserve(c.Rule, c.Unit, c.Count, c.Limit)
		if err != nil {
			report.Errors = append(report.Errors, err)
			report.Unmet = append(report.Unmet, core.Unmet{
				Key:       core.DemandKey{Arch: job.Decision.Offering.Arch, CapacityClass: job.Decision.Offering.CapacityClass},
				Resources: job.Decision.Capacity(),
				Reason:    core.UnmetLimitExceeded,
			})
			continue
		}
		job.Reservation = res
		kept = append(kept, job)
		report.Decisions = append(report.Decisions, job.Decision)
	}
	return append(kept, jobs...), report
}

func (e *Engine) publish(r Report) {
	fields := log.Fields{
		"cycle":      r.Cycle,
		"generation": r.Generation,
		"decisions":  len(r.Decisions),
		"unmet":      len(r.Unmet),
		"errors":     len(r.Errors),
		"duration":   r.Duration,
	}
	entry := log.WithFields(fields)
	switch {
	case r.Stale:
		entry.Warn("cycle complete with stale demand, launches blocked")
	case len(r.Decisions) > 0 || len(r.Errors) > 0:
		entry.Info("cycle complete")
	default:
		entry.Debug("cycle complete")
	}
	for _, d := range r.Decisions {
		log.WithField("cycle", r.Cycle).Info(d.String())
	}
	for _, u := range r.Unmet {
		log.WithField("cycle", r.Cycle).Warnf("unmet demand: %s", u)
	}
	for _, err := range r.Errors {
		log.WithField("cycle", r.Cycle).Warn(err.Error())
	}

	if m := e.opts.Metrics; m != nil {
		m.ObserveCycle(r.Duration, r.Stale)
		for _, d := range r.Decisions {
			m.ObserveDecision(d)
		}
		m.SetUnmet(r.Unmet)
		for _, err := range r.Errors {
			m.ObserveError(err)
		}
		m.SetNodes(e.opts.Store.List())
		m.SetUsage(e.opts.Ledger.Snapshot())
	}
	if e.opts.OnReport != nil {
		e.opts.OnReport(r)
	}
}
