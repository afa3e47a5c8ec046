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

package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	clocktesting "k8s.io/utils/clock/testing"

	"gitlab.com/davidxarnold/fleet/pkg/bootstrap"
	"gitlab.com/davidxarnold/fleet/pkg/catalog"
	"gitlab.com/davidxarnold/fleet/pkg/cloud"
	"gitlab.com/davidxarnold/fleet/pkg/cloud/fake"
	"gitlab.com/davidxarnold/fleet/pkg/core"
	"gitlab.com/davidxarnold/fleet/pkg/demand"
	"gitlab.com/davidxarnold/fleet/pkg/identity"
	"gitlab.com/davidxarnold/fleet/pkg/ledger"
	"gitlab.com/davidxarnold/fleet/pkg/lifecycle"
	"gitlab.com/davidxarnold/fleet/pkg/metrics"
	"gitlab.com/davidxarnold/fleet/pkg/planner"
	"gitlab.com/davidxarnold/fleet/pkg/rules"
	"gitlab.com/davidxarnold/fleet/pkg/state"
)

var m5Large = core.InstanceOffering{
	Family: "m5", Size: "large", Arch: core.ArchAMD64, CapacityClass: core.CapacitySpot,
	CostWeight: 0.41, Capacity: core.Resources{MilliCPU: 2000, Memory: 8 << 30},
}

type staticObserver struct {
	mu   sync.Mutex
	snap demand.Snapshot
}

func (s *staticObserver) Observe(now time.Time) demand.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	snap.Demand = s.snap.Demand.Clone()
	snap.ObservedAt = now
	return snap
}

// events records the order of provider and drainer calls.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type recordingDrainer struct{ ev *events }

func (d recordingDrainer) Drain(_ context.Context, name string) error {
	d.ev.add("drain " + name)
	return nil
}

func (d recordingDrainer) Uncordon(context.Context, string) error { return nil }

type harness struct {
	clock    *clocktesting.FakeClock
	provider *fake.Provider
	store    *state.Store
	ledger   *ledger.Ledger
	observer *staticObserver
	rules    *rules.Store
	lc       *lifecycle.Controller
	metrics  *metrics.Metrics
	events   *events
	engine   *Engine
}

func newHarness(t *testing.T, rs ...*rules.Rule) *harness {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	cat, err := catalog.New(m5Large)
	require.NoError(t, err)

	h := &harness{
		clock:    clk,
		provider: fake.New(clk),
		store:    state.NewMemory(),
		ledger:   ledger.New(),
		observer: &staticObserver{snap: demand.Snapshot{Demand: core.NewDemandVector()}},
		rules:    rules.NewStore(rs),
		metrics:  metrics.New(nil),
		events:   &events{},
	}
	h.provider.CreateHook = func(_ context.Context, req cloud.Request) error {
		h.events.add("launch " + req.Offering.Name())
		return nil
	}
	cache := cloud.NewCache(5*time.Minute, clk, "")
	cfg := lifecycle.DefaultConfig()
	cfg.RetryBackoff = 100 * time.Millisecond
	h.lc = lifecycle.New(lifecycle.Options{
		Config:   cfg,
		Cluster:  bootstrap.Handle{ClusterName: "playground", Region: "us-east-1"},
		Provider: h.provider,
		Store:    h.store,
		Ledger:   h.ledger,
		Cache:    cache,
		Catalog:  cat,
		Binder:   identity.NewStatic(),
		Drainer:  recordingDrainer{ev: h.events},
		Clock:    clk,
	})
	h.engine = New(Options{
		Interval:  time.Hour,
		Rules:     h.rules,
		Catalog:   cat,
		Observer:  h.observer,
		Lifecycle: h.lc,
		Ledger:    h.ledger,
		Store:     h.store,
		Cache:     cache,
		Provider:  h.provider,
		Metrics:   h.metrics,
		Clock:     clk,
	})
	return h
}

func general() *rules.Rule {
	return &rules.Rule{Name: "general"}
}

func pending(milliCPU int64) core.DemandVector {
	d := core.NewDemandVector()
	d.Add(core.DemandKey{Arch: core.ArchAMD64}, core.Resources{MilliCPU: milliCPU, Memory: 1 << 30})
	return d
}

func TestCycleIsIdempotent(t *testing.T) {
	h := newHarness(t, general())
	t.Cleanup(h.lc.Close)
	h.observer.snap.Demand = pending(1500)

	first := h.engine.Cycle(context.Background())
	require.Len(t, first.Decisions, 1)
	assert.Equal(t, core.DecisionLaunch, first.Decisions[0].Kind)
	assert.Empty(t, first.Errors)
	assert.Len(t, h.store.List(), 1)

	second := h.engine.Cycle(context.Background())
	assert.Empty(t, second.Decisions, "the provisioning node covers the same demand")
	assert.Empty(t, second.Unmet)
	assert.Len(t, h.provider.CreateCalls(), 1)

	assert.Equal(t, int64(2), second.Cycle)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Cycles))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Decisions.WithLabelValues("Launch", "general", "m5.large")))
}

func TestStaleCycleLaunchesNothing(t *testing.T) {
	h := newHarness(t, general())
	t.Cleanup(h.lc.Close)
	h.observer.snap.Demand = pending(1500)
	h.observer.snap.Stale = true

	report := h.engine.Cycle(context.Background())
	assert.True(t, report.Stale)
	assert.Empty(t, report.Decisions)
	require.Len(t, report.Unmet, 1)
	assert.Equal(t, core.UnmetStaleDemand, report.Unmet[0].Reason)
	assert.Empty(t, h.provider.CreateCalls())
}

func TestReserveRevalidatesAgainstLedger(t *testing.T) {
	r := general()
	r.Limits = core.Limits{MilliCPU: 2000}
	h := newHarness(t, r)
	t.Cleanup(h.lc.Close)

	plan := planFor(r, 1)
	// Capacity claimed after the plan was computed.
	_, err := h.ledger.Reserve(r.Name, core.Resources{MilliCPU: 1000}, 1, r.Limits)
	require.NoError(t, err)

	jobs, report := h.engine.reserve(h.rules.Snapshot(), plan, Report{})
	assert.Empty(t, jobs)
	assert.Empty(t, report.Decisions)
	require.Len(t, report.Unmet, 1)
	assert.Equal(t, core.UnmetLimitExceeded, report.Unmet[0].Reason)
	require.Len(t, report.Errors, 1)
	assert.True(t, errors.Is(report.Errors[0], core.ErrLimitExceeded))
}

func TestReloadCancelsInFlightLaunches(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, general())
	defer h.lc.Close()
	h.observer.snap.Demand = pending(1500)

	entered := make(chan struct{})
	h.provider.CreateHook = func(ctx context.Context, _ cloud.Request) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}

	done := make(chan Report)
	go func() { done <- h.engine.Cycle(context.Background()) }()
	<-entered

	tighter := general()
	tighter.Limits = core.Limits{MilliCPU: 1000}
	h.rules.Reload([]*rules.Rule{tighter})

	report := <-done
	require.Len(t, report.Errors, 1)
	assert.ErrorIs(t, report.Errors[0], lifecycle.ErrCancelled)
	assert.Empty(t, h.store.List())
	assert.Zero(t, h.ledger.Usage("general").MilliCPU)
}

func TestInterruptionLaunchesReplacementBeforeDrain(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, general())
	defer h.lc.Close()

	now := h.clock.Now()
	require.NoError(t, h.store.Put(&core.NodeRecord{
		ID:            "i-1",
		NodeName:      "ip-10-0-0-1",
		Offering:      m5Large,
		Rule:          "general",
		LaunchedAt:    now.Add(-time.Hour),
		CapacityClass: core.CapacitySpot,
		State:         core.NodeReady,
	}))
	h.provider.Add(cloud.Instance{ID: "i-1", InstanceType: "m5.large", Rule: "general", Tags: map[string]string{core.TagManaged: "true"}})
	h.observer.snap.Nodes = []demand.Node{{
		ProviderID: "aws:///us-east-1a/i-1",
		Name:       "ip-10-0-0-1",
		Ready:      true,
		Allocated:  core.Resources{MilliCPU: 1500, Memory: 4 << 30},
		Workloads:  2,
	}}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error)
	go func() { stopped <- h.engine.Run(ctx) }()

	h.provider.Interrupt("i-1")
	require.Eventually(t, func() bool {
		_, ok := h.store.Get("i-1")
		return !ok
	}, 5*time.Second, 10*time.Millisecond, "terminated record is removed")

	assert.Equal(t, []string{"launch m5.large", "drain ip-10-0-0-1"}, h.events.list())
	assert.True(t, lo.Contains(h.provider.Terminated(), "i-1"))
	recs := h.store.List()
	require.Len(t, recs, 1)
	assert.Equal(t, core.NodeProvisioning, recs[0].State)

	cancel()
	assert.NoError(t, <-stopped)
}

func TestRequestReplanCoalesces(t *testing.T) {
	h := newHarness(t, general())
	t.Cleanup(h.lc.Close)
	h.engine.RequestReplan()
	h.engine.RequestReplan()
	assert.Len(t, h.engine.trigger, 1)
}

func planFor(r *rules.Rule, count int) planner.Plan {
	return planner.Plan{Decisions: []core.Decision{core.Launch(m5Large, r.Name, count)}}
}
