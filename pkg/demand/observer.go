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

// Package demand turns a stream of pending-workload events into one
// DemandVector per planning cycle.
package demand

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"gitlab.com/davidxarnold/fleet/pkg/core"
)

// Op is the kind of an Event.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
	// OpSynced marks the end of the initial listing of a new stream. Events
	// before it replace the observer's state, events after it amend it.
	OpSynced Op = "synced"
)

// Event is a change to one pending workload.
type Event struct {
	UID           string
	Op            Op
	Requests      core.Resources
	Arch          core.Arch
	CapacityClass core.CapacityClass
}

// Node is a registered cluster node as seen by the source.
type Node struct {
	ProviderID string
	Name       string
	Ready      bool
	Allocated  core.Resources
	Workloads  int
}

// ClusterView lists registered nodes.
type ClusterView interface {
	Nodes() ([]Node, error)
}

// Source yields restartable event streams. Events closes the returned
// channel when the stream ends, either because ctx is done or because the
// stream failed.
type Source interface {
	ClusterView
	Events(ctx context.Context) (<-chan Event, error)
}

// Snapshot is the observed state handed to one planning cycle.
type Snapshot struct {
	Demand     core.DemandVector
	Nodes      []Node
	ObservedAt time.Time
	// Degraded means the last known state is being reused.
	Degraded bool
	// Stale means the source has been unavailable longer than the
	// staleness threshold.
	Stale bool
}

// DefaultBackoff paces source restarts.
var DefaultBackoff = wait.Backoff{
	Duration: time.Second,
	Factor:   2,
	Jitter:   0.1,
	Steps:    10,
	Cap:      time.Minute,
}

// Observer keeps the pending set and serves snapshots.
type Observer struct {
	source    Source
	clock     clock.Clock
	threshold time.Duration
	backoff   wait.Backoff

	mu          sync.Mutex
	pending     map[string]Event
	nodes       []Node
	healthy     bool
	lastHealthy time.Time
}

// NewObserver returns an observer over source. A zero threshold disables
// staleness.
func NewObserver(source Source, threshold time.Duration, clk clock.Clock) *Observer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Observer{
		source:      source,
		clock:       clk,
		threshold:   threshold,
		backoff:     DefaultBackoff,
		pending:     make(map[string]Event),
		lastHealthy: clk.Now(),
	}
}

// WithBackoff overrides the restart backoff.
func (o *Observer) WithBackoff(b wait.Backoff) *Observer {
	o.backoff = b
	return o
}

// Run consumes the source until ctx is done, restarting it with backoff
// whenever the stream fails or closes.
func (o *Observer) Run(ctx context.Context) error {
	backoff := o.backoff
	for {
		ch, err := o.source.Events(ctx)
		if err != nil {
			log.WithError(err).Warn("demand source failed to start")
		} else if o.consume(ch) {
			backoff = o.backoff
		}
		o.markDown()
		if ctx.Err() != nil {
			return nil
		}

		delay := backoff.Step()
		log.WithField("retry", delay).Warn("demand stream closed, restarting")
		select {
		case <-o.clock.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// consume applies one stream and reports whether it ever synced.
func (o *Observer) consume(ch <-chan Event) bool {
	fresh := make(map[string]Event)
	synced := false
	for ev := range ch {
		o.mu.Lock()
		target := o.pending
		if !synced {
			target = fresh
		}
		switch ev.Op {
		case OpUpsert:
			target[ev.UID] = ev
		case OpDelete:
			delete(target, ev.UID)
		case OpSynced:
			if !synced {
				o.pending = fresh
				synced = true
			}
			o.healthy = true
			o.lastHealthy = o.clock.Now()
		}
		o.mu.Unlock()
	}
	return synced
}

func (o *Observer) markDown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.healthy {
		o.healthy = false
		o.lastHealthy = o.clock.Now()
	}
}

// Observe aggregates the pending set at now. It never blocks on the source.
func (o *Observer) Observe(now time.Time) Snapshot {
	nodes, err := o.source.Nodes()

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		log.WithError(err).Warn("failed to list cluster nodes, reusing last view")
		nodes = o.nodes
	} else {
		o.nodes = nodes
	}

	uids := make([]string, 0, len(o.pending))
	for uid := range o.pending {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	vec := core.NewDemandVector()
	for _, uid := range uids {
		ev := o.pending[uid]
		vec.Add(core.DemandKey{Arch: ev.Arch, CapacityClass: ev.CapacityClass}, ev.Requests)
	}

	snap := Snapshot{Demand: vec, Nodes: append([]Node(nil), nodes...), ObservedAt: now, Degraded: err != nil}
	if o.healthy {
		o.lastHealthy = now
		return snap
	}
	snap.Degraded = true
	snap.ObservedAt = o.lastHealthy
	snap.Stale = o.threshold > 0 && now.Sub(o.lastHealthy) > o.threshold
	return snap
}
