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

// Package planner turns observed demand and the current fleet into launch
// and terminate decisions. Plan is pure over its Input.
package planner

import (
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"gitlab.com/davidxarnold/fleet/pkg/catalog"
	"gitlab.com/davidxarnold/fleet/pkg/core"
	"gitlab.com/davidxarnold/fleet/pkg/rules"
)

// DefaultMaxCount bounds the instance count of a single launch decision.
const DefaultMaxCount = 1024

// Input is everything one cycle plans over.
type Input struct {
	Now     time.Time
	Rules   []*rules.Rule
	Catalog *catalog.Catalog
	Demand  core.DemandVector
	Nodes   []*core.NodeRecord
	// Usage is the ledger snapshot taken at cycle start.
	Usage map[string]core.Resources
	// Unavailable reports offerings recently rejected by the provider for a
	// rule. Nil means none.
	Unavailable func(rule string, o core.InstanceOffering) bool
	// Stale blocks every launch.
	Stale bool
}

// Plan is the output of one cycle.
type Plan struct {
	Decisions []core.Decision
	Unmet     []core.Unmet
}

// Launches returns the launch decisions in emission order.
func (p Plan) Launches() []core.Decision {
	return p.filter(core.DecisionLaunch)
}

// Terminates returns the terminate decisions in emission order.
func (p Plan) Terminates() []core.Decision {
	return p.filter(core.DecisionTerminate)
}

func (p Plan) filter(kind core.DecisionKind) []core.Decision {
	var out []core.Decision
	for _, d := range p.Decisions {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// Planner computes plans.
type Planner struct {
	// MaxCount bounds the count of one launch decision.
	MaxCount int
}

// New returns a planner with default bounds.
func New() *Planner {
	return &Planner{MaxCount: DefaultMaxCount}
}

type poolNode struct {
	rec  *core.NodeRecord
	free core.Resources
	// used is set once the node's free capacity absorbed pending demand.
	used bool
}

type cycle struct {
	in       Input
	maxCount int
	groups   []*core.DemandGroup
	reasons  map[core.DemandKey]core.UnmetReason
	reserved map[string]core.Resources
	pools    map[string][]*poolNode
	plan     Plan
}

// Plan computes one cycle's decisions.
func (p *Planner) Plan(in Input) Plan {
	c := &cycle{
		in:       in,
		maxCount: p.MaxCount,
		reasons:  make(map[core.DemandKey]core.UnmetReason),
		reserved: make(map[string]core.Resources),
		pools:    make(map[string][]*poolNode),
	}
	if c.maxCount <= 0 {
		c.maxCount = DefaultMaxCount
	}
	c.buildDemand()
	c.buildPools()

	orphans := c.orphanPools()
	// Nodes whose rule is gone still host workloads until they are retired.
	for _, pool := range orphans {
		c.cover(nil, pool)
	}

	for _, r := range in.Rules {
		pool := c.pools[r.Name]
		c.cover(r, pool)
		c.launch(r)
		c.retire(r, pool)
	}
	for _, pool := range orphans {
		c.retireOrphans(pool)
	}
	c.reportUnmet()
	return c.plan
}

// buildDemand merges pending demand with the usage of draining nodes whose
// workloads need somewhere to go.
func (c *cycle) buildDemand() {
	demand := c.in.Demand.Clone()
	for _, n := range c.in.Nodes {
		if n.State != core.NodeDraining || !n.DrainReason.Replaces() || n.Allocated.IsZero() {
			continue
		}
		demand.AddGroup(core.DemandGroup{
			Key:       core.DemandKey{Arch: n.Offering.Arch},
			Total:     n.Allocated,
			Largest:   perWorkload(n),
			Workloads: max(n.Workloads, 1),
		})
	}
	for _, g := range demand.Groups() {
		c.groups = append(c.groups, &g)
	}
}

func (c *cycle) buildPools() {
	for _, n := range c.in.Nodes {
		if !n.State.Active() {
			continue
		}
		c.pools[n.Rule] = append(c.pools[n.Rule], &poolNode{rec: n, free: n.Free()})
	}
	for _, pool := range c.pools {
		sort.Slice(pool, func(i, j int) bool {
			return pool[i].rec.ID < pool[j].rec.ID
		})
	}
}

func (c *cycle) orphanPools() [][]*poolNode {
	known := make(map[string]bool, len(c.in.Rules))
	for _, r := range c.in.Rules {
		known[r.Name] = true
	}
	var names []string
	for name := range c.pools {
		if !known[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([][]*poolNode, 0, len(names))
	for _, name := range names {
		out = append(out, c.pools[name])
	}
	return out
}

// perWorkload approximates the largest workload on a node by its average.
func perWorkload(n *core.NodeRecord) core.Resources {
	w := int64(max(n.Workloads, 1))
	return core.Resources{
		MilliCPU: ceilDiv(n.Allocated.MilliCPU, w),
		Memory:   ceilDiv(n.Allocated.Memory, w),
	}
}

// cover subtracts the free capacity of existing nodes from residual demand.
// Each node's free capacity is consumed at most once. Nodes past the rule's
// TTLUntilExpired are about to retire and absorb nothing.
func (c *cycle) cover(r *rules.Rule, pool []*poolNode) {
	for _, g := range c.groups {
		for _, n := range pool {
			if g.Total.IsZero() {
				break
			}
			if r != nil && expired(r, n.rec, c.in.Now) {
				continue
			}
			if !g.Key.Accepts(n.rec.Offering) || !g.Largest.Fits(n.free) {
				continue
			}
			take := g.Total.Min(n.free)
			if take.IsZero() {
				continue
			}
			g.Total = g.Total.Sub(take)
			n.free = n.free.Sub(take)
			n.used = true
		}
	}
}

func (c *cycle) note(key core.DemandKey, reason core.UnmetReason) {
	rank := map[core.UnmetReason]int{
		core.UnmetNoMatchingOffering:  1,
		core.UnmetCapacityUnavailable: 2,
		core.UnmetLimitExceeded:       3,
		core.UnmetStaleDemand:         4,
	}
	if rank[reason] > rank[c.reasons[key]] {
		c.reasons[key] = reason
	}
}

func (c *cycle) headroom(r *rules.Rule) core.Resources {
	used := c.in.Usage[r.Name].Add(c.reserved[r.Name])
	return r.Limits.Headroom(used)
}

func (c *cycle) unavailable(r *rules.Rule, o core.InstanceOffering) bool {
	return c.in.Unavailable != nil && c.in.Unavailable(r.Name, o)
}

func (c *cycle) emitLaunch(r *rules.Rule, o core.InstanceOffering, count int) {
	c.plan.Decisions = append(c.plan.Decisions, core.Launch(o, r.Name, count))
	c.reserved[r.Name] = c.reserved[r.Name].Add(o.Capacity.Scale(count))
	log.WithFields(log.Fields{
		"rule":     r.Name,
		"offering": o.Key(),
		"count":    count,
	}).Debug("planned launch")
}

// launched counts the nodes this cycle already plans to launch for rule.
func (c *cycle) launched(rule string) int {
	n := 0
	for _, d := range c.plan.Decisions {
		if d.Kind == core.DecisionLaunch && d.Rule == rule {
			n += d.Count
		}
	}
	return n
}

func (c *cycle) emitTerminate(r string, n *core.NodeRecord, reason core.TerminationReason) {
	c.plan.Decisions = append(c.plan.Decisions, core.Terminate(n.ID, r, reason))
	log.WithFields(log.Fields{
		"rule":   r,
		"node":   n.ID,
		"reason": reason,
	}).Debug("planned terminate")
}

// launch covers the rule's share of residual demand with new nodes.
func (c *cycle) launch(r *rules.Rule) {
	for _, g := range c.groups {
		if g.Total.IsZero() {
			continue
		}
		matching := c.in.Catalog.Filter(func(o core.InstanceOffering) bool {
			return r.Matches(o) && g.Key.Accepts(o) && g.Largest.Fits(o.Capacity)
		})
		if len(matching) == 0 {
			c.note(g.Key, core.UnmetNoMatchingOffering)
			continue
		}
		if c.in.Stale {
			c.note(g.Key, core.UnmetStaleDemand)
			continue
		}

		var available []core.InstanceOffering
		for _, o := range matching {
			if !c.unavailable(r, o) {
				available = append(available, o)
			}
		}
		if len(available) == 0 {
			c.note(g.Key, core.UnmetCapacityUnavailable)
			continue
		}

		headroom := c.headroom(r)
		var candidates []core.InstanceOffering
		for _, o := range available {
			if o.Capacity.Fits(headroom) {
				candidates = append(candidates, o)
			}
		}
		m, ok := pack(g.Total, candidates, headroom, c.maxCount)
		if !ok {
			c.note(g.Key, core.UnmetLimitExceeded)
			continue
		}
		for _, u := range m.launches() {
			c.emitLaunch(r, u.offering, u.count)
		}
		g.Total = g.Total.Sub(m.capacity.Min(g.Total))
		if !g.Total.IsZero() {
			c.note(g.Key, core.UnmetLimitExceeded)
		}
	}
}

func (c *cycle) reportUnmet() {
	for _, g := range c.groups {
		if g.Total.IsZero() {
			continue
		}
		reason, ok := c.reasons[g.Key]
		if !ok {
			reason = core.UnmetNoMatchingOffering
		}
		c.plan.Unmet = append(c.plan.Unmet, core.Unmet{Key: g.Key, Resources: g.Total, Reason: reason})
	}
}
