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

package planner

import (
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"gitlab.com/davidxarnold/fleet/pkg/core"
	"gitlab.com/davidxarnold/fleet/pkg/rules"
)

// Expiry returns the TTL that retires n at now, if any. Idle and hard expiry
// are independent; when both have passed, the earlier deadline names the
// reason. A node whose free capacity is absorbing pending demand is not idle.
func Expiry(r *rules.Rule, n *core.NodeRecord, now time.Time) (core.TerminationReason, bool) {
	var (
		reason   core.TerminationReason
		deadline time.Time
	)
	if expired(r, n, now) {
		reason, deadline = core.ReasonExpired, n.LaunchedAt.Add(r.TTLUntilExpired)
	}
	if r.TTLAfterIdle > 0 && n.Idle() {
		if d := n.IdleSince.Add(r.TTLAfterIdle); !now.Before(d) && (reason == "" || d.Before(deadline)) {
			reason = core.ReasonIdle
		}
	}
	return reason, reason != ""
}

// expired reports whether n has outlived the rule's TTLUntilExpired,
// measured from launch.
func expired(r *rules.Rule, n *core.NodeRecord, now time.Time) bool {
	return r.TTLUntilExpired > 0 && !now.Before(n.LaunchedAt.Add(r.TTLUntilExpired))
}

// retire plans the terminations of one rule's pool. Idle and consolidation
// retirements stop at the rule's MinNodes; expiry and rule changes do not,
// and floor launches their replacements.
func (c *cycle) retire(r *rules.Rule, pool []*poolNode) {
	retired := make(map[string]bool)
	live := len(pool) + c.launched(r.Name)
	for _, n := range pool {
		if n.rec.State != core.NodeReady {
			continue
		}
		if !r.Matches(n.rec.Offering) {
			c.emitTerminate(r.Name, n.rec, core.ReasonRuleRemoved)
			retired[n.rec.ID] = true
			live--
			continue
		}
		reason, ok := Expiry(r, n.rec, c.in.Now)
		if !ok {
			continue
		}
		// Absorbed demand and the node floor only defer the idle trigger.
		if reason == core.ReasonIdle && (n.used || live <= r.MinNodes) {
			if !expired(r, n.rec, c.in.Now) {
				continue
			}
			reason = core.ReasonExpired
		}
		c.emitTerminate(r.Name, n.rec, reason)
		retired[n.rec.ID] = true
		live--
	}
	if r.Consolidation {
		c.consolidate(r, pool, retired, live > r.MinNodes)
	}
	c.floor(r, live)
}

// floor launches the cheapest offering the rule allows until it holds
// MinNodes live nodes, within the rule's headroom.
func (c *cycle) floor(r *rules.Rule, live int) {
	deficit := r.MinNodes - live
	if deficit <= 0 || c.in.Stale {
		return
	}
	headroom := c.headroom(r)
	for _, o := range c.in.Catalog.Offerings() {
		if !r.Matches(o) || c.unavailable(r, o) || !o.Capacity.Fits(headroom) {
			continue
		}
		count := deficit
		for !o.Capacity.Scale(count).Fits(headroom) {
			count--
		}
		c.emitLaunch(r, o, count)
		return
	}
	log.WithFields(log.Fields{"rule": r.Name, "min-nodes": r.MinNodes}).Debug("no offering fits the node floor")
}

func (c *cycle) retireOrphans(pool []*poolNode) {
	for _, n := range pool {
		if n.rec.State == core.NodeReady {
			c.emitTerminate(n.rec.Rule, n.rec, core.ReasonRuleRemoved)
		}
	}
}

// consolidate takes at most one action per rule: retire an empty node,
// retire a node whose workloads fit on its peers, or swap a node for a
// strictly cheaper offering. Only the swap is allowed when shrink is false.
func (c *cycle) consolidate(r *rules.Rule, pool []*poolNode, retired map[string]bool, shrink bool) {
	var candidates []*poolNode
	for _, n := range pool {
		if n.rec.State == core.NodeReady && !retired[n.rec.ID] && !n.used {
			candidates = append(candidates, n)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].rec, candidates[j].rec
		if a.Workloads != b.Workloads {
			return a.Workloads < b.Workloads
		}
		return a.Allocated.MilliCPU < b.Allocated.MilliCPU
	})

	for _, n := range candidates {
		if shrink && n.rec.Workloads == 0 && n.rec.Allocated.IsZero() {
			c.emitTerminate(r.Name, n.rec, core.ReasonConsolidation)
			return
		}
		if shrink && c.fitsOnPeers(n, pool, retired) {
			c.emitTerminate(r.Name, n.rec, core.ReasonConsolidation)
			return
		}
		if c.in.Stale {
			continue
		}
		if o, ok := c.cheaper(r, n.rec); ok {
			c.emitLaunch(r, o, 1)
			c.emitTerminate(r.Name, n.rec, core.ReasonConsolidation)
			return
		}
	}
}

func (c *cycle) fitsOnPeers(n *poolNode, pool []*poolNode, retired map[string]bool) bool {
	var (
		free  core.Resources
		peers int
		roomy bool
	)
	largest := perWorkload(n.rec)
	for _, p := range pool {
		if p == n || p.rec.State != core.NodeReady || retired[p.rec.ID] || p.rec.Offering.Arch != n.rec.Offering.Arch {
			continue
		}
		peers++
		free = free.Add(p.free)
		if largest.Fits(p.free) {
			roomy = true
		}
	}
	return peers > 0 && roomy && n.rec.Allocated.Fits(free)
}

// cheaper finds the cheapest offering, strictly cheaper than the node's,
// that holds its usage within the rule's remaining headroom.
func (c *cycle) cheaper(r *rules.Rule, n *core.NodeRecord) (core.InstanceOffering, bool) {
	headroom := c.headroom(r)
	largest := perWorkload(n)
	var (
		best  core.InstanceOffering
		found bool
	)
	for _, o := range c.in.Catalog.Offerings() {
		if o.Arch != n.Offering.Arch || o.CapacityClass != n.CapacityClass || !r.Matches(o) || c.unavailable(r, o) {
			continue
		}
		if o.CostWeight >= n.Offering.CostWeight-costEpsilon {
			continue
		}
		if !n.Allocated.Fits(o.Capacity) || !largest.Fits(o.Capacity) || !o.Capacity.Fits(headroom) {
			continue
		}
		if !found || o.CostWeight < best.CostWeight-costEpsilon {
			best, found = o, true
		}
	}
	return best, found
}
