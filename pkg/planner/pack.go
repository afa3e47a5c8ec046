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
	"math"

	"gitlab.com/davidxarnold/fleet/pkg/core"
)

// costEpsilon absorbs float noise when comparing summed cost weights.
const costEpsilon = 1e-9

type unit struct {
	offering core.InstanceOffering
	count    int
}

// mix is a candidate set of at most two launches for one demand group.
type mix struct {
	units    [2]unit
	n        int
	capacity core.Resources
	cost     float64
	nodes    int
}

func (m mix) launches() []unit {
	return m.units[:m.n]
}

func newMix(units ...unit) mix {
	var m mix
	for _, u := range units {
		if u.count <= 0 {
			continue
		}
		m.units[m.n] = u
		m.n++
		m.capacity = m.capacity.Add(u.offering.Capacity.Scale(u.count))
		m.cost += u.offering.CostWeight * float64(u.count)
		m.nodes += u.count
	}
	return m
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// need is how many instances of o cover r on their own.
func need(o core.InstanceOffering, r core.Resources, limit int) int {
	var n int64
	if r.MilliCPU > 0 && o.Capacity.MilliCPU > 0 {
		n = ceilDiv(r.MilliCPU, o.Capacity.MilliCPU)
	}
	if r.Memory > 0 && o.Capacity.Memory > 0 {
		n = max(n, ceilDiv(r.Memory, o.Capacity.Memory))
	}
	return int(min(n, int64(limit)))
}

// fitting is how many instances of o fit in headroom.
func fitting(o core.InstanceOffering, headroom core.Resources, limit int) int {
	n := int64(limit)
	if o.Capacity.MilliCPU > 0 {
		n = min(n, headroom.MilliCPU/o.Capacity.MilliCPU)
	}
	if o.Capacity.Memory > 0 {
		n = min(n, headroom.Memory/o.Capacity.Memory)
	}
	return int(n)
}

func ratio(part, whole int64) float64 {
	return float64(part) / float64(whole)
}

// leftover is the unused capacity of a mix normalized by demand, summed over
// the dimensions the demand asks for.
func leftover(capacity, r core.Resources) float64 {
	var s float64
	if r.MilliCPU > 0 {
		s += ratio(max(capacity.MilliCPU-r.MilliCPU, 0), r.MilliCPU)
	}
	if r.Memory > 0 {
		s += ratio(max(capacity.Memory-r.Memory, 0), r.Memory)
	}
	return s
}

func coverage(capacity, r core.Resources) float64 {
	var s float64
	if r.MilliCPU > 0 {
		s += ratio(min(capacity.MilliCPU, r.MilliCPU), r.MilliCPU)
	}
	if r.Memory > 0 {
		s += ratio(min(capacity.Memory, r.Memory), r.Memory)
	}
	return s
}

func differs(a, b float64) bool {
	return math.Abs(a-b) > costEpsilon
}

// better orders mixes: full coverage, then more coverage, then less leftover,
// then lower cost, then fewer nodes.
func better(a, b mix, r core.Resources) bool {
	aFull, bFull := r.Fits(a.capacity), r.Fits(b.capacity)
	if aFull != bFull {
		return aFull
	}
	if !aFull {
		if ca, cb := coverage(a.capacity, r), coverage(b.capacity, r); differs(ca, cb) {
			return ca > cb
		}
	}
	if la, lb := leftover(a.capacity, r), leftover(b.capacity, r); differs(la, lb) {
		return la < lb
	}
	if differs(a.cost, b.cost) {
		return a.cost < b.cost
	}
	return a.nodes < b.nodes
}

// pack picks the best homogeneous or two-offering mix covering r within
// headroom. Every candidate must already fit headroom on its own.
func pack(r core.Resources, candidates []core.InstanceOffering, headroom core.Resources, limit int) (mix, bool) {
	var (
		best  mix
		found bool
	)
	consider := func(m mix) {
		if m.nodes == 0 {
			return
		}
		if !found || better(m, best, r) {
			best, found = m, true
		}
	}

	for i, a := range candidates {
		maxA := min(need(a, r, limit), fitting(a, headroom, limit))
		consider(newMix(unit{a, maxA}))
		for _, b := range candidates[i+1:] {
			for na := 1; na <= maxA; na++ {
				used := a.Capacity.Scale(na)
				rest := r.Sub(used)
				if rest.IsZero() {
					break
				}
				nb := min(need(b, rest, limit), fitting(b, headroom.Sub(used), limit))
				if nb == 0 {
					continue
				}
				consider(newMix(unit{a, na}, unit{b, nb}))
			}
		}
	}
	return best, found
}
