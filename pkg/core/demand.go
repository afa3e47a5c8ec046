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

package core

import (
	"sort"
)

// DemandKey groups pending workloads that can share the same offerings.
// An empty CapacityClass means the workloads accept any class.
type DemandKey struct {
	Arch          Arch
	CapacityClass CapacityClass
}

func (k DemandKey) String() string {
	class := string(k.CapacityClass)
	if class == "" {
		class = "any"
	}
	return string(k.Arch) + "/" + class
}

// Accepts reports whether an offering can host workloads of this group.
func (k DemandKey) Accepts(o InstanceOffering) bool {
	if k.Arch != "" && k.Arch != o.Arch {
		return false
	}
	return k.CapacityClass == "" || k.CapacityClass == o.CapacityClass
}

// DemandGroup is the pending demand of one key.
type DemandGroup struct {
	Key       DemandKey
	Total     Resources
	Largest   Resources
	Workloads int
}

// DemandVector is the aggregated pending demand observed in one cycle.
type DemandVector struct {
	groups map[DemandKey]*DemandGroup
}

// NewDemandVector returns an empty vector.
func NewDemandVector() DemandVector {
	return DemandVector{groups: make(map[DemandKey]*DemandGroup)}
}

// Add accounts one workload request under key.
func (d *DemandVector) Add(key DemandKey, req Resources) {
	d.AddGroup(DemandGroup{Key: key, Total: req, Largest: req, Workloads: 1})
}

// AddGroup merges a whole group into the vector.
func (d *DemandVector) AddGroup(g DemandGroup) {
	if g.Total.IsZero() && g.Workloads == 0 {
		return
	}
	if d.groups == nil {
		d.groups = make(map[DemandKey]*DemandGroup)
	}
	cur, ok := d.groups[g.Key]
	if !ok {
		cp := g
		d.groups[g.Key] = &cp
		return
	}
	cur.Total = cur.Total.Add(g.Total)
	cur.Largest = cur.Largest.Max(g.Largest)
	cur.Workloads += g.Workloads
}

// Groups returns the groups in a stable order.
func (d DemandVector) Groups() []DemandGroup {
	out := make([]DemandGroup, 0, len(d.groups))
	for _, g := range d.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Total sums all groups.
func (d DemandVector) Total() Resources {
	var r Resources
	for _, g := range d.groups {
		r = r.Add(g.Total)
	}
	return r
}

// IsZero reports whether there is no pending demand.
func (d DemandVector) IsZero() bool {
	for _, g := range d.groups {
		if !g.Total.IsZero() {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (d DemandVector) Clone() DemandVector {
	c := NewDemandVector()
	for _, g := range d.groups {
		c.AddGroup(*g)
	}
	return c
}
