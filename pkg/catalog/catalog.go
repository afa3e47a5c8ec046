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

// Package catalog holds the static knowledge of compute offerings the
// planner can choose from.
package catalog

import (
	"fmt"
	"sort"

	"gitlab.com/davidxarnold/fleet/pkg/core"
)

// Catalog is an immutable, ordered set of offerings.
type Catalog struct {
	offerings []core.InstanceOffering
	byKey     map[string]int
}

// New validates and indexes the given offerings. Offerings are ordered by
// cost weight, then name, so callers iterate cheapest first.
func New(offerings ...core.InstanceOffering) (*Catalog, error) {
	c := &Catalog{byKey: make(map[string]int, len(offerings))}
	for _, o := range offerings {
		if o.Family == "" || o.Size == "" {
			return nil, fmt.Errorf("offering %q: family and size are required", o.Name())
		}
		if o.Capacity.MilliCPU <= 0 || o.Capacity.Memory <= 0 {
			return nil, fmt.Errorf("offering %s: capacity must be positive", o.Key())
		}
		if o.CostWeight <= 0 {
			return nil, fmt.Errorf("offering %s: cost weight must be positive", o.Key())
		}
		if o.Arch != core.ArchAMD64 && o.Arch != core.ArchARM64 {
			return nil, fmt.Errorf("offering %s: unsupported architecture %q", o.Key(), o.Arch)
		}
		if o.CapacityClass != core.CapacitySpot && o.CapacityClass != core.CapacityOnDemand {
			return nil, fmt.Errorf("offering %s: unsupported capacity class %q", o.Key(), o.CapacityClass)
		}
		if _, dup := c.byKey[o.Key()]; dup {
			return nil, fmt.Errorf("offering %s listed twice", o.Key())
		}
		c.byKey[o.Key()] = -1
		c.offerings = append(c.offerings, o)
	}

	sort.SliceStable(c.offerings, func(i, j int) bool {
		if c.offerings[i].CostWeight != c.offerings[j].CostWeight {
			return c.offerings[i].CostWeight < c.offerings[j].CostWeight
		}
		return c.offerings[i].Key() < c.offerings[j].Key()
	})
	for i, o := range c.offerings {
		c.byKey[o.Key()] = i
	}
	return c, nil
}

// Offerings returns a copy of every offering, cheapest first.
func (c *Catalog) Offerings() []core.InstanceOffering {
	out := make([]core.InstanceOffering, len(c.offerings))
	copy(out, c.offerings)
	return out
}

// Len returns the number of offerings.
func (c *Catalog) Len() int {
	return len(c.offerings)
}

// Lookup finds an offering by instance type name and capacity class.
func (c *Catalog) Lookup(name string, class core.CapacityClass) (core.InstanceOffering, bool) {
	i, ok := c.byKey[name+"/"+string(class)]
	if !ok {
		return core.InstanceOffering{}, false
	}
	return c.offerings[i], true
}

// Filter returns the offerings for which keep returns true, cheapest first.
func (c *Catalog) Filter(keep func(core.InstanceOffering) bool) []core.InstanceOffering {
	var out []core.InstanceOffering
	for _, o := range c.offerings {
		if keep(o) {
			out = append(out, o)
		}
	}
	return out
}
