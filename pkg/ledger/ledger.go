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

// Package ledger serializes every change to per-rule aggregate usage. The
// planner reads a Snapshot, the engine reserves capacity for a cycle's
// launches, and the lifecycle controller commits or releases each instance.
package ledger

import (
	"fmt"
	"sync"

	"gitlab.com/davidxarnold/fleet/pkg/core"
)

// Reservation holds capacity for Count instances of one unit size. Each
// instance is either committed under its node id or released.
type Reservation struct {
	Rule string
	Unit core.Resources

	id          uint64
	outstanding int
}

// Outstanding is the number of instances neither committed nor released.
func (r *Reservation) Outstanding() int {
	return r.outstanding
}

// Claim asks for capacity in ReserveAll.
type Claim struct {
	Rule  string
	Unit  core.Resources
	Count int
	Limit core.Limits
}

type usage struct {
	nodes    map[string]core.Resources
	reserved map[uint64]*Reservation
}

// Ledger is the per-rule usage counter.
type Ledger struct {
	mu     sync.Mutex
	rules  map[string]*usage
	owners map[string]string
	nextID uint64
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		rules:  make(map[string]*usage),
		owners: make(map[string]string),
	}
}

func (l *Ledger) rule(name string) *usage {
	u, ok := l.rules[name]
	if !ok {
		u = &usage{nodes: make(map[string]core.Resources), reserved: make(map[uint64]*Reservation)}
		l.rules[name] = u
	}
	return u
}

func (u *usage) total() core.Resources {
	var sum core.Resources
	for _, r := range u.nodes {
		sum = sum.Add(r)
	}
	for _, r := range u.reserved {
		sum = sum.Add(r.Unit.Scale(r.outstanding))
	}
	return sum
}

// Usage returns committed plus reserved capacity for one rule.
func (l *Ledger) Usage(rule string) core.Resources {
	l.mu.Lock()
	defer l.mu.Unlock()
	if u, ok := l.rules[rule]; ok {
		return u.total()
	}
	return core.Resources{}
}

// Snapshot returns the usage of every rule.
func (l *Ledger) Snapshot() map[string]core.Resources {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]core.Resources, len(l.rules))
	for name, u := range l.rules {
		out[name] = u.total()
	}
	return out
}

// Reserve holds capacity for count instances if the rule's limit allows it.
func (l *Ledger) Reserve(rule string, unit core.Resources, count int, limit core.Limits) (*Reservation, error) {
	rs, err := l.ReserveAll([]Claim{{Rule: rule, Unit: unit, Count: count, Limit: limit}})
	if err != nil {
		return nil, err
	}
	return rs[0], nil
}

// ReserveAll reserves every claim or none of them.
func (l *Ledger) ReserveAll(claims []Claim) ([]*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pending := make(map[string]core.Resources)
	for _, c := range claims {
		if c.Count <= 0 {
			return nil, fmt.Errorf("reserve %s: count must be positive, got %d", c.Rule, c.Count)
		}
		used := pending[c.Rule]
		if _, seen := pending[c.Rule]; !seen {
			used = l.rule(c.Rule).total()
		}
		used = used.Add(c.Unit.Scale(c.Count))
		if !c.Limit.Allows(used) {
			return nil, fmt.Errorf("reserve %s for %s: %w", c.Unit.Scale(c.Count), c.Rule, core.ErrLimitExceeded)
		}
		pending[c.Rule] = used
	}

	out := make([]*Reservation, 0, len(claims))
	for _, c := range claims {
		l.nextID++
		r := &Reservation{Rule: c.Rule, Unit: c.Unit, id: l.nextID, outstanding: c.Count}
		l.rule(c.Rule).reserved[r.id] = r
		out = append(out, r)
	}
	return out, nil
}

// Commit converts one reserved instance into usage owned by nodeID.
func (l *Ledger) Commit(r *Reservation, nodeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	u := l.rule(r.Rule)
	if _, ok := u.reserved[r.id]; !ok || r.outstanding == 0 {
		return fmt.Errorf("commit %s: reservation for %s already settled", nodeID, r.Rule)
	}
	l.settle(u, r)
	u.nodes[nodeID] = r.Unit
	l.owners[nodeID] = r.Rule
	return nil
}

// Release returns one reserved instance.
func (l *Ledger) Release(r *Reservation) {
	l.ReleaseN(r, 1)
}

// ReleaseN returns up to n reserved instances of r, leaving the rest
// outstanding for launches still in flight.
func (l *Ledger) ReleaseN(r *Reservation, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u := l.rule(r.Rule)
	if _, ok := u.reserved[r.id]; !ok {
		return
	}
	for ; n > 0 && r.outstanding > 0; n-- {
		l.settle(u, r)
	}
}

func (l *Ledger) settle(u *usage, r *Reservation) {
	r.outstanding--
	if r.outstanding == 0 {
		delete(u.reserved, r.id)
	}
}

// Forget drops a node's committed usage. Unknown ids are ignored.
func (l *Ledger) Forget(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rule, ok := l.owners[nodeID]
	if !ok {
		return
	}
	delete(l.owners, nodeID)
	delete(l.rule(rule).nodes, nodeID)
}

// Seed loads committed usage from persisted records. Only Provisioning and
// Ready nodes count.
func (l *Ledger) Seed(records []*core.NodeRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range records {
		if !rec.State.Active() {
			continue
		}
		l.rule(rec.Rule).nodes[rec.ID] = rec.Offering.Capacity
		l.owners[rec.ID] = rec.Rule
	}
}
