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
	"fmt"
	"time"
)

// NodeState is the lifecycle state of a NodeRecord.
type NodeState string

const (
	NodeProvisioning NodeState = "Provisioning"
	NodeReady        NodeState = "Ready"
	NodeDraining     NodeState = "Draining"
	NodeTerminated   NodeState = "Terminated"
)

var nodeTransitions = map[NodeState][]NodeState{
	NodeProvisioning: {NodeReady, NodeDraining, NodeTerminated},
	NodeReady:        {NodeDraining},
	NodeDraining:     {NodeTerminated},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to NodeState) bool {
	for _, s := range nodeTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active reports whether the node counts as existing capacity.
func (s NodeState) Active() bool {
	return s == NodeProvisioning || s == NodeReady
}

// TerminationReason explains why a node is being retired.
type TerminationReason string

const (
	ReasonIdle          TerminationReason = "idle"
	ReasonExpired       TerminationReason = "expired"
	ReasonConsolidation TerminationReason = "consolidation"
	ReasonInterrupted   TerminationReason = "interrupted"
	ReasonLaunchTimeout TerminationReason = "launch-timeout"
	ReasonRuleRemoved   TerminationReason = "rule-removed"
)

// Replaces reports whether workloads on a node retired for this reason need
// replacement capacity before they are evicted.
func (r TerminationReason) Replaces() bool {
	switch r {
	case ReasonInterrupted, ReasonExpired, ReasonConsolidation:
		return true
	}
	return false
}

// NodeRecord tracks a node this engine launched.
type NodeRecord struct {
	ID            string            `json:"id"`
	NodeName      string            `json:"nodeName,omitempty"`
	Offering      InstanceOffering  `json:"offering"`
	Rule          string            `json:"rule"`
	LaunchedAt    time.Time         `json:"launchedAt"`
	CapacityClass CapacityClass     `json:"capacityClass"`
	State         NodeState         `json:"state"`
	IdleSince     time.Time         `json:"idleSince,omitempty"`
	DrainReason   TerminationReason `json:"drainReason,omitempty"`
	Allocated     Resources         `json:"allocated"`
	Workloads     int               `json:"workloads"`
}

// Free is the capacity not yet claimed by scheduled workloads.
func (n *NodeRecord) Free() Resources {
	return n.Offering.Capacity.Sub(n.Allocated)
}

// Idle reports whether the node has been idle since a known time.
func (n *NodeRecord) Idle() bool {
	return !n.IdleSince.IsZero()
}

// Transition moves the record to a new state, enforcing the state machine.
func (n *NodeRecord) Transition(to NodeState) error {
	if !CanTransition(n.State, to) {
		return fmt.Errorf("node %s: illegal transition %s -> %s", n.ID, n.State, to)
	}
	n.State = to
	return nil
}
