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

import "fmt"

// DecisionKind is the verb of a Decision.
type DecisionKind string

const (
	DecisionLaunch    DecisionKind = "Launch"
	DecisionTerminate DecisionKind = "Terminate"
)

// Decision is the ephemeral output of one planning cycle.
type Decision struct {
	Kind DecisionKind
	Rule string

	// Launch
	Offering InstanceOffering
	Count    int

	// Terminate
	NodeID string
	Reason TerminationReason
}

// Launch builds a launch decision.
func Launch(o InstanceOffering, rule string, count int) Decision {
	return Decision{Kind: DecisionLaunch, Offering: o, Rule: rule, Count: count}
}

// Terminate builds a terminate decision.
func Terminate(nodeID, rule string, reason TerminationReason) Decision {
	return Decision{Kind: DecisionTerminate, NodeID: nodeID, Rule: rule, Reason: reason}
}

// Capacity is the total capacity a launch decision adds.
func (d Decision) Capacity() Resources {
	if d.Kind != DecisionLaunch {
		return Resources{}
	}
	return d.Offering.Capacity.Scale(d.Count)
}

func (d Decision) String() string {
	if d.Kind == DecisionLaunch {
		return fmt.Sprintf("Launch(%s, rule:%s, count:%d)", d.Offering.Key(), d.Rule, d.Count)
	}
	return fmt.Sprintf("Terminate(%s, rule:%s, reason:%s)", d.NodeID, d.Rule, d.Reason)
}

// UnmetReason explains why demand could not be placed.
type UnmetReason string

const (
	UnmetNoMatchingOffering  UnmetReason = "NoMatchingOffering"
	UnmetLimitExceeded       UnmetReason = "LimitExceeded"
	UnmetCapacityUnavailable UnmetReason = "CapacityUnavailable"
	UnmetStaleDemand         UnmetReason = "StaleDemand"
)

// Unmet is demand left over after all rules were tried.
type Unmet struct {
	Key       DemandKey
	Resources Resources
	Reason    UnmetReason
}

func (u Unmet) String() string {
	return fmt.Sprintf("%s %s (%s)", u.Key, u.Resources, u.Reason)
}
