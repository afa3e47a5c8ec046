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

// Package rules holds the named provisioning policies that govern which
// offerings may be launched, under what limits and for how long.
package rules

import (
	"time"

	"github.com/gobwas/glob"
	"github.com/samber/lo"

	"gitlab.com/davidxarnold/fleet/pkg/core"
)

// Requirements restrict the offerings a rule may launch. Empty lists allow
// everything in that dimension.
type Requirements struct {
	Architectures         []core.Arch
	InstanceTypes         []string
	RestrictInstanceTypes []string
	CapacityClasses       []core.CapacityClass

	allow []glob.Glob
	deny  []glob.Glob
}

// Binding names the workload identity whose role is attached to launched nodes.
type Binding struct {
	ServiceAccount string
	Namespace      string
}

// Rule is an immutable provisioning policy.
type Rule struct {
	Name string
	// Priority is the evaluation order, 0 first.
	Priority        int
	Weight          int
	Requirements    Requirements
	Limits          core.Limits
	TTLAfterIdle    time.Duration
	TTLUntilExpired time.Duration
	Labels          map[string]string
	Tags            map[string]string
	Consolidation   bool
	Identity        *Binding
	// ImageFamily selects the boot image; empty uses the node-group default.
	ImageFamily core.ImageFamily
	// MinNodes is the floor of live nodes kept under the rule regardless of
	// demand.
	MinNodes int
}

// Matches reports whether an offering satisfies the rule's requirement set.
func (r *Rule) Matches(o core.InstanceOffering) bool {
	req := r.Requirements
	if len(req.Architectures) > 0 && !lo.Contains(req.Architectures, o.Arch) {
		return false
	}
	if len(req.CapacityClasses) > 0 && !lo.Contains(req.CapacityClasses, o.CapacityClass) {
		return false
	}
	name := o.Name()
	if len(req.allow) > 0 && !lo.SomeBy(req.allow, func(g glob.Glob) bool { return g.Match(name) }) {
		return false
	}
	return !lo.SomeBy(req.deny, func(g glob.Glob) bool { return g.Match(name) })
}

// NodeLabels are stamped on every node the rule launches.
func (r *Rule) NodeLabels(o core.InstanceOffering) map[string]string {
	labels := lo.Assign(r.Labels)
	labels[core.LabelProvisioner] = r.Name
	labels[core.LabelCapacityType] = string(o.CapacityClass)
	labels[core.LabelInstanceType] = o.Name()
	labels[core.LabelArch] = string(o.Arch)
	return labels
}

// NodeTags are applied to the provider instance.
func (r *Rule) NodeTags() map[string]string {
	tags := lo.Assign(r.Tags)
	tags[core.TagManaged] = "true"
	tags[core.TagProvisioner] = r.Name
	return tags
}
