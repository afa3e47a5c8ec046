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

// Package core contains domain types shared by the catalog, planner and
// lifecycle packages. It is independent of any particular CLI or provider.
package core

import (
	"fmt"
	"math"
	"strings"

	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Arch is a CPU architecture as reported by the kubernetes.io/arch label.
type Arch string

const (
	ArchAMD64 Arch = "amd64"
	ArchARM64 Arch = "arm64"
)

// ParseArch normalizes provider and label spellings of an architecture.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "amd64", "x86_64":
		return ArchAMD64, nil
	case "arm64", "aarch64":
		return ArchARM64, nil
	}
	return "", fmt.Errorf("unknown architecture %q", s)
}

// ImageFamily names the operating system lineage a node boots from.
type ImageFamily string

const (
	ImageAL2          ImageFamily = "AL2"
	ImageAL2023       ImageFamily = "AL2023"
	ImageBottlerocket ImageFamily = "Bottlerocket"
	ImageUbuntu       ImageFamily = "Ubuntu"
	ImageCustom       ImageFamily = "Custom"
)

// ParseImageFamily matches s case-insensitively against the known families.
// Empty selects the node-group default and parses to "".
func ParseImageFamily(s string) (ImageFamily, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	for _, f := range []ImageFamily{ImageAL2, ImageAL2023, ImageBottlerocket, ImageUbuntu, ImageCustom} {
		if strings.EqualFold(s, string(f)) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown image family %q", s)
}

// CapacityClass distinguishes preemptible from stable capacity.
type CapacityClass string

const (
	CapacitySpot     CapacityClass = "spot"
	CapacityOnDemand CapacityClass = "on-demand"
)

// ParseCapacityClass accepts the spellings used by EC2, GKE and node labels.
func ParseCapacityClass(s string) (CapacityClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spot":
		return CapacitySpot, nil
	case "on-demand", "ondemand", "on_demand", "standard":
		return CapacityOnDemand, nil
	}
	return "", fmt.Errorf("unknown capacity class %q", s)
}

// Resources is a (cpu, memory) vector. CPU is held in millicores and memory
// in bytes so packing arithmetic stays integral.
type Resources struct {
	MilliCPU int64 `json:"milliCPU"`
	Memory   int64 `json:"memory"`
}

// Unlimited is the headroom of a dimension without a configured limit.
const Unlimited = math.MaxInt64

// ParseResources parses Kubernetes quantity strings. Empty strings are zero.
func ParseResources(cpu, mem string) (Resources, error) {
	var r Resources
	if cpu != "" {
		q, err := resource.ParseQuantity(cpu)
		if err != nil {
			return r, fmt.Errorf("cpu %q: %w", cpu, err)
		}
		r.MilliCPU = q.MilliValue()
	}
	if mem != "" {
		q, err := resource.ParseQuantity(mem)
		if err != nil {
			return r, fmt.Errorf("memory %q: %w", mem, err)
		}
		r.Memory = q.Value()
	}
	if r.MilliCPU < 0 || r.Memory < 0 {
		return r, fmt.Errorf("negative resources cpu=%q memory=%q", cpu, mem)
	}
	return r, nil
}

// ResourcesFromList extracts cpu and memory from a Kubernetes resource list.
func ResourcesFromList(rl v1.ResourceList) Resources {
	var r Resources
	if cpu, ok := rl[v1.ResourceCPU]; ok {
		r.MilliCPU = cpu.MilliValue()
	}
	if mem, ok := rl[v1.ResourceMemory]; ok {
		r.Memory = mem.Value()
	}
	return r
}

// Add returns r + o, saturating at Unlimited.
func (r Resources) Add(o Resources) Resources {
	return Resources{MilliCPU: satAdd(r.MilliCPU, o.MilliCPU), Memory: satAdd(r.Memory, o.Memory)}
}

// Sub returns r - o with each dimension clamped at zero.
func (r Resources) Sub(o Resources) Resources {
	return Resources{MilliCPU: clampSub(r.MilliCPU, o.MilliCPU), Memory: clampSub(r.Memory, o.Memory)}
}

// Scale multiplies both dimensions by n.
func (r Resources) Scale(n int) Resources {
	return Resources{MilliCPU: r.MilliCPU * int64(n), Memory: r.Memory * int64(n)}
}

// Max returns the per-dimension maximum of r and o.
func (r Resources) Max(o Resources) Resources {
	return Resources{MilliCPU: max(r.MilliCPU, o.MilliCPU), Memory: max(r.Memory, o.Memory)}
}

// Min returns the per-dimension minimum of r and o.
func (r Resources) Min(o Resources) Resources {
	return Resources{MilliCPU: min(r.MilliCPU, o.MilliCPU), Memory: min(r.Memory, o.Memory)}
}

// Fits reports whether r fits within o in every dimension.
func (r Resources) Fits(o Resources) bool {
	return r.MilliCPU <= o.MilliCPU && r.Memory <= o.Memory
}

// IsZero reports whether both dimensions are zero.
func (r Resources) IsZero() bool {
	return r.MilliCPU == 0 && r.Memory == 0
}

// String renders the vector with Kubernetes quantity formatting.
func (r Resources) String() string {
	return fmt.Sprintf("cpu=%s,memory=%s", formatDim(r.MilliCPU, true), formatDim(r.Memory, false))
}

func formatDim(v int64, milli bool) string {
	if v == Unlimited {
		return "unlimited"
	}
	if milli {
		return resource.NewMilliQuantity(v, resource.DecimalSI).String()
	}
	return resource.NewQuantity(v, resource.BinarySI).String()
}

func satAdd(a, b int64) int64 {
	if a == Unlimited || b == Unlimited || a > Unlimited-b {
		return Unlimited
	}
	return a + b
}

func clampSub(a, b int64) int64 {
	if a == Unlimited {
		return Unlimited
	}
	if b >= a {
		return 0
	}
	return a - b
}

// Limits caps the aggregate capacity of a rule's nodes. A zero dimension is
// unlimited.
type Limits Resources

// Headroom returns how much more capacity fits under l given used.
func (l Limits) Headroom(used Resources) Resources {
	h := Resources{MilliCPU: Unlimited, Memory: Unlimited}
	if l.MilliCPU > 0 {
		h.MilliCPU = clampSub(l.MilliCPU, used.MilliCPU)
	}
	if l.Memory > 0 {
		h.Memory = clampSub(l.Memory, used.Memory)
	}
	return h
}

// Allows reports whether used stays within l.
func (l Limits) Allows(used Resources) bool {
	return (l.MilliCPU == 0 || used.MilliCPU <= l.MilliCPU) && (l.Memory == 0 || used.Memory <= l.Memory)
}

// Below reports whether l is stricter than o in any dimension.
func (l Limits) Below(o Limits) bool {
	lower := func(a, b int64) bool {
		return a > 0 && (b == 0 || a < b)
	}
	return lower(l.MilliCPU, o.MilliCPU) || lower(l.Memory, o.Memory)
}

// InstanceOffering is an immutable catalog entry.
type InstanceOffering struct {
	Family        string        `json:"family"`
	Size          string        `json:"size"`
	Arch          Arch          `json:"arch"`
	CapacityClass CapacityClass `json:"capacityClass"`
	CostWeight    float64       `json:"costWeight"`
	Capacity      Resources     `json:"capacity"`
	// Separator joins family and size, "." for EC2 and "-" for GCE.
	Separator string `json:"separator,omitempty"`
}

// Name returns the provider instance type, e.g. m5.large.
func (o InstanceOffering) Name() string {
	sep := o.Separator
	if sep == "" {
		sep = "."
	}
	return o.Family + sep + o.Size
}

// Key identifies an offering uniquely within a catalog.
func (o InstanceOffering) Key() string {
	return o.Name() + "/" + string(o.CapacityClass)
}

func (o InstanceOffering) String() string {
	return o.Key()
}
