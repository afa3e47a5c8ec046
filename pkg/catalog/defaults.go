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

package catalog

import (
	"gitlab.com/davidxarnold/fleet/pkg/core"
)

const (
	gib = int64(1) << 30

	// Relative price of one vCPU and one GiB of memory.
	cpuWeight = 0.25
	memWeight = 0.01

	// SpotDiscount is the spot cost weight as a fraction of on-demand.
	SpotDiscount = 0.7
)

type family struct {
	name   string
	arch   core.Arch
	gibPer int64   // GiB of memory per vCPU
	factor float64 // price multiplier relative to general purpose
}

var defaultFamilies = []family{
	{name: "m5", arch: core.ArchAMD64, gibPer: 4, factor: 1.0},
	{name: "m5a", arch: core.ArchAMD64, gibPer: 4, factor: 0.9},
	{name: "m6g", arch: core.ArchARM64, gibPer: 4, factor: 0.8},
	{name: "c5", arch: core.ArchAMD64, gibPer: 2, factor: 0.95},
	{name: "c6g", arch: core.ArchARM64, gibPer: 2, factor: 0.75},
	{name: "r5", arch: core.ArchAMD64, gibPer: 8, factor: 1.05},
	{name: "g5", arch: core.ArchAMD64, gibPer: 8, factor: 3.0},
}

var defaultSizes = []struct {
	name  string
	vcpus int64
}{
	{"large", 2},
	{"xlarge", 4},
	{"2xlarge", 8},
	{"4xlarge", 16},
}

// CostWeight prices an offering: vCPU and memory weighted, scaled by the
// family factor, discounted for spot.
func CostWeight(vcpus, memGiB, factor float64, class core.CapacityClass) float64 {
	w := (vcpus*cpuWeight + memGiB*memWeight) * factor
	if class == core.CapacitySpot {
		w *= SpotDiscount
	}
	return w
}

// Default returns the built-in catalog used when no offerings are configured.
func Default() *Catalog {
	var offerings []core.InstanceOffering
	for _, f := range defaultFamilies {
		for _, s := range defaultSizes {
			for _, class := range []core.CapacityClass{core.CapacityOnDemand, core.CapacitySpot} {
				mem := s.vcpus * f.gibPer
				offerings = append(offerings, core.InstanceOffering{
					Family:        f.name,
					Size:          s.name,
					Arch:          f.arch,
					CapacityClass: class,
					CostWeight:    CostWeight(float64(s.vcpus), float64(mem), f.factor, class),
					Capacity:      core.Resources{MilliCPU: s.vcpus * 1000, Memory: mem * gib},
				})
			}
		}
	}
	c, err := New(offerings...)
	if err != nil {
		// The table above is static.
		panic(err)
	}
	return c
}
