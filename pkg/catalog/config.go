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
	"fmt"
	"strings"

	"gitlab.com/davidxarnold/fleet/pkg/core"
)

// OfferingSpec is the configuration form of an instance type. One spec
// expands to one offering per capacity type.
type OfferingSpec struct {
	Type          string   `mapstructure:"type"`
	Arch          string   `mapstructure:"arch"`
	CPU           string   `mapstructure:"cpu"`
	Memory        string   `mapstructure:"memory"`
	CapacityTypes []string `mapstructure:"capacity-types"`
	// CostWeight is the on-demand weight; zero derives it from capacity.
	CostWeight float64 `mapstructure:"cost-weight"`
}

// SplitType separates an instance type into family, size and separator.
// EC2 types split on the first dot (m5.xlarge), GCE machine types on the
// last dash (n2-standard-4).
func SplitType(t string) (family, size, sep string, err error) {
	if i := strings.Index(t, "."); i > 0 && i < len(t)-1 {
		return t[:i], t[i+1:], ".", nil
	}
	if i := strings.LastIndex(t, "-"); i > 0 && i < len(t)-1 {
		return t[:i], t[i+1:], "-", nil
	}
	return "", "", "", fmt.Errorf("instance type %q has no family/size separator", t)
}

// FromSpecs builds a catalog from configuration.
func FromSpecs(specs []OfferingSpec) (*Catalog, error) {
	var offerings []core.InstanceOffering
	for _, s := range specs {
		fam, size, sep, err := SplitType(s.Type)
		if err != nil {
			return nil, err
		}
		arch, err := core.ParseArch(s.Arch)
		if err != nil {
			return nil, fmt.Errorf("offering %s: %w", s.Type, err)
		}
		capacity, err := core.ParseResources(s.CPU, s.Memory)
		if err != nil {
			return nil, fmt.Errorf("offering %s: %w", s.Type, err)
		}
		classes := s.CapacityTypes
		if len(classes) == 0 {
			classes = []string{string(core.CapacityOnDemand), string(core.CapacitySpot)}
		}
		for _, raw := range classes {
			class, err := core.ParseCapacityClass(raw)
			if err != nil {
				return nil, fmt.Errorf("offering %s: %w", s.Type, err)
			}
			weight := CostWeight(float64(capacity.MilliCPU)/1000, float64(capacity.Memory)/float64(gib), 1, class)
			if s.CostWeight > 0 {
				weight = s.CostWeight
				if class == core.CapacitySpot {
					weight *= SpotDiscount
				}
			}
			offerings = append(offerings, core.InstanceOffering{
				Family:        fam,
				Size:          size,
				Separator:     sep,
				Arch:          arch,
				CapacityClass: class,
				CostWeight:    weight,
				Capacity:      capacity,
			})
		}
	}
	return New(offerings...)
}
