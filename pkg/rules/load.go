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

package rules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"gitlab.com/davidxarnold/fleet/pkg/catalog"
	"gitlab.com/davidxarnold/fleet/pkg/core"
)

// Spec is the configuration form of a provisioner.
type Spec struct {
	Name            string            `mapstructure:"name"`
	Weight          int               `mapstructure:"weight"`
	Requirements    RequirementsSpec  `mapstructure:"requirements"`
	Limits          LimitsSpec        `mapstructure:"limits"`
	TTLAfterIdle    string            `mapstructure:"ttl-after-idle"`
	TTLUntilExpired string            `mapstructure:"ttl-until-expired"`
	Labels          map[string]string `mapstructure:"labels"`
	Tags            map[string]string `mapstructure:"tags"`
	Consolidation   bool              `mapstructure:"consolidation"`
	ServiceAccount  *BindingSpec      `mapstructure:"service-account"`
	AMIFamily       string            `mapstructure:"ami-family"`
	MinNodes        int               `mapstructure:"min-nodes"`
}

// RequirementsSpec mirrors Requirements with plain strings.
type RequirementsSpec struct {
	Arch                  []string `mapstructure:"arch"`
	InstanceTypes         []string `mapstructure:"instance-types"`
	RestrictInstanceTypes []string `mapstructure:"restrict-instance-types"`
	CapacityTypes         []string `mapstructure:"capacity-types"`
}

// LimitsSpec holds Kubernetes quantities, e.g. cpu: "10", mem: "1000Gi".
type LimitsSpec struct {
	CPU    string `mapstructure:"cpu"`
	Memory string `mapstructure:"mem"`
}

// BindingSpec names a service account.
type BindingSpec struct {
	Name      string `mapstructure:"name"`
	Namespace string `mapstructure:"namespace"`
}

// Decode reads the provisioners list from viper.
func Decode(v *viper.Viper) ([]Spec, error) {
	var specs []Spec
	if err := v.UnmarshalKey("provisioners", &specs); err != nil {
		return nil, &core.ConfigurationError{Reason: fmt.Sprintf("decode provisioners: %v", err)}
	}
	return specs, nil
}

// Load validates specs against the catalog and returns rules in priority
// order: higher weight first, declaration order breaking ties. Every
// problem across every rule is reported.
func Load(specs []Spec, cat *catalog.Catalog) ([]*Rule, error) {
	var (
		errs  error
		out   []*Rule
		names = make(map[string]bool, len(specs))
	)
	if len(specs) == 0 {
		return nil, &core.ConfigurationError{Reason: "no provisioners configured"}
	}
	for i, s := range specs {
		r, err := build(s)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if names[r.Name] {
			errs = multierr.Append(errs, &core.ConfigurationError{Rule: r.Name, Reason: "duplicate name"})
			continue
		}
		names[r.Name] = true
		if len(cat.Filter(r.Matches)) == 0 {
			errs = multierr.Append(errs, &core.ConfigurationError{
				Rule:   r.Name,
				Reason: "no offering in the catalog satisfies the requirements",
			})
			continue
		}
		r.Priority = i
		out = append(out, r)
	}
	if errs != nil {
		return nil, errs
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Weight > out[j].Weight
	})
	for i, r := range out {
		r.Priority = i
	}
	return out, nil
}

func build(s Spec) (*Rule, error) {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return nil, &core.ConfigurationError{Reason: "provisioner without a name"}
	}
	invalid := func(format string, args ...any) error {
		return &core.ConfigurationError{Rule: name, Reason: fmt.Sprintf(format, args...)}
	}

	r := &Rule{
		Name:          name,
		Weight:        s.Weight,
		Labels:        s.Labels,
		Tags:          s.Tags,
		Consolidation: s.Consolidation,
	}

	for _, a := range s.Requirements.Arch {
		arch, err := core.ParseArch(a)
		if err != nil {
			return nil, invalid("%v", err)
		}
		r.Requirements.Architectures = append(r.Requirements.Architectures, arch)
	}
	for _, c := range s.Requirements.CapacityTypes {
		class, err := core.ParseCapacityClass(c)
		if err != nil {
			return nil, invalid("%v", err)
		}
		r.Requirements.CapacityClasses = append(r.Requirements.CapacityClasses, class)
	}
	for _, p := range s.Requirements.InstanceTypes {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, invalid("instance type pattern %q: %v", p, err)
		}
		r.Requirements.InstanceTypes = append(r.Requirements.InstanceTypes, p)
		r.Requirements.allow = append(r.Requirements.allow, g)
	}
	for _, p := range s.Requirements.RestrictInstanceTypes {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, invalid("restricted instance type pattern %q: %v", p, err)
		}
		r.Requirements.RestrictInstanceTypes = append(r.Requirements.RestrictInstanceTypes, p)
		r.Requirements.deny = append(r.Requirements.deny, g)
	}

	limits, err := core.ParseResources(s.Limits.CPU, s.Limits.Memory)
	if err != nil {
		return nil, invalid("limits: %v", err)
	}
	r.Limits = core.Limits(limits)

	if r.TTLAfterIdle, err = ParseDuration(s.TTLAfterIdle); err != nil {
		return nil, invalid("ttl-after-idle: %v", err)
	}
	if r.TTLUntilExpired, err = ParseDuration(s.TTLUntilExpired); err != nil {
		return nil, invalid("ttl-until-expired: %v", err)
	}

	if r.ImageFamily, err = core.ParseImageFamily(s.AMIFamily); err != nil {
		return nil, invalid("ami-family: %v", err)
	}
	if s.MinNodes < 0 {
		return nil, invalid("min-nodes must not be negative")
	}
	r.MinNodes = s.MinNodes

	if s.ServiceAccount != nil {
		if s.ServiceAccount.Name == "" {
			return nil, invalid("service-account requires a name")
		}
		ns := s.ServiceAccount.Namespace
		if ns == "" {
			ns = "default"
		}
		r.Identity = &Binding{ServiceAccount: s.ServiceAccount.Name, Namespace: ns}
	}
	return r, nil
}

// ParseDuration extends time.ParseDuration with a "d" (24h) suffix so TTLs
// such as "90d" can be written directly. Empty means disabled.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	var (
		d   time.Duration
		err error
	)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		var n float64
		n, err = strconv.ParseFloat(days, 64)
		d = time.Duration(n * float64(24*time.Hour))
	} else {
		d, err = time.ParseDuration(s)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
