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
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"gitlab.com/davidxarnold/fleet/pkg/catalog"
	"gitlab.com/davidxarnold/fleet/pkg/core"
)

const sampleConfig = `
provisioners:
  - name: customSpot
    requirements:
      arch: [amd64]
      instance-types: [m5.large, m5a.large, m6g.large]
      restrict-instance-types: [g5.large]
      capacity-types: [spot]
    ttl-after-idle: 1m
    ttl-until-expired: 90d
    labels:
      team: batch
    limits:
      cpu: "10"
      mem: 1000Gi
    consolidation: false
    ami-family: AL2
    min-nodes: 1
    tags:
      owner: platform
  - name: customOnDemand
    requirements:
      arch: [amd64]
      instance-types: ["m5*.large", m6g.large]
      restrict-instance-types: [g5.large]
      capacity-types: [on-demand]
    ttl-after-idle: 1m
    ttl-until-expired: 90d
    labels:
      team: web
    limits:
      cpu: "5"
      mem: 500Gi
    service-account:
      name: s3bucket-sa
`

func loadSample(t *testing.T) []*Rule {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(sampleConfig)); err != nil {
		t.Fatalf("read config: %v", err)
	}
	specs, err := Decode(v)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	rules, err := Load(specs, catalog.Default())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	return rules
}

func TestLoadSampleConfig(t *testing.T) {
	rules := loadSample(t)
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}

	spot := rules[0]
	if spot.Name != "customSpot" || spot.Priority != 0 {
		t.Errorf("expected customSpot first, got %s (priority %d)", spot.Name, spot.Priority)
	}
	if spot.Limits.MilliCPU != 10000 || spot.Limits.Memory != 1000<<30 {
		t.Errorf("unexpected limits %+v", spot.Limits)
	}
	if spot.TTLAfterIdle != time.Minute {
		t.Errorf("expected 1m ttl-after-idle, got %s", spot.TTLAfterIdle)
	}
	if spot.TTLUntilExpired != 90*24*time.Hour {
		t.Errorf("expected 90d ttl-until-expired, got %s", spot.TTLUntilExpired)
	}
	if spot.ImageFamily != core.ImageAL2 || spot.MinNodes != 1 {
		t.Errorf("unexpected node-group parameters: family %q, min-nodes %d", spot.ImageFamily, spot.MinNodes)
	}

	od := rules[1]
	if od.ImageFamily != "" || od.MinNodes != 0 {
		t.Errorf("expected node-group defaults for %s", od.Name)
	}
	if od.Identity == nil || od.Identity.ServiceAccount != "s3bucket-sa" || od.Identity.Namespace != "default" {
		t.Errorf("unexpected identity binding %+v", od.Identity)
	}
}

func TestRuleMatches(t *testing.T) {
	rules := loadSample(t)
	cat := catalog.Default()
	spot, od := rules[0], rules[1]

	lookup := func(name string, class core.CapacityClass) core.InstanceOffering {
		o, ok := cat.Lookup(name, class)
		if !ok {
			t.Fatalf("missing %s/%s", name, class)
		}
		return o
	}

	tests := []struct {
		name string
		rule *Rule
		o    core.InstanceOffering
		want bool
	}{
		{"spot m5.large", spot, lookup("m5.large", core.CapacitySpot), true},
		{"spot rejects on-demand", spot, lookup("m5.large", core.CapacityOnDemand), false},
		{"arch excludes m6g", spot, lookup("m6g.large", core.CapacitySpot), false},
		{"not allow-listed", spot, lookup("m5.xlarge", core.CapacitySpot), false},
		{"glob allows m5a", od, lookup("m5a.large", core.CapacityOnDemand), true},
		{"glob misses c5", od, lookup("c5.large", core.CapacityOnDemand), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.Matches(tt.o); got != tt.want {
				t.Errorf("%s.Matches(%s) = %v, want %v", tt.rule.Name, tt.o, got, tt.want)
			}
		})
	}
}

func TestRuleMatchesDenyList(t *testing.T) {
	r, err := build(Spec{
		Name:         "gpu",
		Requirements: RequirementsSpec{RestrictInstanceTypes: []string{"g5.*"}},
	})
	if err != nil {
		t.Fatalf("build returned error: %v", err)
	}
	g5, _ := catalog.Default().Lookup("g5.large", core.CapacitySpot)
	if r.Matches(g5) {
		t.Errorf("restricted instance types must not match")
	}
}

func TestLoadRejectsUnsatisfiable(t *testing.T) {
	specs := []Spec{
		{Name: "arm-only-m5", Requirements: RequirementsSpec{Arch: []string{"arm64"}, InstanceTypes: []string{"m5.*"}}},
		{Name: "bad-ttl", TTLAfterIdle: "soon"},
		{Name: "bad-limit", Limits: LimitsSpec{CPU: "lots"}},
		{Name: "bad-ami", AMIFamily: "windows"},
		{Name: "bad-floor", MinNodes: -1},
		{Name: "ok"},
		{Name: "ok"},
	}
	_, err := Load(specs, catalog.Default())
	if err == nil {
		t.Fatalf("expected Load to fail")
	}

	errs := multierr.Errors(err)
	if len(errs) != 6 {
		t.Fatalf("expected 6 aggregated errors, got %d: %v", len(errs), err)
	}
	for _, e := range errs {
		var ce *core.ConfigurationError
		if !errors.As(e, &ce) {
			t.Errorf("expected ConfigurationError, got %T: %v", e, e)
		}
	}
	var ce *core.ConfigurationError
	if !errors.As(errs[0], &ce) || ce.Rule != "arm-only-m5" {
		t.Errorf("expected first error for arm-only-m5, got %v", errs[0])
	}
}

func TestLoadOrdersByWeight(t *testing.T) {
	rules, err := Load([]Spec{
		{Name: "a"},
		{Name: "b", Weight: 10},
		{Name: "c"},
	}, catalog.Default())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	got := []string{rules[0].Name, rules[1].Name, rules[2].Name}
	want := []string{"b", "a", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("priority order = %v, want %v", got, want)
		}
		if rules[i].Priority != i {
			t.Errorf("rule %s priority = %d, want %d", rules[i].Name, rules[i].Priority, i)
		}
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"1m", time.Minute, false},
		{"90d", 90 * 24 * time.Hour, false},
		{"1.5d", 36 * time.Hour, false},
		{"-1m", 0, true},
		{"xd", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestStoreReload(t *testing.T) {
	initial := loadSample(t)
	store := NewStore(initial)

	var seen []int64
	store.Subscribe(func(old, updated *Set) {
		seen = append(seen, old.Generation, updated.Generation)
	})

	before := store.Snapshot()
	if err := store.ReloadSpecs([]Spec{{Name: "only"}}, catalog.Default()); err != nil {
		t.Fatalf("ReloadSpecs returned error: %v", err)
	}
	after := store.Snapshot()
	if after.Generation != before.Generation+1 || len(after.Rules) != 1 {
		t.Fatalf("unexpected generation after reload: %+v", after)
	}
	if len(before.Rules) != 2 {
		t.Errorf("previously taken snapshot must not change")
	}
	if len(seen) != 2 || seen[1] != after.Generation {
		t.Errorf("listener not notified: %v", seen)
	}

	if err := store.ReloadSpecs([]Spec{{Name: ""}}, catalog.Default()); err == nil {
		t.Fatalf("expected invalid reload to fail")
	}
	if store.Snapshot() != after {
		t.Errorf("invalid reload must keep the current generation")
	}
	if _, ok := after.Get("only"); !ok {
		t.Errorf("expected rule 'only' in set")
	}
}

func TestNodeLabelsAndTags(t *testing.T) {
	spot := loadSample(t)[0]
	o, _ := catalog.Default().Lookup("m5.large", core.CapacitySpot)

	labels := spot.NodeLabels(o)
	if labels["team"] != "batch" || labels[core.LabelProvisioner] != "customSpot" {
		t.Errorf("unexpected labels %v", labels)
	}
	if labels[core.LabelCapacityType] != "spot" {
		t.Errorf("capacity type label missing: %v", labels)
	}
	if _, leaked := spot.Labels[core.LabelProvisioner]; leaked {
		t.Errorf("NodeLabels must not mutate the rule's labels")
	}

	tags := spot.NodeTags()
	if tags["owner"] != "platform" || tags[core.TagManaged] != "true" {
		t.Errorf("unexpected tags %v", tags)
	}
}
