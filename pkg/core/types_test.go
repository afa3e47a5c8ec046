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
	"errors"
	"fmt"
	"testing"
)

func TestParseResources(t *testing.T) {
	tests := []struct {
		name    string
		cpu     string
		mem     string
		want    Resources
		wantErr bool
	}{
		{name: "whole cpus", cpu: "10", mem: "1000Gi", want: Resources{MilliCPU: 10000, Memory: 1000 << 30}},
		{name: "millicores", cpu: "500m", mem: "512Mi", want: Resources{MilliCPU: 500, Memory: 512 << 20}},
		{name: "empty", want: Resources{}},
		{name: "garbage", cpu: "ten", wantErr: true},
		{name: "negative", cpu: "-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResources(tt.cpu, tt.mem)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for cpu=%q mem=%q", tt.cpu, tt.mem)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseResources returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseResources() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResourcesArithmetic(t *testing.T) {
	a := Resources{MilliCPU: 2000, Memory: 8 << 30}
	b := Resources{MilliCPU: 3000, Memory: 4 << 30}

	if got := a.Sub(b); got != (Resources{MilliCPU: 0, Memory: 4 << 30}) {
		t.Errorf("Sub clamps at zero, got %+v", got)
	}
	if got := a.Add(b); got != (Resources{MilliCPU: 5000, Memory: 12 << 30}) {
		t.Errorf("Add = %+v", got)
	}
	if !b.Min(a).Fits(a) {
		t.Errorf("Min(a) should fit in a")
	}
	unlimited := Resources{MilliCPU: Unlimited, Memory: Unlimited}
	if got := unlimited.Add(a); got != unlimited {
		t.Errorf("Add should saturate, got %+v", got)
	}
}

func TestLimitsHeadroom(t *testing.T) {
	l := Limits{MilliCPU: 10000}
	h := l.Headroom(Resources{MilliCPU: 4000, Memory: 1 << 40})
	if h.MilliCPU != 6000 {
		t.Errorf("expected 6 cpu headroom, got %d", h.MilliCPU)
	}
	if h.Memory != Unlimited {
		t.Errorf("memory without a limit should be unlimited, got %d", h.Memory)
	}
	if !l.Allows(Resources{MilliCPU: 10000}) {
		t.Errorf("usage equal to the limit must be allowed")
	}
	if l.Allows(Resources{MilliCPU: 10001}) {
		t.Errorf("usage over the limit must not be allowed")
	}
	if !(Limits{MilliCPU: 5000}).Below(l) {
		t.Errorf("5 cpu should be below 10 cpu")
	}
	if (Limits{}).Below(l) {
		t.Errorf("unlimited is never below a limit")
	}
}

func TestNodeTransitions(t *testing.T) {
	n := &NodeRecord{ID: "i-1", State: NodeProvisioning}
	for _, to := range []NodeState{NodeReady, NodeDraining, NodeTerminated} {
		if err := n.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	for _, to := range []NodeState{NodeProvisioning, NodeReady, NodeDraining} {
		if err := n.Transition(to); err == nil {
			t.Errorf("expected Terminated -> %s to be rejected", to)
		}
	}
	if CanTransition(NodeReady, NodeProvisioning) {
		t.Errorf("Ready -> Provisioning is not a lifecycle step")
	}
	if !CanTransition(NodeProvisioning, NodeTerminated) {
		t.Errorf("Provisioning -> Terminated is the launch failure path")
	}
}

func TestDemandVectorGroups(t *testing.T) {
	d := NewDemandVector()
	amd := DemandKey{Arch: ArchAMD64}
	d.Add(amd, Resources{MilliCPU: 1000, Memory: 1 << 30})
	d.Add(amd, Resources{MilliCPU: 3000, Memory: 2 << 30})
	d.Add(DemandKey{Arch: ArchARM64, CapacityClass: CapacitySpot}, Resources{MilliCPU: 500})

	groups := d.Groups()
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Key != amd {
		t.Fatalf("expected amd64 group first, got %s", groups[0].Key)
	}
	if groups[0].Total != (Resources{MilliCPU: 4000, Memory: 3 << 30}) {
		t.Errorf("unexpected total %+v", groups[0].Total)
	}
	if groups[0].Largest != (Resources{MilliCPU: 3000, Memory: 2 << 30}) {
		t.Errorf("unexpected largest %+v", groups[0].Largest)
	}
	if groups[0].Workloads != 2 {
		t.Errorf("expected 2 workloads, got %d", groups[0].Workloads)
	}
	if d.Total().MilliCPU != 4500 {
		t.Errorf("expected 4500m total, got %d", d.Total().MilliCPU)
	}
}

func TestDemandKeyAccepts(t *testing.T) {
	spot := InstanceOffering{Family: "m5", Size: "large", Arch: ArchAMD64, CapacityClass: CapacitySpot}
	if !(DemandKey{Arch: ArchAMD64}).Accepts(spot) {
		t.Errorf("class-agnostic demand should accept spot")
	}
	if (DemandKey{Arch: ArchAMD64, CapacityClass: CapacityOnDemand}).Accepts(spot) {
		t.Errorf("on-demand affinity must reject spot")
	}
	if (DemandKey{Arch: ArchARM64}).Accepts(spot) {
		t.Errorf("arm64 demand must reject amd64 offerings")
	}
}

func TestConfigurationErrorAs(t *testing.T) {
	err := fmt.Errorf("load: %w", &ConfigurationError{Rule: "customSpot", Reason: "no offering"})
	var ce *ConfigurationError
	if !errors.As(err, &ce) || ce.Rule != "customSpot" {
		t.Fatalf("expected ConfigurationError for customSpot, got %v", err)
	}
	if Retryable(err) {
		t.Errorf("configuration errors are not retryable")
	}
	if !Retryable(fmt.Errorf("run: %w", ErrProviderThrottled)) {
		t.Errorf("throttling is retryable")
	}
}

func TestOfferingName(t *testing.T) {
	aws := InstanceOffering{Family: "m5", Size: "xlarge", CapacityClass: CapacitySpot}
	if aws.Name() != "m5.xlarge" || aws.Key() != "m5.xlarge/spot" {
		t.Errorf("unexpected EC2 naming %q %q", aws.Name(), aws.Key())
	}
	gce := InstanceOffering{Family: "n2-standard", Size: "4", Separator: "-"}
	if gce.Name() != "n2-standard-4" {
		t.Errorf("unexpected GCE naming %q", gce.Name())
	}
}

func TestParseImageFamily(t *testing.T) {
	tests := []struct {
		in      string
		want    ImageFamily
		wantErr bool
	}{
		{in: "AL2", want: ImageAL2},
		{in: "al2023", want: ImageAL2023},
		{in: " bottlerocket ", want: ImageBottlerocket},
		{in: "", want: ""},
		{in: "windows", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseImageFamily(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseImageFamily(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseImageFamily(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
