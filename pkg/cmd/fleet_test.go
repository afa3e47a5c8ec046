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

package cmd

import (
	"testing"
	"time"

	"github.com/spf13/viper"

	"gitlab.com/davidxarnold/fleet/pkg/bootstrap"
	"gitlab.com/davidxarnold/fleet/pkg/controller"
	"gitlab.com/davidxarnold/fleet/pkg/core"
)

func TestNewFleetCmdNotNil(t *testing.T) {
	cmd := NewFleetCmd()

	if cmd.Use != "fleet" {
		t.Errorf("NewFleetCmd() Use = %q, want %q", cmd.Use, "fleet")
	}

	if cmd.Short == "" {
		t.Errorf("NewFleetCmd() Short is empty")
	}

	if cmd.Long == "" {
		t.Errorf("NewFleetCmd() Long is empty")
	}
}

func TestNewFleetCmdFlags(t *testing.T) {
	cmd := NewFleetCmd()

	for _, name := range []string{"config", "log-level", "log-format", "provider", "region", "state-file", "output", "kubeconfig"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("%s flag not found", name)
		}
	}
}

func TestNewFleetCmdSubcommands(t *testing.T) {
	cmd := NewFleetCmd()

	for _, name := range []string{"run", "plan", "nodes", "catalog"} {
		sub, _, err := cmd.Find([]string{name})
		if err != nil || sub.Name() != name {
			t.Errorf("subcommand %q not found: %v", name, err)
		}
	}
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	if got := v.GetDuration(keyInterval); got != controller.DefaultInterval {
		t.Errorf("interval = %v, want %v", got, controller.DefaultInterval)
	}
	if got := v.GetString(keyProvider); got != "aws" {
		t.Errorf("provider = %q, want aws", got)
	}

	cfg := lifecycleConfig(v)
	if cfg.LaunchTimeout != 10*time.Minute || cfg.DrainTimeout != 5*time.Minute {
		t.Errorf("unexpected timeouts: %+v", cfg)
	}
	if cfg.LaunchRetries != 3 {
		t.Errorf("LaunchRetries = %d, want 3", cfg.LaunchRetries)
	}
}

func TestLifecycleConfigOverrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set(keyDrainTimeout, "90s")
	v.Set(keyMaxConcurrency, 4)

	cfg := lifecycleConfig(v)
	if cfg.DrainTimeout != 90*time.Second {
		t.Errorf("DrainTimeout = %v, want 90s", cfg.DrainTimeout)
	}
	if cfg.MaxConcurrency != 4 {
		t.Errorf("MaxConcurrency = %d, want 4", cfg.MaxConcurrency)
	}
}

func TestLoadCatalogFromConfig(t *testing.T) {
	v := viper.New()
	v.Set(keyCatalogOfferings, []map[string]any{
		{"type": "m5.large", "arch": "amd64", "cpu": "2", "memory": "8Gi", "capacity-types": []string{"spot"}},
	})

	cat, err := loadCatalog(t.Context(), v)
	if err != nil {
		t.Fatalf("loadCatalog() returned error: %v", err)
	}
	if cat.Len() != 1 {
		t.Fatalf("catalog has %d offerings, want 1", cat.Len())
	}
	if _, ok := cat.Lookup("m5.large", core.CapacitySpot); !ok {
		t.Errorf("m5.large spot missing from catalog")
	}
}

func TestLoadCatalogDefault(t *testing.T) {
	cat, err := loadCatalog(t.Context(), viper.New())
	if err != nil {
		t.Fatalf("loadCatalog() returned error: %v", err)
	}
	if cat.Len() == 0 {
		t.Errorf("default catalog is empty")
	}
}

func TestCatalogFilter(t *testing.T) {
	arm := core.InstanceOffering{Family: "m6g", Size: "large", Arch: core.ArchARM64, CapacityClass: core.CapacitySpot}
	amd := core.InstanceOffering{Family: "m5", Size: "large", Arch: core.ArchAMD64, CapacityClass: core.CapacityOnDemand}

	tests := []struct {
		name   string
		filter catalogFilter
		arm    bool
		amd    bool
	}{
		{"no filter", catalogFilter{}, true, true},
		{"arch", catalogFilter{arch: "arm64"}, true, false},
		{"capacity type", catalogFilter{capacity: "on-demand"}, false, true},
		{"both", catalogFilter{arch: "amd64", capacity: "spot"}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keep, err := tt.filter.predicate()
			if err != nil {
				t.Fatalf("predicate() returned error: %v", err)
			}
			if keep(arm) != tt.arm || keep(amd) != tt.amd {
				t.Errorf("predicate() = (%v, %v), want (%v, %v)", keep(arm), keep(amd), tt.arm, tt.amd)
			}
		})
	}

	if _, err := (catalogFilter{arch: "sparc"}).predicate(); err == nil {
		t.Errorf("expected error for unknown arch")
	}
}

func TestProviderConfigNodeGroup(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set(keyImage, "ami-default")
	v.Set(keyImages, map[string]string{"al2-arm64": "ami-al2-arm"})

	cfg, err := providerConfig(v, bootstrap.Handle{ClusterName: "playground"})
	if err != nil {
		t.Fatalf("providerConfig() returned error: %v", err)
	}
	if cfg.DiskSizeGiB != 100 || cfg.ImageFamily != core.ImageAL2 {
		t.Errorf("unexpected node-group defaults: disk %d GiB, family %q", cfg.DiskSizeGiB, cfg.ImageFamily)
	}
	if cfg.Image != "ami-default" || cfg.Images["al2-arm64"] != "ami-al2-arm" {
		t.Errorf("unexpected images: %q %v", cfg.Image, cfg.Images)
	}

	v.Set(keyAMIFamily, "windows")
	if _, err := providerConfig(v, bootstrap.Handle{}); err == nil {
		t.Errorf("expected error for an unknown ami family")
	}
	v.Set(keyAMIFamily, "AL2023")
	v.Set(keyDiskSize, -5)
	if _, err := providerConfig(v, bootstrap.Handle{}); err == nil {
		t.Errorf("expected error for a negative disk size")
	}
}
