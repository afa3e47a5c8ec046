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

// Package bootstrap exposes the cluster a fleet attaches nodes to. The
// control plane itself is created elsewhere; this package only resolves
// its identity and network placement.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"gitlab.com/davidxarnold/fleet/pkg/core"
)

// Placement is where new instances are attached.
type Placement struct {
	// AWS
	Subnets        []string `mapstructure:"subnets"`
	SecurityGroups []string `mapstructure:"security-groups"`
	// GCE
	Project    string `mapstructure:"project"`
	Zone       string `mapstructure:"zone"`
	Network    string `mapstructure:"network"`
	Subnetwork string `mapstructure:"subnetwork"`
}

// Handle is an opaque description of the target cluster.
type Handle struct {
	ClusterName string    `mapstructure:"name"`
	Region      string    `mapstructure:"region"`
	Endpoint    string    `mapstructure:"endpoint"`
	Placement   Placement `mapstructure:"placement"`
}

// OwnershipTag returns the tag marking instances as members of the cluster.
func (h Handle) OwnershipTag() (string, string) {
	return fmt.Sprintf(core.TagClusterTemplate, h.ClusterName), "owned"
}

// Validate checks the fields every provider needs.
func (h Handle) Validate() error {
	if h.ClusterName == "" {
		return &core.ConfigurationError{Reason: "cluster.name is required"}
	}
	return nil
}

// Resolver produces the handle for the configured cluster.
type Resolver interface {
	Resolve(ctx context.Context) (Handle, error)
}

// Static is a handle read from configuration.
type Static Handle

// Resolve returns the configured handle.
func (s Static) Resolve(context.Context) (Handle, error) {
	h := Handle(s)
	return h, h.Validate()
}

// FromConfig decodes the cluster section of the configuration.
func FromConfig(v *viper.Viper) (Static, error) {
	var h Handle
	if err := v.UnmarshalKey("cluster", &h); err != nil {
		return Static{}, &core.ConfigurationError{Reason: fmt.Sprintf("decode cluster: %v", err)}
	}
	if h.Region == "" {
		h.Region = v.GetString("region")
	}
	if h.Placement.Zone == "" {
		h.Placement.Zone = v.GetString("zone")
	}
	if h.Placement.Project == "" {
		h.Placement.Project = v.GetString("project")
	}
	return Static(h), nil
}
