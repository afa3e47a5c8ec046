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

package bootstrap

import (
	"context"
	"fmt"
	"path"

	container "cloud.google.com/go/container/apiv1"
	containerpb "cloud.google.com/go/container/apiv1/containerpb"
	"github.com/googleapis/gax-go/v2"
	log "github.com/sirupsen/logrus"
)

// ClusterGetter is the part of the GKE cluster manager used here.
type ClusterGetter interface {
	GetCluster(ctx context.Context, req *containerpb.GetClusterRequest, opts ...gax.CallOption) (*containerpb.Cluster, error)
}

// GKE resolves the handle from a GKE cluster.
type GKE struct {
	Client   ClusterGetter
	Project  string
	Location string
	Cluster  string
}

// NewGKE connects to the GKE cluster manager API. The returned close func
// releases the client.
func NewGKE(ctx context.Context, project, location, cluster string) (*GKE, func(), error) {
	c, err := container.NewClusterManagerClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GKE client: %w", err)
	}
	closer := func() {
		if err := c.Close(); err != nil {
			log.Debugf("failed to close GKE client: %v", err)
		}
	}
	return &GKE{Client: c, Project: project, Location: location, Cluster: cluster}, closer, nil
}

// Resolve looks the cluster up and maps it to a Handle.
func (g *GKE) Resolve(ctx context.Context) (Handle, error) {
	name := fmt.Sprintf("projects/%s/locations/%s/clusters/%s", g.Project, g.Location, g.Cluster)
	c, err := g.Client.GetCluster(ctx, &containerpb.GetClusterRequest{Name: name})
	if err != nil {
		return Handle{}, fmt.Errorf("get cluster %s: %w", name, err)
	}

	h := Handle{
		ClusterName: c.GetName(),
		Region:      c.GetLocation(),
		Endpoint:    c.GetEndpoint(),
		Placement: Placement{
			Project:    g.Project,
			Network:    c.GetNetwork(),
			Subnetwork: c.GetSubnetwork(),
		},
	}
	if zones := c.GetLocations(); len(zones) > 0 {
		h.Placement.Zone = path.Base(zones[0])
	}
	log.WithFields(log.Fields{
		"cluster": h.ClusterName,
		"region":  h.Region,
		"network": h.Placement.Network,
	}).Debug("resolved GKE cluster")
	return h, h.Validate()
}
