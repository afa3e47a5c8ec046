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
	"errors"
	"strings"
	"testing"

	containerpb "cloud.google.com/go/container/apiv1/containerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/spf13/viper"

	"gitlab.com/davidxarnold/fleet/pkg/core"
)

type fakeClusters struct {
	req     *containerpb.GetClusterRequest
	cluster *containerpb.Cluster
	err     error
}

func (f *fakeClusters) GetCluster(_ context.Context, req *containerpb.GetClusterRequest, _ ...gax.CallOption) (*containerpb.Cluster, error) {
	f.req = req
	return f.cluster, f.err
}

func TestFromConfig(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	err := v.ReadConfig(strings.NewReader(`
region: us-east-1
cluster:
  name: playground
  placement:
    subnets: [subnet-a, subnet-b]
    security-groups: [sg-1]
`))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	s, err := FromConfig(v)
	if err != nil {
		t.Fatalf("FromConfig returned error: %v", err)
	}
	h, err := s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if h.ClusterName != "playground" || h.Region != "us-east-1" || len(h.Placement.Subnets) != 2 {
		t.Errorf("unexpected handle %+v", h)
	}
	k, val := h.OwnershipTag()
	if k != "kubernetes.io/cluster/playground" || val != "owned" {
		t.Errorf("unexpected ownership tag %s=%s", k, val)
	}
}

func TestStaticRequiresName(t *testing.T) {
	_, err := Static{Region: "us-east-1"}.Resolve(context.Background())
	var ce *core.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestGKEResolve(t *testing.T) {
	fake := &fakeClusters{cluster: &containerpb.Cluster{
		Name:       "playground",
		Location:   "europe-west1",
		Endpoint:   "10.0.0.2",
		Network:    "default",
		Subnetwork: "nodes",
		Locations:  []string{"europe-west1-b", "europe-west1-c"},
	}}
	g := &GKE{Client: fake, Project: "demo", Location: "europe-west1", Cluster: "playground"}
	h, err := g.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if fake.req.GetName() != "projects/demo/locations/europe-west1/clusters/playground" {
		t.Errorf("unexpected request name %q", fake.req.GetName())
	}
	if h.Placement.Zone != "europe-west1-b" || h.Placement.Subnetwork != "nodes" || h.Placement.Project != "demo" {
		t.Errorf("unexpected placement %+v", h.Placement)
	}

	fake.err = errors.New("permission denied")
	if _, err := g.Resolve(context.Background()); err == nil {
		t.Errorf("expected error from GetCluster to propagate")
	}
}
