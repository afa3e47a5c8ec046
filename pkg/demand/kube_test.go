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

package demand

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"

	"gitlab.com/davidxarnold/fleet/pkg/core"
)

func pendingPod(name string, cpu string, selector map[string]string) *v1.Pod {
	return &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default", UID: types.UID(name)},
		Spec: v1.PodSpec{
			NodeSelector: selector,
			Containers: []v1.Container{{
				Name: "app",
				Resources: v1.ResourceRequirements{Requests: v1.ResourceList{
					v1.ResourceCPU:    resource.MustParse(cpu),
					v1.ResourceMemory: resource.MustParse("1Gi"),
				}},
			}},
		},
		Status: v1.PodStatus{Conditions: []v1.PodCondition{{
			Type:   v1.PodScheduled,
			Status: v1.ConditionFalse,
			Reason: v1.PodReasonUnschedulable,
		}}},
	}
}

func TestPodEvent(t *testing.T) {
	tests := []struct {
		name  string
		pod   *v1.Pod
		op    Op
		arch  core.Arch
		class core.CapacityClass
	}{
		{
			name: "unschedulable without selectors",
			pod:  pendingPod("a", "500m", nil),
			op:   OpUpsert,
		},
		{
			name:  "arch and capacity type from node selector",
			pod:   pendingPod("b", "1", map[string]string{core.LabelArch: "arm64", core.LabelCapacityType: "spot"}),
			op:    OpUpsert,
			arch:  core.ArchARM64,
			class: core.CapacitySpot,
		},
		{
			name: "scheduled pod leaves the pending set",
			pod: func() *v1.Pod {
				p := pendingPod("c", "1", nil)
				p.Spec.NodeName = "ip-10-0-0-1"
				return p
			}(),
			op: OpDelete,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := PodEvent(tt.pod)
			if ev.Op != tt.op || ev.Arch != tt.arch || ev.CapacityClass != tt.class {
				t.Errorf("PodEvent() = %+v", ev)
			}
			if ev.Op == OpUpsert && ev.Requests.IsZero() {
				t.Errorf("expected requests on upsert")
			}
		})
	}
}

func TestSelectorValueFromAffinity(t *testing.T) {
	pod := pendingPod("affine", "1", nil)
	pod.Spec.Affinity = &v1.Affinity{NodeAffinity: &v1.NodeAffinity{
		RequiredDuringSchedulingIgnoredDuringExecution: &v1.NodeSelector{
			NodeSelectorTerms: []v1.NodeSelectorTerm{{MatchExpressions: []v1.NodeSelectorRequirement{{
				Key: core.LabelArch, Operator: v1.NodeSelectorOpIn, Values: []string{"amd64"},
			}}}},
		},
	}}
	if got := selectorValue(pod, core.LabelArch); got != "amd64" {
		t.Errorf("selectorValue() = %q, want amd64", got)
	}
}

func TestKubeSourceInitialSync(t *testing.T) {
	node := &v1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "ip-10-0-0-1"},
		Spec:       v1.NodeSpec{ProviderID: "aws:///us-east-1a/i-0abc"},
		Status: v1.NodeStatus{Conditions: []v1.NodeCondition{{
			Type: v1.NodeReady, Status: v1.ConditionTrue,
		}}},
	}
	running := pendingPod("running", "750m", nil)
	running.Spec.NodeName = node.Name
	running.Status = v1.PodStatus{Phase: v1.PodRunning}

	client := fake.NewSimpleClientset(node, running, pendingPod("pending", "1", nil))
	src := NewKube(client, 0)

	_, err := src.Nodes()
	require.ErrorIs(t, err, errNotSynced)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ch, err := src.Events(ctx)
	require.NoError(t, err)

	var upserts []Event
	for ev := range ch {
		if ev.Op == OpSynced {
			break
		}
		if ev.Op == OpUpsert {
			upserts = append(upserts, ev)
		}
	}
	require.Len(t, upserts, 1)
	assert.Equal(t, "pending", upserts[0].UID)

	nodes, err := src.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.True(t, nodes[0].Ready)
	assert.Equal(t, 1, nodes[0].Workloads)
	assert.Equal(t, int64(750), nodes[0].Allocated.MilliCPU)

	cancel()
	for range ch {
	}
}
