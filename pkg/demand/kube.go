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
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	listersv1 "k8s.io/client-go/listers/core/v1"
	"k8s.io/client-go/tools/cache"

	"gitlab.com/davidxarnold/fleet/pkg/core"
)

// errNotSynced is returned by Nodes before the first stream has synced.
var errNotSynced = errors.New("kubernetes informers not synced")

// Kube is a Source backed by pod and node informers.
type Kube struct {
	client kubernetes.Interface
	resync time.Duration

	mu    sync.RWMutex
	nodes listersv1.NodeLister
	pods  listersv1.PodLister
}

// NewKube returns an informer source. Each call to Events starts a new
// informer factory so a failed stream is fully rebuilt on restart.
func NewKube(client kubernetes.Interface, resync time.Duration) *Kube {
	return &Kube{client: client, resync: resync}
}

// Events starts informers and streams pending-pod changes until ctx is done
// or a watch fails.
func (k *Kube) Events(ctx context.Context) (<-chan Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	factory := informers.NewSharedInformerFactory(k.client, k.resync)
	podInformer := factory.Core().V1().Pods()
	nodeInformer := factory.Core().V1().Nodes()

	out := make(chan Event, 256)
	emit := func(ev Event) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}
	reg, err := podInformer.Informer().AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			if pod, ok := obj.(*v1.Pod); ok {
				emit(PodEvent(pod))
			}
		},
		UpdateFunc: func(_, obj interface{}) {
			if pod, ok := obj.(*v1.Pod); ok {
				emit(PodEvent(pod))
			}
		},
		DeleteFunc: func(obj interface{}) {
			if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
				obj = tomb.Obj
			}
			if pod, ok := obj.(*v1.Pod); ok {
				emit(Event{UID: string(pod.UID), Op: OpDelete})
			}
		},
	})
	if err != nil {
		cancel()
		return nil, err
	}
	onWatchError := func(_ *cache.Reflector, err error) {
		log.WithError(err).Warn("kubernetes watch failed")
		cancel()
	}
	if err := podInformer.Informer().SetWatchErrorHandler(onWatchError); err != nil {
		cancel()
		return nil, err
	}
	if err := nodeInformer.Informer().SetWatchErrorHandler(onWatchError); err != nil {
		cancel()
		return nil, err
	}

	factory.Start(ctx.Done())
	go func() {
		defer close(out)
		defer factory.Shutdown()
		defer cancel()

		log.Debug("Waiting for informer caches to sync...")
		for informerType, ok := range factory.WaitForCacheSync(ctx.Done()) {
			if !ok {
				log.Warnf("Failed to sync cache for: %v", informerType)
				return
			}
		}
		if !cache.WaitForCacheSync(ctx.Done(), reg.HasSynced) {
			return
		}
		log.Debug("Informer caches synced")

		k.mu.Lock()
		k.nodes = nodeInformer.Lister()
		k.pods = podInformer.Lister()
		k.mu.Unlock()

		emit(Event{Op: OpSynced})
		<-ctx.Done()
	}()
	return out, nil
}

// Nodes lists registered nodes with the requests scheduled onto them.
func (k *Kube) Nodes() ([]Node, error) {
	k.mu.RLock()
	nodeLister, podLister := k.nodes, k.pods
	k.mu.RUnlock()
	if nodeLister == nil {
		return nil, errNotSynced
	}

	nodeList, err := nodeLister.List(labels.Everything())
	if err != nil {
		return nil, err
	}
	podList, err := podLister.List(labels.Everything())
	if err != nil {
		return nil, err
	}
	byNode := make(map[string][]v1.Pod)
	for _, p := range podList {
		if p.Spec.NodeName != "" {
			byNode[p.Spec.NodeName] = append(byNode[p.Spec.NodeName], *p)
		}
	}

	out := make([]Node, 0, len(nodeList))
	for _, n := range nodeList {
		used, count := core.WorkloadUsage(byNode[n.Name])
		out = append(out, Node{
			ProviderID: n.Spec.ProviderID,
			Name:       n.Name,
			Ready:      core.IsNodeReady(n),
			Allocated:  used,
			Workloads:  count,
		})
	}
	return out, nil
}

// PodEvent converts a pod into an upsert while it is unschedulable and a
// delete otherwise.
func PodEvent(pod *v1.Pod) Event {
	ev := Event{UID: string(pod.UID), Op: OpDelete}
	if !core.IsUnschedulable(pod) {
		return ev
	}
	ev.Op = OpUpsert
	ev.Requests = core.PodRequests(pod)
	if v := selectorValue(pod, core.LabelArch); v != "" {
		arch, err := core.ParseArch(v)
		if err != nil {
			// Kept as-is so the planner reports it as unmet.
			arch = core.Arch(v)
		}
		ev.Arch = arch
	}
	if v := selectorValue(pod, core.LabelCapacityType); v != "" {
		class, err := core.ParseCapacityClass(v)
		if err != nil {
			class = core.CapacityClass(v)
		}
		ev.CapacityClass = class
	}
	return ev
}

// selectorValue finds a single required value for key in the pod's node
// selector or required node affinity.
func selectorValue(pod *v1.Pod, key string) string {
	if v, ok := pod.Spec.NodeSelector[key]; ok {
		return v
	}
	aff := pod.Spec.Affinity
	if aff == nil || aff.NodeAffinity == nil || aff.NodeAffinity.RequiredDuringSchedulingIgnoredDuringExecution == nil {
		return ""
	}
	for _, term := range aff.NodeAffinity.RequiredDuringSchedulingIgnoredDuringExecution.NodeSelectorTerms {
		for _, expr := range term.MatchExpressions {
			if expr.Key == key && expr.Operator == v1.NodeSelectorOpIn && len(expr.Values) == 1 {
				return expr.Values[0]
			}
		}
	}
	return ""
}
