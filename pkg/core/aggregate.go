package core

import (
	v1 "k8s.io/api/core/v1"
)

// PodRequests returns the effective scheduling request of a pod: the sum of
// its containers, raised to the largest init container where that is bigger,
// plus pod overhead.
func PodRequests(pod *v1.Pod) Resources {
	var sum Resources
	for _, container := range pod.Spec.Containers {
		sum = sum.Add(ResourcesFromList(container.Resources.Requests))
	}
	for _, container := range pod.Spec.InitContainers {
		sum = sum.Max(ResourcesFromList(container.Resources.Requests))
	}
	if pod.Spec.Overhead != nil {
		sum = sum.Add(ResourcesFromList(pod.Spec.Overhead))
	}
	return sum
}

// IsTerminal reports whether a pod has finished.
func IsTerminal(pod *v1.Pod) bool {
	return pod.Status.Phase == v1.PodSucceeded || pod.Status.Phase == v1.PodFailed
}

// IsDaemonSetPod reports whether the pod is owned by a DaemonSet. Such pods
// follow their node and never count as workloads.
func IsDaemonSetPod(pod *v1.Pod) bool {
	for _, ref := range pod.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}

// IsUnschedulable reports whether the scheduler gave up placing the pod.
func IsUnschedulable(pod *v1.Pod) bool {
	if pod.Spec.NodeName != "" || IsTerminal(pod) || pod.DeletionTimestamp != nil {
		return false
	}
	for i := range pod.Status.Conditions {
		c := pod.Status.Conditions[i]
		if c.Type == v1.PodScheduled && c.Status == v1.ConditionFalse && c.Reason == v1.PodReasonUnschedulable {
			return true
		}
	}
	return false
}

// IsNodeReady reports whether the node's Ready condition is True.
func IsNodeReady(node *v1.Node) bool {
	for j := range node.Status.Conditions {
		if node.Status.Conditions[j].Type == v1.NodeReady {
			return node.Status.Conditions[j].Status == v1.ConditionTrue
		}
	}
	return false
}

// WorkloadUsage sums the requests of the pods that count as workloads on a
// node, skipping terminal and DaemonSet-owned pods.
func WorkloadUsage(pods []v1.Pod) (Resources, int) {
	var (
		used  Resources
		count int
	)
	for i := range pods {
		pod := &pods[i]
		if IsTerminal(pod) || IsDaemonSetPod(pod) {
			continue
		}
		used = used.Add(PodRequests(pod))
		count++
	}
	return used, count
}
