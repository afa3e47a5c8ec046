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

// Well-known node labels and provider tags.
const (
	LabelArch          = "kubernetes.io/arch"
	LabelInstanceType  = "node.kubernetes.io/instance-type"
	LabelCapacityType  = "karpenter.sh/capacity-type"
	LabelProvisioner   = "fleet.davidxarnold.io/provisioner"
	TagManaged         = "fleet.davidxarnold.io/managed"
	TagProvisioner     = "fleet.davidxarnold.io/provisioner"
	TagCapacityClass   = "fleet.davidxarnold.io/capacity-class"
	TagWorkloadRole    = "fleet.davidxarnold.io/workload-role"
	TagClusterTemplate = "kubernetes.io/cluster/%s"
	TagName            = "Name"
)
