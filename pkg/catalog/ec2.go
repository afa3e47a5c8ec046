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

package catalog

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	log "github.com/sirupsen/logrus"

	"gitlab.com/davidxarnold/fleet/pkg/core"
)

// DiscoverEC2 builds a catalog from DescribeInstanceTypes. When families is
// non-empty only those families are listed.
func DiscoverEC2(ctx context.Context, api ec2.DescribeInstanceTypesAPIClient, families []string) (*Catalog, error) {
	input := &ec2.DescribeInstanceTypesInput{}
	if len(families) > 0 {
		values := make([]string, 0, len(families))
		for _, f := range families {
			values = append(values, f+".*")
		}
		input.Filters = []types.Filter{{Name: aws.String("instance-type"), Values: values}}
	}

	var offerings []core.InstanceOffering
	pager := ec2.NewDescribeInstanceTypesPaginator(api, input)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instance types: %w", err)
		}
		for i := range page.InstanceTypes {
			offerings = append(offerings, offeringsFromEC2(&page.InstanceTypes[i])...)
		}
	}

	log.WithFields(log.Fields{
		"families":  families,
		"offerings": len(offerings),
	}).Debug("discovered EC2 instance types")

	return New(offerings...)
}

func offeringsFromEC2(info *types.InstanceTypeInfo) []core.InstanceOffering {
	if info.VCpuInfo == nil || info.VCpuInfo.DefaultVCpus == nil ||
		info.MemoryInfo == nil || info.MemoryInfo.SizeInMiB == nil || info.ProcessorInfo == nil {
		return nil
	}
	fam, size, sep, err := SplitType(string(info.InstanceType))
	if err != nil {
		log.Debugf("skipping instance type %s: %v", info.InstanceType, err)
		return nil
	}

	var arch core.Arch
	for _, a := range info.ProcessorInfo.SupportedArchitectures {
		if parsed, err := core.ParseArch(string(a)); err == nil {
			arch = parsed
			break
		}
	}
	if arch == "" {
		return nil
	}

	vcpus := int64(*info.VCpuInfo.DefaultVCpus)
	mib := *info.MemoryInfo.SizeInMiB
	capacity := core.Resources{MilliCPU: vcpus * 1000, Memory: mib << 20}

	var out []core.InstanceOffering
	for _, uc := range info.SupportedUsageClasses {
		class, err := core.ParseCapacityClass(string(uc))
		if err != nil {
			continue
		}
		out = append(out, core.InstanceOffering{
			Family:        fam,
			Size:          size,
			Separator:     sep,
			Arch:          arch,
			CapacityClass: class,
			CostWeight:    CostWeight(float64(vcpus), float64(mib)/1024, 1, class),
			Capacity:      capacity,
		})
	}
	return out
}
