package cloud

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"

	"gitlab.com/davidxarnold/fleet/pkg/bootstrap"
	"gitlab.com/davidxarnold/fleet/pkg/core"
)

const spotMarkedForTermination = "marked-for-termination"

// EC2API is the subset of the EC2 client used by the AWS provider.
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeSpotInstanceRequests(ctx context.Context, params *ec2.DescribeSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error)
}

// awsProvider implements Provider for AWS EC2-backed nodes.
type awsProvider struct {
	api     EC2API
	cluster bootstrap.Handle
	boot    bootDisk
	poll    time.Duration
	subnet  atomic.Uint64
}

// NewAWS builds a provider over an EC2 client.
func NewAWS(api EC2API, cfg Config) Provider {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &awsProvider{api: api, cluster: cfg.Cluster, boot: newBootDisk(cfg), poll: poll}
}

// mapAWSError folds EC2 error codes into the core error taxonomy.
func mapAWSError(op string, err error) error {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch code := ae.ErrorCode(); code {
	case "InsufficientInstanceCapacity", "InsufficientHostCapacity", "InsufficientReservedInstanceCapacity",
		"InsufficientCapacity", "MaxSpotInstanceCountExceeded", "SpotMaxPriceTooLow", "Unsupported":
		return fmt.Errorf("%s: %s: %w", op, code, core.ErrCapacityUnavailable)
	case "RequestLimitExceeded", "Throttling", "ThrottlingException":
		return fmt.Errorf("%s: %s: %w", op, code, core.ErrProviderThrottled)
	case "InvalidInstanceID.NotFound", "InvalidInstanceID.Malformed":
		return fmt.Errorf("%s: %s: %w", op, code, core.ErrNodeNotFound)
	default:
		return fmt.Errorf("%s: %s", op, code)
	}
}

func ec2Tags(tags map[string]string) []types.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

// userData joins the node to the EKS cluster with the rule's labels.
func userData(cluster string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+labels[k])
	}
	script := fmt.Sprintf("#!/bin/bash\nset -e\n/etc/eks/bootstrap.sh %s --kubelet-extra-args '--node-labels=%s'\n",
		cluster, strings.Join(pairs, ","))
	return base64.StdEncoding.EncodeToString([]byte(script))
}

// rootDevice is the root volume device of the family's AMIs. Bottlerocket
// keeps its OS on xvda and workloads on xvdb.
func rootDevice(family, fallback core.ImageFamily) string {
	if family == "" {
		family = fallback
	}
	if family == core.ImageBottlerocket {
		return "/dev/xvdb"
	}
	if family == core.ImageUbuntu {
		return "/dev/sda1"
	}
	return "/dev/xvda"
}

func (p *awsProvider) nextSubnet() *string {
	subnets := p.cluster.Placement.Subnets
	if len(subnets) == 0 {
		return nil
	}
	i := p.subnet.Add(1) - 1
	return aws.String(subnets[i%uint64(len(subnets))])
}

// CreateInstance launches one instance with RunInstances.
func (p *awsProvider) CreateInstance(ctx context.Context, req Request) (*Instance, error) {
	tags := ec2Tags(req.Tags)
	input := &ec2.RunInstancesInput{
		ImageId:          aws.String(p.boot.imageFor(req)),
		InstanceType:     types.InstanceType(req.Offering.Name()),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SubnetId:         p.nextSubnet(),
		SecurityGroupIds: p.cluster.Placement.SecurityGroups,
		UserData:         aws.String(userData(p.cluster.ClusterName, req.Labels)),
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: tags},
		},
	}
	if req.ClientToken != "" {
		input.ClientToken = aws.String(req.ClientToken)
	}
	if size := p.boot.sizeGiB; size > 0 {
		input.BlockDeviceMappings = []types.BlockDeviceMapping{{
			DeviceName: aws.String(rootDevice(req.ImageFamily, p.boot.family)),
			Ebs: &types.EbsBlockDevice{
				VolumeSize:          aws.Int32(size),
				VolumeType:          types.VolumeTypeGp3,
				DeleteOnTermination: aws.Bool(true),
			},
		}}
	}
	if profile := req.Role.InstanceProfile; profile != "" {
		if strings.HasPrefix(profile, "arn:") {
			input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Arn: aws.String(profile)}
		} else {
			input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(profile)}
		}
	}
	if req.Offering.CapacityClass == core.CapacitySpot {
		input.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				SpotInstanceType:             types.SpotInstanceTypeOneTime,
				InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorTerminate,
			},
		}
		input.TagSpecifications = append(input.TagSpecifications,
			types.TagSpecification{ResourceType: types.ResourceTypeSpotInstancesRequest, Tags: tags})
	}

	out, err := p.api.RunInstances(ctx, input)
	if err != nil {
		return nil, mapAWSError("run instance "+req.Offering.Name(), err)
	}
	if len(out.Instances) == 0 {
		return nil, fmt.Errorf("run instance %s: no instance returned", req.Offering.Name())
	}
	inst := instanceFromEC2(out.Instances[0])
	log.WithFields(log.Fields{
		"instance": inst.ID,
		"offering": req.Offering.Key(),
		"rule":     req.Rule,
	}).Debug("ec2 instance created")
	return &inst, nil
}

func instanceFromEC2(i types.Instance) Instance {
	inst := Instance{
		ID:            aws.ToString(i.InstanceId),
		InstanceType:  string(i.InstanceType),
		CapacityClass: core.CapacityOnDemand,
		Tags:          make(map[string]string, len(i.Tags)),
		LaunchedAt:    aws.ToTime(i.LaunchTime),
	}
	if i.InstanceLifecycle == types.InstanceLifecycleTypeSpot {
		inst.CapacityClass = core.CapacitySpot
	}
	if i.State != nil {
		inst.State = string(i.State.Name)
	}
	zone := ""
	if i.Placement != nil {
		zone = aws.ToString(i.Placement.AvailabilityZone)
	}
	inst.ProviderID = fmt.Sprintf("aws:///%s/%s", zone, inst.ID)
	for _, tag := range i.Tags {
		if tag.Key == nil || tag.Value == nil {
			continue
		}
		inst.Tags[*tag.Key] = *tag.Value
	}
	inst.Rule = inst.Tags[core.TagProvisioner]
	return inst
}

// TerminateInstance terminates one instance. Already gone is success.
func (p *awsProvider) TerminateInstance(ctx context.Context, id string) error {
	_, err := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		err = mapAWSError("terminate instance "+id, err)
		if errors.Is(err, core.ErrNodeNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (p *awsProvider) managedFilters() []types.Filter {
	owner, _ := p.cluster.OwnershipTag()
	return []types.Filter{
		{Name: aws.String("tag:" + core.TagManaged), Values: []string{"true"}},
		{Name: aws.String("tag-key"), Values: []string{owner}},
	}
}

// ListInstances returns pending and running managed instances.
func (p *awsProvider) ListInstances(ctx context.Context) ([]Instance, error) {
	filters := append(p.managedFilters(), types.Filter{
		Name:   aws.String("instance-state-name"),
		Values: []string{string(types.InstanceStateNamePending), string(types.InstanceStateNameRunning)},
	})
	paginator := ec2.NewDescribeInstancesPaginator(p.api, &ec2.DescribeInstancesInput{Filters: filters})

	var out []Instance
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapAWSError("describe instances", err)
		}
		for _, r := range page.Reservations {
			for _, i := range r.Instances {
				out = append(out, instanceFromEC2(i))
			}
		}
	}
	return out, nil
}

// Interruptions polls spot requests marked for termination.
func (p *awsProvider) Interruptions(ctx context.Context) <-chan Interruption {
	ch := make(chan Interruption)
	go func() {
		defer close(ch)
		var seen noticeFilter
		ticker := time.NewTicker(p.poll)
		defer ticker.Stop()
		for {
			notices, err := p.spotInterruptions(ctx)
			if err != nil {
				log.Warnf("failed to poll spot interruptions: %v", err)
			} else {
				notices = seen.fresh(notices)
			}
			for _, n := range notices {
				select {
				case ch <- n:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (p *awsProvider) spotInterruptions(ctx context.Context) ([]Interruption, error) {
	filters := append(p.managedFilters(), types.Filter{
		Name: aws.String("status-code"), Values: []string{spotMarkedForTermination},
	})
	out, err := p.api.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{Filters: filters})
	if err != nil {
		return nil, mapAWSError("describe spot requests", err)
	}
	var notices []Interruption
	for _, r := range out.SpotInstanceRequests {
		if r.InstanceId == nil {
			continue
		}
		n := Interruption{InstanceID: *r.InstanceId, Reason: spotMarkedForTermination}
		if r.Status != nil && r.Status.UpdateTime != nil {
			// EC2 reclaims spot capacity two minutes after the notice.
			n.Deadline = r.Status.UpdateTime.Add(2 * time.Minute)
		}
		notices = append(notices, n)
	}
	return notices, nil
}

// nolint:gochecknoinits // registration-style init keeps provider wiring local to this file.
func init() {
	RegisterProvider(ProviderAWS, func(ctx context.Context, cfg Config) (Provider, error) {
		opts := []func(*config.LoadOptions) error{}
		if cfg.Cluster.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Cluster.Region))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		return NewAWS(ec2.NewFromConfig(awsCfg), cfg), nil
	})
}
