package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	"gitlab.com/davidxarnold/fleet/pkg/bootstrap"
	"gitlab.com/davidxarnold/fleet/pkg/core"
)

const (
	gceProvisioningSpot     = "SPOT"
	gceProvisioningStandard = "STANDARD"
	gcePreempted            = "compute.instances.preempted"
)

// GCEAPI is the subset of the compute API used by the GCE provider. Insert
// and Delete block until the zonal operation completes.
type GCEAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) error
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) error
	List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error)
	Preempted(ctx context.Context, project, zone string) ([]string, error)
}

// gceClients adapts the generated REST clients to GCEAPI.
type gceClients struct {
	instances  *compute.InstancesClient
	operations *compute.ZoneOperationsClient
}

func (c *gceClients) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) error {
	op, err := c.instances.Insert(ctx, req)
	if err != nil {
		return err
	}
	return waitOperation(ctx, op)
}

func (c *gceClients) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) error {
	op, err := c.instances.Delete(ctx, req)
	if err != nil {
		return err
	}
	return waitOperation(ctx, op)
}

func waitOperation(ctx context.Context, op *compute.Operation) error {
	if err := op.Wait(ctx); err != nil {
		return err
	}
	if opErr := op.Proto().GetError(); opErr != nil && len(opErr.GetErrors()) > 0 {
		first := opErr.GetErrors()[0]
		return &googleapi.Error{
			Code:    http.StatusConflict,
			Message: first.GetMessage(),
			Errors:  []googleapi.ErrorItem{{Reason: first.GetCode(), Message: first.GetMessage()}},
		}
	}
	return nil
}

func (c *gceClients) List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error) {
	var out []*computepb.Instance
	it := c.instances.List(ctx, req)
	for {
		inst, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
}

func (c *gceClients) Preempted(ctx context.Context, project, zone string) ([]string, error) {
	var names []string
	it := c.operations.List(ctx, &computepb.ListZoneOperationsRequest{
		Project: project,
		Zone:    zone,
		Filter:  proto.String(fmt.Sprintf("operationType=%q", gcePreempted)),
	})
	for {
		op, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		names = append(names, path.Base(op.GetTargetLink()))
	}
}

// gceProvider implements Provider for GCE-backed nodes. Instance ids are
// instance names within the configured zone.
type gceProvider struct {
	api     GCEAPI
	cluster bootstrap.Handle
	boot    bootDisk
	poll    time.Duration
}

// NewGCE builds a provider over a GCEAPI.
func NewGCE(api GCEAPI, cfg Config) Provider {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &gceProvider{api: api, cluster: cfg.Cluster, boot: newBootDisk(cfg), poll: poll}
}

// mapGCEError folds googleapi errors into the core error taxonomy.
func mapGCEError(op string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	reasons := []string{gerr.Message}
	for _, item := range gerr.Errors {
		reasons = append(reasons, item.Reason, item.Message)
	}
	detail := strings.ToUpper(strings.Join(reasons, " "))
	switch {
	case gerr.Code == http.StatusTooManyRequests || strings.Contains(detail, "RATELIMITEXCEEDED"):
		return fmt.Errorf("%s: %s: %w", op, gerr.Message, core.ErrProviderThrottled)
	case gerr.Code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, core.ErrNodeNotFound)
	case strings.Contains(detail, "ZONE_RESOURCE_POOL_EXHAUSTED"),
		strings.Contains(detail, "QUOTA_EXCEEDED"),
		strings.Contains(detail, "RESOURCE_POOL_EXHAUSTED"):
		return fmt.Errorf("%s: %s: %w", op, gerr.Message, core.ErrCapacityUnavailable)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// labelKey makes a tag key legal as a GCE label: lowercase letters, digits,
// underscores and dashes, at most 63 characters.
func labelKey(k string) string {
	k = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == '/':
			return '-'
		default:
			return '_'
		}
	}, k)
	if len(k) > 63 {
		k = k[:63]
	}
	return k
}

func gceLabels(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[labelKey(k)] = labelKey(v)
	}
	return out
}

func kubeLabels(labels map[string]string) string {
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// instanceName derives a stable name from the idempotency token so a retried
// insert collides with the first attempt instead of creating a second VM.
func instanceName(cluster string, req Request) string {
	token := strings.ReplaceAll(strings.ToLower(req.ClientToken), "-", "")
	if len(token) > 12 {
		token = token[:12]
	}
	name := labelKey(fmt.Sprintf("%s-%s-%s", cluster, req.Rule, token))
	return strings.ReplaceAll(name, "_", "-")
}

// CreateInstance inserts one VM.
func (p *gceProvider) CreateInstance(ctx context.Context, req Request) (*Instance, error) {
	pl := p.cluster.Placement
	name := instanceName(p.cluster.ClusterName, req)
	owner, _ := p.cluster.OwnershipTag()
	tags := make(map[string]string, len(req.Tags)+1)
	for k, v := range req.Tags {
		tags[k] = v
	}
	tags[owner] = "owned"

	model := gceProvisioningStandard
	if req.Offering.CapacityClass == core.CapacitySpot {
		model = gceProvisioningSpot
	}
	resource := &computepb.Instance{
		Name:        proto.String(name),
		MachineType: proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", pl.Zone, req.Offering.Name())),
		Labels:      gceLabels(tags),
		Scheduling: &computepb.Scheduling{
			ProvisioningModel:         proto.String(model),
			InstanceTerminationAction: proto.String("DELETE"),
		},
		Disks: []*computepb.AttachedDisk{{
			Boot:       proto.Bool(true),
			AutoDelete: proto.Bool(true),
			InitializeParams: &computepb.AttachedDiskInitializeParams{
				SourceImage: proto.String(p.boot.imageFor(req)),
			},
		}},
		NetworkInterfaces: []*computepb.NetworkInterface{{
			Network:    proto.String(pl.Network),
			Subnetwork: proto.String(pl.Subnetwork),
		}},
		Metadata: &computepb.Metadata{Items: []*computepb.Items{
			{Key: proto.String("kube-labels"), Value: proto.String(kubeLabels(req.Labels))},
			{Key: proto.String("cluster-name"), Value: proto.String(p.cluster.ClusterName)},
		}},
	}
	if size := p.boot.sizeGiB; size > 0 {
		resource.Disks[0].InitializeParams.DiskSizeGb = proto.Int64(int64(size))
	}
	if req.Role.ServiceAccount != "" {
		resource.ServiceAccounts = []*computepb.ServiceAccount{{
			Email:  proto.String(req.Role.ServiceAccount),
			Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
		}}
	}

	insert := &computepb.InsertInstanceRequest{
		Project:          pl.Project,
		Zone:             pl.Zone,
		InstanceResource: resource,
	}
	if req.ClientToken != "" {
		insert.RequestId = proto.String(req.ClientToken)
	}
	if err := p.api.Insert(ctx, insert); err != nil {
		return nil, mapGCEError("insert instance "+name, err)
	}
	log.WithFields(log.Fields{
		"instance": name,
		"offering": req.Offering.Key(),
		"rule":     req.Rule,
	}).Debug("gce instance created")

	return &Instance{
		ID:            name,
		ProviderID:    fmt.Sprintf("gce://%s/%s/%s", pl.Project, pl.Zone, name),
		InstanceType:  req.Offering.Name(),
		CapacityClass: req.Offering.CapacityClass,
		Rule:          req.Rule,
		Tags:          tags,
		LaunchedAt:    time.Now(),
		State:         "PROVISIONING",
	}, nil
}

// TerminateInstance deletes one VM. Already gone is success.
func (p *gceProvider) TerminateInstance(ctx context.Context, id string) error {
	pl := p.cluster.Placement
	err := p.api.Delete(ctx, &computepb.DeleteInstanceRequest{Project: pl.Project, Zone: pl.Zone, Instance: id})
	if err != nil {
		err = mapGCEError("delete instance "+id, err)
		if errors.Is(err, core.ErrNodeNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// ListInstances returns the managed VMs of the zone.
func (p *gceProvider) ListInstances(ctx context.Context) ([]Instance, error) {
	pl := p.cluster.Placement
	filter := fmt.Sprintf("labels.%s=true", labelKey(core.TagManaged))
	list, err := p.api.List(ctx, &computepb.ListInstancesRequest{
		Project: pl.Project,
		Zone:    pl.Zone,
		Filter:  proto.String(filter),
	})
	if err != nil {
		return nil, mapGCEError("list instances", err)
	}

	managed := labelKey(core.TagManaged)
	provisioner := labelKey(core.TagProvisioner)
	out := make([]Instance, 0, len(list))
	for _, i := range list {
		labels := i.GetLabels()
		if labels[managed] != "true" {
			continue
		}
		inst := Instance{
			ID:            i.GetName(),
			ProviderID:    fmt.Sprintf("gce://%s/%s/%s", pl.Project, pl.Zone, i.GetName()),
			InstanceType:  path.Base(i.GetMachineType()),
			CapacityClass: core.CapacityOnDemand,
			Rule:          labels[provisioner],
			Tags:          map[string]string{core.TagManaged: "true", core.TagProvisioner: labels[provisioner]},
			State:         i.GetStatus(),
		}
		if i.GetScheduling().GetProvisioningModel() == gceProvisioningSpot {
			inst.CapacityClass = core.CapacitySpot
		}
		if ts, err := time.Parse(time.RFC3339, i.GetCreationTimestamp()); err == nil {
			inst.LaunchedAt = ts
		}
		out = append(out, inst)
	}
	return out, nil
}

// Interruptions polls zonal preemption operations.
func (p *gceProvider) Interruptions(ctx context.Context) <-chan Interruption {
	ch := make(chan Interruption)
	go func() {
		defer close(ch)
		var seen noticeFilter
		ticker := time.NewTicker(p.poll)
		defer ticker.Stop()
		pl := p.cluster.Placement
		for {
			names, err := p.api.Preempted(ctx, pl.Project, pl.Zone)
			if err != nil {
				log.Warnf("failed to poll gce preemptions: %v", err)
			}
			notices := make([]Interruption, 0, len(names))
			for _, name := range names {
				notices = append(notices, Interruption{InstanceID: name, Reason: gcePreempted})
			}
			if err == nil {
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

// nolint:gochecknoinits // registration-style init keeps provider wiring local to this file.
func init() {
	RegisterProvider(ProviderGCE, func(ctx context.Context, cfg Config) (Provider, error) {
		instances, err := compute.NewInstancesRESTClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCE client: %w", err)
		}
		operations, err := compute.NewZoneOperationsRESTClient(ctx)
		if err != nil {
			_ = instances.Close()
			return nil, fmt.Errorf("failed to create GCE operations client: %w", err)
		}
		return NewGCE(&gceClients{instances: instances, operations: operations}, cfg), nil
	})
}
