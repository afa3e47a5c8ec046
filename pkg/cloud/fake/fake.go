// Package fake is an in-memory compute provider for tests and dry runs.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"gitlab.com/davidxarnold/fleet/pkg/cloud"
	"gitlab.com/davidxarnold/fleet/pkg/core"
)

// ProviderName is the registry name of the fake provider.
const ProviderName = "fake"

// Provider implements cloud.Provider in memory. Failures can be scripted
// per call with FailCreates and FailTerminates.
type Provider struct {
	mu          sync.Mutex
	clock       clock.PassiveClock
	instances   map[string]*cloud.Instance
	tokens      map[string]string
	createErrs  []error
	termErrs    []error
	createCalls []time.Time
	terminated  []string
	notices     chan cloud.Interruption

	// CreateHook, if set, runs before every create and may block or fail it.
	// A hook that returns nil lets the create complete even if ctx is done.
	CreateHook func(ctx context.Context, req cloud.Request) error
}

var _ cloud.Provider = &Provider{}

// New returns an empty provider timed by clk.
func New(clk clock.PassiveClock) *Provider {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Provider{
		clock:     clk,
		instances: make(map[string]*cloud.Instance),
		tokens:    make(map[string]string),
		notices:   make(chan cloud.Interruption, 64),
	}
}

// FailCreates queues errors returned by the next create calls, in order.
func (p *Provider) FailCreates(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createErrs = append(p.createErrs, errs...)
}

// FailTerminates queues errors returned by the next terminate calls.
func (p *Provider) FailTerminates(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.termErrs = append(p.termErrs, errs...)
}

// CreateCalls returns when each create call arrived.
func (p *Provider) CreateCalls() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.createCalls...)
}

// Terminated returns the ids of terminated instances in call order.
func (p *Provider) Terminated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.terminated...)
}

// Add inserts an instance as if it had been created out of band.
func (p *Provider) Add(inst cloud.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := inst
	p.instances[inst.ID] = &cp
}

// Interrupt announces that id will be reclaimed.
func (p *Provider) Interrupt(id string) {
	p.notices <- cloud.Interruption{
		InstanceID: id,
		Reason:     "fake-interruption",
		Deadline:   p.clock.Now().Add(2 * time.Minute),
	}
}

func (p *Provider) CreateInstance(ctx context.Context, req cloud.Request) (*cloud.Instance, error) {
	if p.CreateHook != nil {
		if err := p.CreateHook(ctx, req); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls = append(p.createCalls, p.clock.Now())
	if len(p.createErrs) > 0 {
		err := p.createErrs[0]
		p.createErrs = p.createErrs[1:]
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", req.Offering.Name(), err)
		}
	}
	if id, ok := p.tokens[req.ClientToken]; ok && req.ClientToken != "" {
		cp := *p.instances[id]
		return &cp, nil
	}

	id := "i-" + uuid.NewString()[:17]
	tags := make(map[string]string, len(req.Tags))
	for k, v := range req.Tags {
		tags[k] = v
	}
	inst := &cloud.Instance{
		ID:            id,
		ProviderID:    "fake:///" + id,
		InstanceType:  req.Offering.Name(),
		CapacityClass: req.Offering.CapacityClass,
		Rule:          req.Rule,
		Tags:          tags,
		LaunchedAt:    p.clock.Now(),
		State:         "pending",
	}
	p.instances[id] = inst
	if req.ClientToken != "" {
		p.tokens[req.ClientToken] = id
	}
	log.WithFields(log.Fields{"instance": id, "offering": req.Offering.Key()}).Debug("fake instance created")
	cp := *inst
	return &cp, nil
}

func (p *Provider) TerminateInstance(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.termErrs) > 0 {
		err := p.termErrs[0]
		p.termErrs = p.termErrs[1:]
		if err != nil {
			return fmt.Errorf("terminate %s: %w", id, err)
		}
	}
	p.terminated = append(p.terminated, id)
	delete(p.instances, id)
	return nil
}

func (p *Provider) ListInstances(context.Context) ([]cloud.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]cloud.Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		if inst.Tags[core.TagManaged] != "true" {
			continue
		}
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Interruptions forwards notices queued with Interrupt until ctx is done.
func (p *Provider) Interruptions(ctx context.Context) <-chan cloud.Interruption {
	ch := make(chan cloud.Interruption)
	go func() {
		defer close(ch)
		for {
			select {
			case n := <-p.notices:
				select {
				case ch <- n:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// nolint:gochecknoinits // registration-style init keeps provider wiring local to this file.
func init() {
	cloud.RegisterProvider(ProviderName, func(context.Context, cloud.Config) (cloud.Provider, error) {
		return New(clock.RealClock{}), nil
	})
}
