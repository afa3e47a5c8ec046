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

// Package lifecycle executes planner decisions against the compute provider
// and walks NodeRecords through Provisioning, Ready, Draining and
// Terminated.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"gitlab.com/davidxarnold/fleet/pkg/bootstrap"
	"gitlab.com/davidxarnold/fleet/pkg/catalog"
	"gitlab.com/davidxarnold/fleet/pkg/cloud"
	"gitlab.com/davidxarnold/fleet/pkg/core"
	"gitlab.com/davidxarnold/fleet/pkg/identity"
	"gitlab.com/davidxarnold/fleet/pkg/ledger"
	"gitlab.com/davidxarnold/fleet/pkg/rules"
	"gitlab.com/davidxarnold/fleet/pkg/state"
)

// ErrCancelled is returned for launches cancelled by a rule change.
var ErrCancelled = errors.New("launch cancelled")

// Config holds the timeouts and bounds of the controller.
type Config struct {
	LaunchTimeout    time.Duration
	DrainTimeout     time.Duration
	DrainGracePeriod time.Duration
	APITimeout       time.Duration
	LaunchRetries    int
	RetryBackoff     time.Duration
	MaxConcurrency   int
}

// DefaultConfig returns the defaults used when a key is not configured.
func DefaultConfig() Config {
	return Config{
		LaunchTimeout:    10 * time.Minute,
		DrainTimeout:     5 * time.Minute,
		DrainGracePeriod: 30 * time.Second,
		APITimeout:       30 * time.Second,
		LaunchRetries:    3,
		RetryBackoff:     2 * time.Second,
		MaxConcurrency:   10,
	}
}

// Job is one decision with the ledger reservation backing it. Terminates
// carry no reservation.
type Job struct {
	Decision    core.Decision
	Rule        *rules.Rule
	Reservation *ledger.Reservation
}

// Result summarizes one Execute call.
type Result struct {
	Launched []string
	Draining []string
	Err      error
}

// Options wires a Controller.
type Options struct {
	Config   Config
	Cluster  bootstrap.Handle
	Provider cloud.Provider
	Store    *state.Store
	Ledger   *ledger.Ledger
	Cache    *cloud.Cache
	Catalog  *catalog.Catalog
	// Binder resolves rule identities. Nil means rules with an identity
	// binding fail to launch.
	Binder  identity.Binder
	Drainer Drainer
	Clock   clock.Clock

	// ObserveOnly keeps Observe from starting drains or terminating
	// timed-out launches. Records are still refreshed.
	ObserveOnly bool
}

// Controller is the node lifecycle controller.
type Controller struct {
	cfg      Config
	cluster  bootstrap.Handle
	provider cloud.Provider
	store    *state.Store
	ledger   *ledger.Ledger
	cache    *cloud.Cache
	catalog  *catalog.Catalog
	binder   identity.Binder
	drainer  Drainer
	clock    clock.Clock
	readOnly bool

	// base is cancelled on shutdown and parents every drain.
	base     context.Context
	shutdown context.CancelFunc
	drains   sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]map[uint64]context.CancelFunc
	nextID   uint64
	draining map[string]bool
	awaiting []string
	errs     []error
}

// New returns a controller. Call Close to stop background drains.
func New(opts Options) *Controller {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.LaunchRetries <= 0 {
		cfg.LaunchRetries = def.LaunchRetries
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = def.APITimeout
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	base, shutdown := context.WithCancel(context.Background())
	return &Controller{
		cfg:      cfg,
		cluster:  opts.Cluster,
		provider: opts.Provider,
		store:    opts.Store,
		ledger:   opts.Ledger,
		cache:    opts.Cache,
		catalog:  opts.Catalog,
		binder:   opts.Binder,
		drainer:  opts.Drainer,
		clock:    clk,
		readOnly: opts.ObserveOnly,
		base:     base,
		shutdown: shutdown,
		inflight: make(map[string]map[uint64]context.CancelFunc),
		draining: make(map[string]bool),
	}
}

// Execute submits one cycle's jobs. Launches run concurrently up to
// MaxConcurrency and have finished (created or failed) when Execute returns.
// Terminates are moved to Draining first; their drains start in the
// background after the launches, together with interrupted nodes waiting
// for this cycle.
func (c *Controller) Execute(ctx context.Context, jobs []Job) Result {
	var (
		res Result
		mu  sync.Mutex
	)
	var toDrain []string
	for _, job := range jobs {
		if job.Decision.Kind != core.DecisionTerminate {
			continue
		}
		if err := c.beginDrain(job.Decision.NodeID, job.Decision.Reason); err != nil {
			res.Err = multierr.Append(res.Err, err)
			continue
		}
		toDrain = append(toDrain, job.Decision.NodeID)
	}

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.MaxConcurrency)
	for _, job := range jobs {
		if job.Decision.Kind != core.DecisionLaunch {
			continue
		}
		for i := 0; i < job.Decision.Count; i++ {
			if err := ctx.Err(); err != nil {
				// Units that never started give their capacity back.
				left := job.Decision.Count - i
				if job.Reservation != nil {
					c.ledger.ReleaseN(job.Reservation, left)
				}
				mu.Lock()
				res.Err = multierr.Append(res.Err, fmt.Errorf("launch %s for %s: %d of %d not started: %w",
					job.Decision.Offering.Key(), job.Decision.Rule, left, job.Decision.Count, err))
				mu.Unlock()
				break
			}
			g.Go(func() error {
				id, err := c.launch(ctx, job.Rule, job.Decision.Offering, job.Reservation)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					res.Err = multierr.Append(res.Err, err)
					return nil
				}
				res.Launched = append(res.Launched, id)
				return nil
			})
		}
	}
	_ = g.Wait()

	c.mu.Lock()
	toDrain = append(toDrain, c.awaiting...)
	c.awaiting = nil
	c.mu.Unlock()
	for _, id := range toDrain {
		if c.spawnDrain(id) {
			res.Draining = append(res.Draining, id)
		}
	}
	return res
}

// track registers a cancel func for an in-flight launch of rule.
func (c *Controller) track(rule string, cancel context.CancelFunc) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.inflight[rule] == nil {
		c.inflight[rule] = make(map[uint64]context.CancelFunc)
	}
	c.inflight[rule][id] = cancel
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.inflight[rule], id)
		if len(c.inflight[rule]) == 0 {
			delete(c.inflight, rule)
		}
	}
}

// CancelRule cancels every in-flight launch of rule and returns how many
// were cancelled.
func (c *Controller) CancelRule(rule string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cancel := range c.inflight[rule] {
		cancel()
		n++
	}
	if n > 0 {
		log.WithFields(log.Fields{"rule": rule, "launches": n}).Info("cancelling in-flight launches")
	}
	return n
}

// InFlight returns the number of launches in progress for rule.
func (c *Controller) InFlight(rule string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight[rule])
}

// record keeps an error raised outside Execute for the next report.
func (c *Controller) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

// TakeErrors returns and clears errors raised by background work.
func (c *Controller) TakeErrors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	errs := c.errs
	c.errs = nil
	return errs
}

// Close cancels background drains and waits for them to stop. Drains
// interrupted this way uncordon their node and stay Draining.
func (c *Controller) Close() {
	c.shutdown()
	c.drains.Wait()
}

func (c *Controller) apiContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.APITimeout)
}
