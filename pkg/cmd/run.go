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

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"

	"gitlab.com/davidxarnold/fleet/pkg/bootstrap"
	"gitlab.com/davidxarnold/fleet/pkg/catalog"
	"gitlab.com/davidxarnold/fleet/pkg/cloud"
	"gitlab.com/davidxarnold/fleet/pkg/controller"
	"gitlab.com/davidxarnold/fleet/pkg/demand"
	"gitlab.com/davidxarnold/fleet/pkg/ledger"
	"gitlab.com/davidxarnold/fleet/pkg/lifecycle"
	"gitlab.com/davidxarnold/fleet/pkg/metrics"
	"gitlab.com/davidxarnold/fleet/pkg/rules"
	"gitlab.com/davidxarnold/fleet/pkg/state"
)

// runtime is one assembled engine and its collaborators.
type runtime struct {
	catalog   *catalog.Catalog
	rules     *rules.Store
	store     *state.Store
	ledger    *ledger.Ledger
	provider  cloud.Provider
	observer  *demand.Observer
	lifecycle *lifecycle.Controller
	engine    *controller.Engine
	registry  *prometheus.Registry
}

type deps struct {
	cluster  bootstrap.Handle
	catalog  *catalog.Catalog
	rules    []*rules.Rule
	provider cloud.Provider
	store    *state.Store
	client   kubernetes.Interface
	clock    clock.WithTicker

	// observeOnly assembles an engine that plans without touching the
	// fleet or the on-disk cache.
	observeOnly bool
}

// assemble wires the engine from already loaded collaborators.
func assemble(v *viper.Viper, d deps) (*runtime, error) {
	if d.clock == nil {
		d.clock = clock.RealClock{}
	}
	b, err := binder(v, d.client)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		catalog:  d.catalog,
		rules:    rules.NewStore(d.rules),
		store:    d.store,
		ledger:   ledger.New(),
		provider: d.provider,
		registry: prometheus.NewRegistry(),
	}
	rt.ledger.Seed(d.store.List())
	rt.observer = demand.NewObserver(demand.NewKube(d.client, v.GetDuration(keyResync)), v.GetDuration(keyStalenessThreshold), d.clock)
	cachePath := v.GetString(keyCacheFile)
	if d.observeOnly {
		cachePath = ""
	}
	cache := cloud.NewCache(v.GetDuration(keyUnavailableTTL), d.clock, cachePath)

	cfg := lifecycleConfig(v)
	var drainer lifecycle.Drainer
	if !d.observeOnly {
		drainer = &lifecycle.KubeDrainer{Client: d.client, GracePeriod: cfg.DrainGracePeriod}
	}
	rt.lifecycle = lifecycle.New(lifecycle.Options{
		Config:      cfg,
		Cluster:     d.cluster,
		Provider:    d.provider,
		Store:       d.store,
		Ledger:      rt.ledger,
		Cache:       cache,
		Catalog:     d.catalog,
		Binder:      b,
		Drainer:     drainer,
		Clock:       d.clock,
		ObserveOnly: d.observeOnly,
	})
	rt.engine = controller.New(controller.Options{
		Interval:  v.GetDuration(keyInterval),
		Rules:     rt.rules,
		Catalog:   d.catalog,
		Observer:  rt.observer,
		Lifecycle: rt.lifecycle,
		Ledger:    rt.ledger,
		Store:     d.store,
		Cache:     cache,
		Provider:  d.provider,
		Metrics:   metrics.New(rt.registry),
		Clock:     d.clock,
	})
	return rt, nil
}

// load reads every collaborator the run command needs from configuration.
func load(ctx context.Context, v *viper.Viper) (deps, error) {
	var d deps
	client, err := kubeClient()
	if err != nil {
		return d, err
	}
	cat, err := loadCatalog(ctx, v)
	if err != nil {
		return d, err
	}
	rs, err := loadRules(v, cat)
	if err != nil {
		return d, err
	}
	h, err := resolveCluster(ctx, v)
	if err != nil {
		return d, err
	}
	p, err := newProvider(ctx, v, h)
	if err != nil {
		return d, err
	}
	store, err := state.Open(v.GetString(keyStateFile))
	if err != nil {
		return d, err
	}
	return deps{cluster: h, catalog: cat, rules: rs, provider: p, store: store, client: client}, nil
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the provisioning engine until interrupted.",
		PreRun: func(cmd *cobra.Command, args []string) {
			if err := viper.BindPFlags(cmd.Flags()); err != nil {
				log.Fatalf("unable to initialize run: %v ", err)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, viper.GetViper())
		},
	}
	cmd.Flags().Duration(keyInterval, controller.DefaultInterval, "Planning cadence")
	cmd.Flags().String(keyMetricsAddr, ":9090", "Metrics listen address, empty disables")
	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	d, err := load(ctx, v)
	if err != nil {
		return err
	}
	rt, err := assemble(v, d)
	if err != nil {
		return err
	}
	defer rt.lifecycle.Close()

	if err := rt.lifecycle.Resume(ctx, rt.rules.Snapshot()); err != nil {
		return err
	}
	if v.ConfigFileUsed() != "" {
		rt.rules.Watch(v, rt.catalog)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.observer.Run(gctx) })
	g.Go(func() error { return rt.engine.Run(gctx) })
	if addr := v.GetString(keyMetricsAddr); addr != "" {
		g.Go(func() error { return metrics.Serve(gctx, addr, rt.registry) })
	}
	return g.Wait()
}
