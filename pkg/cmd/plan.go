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
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/wait"

	"gitlab.com/davidxarnold/fleet/pkg/bootstrap"
	"gitlab.com/davidxarnold/fleet/pkg/cloud/fake"
	"gitlab.com/davidxarnold/fleet/pkg/state"
)

func newPlanCmd() *cobra.Command {
	var syncTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the decisions the next cycle would make without executing them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return plan(cmd.Context(), viper.GetViper(), cmd.OutOrStdout(), syncTimeout)
		},
	}
	cmd.Flags().DurationVar(&syncTimeout, "sync-timeout", 30*time.Second, "How long to wait for the cluster view to sync")
	return cmd
}

// plan runs one planning pass against a copy of the node table. Nothing is
// launched, drained or terminated: the lifecycle controller only observes,
// is backed by the in-memory provider and keeps its cache in memory.
func plan(ctx context.Context, v *viper.Viper, w io.Writer, syncTimeout time.Duration) error {
	client, err := kubeClient()
	if err != nil {
		return err
	}
	cat, err := loadCatalog(ctx, v)
	if err != nil {
		return err
	}
	rs, err := loadRules(v, cat)
	if err != nil {
		return err
	}
	cluster, err := bootstrap.FromConfig(v)
	if err != nil {
		return err
	}
	disk, err := state.Open(v.GetString(keyStateFile))
	if err != nil {
		return err
	}
	store := state.NewMemory()
	for _, rec := range disk.List() {
		if err := store.Put(rec); err != nil {
			return err
		}
	}

	rt, err := assemble(v, deps{
		cluster:     bootstrap.Handle(cluster),
		catalog:     cat,
		rules:       rs,
		provider:    fake.New(nil),
		store:       store,
		client:      client,
		observeOnly: true,
	})
	if err != nil {
		return err
	}
	defer rt.lifecycle.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rt.observer.Run(ctx)
	}()
	defer func() { cancel(); <-done }()

	err = wait.PollUntilContextTimeout(ctx, 200*time.Millisecond, syncTimeout, true, func(context.Context) (bool, error) {
		return !rt.observer.Observe(time.Now()).Degraded, nil
	})
	if err != nil {
		return fmt.Errorf("cluster view did not sync: %w", err)
	}

	p, snap, _ := rt.engine.Plan(time.Now())
	return renderPlan(w, p, snap)
}
