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
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gitlab.com/davidxarnold/fleet/pkg/cloud"
	"gitlab.com/davidxarnold/fleet/pkg/state"
)

func newNodesCmd() *cobra.Command {
	var cloudInfo bool
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List the nodes fleet manages.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return nodes(cmd.Context(), viper.GetViper(), cmd.OutOrStdout(), cloudInfo)
		},
	}
	cmd.Flags().BoolVarP(&cloudInfo, "cloud-info", "c", false,
		"-c, --cloud-info  Include instance state (query from cloud provider). true|false")
	return cmd
}

func nodes(ctx context.Context, v *viper.Viper, w io.Writer, cloudInfo bool) error {
	store, err := state.Open(v.GetString(keyStateFile))
	if err != nil {
		return err
	}

	var instances []cloud.Instance
	if cloudInfo {
		h, err := resolveCluster(ctx, v)
		if err != nil {
			return err
		}
		p, err := newProvider(ctx, v, h)
		if err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, v.GetDuration(keyAPITimeout))
		instances, err = p.ListInstances(callCtx)
		cancel()
		if err != nil {
			return err
		}
	}
	return renderNodes(w, joinInstances(store.List(), instances), cloudInfo, time.Now())
}
