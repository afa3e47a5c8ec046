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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gitlab.com/davidxarnold/fleet/pkg/core"
	"gitlab.com/davidxarnold/fleet/pkg/rules"
)

type catalogFilter struct {
	arch        string
	capacity    string
	provisioner string
}

func newCatalogCmd() *cobra.Command {
	var f catalogFilter
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the instance offerings available to provisioners.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listCatalog(cmd.Context(), viper.GetViper(), cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().StringVar(&f.arch, "arch", "", "Only offerings of this architecture. One of: amd64|arm64")
	cmd.Flags().StringVar(&f.capacity, "capacity-type", "", "Only offerings of this capacity type. One of: spot|on-demand")
	cmd.Flags().StringVar(&f.provisioner, "provisioner", "", "Only offerings the named provisioner may launch")
	return cmd
}

// predicate matches offerings against the arch and capacity-type flags.
func (f catalogFilter) predicate() (func(core.InstanceOffering) bool, error) {
	var (
		arch  core.Arch
		class core.CapacityClass
		err   error
	)
	if f.arch != "" {
		if arch, err = core.ParseArch(f.arch); err != nil {
			return nil, err
		}
	}
	if f.capacity != "" {
		if class, err = core.ParseCapacityClass(f.capacity); err != nil {
			return nil, err
		}
	}
	return func(o core.InstanceOffering) bool {
		if arch != "" && o.Arch != arch {
			return false
		}
		return class == "" || o.CapacityClass == class
	}, nil
}

func listCatalog(ctx context.Context, v *viper.Viper, w io.Writer, f catalogFilter) error {
	cat, err := loadCatalog(ctx, v)
	if err != nil {
		return err
	}
	keep, err := f.predicate()
	if err != nil {
		return err
	}
	if f.provisioner != "" {
		rs, err := loadRules(v, cat)
		if err != nil {
			return err
		}
		set := &rules.Set{Rules: rs}
		r, ok := set.Get(f.provisioner)
		if !ok {
			return fmt.Errorf("unknown provisioner %q", f.provisioner)
		}
		base := keep
		keep = func(o core.InstanceOffering) bool { return base(o) && r.Matches(o) }
	}
	return renderCatalog(w, cat.Filter(keep))
}
