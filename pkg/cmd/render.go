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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	pt "github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"k8s.io/apimachinery/pkg/api/resource"

	"gitlab.com/davidxarnold/fleet/pkg/cloud"
	"gitlab.com/davidxarnold/fleet/pkg/core"
	"gitlab.com/davidxarnold/fleet/pkg/demand"
	"gitlab.com/davidxarnold/fleet/pkg/planner"
)

// outputFormat resolves --output, preferring pretty tables on a terminal.
func outputFormat(w io.Writer) string {
	if o := viper.GetString(keyOutput); o != "" {
		return o
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "pretty"
	}
	return "txt"
}

func newTable(w io.Writer, format string) pt.Writer {
	t := pt.NewWriter()
	t.SetOutputMirror(w)
	if format == "pretty" {
		t.SetStyle(pt.StyleColoredBright)
	}
	// Footers carry quantities; upper-casing turns 1500m into 1500M.
	t.Style().Format.Footer = text.FormatDefault
	if format == "pretty" {
		return t
	}
	t.Style().Options.DrawBorder = false
	t.Style().Options.SeparateColumns = false
	t.Style().Options.SeparateFooter = false
	t.Style().Options.SeparateHeader = false
	t.Style().Options.SeparateRows = false
	return t
}

func renderJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func formatCPU(milli int64) string {
	return resource.NewMilliQuantity(milli, resource.DecimalSI).String()
}

func formatMemory(bytes int64) string {
	return resource.NewQuantity(bytes, resource.BinarySI).String()
}

func formatAge(now, t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return now.Sub(t).Round(time.Second).String()
}

type planView struct {
	ObservedAt time.Time       `json:"observedAt"`
	Degraded   bool            `json:"degraded"`
	Stale      bool            `json:"stale"`
	Decisions  []core.Decision `json:"decisions"`
	Unmet      []core.Unmet    `json:"unmet"`
}

func renderPlan(w io.Writer, plan planner.Plan, snap demand.Snapshot) error {
	format := outputFormat(w)
	if format == "json" {
		return renderJSON(w, planView{
			ObservedAt: snap.ObservedAt,
			Degraded:   snap.Degraded,
			Stale:      snap.Stale,
			Decisions:  plan.Decisions,
			Unmet:      plan.Unmet,
		})
	}

	t := newTable(w, format)
	t.AppendHeader(pt.Row{"Action", "Rule", "Target", "Count", "CPU", "Memory", "Reason"})
	for _, d := range plan.Decisions {
		switch d.Kind {
		case core.DecisionLaunch:
			c := d.Capacity()
			t.AppendRow(pt.Row{d.Kind, d.Rule, d.Offering.Key(), d.Count, formatCPU(c.MilliCPU), formatMemory(c.Memory), ""})
		default:
			t.AppendRow(pt.Row{d.Kind, d.Rule, d.NodeID, 1, "", "", d.Reason})
		}
	}
	for _, u := range plan.Unmet {
		t.AppendRow(pt.Row{"Unmet", "", u.Key.String(), "", formatCPU(u.Resources.MilliCPU), formatMemory(u.Resources.Memory), u.Reason})
	}
	total := snap.Demand.Total()
	t.AppendFooter(pt.Row{"Pending", "", "", "", formatCPU(total.MilliCPU), formatMemory(total.Memory), planStatus(snap)})
	t.Render()
	return nil
}

func planStatus(snap demand.Snapshot) string {
	switch {
	case snap.Stale:
		return "stale"
	case snap.Degraded:
		return "degraded"
	}
	return ""
}

// nodeRow is one record, optionally joined with the provider's view.
type nodeRow struct {
	Record   *core.NodeRecord `json:"record,omitempty"`
	Instance *cloud.Instance  `json:"instance,omitempty"`
}

// joinInstances pairs records with instances by id. Instances without a
// record are appended as orphans.
func joinInstances(recs []*core.NodeRecord, instances []cloud.Instance) []nodeRow {
	byID := make(map[string]cloud.Instance, len(instances))
	for _, inst := range instances {
		byID[inst.ID] = inst
	}
	rows := make([]nodeRow, 0, len(recs))
	for _, rec := range recs {
		row := nodeRow{Record: rec}
		if inst, ok := byID[rec.ID]; ok {
			row.Instance = &inst
			delete(byID, rec.ID)
		}
		rows = append(rows, row)
	}
	orphans := make([]string, 0, len(byID))
	for id := range byID {
		orphans = append(orphans, id)
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		inst := byID[id]
		rows = append(rows, nodeRow{Instance: &inst})
	}
	return rows
}

func renderNodes(w io.Writer, rows []nodeRow, withCloud bool, now time.Time) error {
	format := outputFormat(w)
	if format == "json" {
		return renderJSON(w, rows)
	}

	t := newTable(w, format)
	header := pt.Row{"ID", "Node", "Rule", "Offering", "State", "Age", "Workloads", "Allocated-CPU", "Allocated-MEM", "Idle"}
	if withCloud {
		header = append(header, "Provider-State")
	}
	t.AppendHeader(header)

	var allocated, capacity core.Resources
	for _, r := range rows {
		if r.Record == nil {
			row := pt.Row{r.Instance.ID, "", r.Instance.Rule, r.Instance.InstanceType, "Orphan", formatAge(now, r.Instance.LaunchedAt), "", "", "", ""}
			if withCloud {
				row = append(row, r.Instance.State)
			}
			t.AppendRow(row)
			continue
		}
		rec := r.Record
		allocated = allocated.Add(rec.Allocated)
		capacity = capacity.Add(rec.Offering.Capacity)
		row := pt.Row{
			rec.ID, rec.NodeName, rec.Rule, rec.Offering.Key(), rec.State,
			formatAge(now, rec.LaunchedAt), rec.Workloads,
			formatCPU(rec.Allocated.MilliCPU), formatMemory(rec.Allocated.Memory),
			formatAge(now, rec.IdleSince),
		}
		if withCloud {
			providerState := "missing"
			if r.Instance != nil {
				providerState = r.Instance.State
			}
			row = append(row, providerState)
		}
		t.AppendRow(row)
	}

	footer := pt.Row{"Totals", "", "", "", "", "", "", formatCPU(allocated.MilliCPU) + "/" + formatCPU(capacity.MilliCPU), formatMemory(allocated.Memory) + "/" + formatMemory(capacity.Memory), ""}
	if withCloud {
		footer = append(footer, "")
	}
	t.AppendFooter(footer)
	t.Render()
	return nil
}

func renderCatalog(w io.Writer, offerings []core.InstanceOffering) error {
	format := outputFormat(w)
	if format == "json" {
		return renderJSON(w, offerings)
	}
	t := newTable(w, format)
	t.AppendHeader(pt.Row{"Type", "Arch", "Capacity-Type", "CPU", "Memory", "Cost-Weight"})
	for _, o := range offerings {
		t.AppendRow(pt.Row{o.Name(), o.Arch, o.CapacityClass, formatCPU(o.Capacity.MilliCPU), formatMemory(o.Capacity.Memory), fmt.Sprintf("%.3f", o.CostWeight)})
	}
	t.AppendFooter(pt.Row{"Total", len(offerings), "", "", "", ""})
	t.Render()
	return nil
}
