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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"gitlab.com/davidxarnold/fleet/pkg/catalog"
	"gitlab.com/davidxarnold/fleet/pkg/cloud"
	"gitlab.com/davidxarnold/fleet/pkg/core"
	"gitlab.com/davidxarnold/fleet/pkg/demand"
	"gitlab.com/davidxarnold/fleet/pkg/rules"
	"gitlab.com/davidxarnold/fleet/pkg/util"
)

// Observe folds a demand snapshot into the records: registration promotes
// Provisioning nodes to Ready, usage and idle-since are refreshed, and
// Provisioning nodes past LaunchTimeout are terminated as launch failures.
// An observe-only controller stops after the refresh.
func (c *Controller) Observe(snap demand.Snapshot, now time.Time) {
	byID := make(map[string]demand.Node, len(snap.Nodes))
	for _, n := range snap.Nodes {
		if id := util.InstanceID(n.ProviderID); id != "" {
			byID[id] = n
		}
	}

	for _, rec := range c.store.List() {
		node, registered := byID[rec.ID]
		switch rec.State {
		case core.NodeProvisioning:
			if registered && node.Ready {
				c.promote(rec.ID, node, now)
				continue
			}
			if c.readOnly {
				continue
			}
			if !snap.Degraded && c.cfg.LaunchTimeout > 0 && now.Sub(rec.LaunchedAt) > c.cfg.LaunchTimeout {
				c.launchTimedOut(rec)
			}
		case core.NodeReady, core.NodeDraining:
			if registered {
				c.refresh(rec.ID, node, now)
			}
			if rec.State == core.NodeDraining && !c.readOnly {
				c.resumeDrain(rec.ID)
			}
		}
	}
}

func (c *Controller) promote(id string, node demand.Node, now time.Time) {
	_, err := c.store.Update(id, func(rec *core.NodeRecord) error {
		if err := rec.Transition(core.NodeReady); err != nil {
			return err
		}
		apply(rec, node, now)
		return nil
	})
	if err != nil {
		log.WithField("node", id).Warnf("failed to promote node: %v", err)
		return
	}
	log.WithFields(log.Fields{"node": id, "name": node.Name}).Info("node ready")
}

func (c *Controller) refresh(id string, node demand.Node, now time.Time) {
	if _, err := c.store.Update(id, func(rec *core.NodeRecord) error {
		apply(rec, node, now)
		return nil
	}); err != nil {
		log.WithField("node", id).Debugf("failed to refresh node: %v", err)
	}
}

// apply copies observed usage onto a record. Idle-since starts when the
// last workload leaves and resets when one arrives.
func apply(rec *core.NodeRecord, node demand.Node, now time.Time) {
	rec.NodeName = node.Name
	rec.Allocated = node.Allocated
	rec.Workloads = node.Workloads
	switch {
	case node.Workloads > 0:
		rec.IdleSince = time.Time{}
	case rec.IdleSince.IsZero():
		rec.IdleSince = now
	}
}

// launchTimedOut terminates a node that never registered. A node whose
// termination is already running is left alone.
func (c *Controller) launchTimedOut(rec *core.NodeRecord) {
	c.mu.Lock()
	if c.draining[rec.ID] {
		c.mu.Unlock()
		return
	}
	c.draining[rec.ID] = true
	c.mu.Unlock()

	fields := log.Fields{"node": rec.ID, "rule": rec.Rule, "offering": rec.Offering.Key()}
	log.WithFields(fields).Warn("node did not become ready before launch timeout")
	if c.cache != nil {
		c.cache.MarkUnavailable(rec.Rule, rec.Offering, string(core.ReasonLaunchTimeout))
	}
	c.ledger.Forget(rec.ID)
	c.record(fmt.Errorf("node %s: %s after %s", rec.ID, core.ReasonLaunchTimeout, c.cfg.LaunchTimeout))

	c.drains.Add(1)
	go func() {
		defer c.drains.Done()
		defer func() {
			c.mu.Lock()
			delete(c.draining, rec.ID)
			c.mu.Unlock()
		}()
		if err := c.terminate(c.base, rec); err != nil {
			c.record(err)
		}
	}()
}

// resumeDrain restarts the drain of a Draining record nobody is working on.
func (c *Controller) resumeDrain(id string) {
	if c.base.Err() != nil {
		return
	}
	c.mu.Lock()
	for _, a := range c.awaiting {
		if a == id {
			c.mu.Unlock()
			return
		}
	}
	c.mu.Unlock()
	c.spawnDrain(id)
}

// Interrupt handles a provider reclaim notice. The node moves to Draining
// with the interrupted reason and waits for the next Execute, so its
// replacement is submitted before the drain starts. It reports whether the
// notice concerned a managed node.
func (c *Controller) Interrupt(n cloud.Interruption) bool {
	rec, err := c.store.Update(n.InstanceID, func(rec *core.NodeRecord) error {
		if rec.State == core.NodeDraining {
			return nil
		}
		if err := rec.Transition(core.NodeDraining); err != nil {
			return err
		}
		rec.DrainReason = core.ReasonInterrupted
		return nil
	})
	if err != nil {
		if errors.Is(err, core.ErrNodeNotFound) {
			log.WithField("node", n.InstanceID).Debug("ignoring interruption for unknown node")
		} else {
			log.WithField("node", n.InstanceID).Warnf("failed to handle interruption: %v", err)
		}
		return false
	}
	c.ledger.Forget(rec.ID)

	c.mu.Lock()
	c.awaiting = append(c.awaiting, rec.ID)
	c.mu.Unlock()
	log.WithFields(log.Fields{
		"node":     rec.ID,
		"rule":     rec.Rule,
		"deadline": n.Deadline,
	}).Warn("node interrupted, replanning")
	return true
}

// Resume reconciles persisted records with the provider at startup: the
// ledger is seeded, managed instances missing from the store are adopted
// as Provisioning, records whose instance is gone are dropped, and Draining
// records resume termination.
func (c *Controller) Resume(ctx context.Context, set *rules.Set) error {
	callCtx, cancel := c.apiContext(ctx)
	instances, err := c.provider.ListInstances(callCtx)
	cancel()
	if err != nil {
		c.ledger.Seed(c.store.List())
		return fmt.Errorf("list instances: %w", err)
	}

	live := make(map[string]bool, len(instances))
	for _, inst := range instances {
		live[inst.ID] = true
		if _, ok := c.store.Get(inst.ID); ok || !inst.Managed() {
			continue
		}
		if err := c.adopt(inst, set); err != nil {
			log.WithField("node", inst.ID).Warnf("failed to adopt instance: %v", err)
		}
	}

	for _, rec := range c.store.List() {
		if live[rec.ID] {
			continue
		}
		log.WithFields(log.Fields{"node": rec.ID, "state": rec.State}).Info("instance gone, dropping record")
		if err := c.store.Delete(rec.ID); err != nil {
			return err
		}
	}

	records := c.store.List()
	c.ledger.Seed(records)
	for _, rec := range records {
		if rec.State != core.NodeDraining {
			continue
		}
		if rec.DrainReason.Replaces() {
			c.mu.Lock()
			c.awaiting = append(c.awaiting, rec.ID)
			c.mu.Unlock()
			continue
		}
		c.spawnDrain(rec.ID)
	}
	return nil
}

// adopt records a managed instance launched before a restart.
func (c *Controller) adopt(inst cloud.Instance, set *rules.Set) error {
	rule := inst.Rule
	if set != nil {
		// GCE labels lowercase the rule name.
		for _, r := range set.Rules {
			if strings.EqualFold(r.Name, inst.Rule) {
				rule = r.Name
				break
			}
		}
	}
	offering, err := c.offeringOf(inst)
	if err != nil {
		return err
	}
	rec := &core.NodeRecord{
		ID:            inst.ID,
		Offering:      offering,
		Rule:          rule,
		LaunchedAt:    inst.LaunchedAt,
		CapacityClass: inst.CapacityClass,
		State:         core.NodeProvisioning,
	}
	if rec.LaunchedAt.IsZero() {
		rec.LaunchedAt = c.clock.Now()
	}
	if err := c.store.Put(rec); err != nil {
		return err
	}
	log.WithFields(log.Fields{"node": inst.ID, "rule": rule, "offering": offering.Key()}).Info("adopted managed instance")
	return nil
}

func (c *Controller) offeringOf(inst cloud.Instance) (core.InstanceOffering, error) {
	if c.catalog != nil {
		if o, ok := c.catalog.Lookup(inst.InstanceType, inst.CapacityClass); ok {
			return o, nil
		}
	}
	family, size, sep, err := catalog.SplitType(inst.InstanceType)
	if err != nil {
		return core.InstanceOffering{}, err
	}
	log.WithField("node", inst.ID).Warnf("instance type %s not in catalog, capacity unknown", inst.InstanceType)
	return core.InstanceOffering{Family: family, Size: size, Separator: sep, CapacityClass: inst.CapacityClass}, nil
}
