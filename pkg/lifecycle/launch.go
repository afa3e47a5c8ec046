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
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"gitlab.com/davidxarnold/fleet/pkg/cloud"
	"gitlab.com/davidxarnold/fleet/pkg/core"
	"gitlab.com/davidxarnold/fleet/pkg/ledger"
	"gitlab.com/davidxarnold/fleet/pkg/rules"
)

// request builds the provider request for one instance of o under r.
func (c *Controller) request(ctx context.Context, r *rules.Rule, o core.InstanceOffering) (cloud.Request, error) {
	tags := r.NodeTags()
	owner, value := c.cluster.OwnershipTag()
	tags[owner] = value
	tags[core.TagCapacityClass] = string(o.CapacityClass)
	tags[core.TagName] = fmt.Sprintf("%s-%s", c.cluster.ClusterName, r.Name)

	req := cloud.Request{
		Offering:    o,
		Rule:        r.Name,
		Labels:      r.NodeLabels(o),
		Tags:        tags,
		ImageFamily: r.ImageFamily,
		ClientToken: uuid.NewString(),
	}
	if r.Identity == nil {
		return req, nil
	}
	if c.binder == nil {
		return req, &core.ConfigurationError{Rule: r.Name, Reason: "identity binding configured but no binder available"}
	}
	cred, err := c.binder.Bind(ctx, r.Identity.ServiceAccount, r.Identity.Namespace)
	if err != nil {
		return req, fmt.Errorf("bind identity for %s: %w", r.Name, err)
	}
	req.Role = cloud.Role{InstanceProfile: cred.InstanceProfile, ServiceAccount: cred.ServiceAccount}
	tags[core.TagWorkloadRole] = r.Identity.Namespace + "." + r.Identity.ServiceAccount
	return req, nil
}

func (c *Controller) backoff() wait.Backoff {
	return wait.Backoff{
		Duration: c.cfg.RetryBackoff,
		Factor:   2,
		Steps:    c.cfg.LaunchRetries,
		Cap:      time.Minute,
	}
}

// sleep waits d on the controller clock or until ctx is done.
func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-c.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// create calls CreateInstance up to LaunchRetries times, backing off
// exponentially on transient errors.
func (c *Controller) create(ctx context.Context, req cloud.Request) (*cloud.Instance, error) {
	backoff := c.backoff()
	var lastErr error
	for attempt := 1; attempt <= c.cfg.LaunchRetries; attempt++ {
		callCtx, cancel := c.apiContext(ctx)
		inst, err := c.provider.CreateInstance(callCtx, req)
		cancel()
		if err == nil {
			return inst, nil
		}
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		if !core.Retryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == c.cfg.LaunchRetries {
			break
		}
		delay := backoff.Step()
		log.WithFields(log.Fields{
			"rule":     req.Rule,
			"offering": req.Offering.Key(),
			"attempt":  attempt,
			"retry":    delay,
		}).Warnf("launch failed, retrying: %v", err)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, ErrCancelled
		}
	}
	return nil, fmt.Errorf("launch %s for %s after %d attempts: %w (last error: %v)",
		req.Offering.Key(), req.Rule, c.cfg.LaunchRetries, core.ErrCapacityUnavailable, lastErr)
}

// launch creates one instance. The reservation unit is committed on
// success and released otherwise.
func (c *Controller) launch(parent context.Context, r *rules.Rule, o core.InstanceOffering, res *ledger.Reservation) (string, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	untrack := c.track(r.Name, cancel)
	defer untrack()

	fields := log.Fields{"rule": r.Name, "offering": o.Key()}
	req, err := c.request(ctx, r, o)
	if err != nil {
		c.ledger.Release(res)
		return "", err
	}

	inst, err := c.create(ctx, req)
	if err != nil {
		c.ledger.Release(res)
		if errors.Is(err, core.ErrCapacityUnavailable) && c.cache != nil {
			c.cache.MarkUnavailable(r.Name, o, err.Error())
		}
		if !errors.Is(err, ErrCancelled) {
			log.WithFields(fields).Warnf("launch failed: %v", err)
		}
		return "", err
	}

	if ctx.Err() != nil {
		// Cancelled while the create call was in flight.
		c.rollback(inst.ID, fields)
		c.ledger.Release(res)
		return "", ErrCancelled
	}

	rec := &core.NodeRecord{
		ID:            inst.ID,
		Offering:      o,
		Rule:          r.Name,
		LaunchedAt:    c.clock.Now(),
		CapacityClass: o.CapacityClass,
		State:         core.NodeProvisioning,
	}
	if err := c.store.Put(rec); err != nil {
		c.rollback(inst.ID, fields)
		c.ledger.Release(res)
		return "", fmt.Errorf("record node %s: %w", inst.ID, err)
	}
	if err := c.ledger.Commit(res, inst.ID); err != nil {
		log.WithFields(fields).Warnf("failed to commit reservation: %v", err)
	}
	fields["node"] = inst.ID
	log.WithFields(fields).Info("node launched")
	return inst.ID, nil
}

// rollback terminates an instance created by a launch that no longer wants it.
func (c *Controller) rollback(id string, fields log.Fields) {
	ctx, cancel := c.apiContext(context.Background())
	defer cancel()
	if err := c.provider.TerminateInstance(ctx, id); err != nil {
		c.record(fmt.Errorf("rollback %s: %w", id, err))
		log.WithFields(fields).Warnf("failed to roll back instance %s: %v", id, err)
		return
	}
	log.WithFields(fields).WithField("node", id).Info("rolled back cancelled launch")
}
