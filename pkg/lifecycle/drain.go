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

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/kubectl/pkg/drain"

	"gitlab.com/davidxarnold/fleet/pkg/core"
)

// Drainer cordons and evicts a node ahead of termination.
type Drainer interface {
	// Drain cordons the node and evicts its pods, returning when the node
	// is empty or ctx is done.
	Drain(ctx context.Context, nodeName string) error
	Uncordon(ctx context.Context, nodeName string) error
}

// logWriter feeds kubectl drain output into the logger.
type logWriter struct {
	node string
	warn bool
}

func (w logWriter) Write(p []byte) (int, error) {
	entry := log.WithField("node", w.node)
	if w.warn {
		entry.Warn(string(p))
	} else {
		entry.Debug(string(p))
	}
	return len(p), nil
}

// KubeDrainer drains nodes with the kubectl drain helper.
type KubeDrainer struct {
	Client      kubernetes.Interface
	GracePeriod time.Duration
}

func (k *KubeDrainer) helper(ctx context.Context, nodeName string) *drain.Helper {
	h := &drain.Helper{
		Ctx:                 ctx,
		Client:              k.Client,
		Force:               true,
		IgnoreAllDaemonSets: true,
		DeleteEmptyDirData:  true,
		GracePeriodSeconds:  -1,
		Out:                 logWriter{node: nodeName},
		ErrOut:              logWriter{node: nodeName, warn: true},
	}
	if k.GracePeriod > 0 {
		h.GracePeriodSeconds = int(k.GracePeriod.Seconds())
	}
	if deadline, ok := ctx.Deadline(); ok {
		h.Timeout = time.Until(deadline)
	}
	return h
}

func (k *KubeDrainer) node(ctx context.Context, name string) (*v1.Node, error) {
	return k.Client.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
}

// Drain cordons nodeName and evicts its pods.
func (k *KubeDrainer) Drain(ctx context.Context, nodeName string) error {
	node, err := k.node(ctx, nodeName)
	if err != nil {
		return fmt.Errorf("get node %s: %w", nodeName, err)
	}
	h := k.helper(ctx, nodeName)
	if err := drain.RunCordonOrUncordon(h, node, true); err != nil {
		return fmt.Errorf("cordon %s: %w", nodeName, err)
	}
	if err := drain.RunNodeDrain(h, nodeName); err != nil {
		return fmt.Errorf("drain %s: %w", nodeName, err)
	}
	return nil
}

// Uncordon makes nodeName schedulable again.
func (k *KubeDrainer) Uncordon(ctx context.Context, nodeName string) error {
	node, err := k.node(ctx, nodeName)
	if err != nil {
		return fmt.Errorf("get node %s: %w", nodeName, err)
	}
	return drain.RunCordonOrUncordon(k.helper(ctx, nodeName), node, false)
}

// beginDrain moves a node to Draining and drops its ledger usage.
func (c *Controller) beginDrain(id string, reason core.TerminationReason) error {
	_, err := c.store.Update(id, func(rec *core.NodeRecord) error {
		if rec.State == core.NodeDraining {
			return nil
		}
		if err := rec.Transition(core.NodeDraining); err != nil {
			return err
		}
		rec.DrainReason = reason
		return nil
	})
	if err != nil {
		return fmt.Errorf("begin drain: %w", err)
	}
	c.ledger.Forget(id)
	log.WithFields(log.Fields{"node": id, "reason": reason}).Info("node draining")
	return nil
}

// spawnDrain starts the drain of a Draining node in the background unless
// one is already running.
func (c *Controller) spawnDrain(id string) bool {
	c.mu.Lock()
	if c.draining[id] {
		c.mu.Unlock()
		return false
	}
	c.draining[id] = true
	c.mu.Unlock()

	c.drains.Add(1)
	go func() {
		defer c.drains.Done()
		defer func() {
			c.mu.Lock()
			delete(c.draining, id)
			c.mu.Unlock()
		}()
		if err := c.drainAndTerminate(c.base, id); err != nil {
			c.record(err)
		}
	}()
	return true
}

// drainAndTerminate evicts workloads within DrainTimeout, then terminates
// the instance. A timed-out drain is forced and reported as degraded. When
// ctx is cancelled the node is uncordoned and left Draining.
func (c *Controller) drainAndTerminate(ctx context.Context, id string) error {
	rec, ok := c.store.Get(id)
	if !ok {
		return nil
	}
	fields := log.Fields{"node": id, "rule": rec.Rule, "reason": rec.DrainReason}

	var degraded error
	if rec.NodeName != "" && c.drainer != nil {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
		err := c.drainer.Drain(dctx, rec.NodeName)
		timedOut := errors.Is(dctx.Err(), context.DeadlineExceeded)
		cancel()

		switch {
		case ctx.Err() != nil:
			uctx, ucancel := c.apiContext(context.Background())
			defer ucancel()
			if uerr := c.drainer.Uncordon(uctx, rec.NodeName); uerr != nil {
				log.WithFields(fields).Warnf("failed to uncordon after cancelled drain: %v", uerr)
			}
			log.WithFields(fields).Info("drain cancelled, node left draining")
			return nil
		case timedOut:
			degraded = fmt.Errorf("node %s: %w after %s", id, core.ErrDrainTimeout, c.cfg.DrainTimeout)
			log.WithFields(fields).Warn("drain timed out, forcing termination")
		case err != nil:
			log.WithFields(fields).Warnf("drain failed, terminating anyway: %v", err)
		}
	}

	if err := c.terminate(ctx, rec); err != nil {
		return multierr.Append(degraded, err)
	}
	return degraded
}

// terminate deletes the instance and removes its record.
func (c *Controller) terminate(ctx context.Context, rec *core.NodeRecord) error {
	fields := log.Fields{"node": rec.ID, "rule": rec.Rule}
	backoff := c.backoff()
	var err error
	for attempt := 1; attempt <= c.cfg.LaunchRetries; attempt++ {
		callCtx, cancel := c.apiContext(ctx)
		err = c.provider.TerminateInstance(callCtx, rec.ID)
		cancel()
		if err == nil || !core.Retryable(err) || attempt == c.cfg.LaunchRetries {
			break
		}
		if serr := c.sleep(ctx, backoff.Step()); serr != nil {
			break
		}
	}
	if err != nil {
		log.WithFields(fields).Warnf("failed to terminate instance: %v", err)
		return fmt.Errorf("terminate %s: %w", rec.ID, err)
	}

	if _, err := c.store.Update(rec.ID, func(r *core.NodeRecord) error {
		return r.Transition(core.NodeTerminated)
	}); err != nil && !errors.Is(err, core.ErrNodeNotFound) {
		return err
	}
	c.ledger.Forget(rec.ID)
	if err := c.store.Delete(rec.ID); err != nil && !errors.Is(err, core.ErrNodeNotFound) {
		return err
	}
	log.WithFields(fields).Info("node terminated")
	return nil
}
