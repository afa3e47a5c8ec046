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

package demand

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"k8s.io/apimachinery/pkg/util/wait"
	clocktesting "k8s.io/utils/clock/testing"

	"gitlab.com/davidxarnold/fleet/pkg/core"
)

type fakeSource struct {
	streams chan chan Event

	mu     sync.Mutex
	starts int
	nodes  []Node
}

func newFakeSource() *fakeSource {
	return &fakeSource{streams: make(chan chan Event, 4)}
}

func (f *fakeSource) Events(ctx context.Context) (<-chan Event, error) {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	select {
	case ch := <-f.streams:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSource) Nodes() ([]Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes, nil
}

func (f *fakeSource) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

var (
	oneCPU  = core.Resources{MilliCPU: 1000, Memory: 2 << 30}
	halfCPU = core.Resources{MilliCPU: 500, Memory: 1 << 30}
)

func runObserver(t *testing.T, o *Observer) (context.CancelFunc, chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	return cancel, done
}

func TestObserveAggregatesAfterSync(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newFakeSource()
	clk := clocktesting.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	o := NewObserver(src, time.Minute, clk)

	stream := make(chan Event)
	src.streams <- stream
	cancel, done := runObserver(t, o)

	stream <- Event{UID: "a", Op: OpUpsert, Requests: oneCPU, Arch: core.ArchAMD64}
	stream <- Event{UID: "b", Op: OpUpsert, Requests: halfCPU, Arch: core.ArchAMD64}
	stream <- Event{UID: "c", Op: OpUpsert, Requests: oneCPU, Arch: core.ArchARM64, CapacityClass: core.CapacitySpot}
	stream <- Event{Op: OpSynced}
	stream <- Event{UID: "b", Op: OpDelete}
	// An unbuffered send returns only after the previous event was applied.
	stream <- Event{UID: "a", Op: OpUpsert, Requests: oneCPU, Arch: core.ArchAMD64}

	snap := o.Observe(clk.Now())
	assert.False(t, snap.Stale)
	assert.False(t, snap.Degraded)
	groups := snap.Demand.Groups()
	require.Len(t, groups, 2)
	total := snap.Demand.Total()
	assert.Equal(t, int64(2000), total.MilliCPU)

	close(stream)
	cancel()
	<-done
}

func TestStaleAfterThreshold(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newFakeSource()
	clk := clocktesting.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	o := NewObserver(src, time.Minute, clk)

	stream := make(chan Event)
	src.streams <- stream
	cancel, done := runObserver(t, o)

	stream <- Event{UID: "a", Op: OpUpsert, Requests: oneCPU}
	stream <- Event{Op: OpSynced}
	close(stream)
	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)

	snap := o.Observe(clk.Now().Add(30 * time.Second))
	assert.True(t, snap.Degraded, "source down reuses last state")
	assert.False(t, snap.Stale)
	assert.Equal(t, int64(1000), snap.Demand.Total().MilliCPU)

	snap = o.Observe(clk.Now().Add(61 * time.Second))
	assert.True(t, snap.Stale)
	assert.Equal(t, int64(1000), snap.Demand.Total().MilliCPU, "last known vector is kept")

	cancel()
	<-done
}

func TestRunRestartsWithBackoff(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newFakeSource()
	clk := clocktesting.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	o := NewObserver(src, time.Minute, clk).WithBackoff(wait.Backoff{Duration: time.Second, Factor: 2, Steps: 5, Cap: time.Minute})

	first := make(chan Event)
	src.streams <- first
	cancel, done := runObserver(t, o)
	first <- Event{UID: "gone", Op: OpUpsert, Requests: oneCPU}
	first <- Event{Op: OpSynced}
	close(first)

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	second := make(chan Event)
	src.streams <- second
	clk.Step(2 * time.Second)

	// The relisted state replaces the old one once the new stream syncs.
	second <- Event{UID: "new", Op: OpUpsert, Requests: halfCPU}
	second <- Event{Op: OpSynced}
	second <- Event{UID: "new", Op: OpUpsert, Requests: halfCPU}

	assert.Equal(t, 2, src.startCount())
	snap := o.Observe(clk.Now())
	assert.False(t, snap.Degraded)
	assert.Equal(t, int64(500), snap.Demand.Total().MilliCPU)

	close(second)
	cancel()
	<-done
}
