/*
Copyright 2024 Bud Studio.

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

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zautoscaler "github.com/BudEcosystem/scale-to-zero/pkg/autoscaler"
	"github.com/BudEcosystem/scale-to-zero/pkg/ipaddr"
	"github.com/BudEcosystem/scale-to-zero/pkg/kernelmap"
	"github.com/BudEcosystem/scale-to-zero/pkg/registry"
	"github.com/BudEcosystem/scale-to-zero/pkg/types"
)

type fakeWorkloadAPI struct {
	mu            sync.Mutex
	scaleCalls    []types.WorkloadReference
	scaleValues   []int32
	ready         bool
	captureCalls  int
	deleteCalls   int
	recreateCalls int
}

func (f *fakeWorkloadAPI) Scale(ctx context.Context, workload types.WorkloadReference, replicas int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scaleCalls = append(f.scaleCalls, workload)
	f.scaleValues = append(f.scaleValues, replicas)
	return nil
}

func (f *fakeWorkloadAPI) Ready(ctx context.Context, workload types.WorkloadReference) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready, nil
}

func (f *fakeWorkloadAPI) CaptureAutoscaler(ctx context.Context, workload types.WorkloadReference) (*types.AutoscalerSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captureCalls++
	return &types.AutoscalerSpec{MaxReplicas: 5}, nil
}

func (f *fakeWorkloadAPI) DeleteAutoscaler(ctx context.Context, workload types.WorkloadReference) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return nil
}

func (f *fakeWorkloadAPI) RecreateAutoscaler(ctx context.Context, workload types.WorkloadReference, spec *types.AutoscalerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recreateCalls++
	return nil
}

func newTestScheduler(reg *registry.Registry, api *fakeWorkloadAPI) (*Scheduler, *kernelmap.Bridge) {
	bridge := kernelmap.New(kernelmap.NewMapTable(), reg)
	mgr := zautoscaler.New(api)
	cfg := DefaultConfig()
	cfg.InterServiceDelay = 10 * time.Millisecond
	cfg.ReadyTimeout = 100 * time.Millisecond
	return New(reg, api, bridge, mgr, nil, cfg), bridge
}

func TestScaleDownBasic(t *testing.T) {
	reg := registry.New()
	workload := types.WorkloadReference{Kind: types.WorkloadKindDeployment, Namespace: "ns", Name: "svc-a"}
	reg.Upsert("10.0.0.10", &types.ServiceRecord{Workload: workload, Available: true})

	api := &fakeWorkloadAPI{ready: true}
	s, bridge := newTestScheduler(reg, api)

	require.NoError(t, s.scaleDownLocked(context.Background(), "10.0.0.10"))

	rec, _ := reg.Get("10.0.0.10")
	assert.False(t, rec.Available)

	ipU32, _ := ipaddr.ToUint32("10.0.0.10")
	v, ok := bridge.Get(ipU32)
	assert.True(t, ok)
	assert.False(t, v)

	assert.Equal(t, []int32{0}, api.scaleValues)
}

func TestScaleUpRateLimitCoalesces(t *testing.T) {
	reg := registry.New()
	workload := types.WorkloadReference{Kind: types.WorkloadKindDeployment, Namespace: "ns", Name: "svc-a"}
	reg.Upsert("10.0.0.10", &types.ServiceRecord{Workload: workload, Available: false})

	api := &fakeWorkloadAPI{ready: true}
	s, _ := newTestScheduler(reg, api)

	s.RequestScaleUp("10.0.0.10")
	time.Sleep(50 * time.Millisecond)
	s.RequestScaleUp("10.0.0.10") // within the 5s rate window: must coalesce
	time.Sleep(50 * time.Millisecond)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Len(t, api.scaleCalls, 1, "expected the second scale-up within the rate window to be coalesced")
}

func TestScaleUpClosureOrderingChildrenFirst(t *testing.T) {
	reg := registry.New()
	gwRef := types.WorkloadReference{Kind: types.WorkloadKindDeployment, Namespace: "ns", Name: "gw"}
	aRef := types.WorkloadReference{Kind: types.WorkloadKindDeployment, Namespace: "ns", Name: "a"}

	reg.Upsert("10.0.0.1", &types.ServiceRecord{
		Workload:     gwRef,
		Dependencies: []types.WorkloadReference{aRef},
		Priority:     types.Priority([]types.WorkloadReference{aRef}, nil),
	})
	reg.Upsert("10.0.0.10", &types.ServiceRecord{
		Workload:   aRef,
		Dependents: []types.WorkloadReference{gwRef},
		Priority:   types.Priority(nil, []types.WorkloadReference{gwRef}),
	})

	api := &fakeWorkloadAPI{ready: true}
	s, _ := newTestScheduler(reg, api)

	s.RequestScaleUp("10.0.0.1")
	time.Sleep(200 * time.Millisecond)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.scaleCalls, 2)
	assert.Equal(t, aRef, api.scaleCalls[0], "expected dependency 'a' to be scaled up before 'gw'")
	assert.Equal(t, gwRef, api.scaleCalls[1])
}

// TestIdleScaleDownDuringPendingRecreateReusesCapturedSpec reproduces the
// scale_down_idle < autoscaler_recreate_delay race: a scale-down must not
// try to re-capture an autoscaler that a still-pending recreate hasn't
// created yet.
func TestIdleScaleDownDuringPendingRecreateReusesCapturedSpec(t *testing.T) {
	reg := registry.New()
	workload := types.WorkloadReference{Kind: types.WorkloadKindDeployment, Namespace: "ns", Name: "svc-a"}
	capturedSpec := &types.AutoscalerSpec{MaxReplicas: 7}
	reg.Upsert("10.0.0.10", &types.ServiceRecord{
		Workload:  workload,
		Available: false,
		Autoscaler: types.AutoscalerState{
			Enabled:      true,
			Suspended:    true,
			CapturedSpec: capturedSpec,
		},
	})

	api := &fakeWorkloadAPI{ready: true}
	s, _ := newTestScheduler(reg, api)
	s.cfg.AutoscalerRecreateDelay = 300 * time.Millisecond

	rec, _ := reg.Get("10.0.0.10")
	s.scaleUpOne(rec)

	// The recreate is scheduled but has not fired yet: Suspended must still
	// be true and the captured spec must still be held.
	mid, _ := reg.Get("10.0.0.10")
	require.True(t, mid.Autoscaler.Suspended, "expected autoscaler to remain suspended until recreate actually succeeds")
	require.NotNil(t, mid.Autoscaler.CapturedSpec)

	require.NoError(t, s.scaleDownLocked(context.Background(), "10.0.0.10"))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, 0, api.captureCalls, "expected no re-capture: the autoscaler was never recreated")
	assert.Equal(t, 0, api.deleteCalls, "expected no delete: there was nothing live to delete")

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 0, api.recreateCalls, "expected the pending recreate to have been cancelled by the scale-down")

	final, _ := reg.Get("10.0.0.10")
	assert.True(t, final.Autoscaler.Suspended)
	assert.NotNil(t, final.Autoscaler.CapturedSpec, "expected the captured spec to survive for the next scale-up")
}
