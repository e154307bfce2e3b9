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

package autoscaler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BudEcosystem/scale-to-zero/pkg/types"
)

type fakeAPI struct {
	mu        sync.Mutex
	captured  *types.AutoscalerSpec
	deleted   int
	recreated []*types.AutoscalerSpec
}

func (f *fakeAPI) Scale(ctx context.Context, workload types.WorkloadReference, replicas int32) error {
	return nil
}

func (f *fakeAPI) Ready(ctx context.Context, workload types.WorkloadReference) (bool, error) {
	return true, nil
}

func (f *fakeAPI) CaptureAutoscaler(ctx context.Context, workload types.WorkloadReference) (*types.AutoscalerSpec, error) {
	return f.captured, nil
}

func (f *fakeAPI) DeleteAutoscaler(ctx context.Context, workload types.WorkloadReference) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted++
	return nil
}

func (f *fakeAPI) RecreateAutoscaler(ctx context.Context, workload types.WorkloadReference, spec *types.AutoscalerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recreated = append(f.recreated, spec)
	return nil
}

func TestCaptureThenRecreateRoundTrip(t *testing.T) {
	minReplicas := int32(2)
	cpu := int32(60)
	spec := &types.AutoscalerSpec{MinReplicas: &minReplicas, MaxReplicas: 5, TargetCPUUtilization: &cpu}

	api := &fakeAPI{captured: spec}
	mgr := New(api)
	workload := types.WorkloadReference{Kind: types.WorkloadKindDeployment, Namespace: "ns", Name: "svc-b"}

	got, err := mgr.Capture(context.Background(), workload)
	require.NoError(t, err)
	assert.True(t, got.Equal(spec))

	require.NoError(t, mgr.Delete(context.Background(), workload))
	assert.Equal(t, 1, api.deleted)

	require.NoError(t, mgr.Recreate(context.Background(), workload, got))
	require.Len(t, api.recreated, 1)
	assert.True(t, api.recreated[0].Equal(spec))
}

func TestScheduleRecreateCancelledByFreshScaleDown(t *testing.T) {
	api := &fakeAPI{}
	mgr := New(api)
	workload := types.WorkloadReference{Kind: types.WorkloadKindDeployment, Namespace: "ns", Name: "svc-b"}
	spec := &types.AutoscalerSpec{MaxReplicas: 1}

	mgr.ScheduleRecreate(workload, spec, 50*time.Millisecond, nil)
	mgr.CancelPending(workload)

	time.Sleep(100 * time.Millisecond)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Empty(t, api.recreated, "expected cancelled recreation not to run")
}

func TestScheduleRecreateFiresAfterDelay(t *testing.T) {
	api := &fakeAPI{}
	mgr := New(api)
	workload := types.WorkloadReference{Kind: types.WorkloadKindDeployment, Namespace: "ns", Name: "svc-b"}
	spec := &types.AutoscalerSpec{MaxReplicas: 1}

	var onSuccessCalled int32
	mgr.ScheduleRecreate(workload, spec, 20*time.Millisecond, func() { atomic.AddInt32(&onSuccessCalled, 1) })
	time.Sleep(100 * time.Millisecond)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Len(t, api.recreated, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&onSuccessCalled))
}
