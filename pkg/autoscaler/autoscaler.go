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

// Package autoscaler implements the autoscaler lifecycle manager
// (component G): capture, delete and recreate of the cluster's built-in
// horizontal autoscaler around scale-to-zero transitions.
package autoscaler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/BudEcosystem/scale-to-zero/pkg/types"
	"github.com/BudEcosystem/scale-to-zero/pkg/workloadapi"
)

// Manager captures, deletes and recreates autoscalers, decoupling the
// scale-up critical path from autoscaler API latency via a dedicated
// per-workload recreation timer (§4.G).
type Manager struct {
	api workloadapi.WorkloadAPI

	mu      sync.Mutex
	pending map[types.WorkloadReference]*time.Timer
}

// New constructs a Manager backed by api.
func New(api workloadapi.WorkloadAPI) *Manager {
	return &Manager{api: api, pending: make(map[types.WorkloadReference]*time.Timer)}
}

// Capture fetches the live autoscaler's spec, without mutating cluster
// state.
func (m *Manager) Capture(ctx context.Context, workload types.WorkloadReference) (*types.AutoscalerSpec, error) {
	spec, err := m.api.CaptureAutoscaler(ctx, workload)
	if err != nil {
		return nil, fmt.Errorf("autoscaler: capture %s: %w", workload, err)
	}
	return spec, nil
}

// Delete removes the live autoscaler for workload.
func (m *Manager) Delete(ctx context.Context, workload types.WorkloadReference) error {
	if err := m.api.DeleteAutoscaler(ctx, workload); err != nil {
		return fmt.Errorf("autoscaler: delete %s: %w", workload, err)
	}
	return nil
}

// Recreate constructs a new autoscaler bit-identical to spec.
func (m *Manager) Recreate(ctx context.Context, workload types.WorkloadReference, spec *types.AutoscalerSpec) error {
	if err := m.api.RecreateAutoscaler(ctx, workload, spec); err != nil {
		return fmt.Errorf("autoscaler: recreate %s: %w", workload, err)
	}
	return nil
}

// ScheduleRecreate arranges for Recreate to run after delay, cancelling
// any recreation already pending for the same workload — a fresh
// scale-down arriving before a scheduled recreation fires must win, per
// §4.G's note that a pending recreate is dropped rather than raced.
//
// onSuccess, if non-nil, runs only after Recreate actually succeeds. The
// workload stays suspended for the whole delete→recreate window: callers
// must not mark it unsuspended at schedule time, or a scale-down that
// preempts the pending recreate via CancelPending would find no live
// autoscaler to capture.
func (m *Manager) ScheduleRecreate(workload types.WorkloadReference, spec *types.AutoscalerSpec, delay time.Duration, onSuccess func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.pending[workload]; ok {
		existing.Stop()
	}

	m.pending[workload] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.pending, workload)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.Recreate(ctx, workload, spec); err != nil {
			klog.ErrorS(err, "scheduled autoscaler recreation failed", "workload", workload)
			return
		}
		if onSuccess != nil {
			onSuccess()
		}
	})
}

// CancelPending drops any recreation timer scheduled for workload without
// running it, used when a fresh scale-down preempts a pending recreate.
func (m *Manager) CancelPending(workload types.WorkloadReference) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.pending[workload]; ok {
		existing.Stop()
		delete(m.pending, workload)
	}
}
