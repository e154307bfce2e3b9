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

// Package idle implements the idle detector (component E): a 1s loop that
// identifies idle services and submits scale-down requests in ascending
// priority order, so services other workloads depend on scale down last.
package idle

import (
	"context"
	"sort"
	"time"

	"github.com/BudEcosystem/scale-to-zero/pkg/metrics"
	"github.com/BudEcosystem/scale-to-zero/pkg/registry"
)

// ScaleDownRequester is the narrow slice of the scheduler the detector
// needs.
type ScaleDownRequester interface {
	RequestScaleDown(ip string)
}

// Clock abstracts "now" as a monotonic seconds-since-epoch value.
type Clock func() int64

// Detector runs the periodic idle sweep described in §4.E.
type Detector struct {
	registry  *registry.Registry
	scheduler ScaleDownRequester
	now       Clock
	metrics   *metrics.Metrics
}

// New constructs a Detector over reg, submitting scale-down requests to
// scheduler. m may be nil in tests.
func New(reg *registry.Registry, scheduler ScaleDownRequester, now Clock, m *metrics.Metrics) *Detector {
	return &Detector{registry: reg, scheduler: scheduler, now: now, metrics: m}
}

// Run ticks every period until ctx is cancelled.
func (d *Detector) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepOnce()
		}
	}
}

// sweepOnce performs a single pass of §4.E steps 1-4.
func (d *Detector) sweepOnce() {
	snapshot := d.registry.Snapshot()
	now := d.now()

	if d.metrics != nil {
		d.metrics.RegistrySize.Set(float64(len(snapshot)))
	}

	var idle []string
	priorities := make(map[string]int, len(snapshot))
	for _, rec := range snapshot {
		if rec.Available && now-rec.LastActivity >= rec.ScaleDownIdle {
			idle = append(idle, rec.IP)
			priorities[rec.IP] = rec.Priority
		}
	}

	sort.Slice(idle, func(i, j int) bool { return priorities[idle[i]] < priorities[idle[j]] })

	for _, ip := range idle {
		d.scheduler.RequestScaleDown(ip)
	}
}
