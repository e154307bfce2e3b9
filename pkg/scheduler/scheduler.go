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

// Package scheduler implements the scaling scheduler (component F): the
// central serialiser of scale operations. It rate-limits scale-ups,
// computes one-hop dependency closures, orders batches by priority, and
// issues workload and autoscaler API calls through per-service queues.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/BudEcosystem/scale-to-zero/pkg/autoscaler"
	"github.com/BudEcosystem/scale-to-zero/pkg/ipaddr"
	"github.com/BudEcosystem/scale-to-zero/pkg/kernelmap"
	"github.com/BudEcosystem/scale-to-zero/pkg/metrics"
	"github.com/BudEcosystem/scale-to-zero/pkg/registry"
	"github.com/BudEcosystem/scale-to-zero/pkg/scalererrors"
	"github.com/BudEcosystem/scale-to-zero/pkg/types"
	"github.com/BudEcosystem/scale-to-zero/pkg/workloadapi"
)

// Config holds the scheduler's timing parameters (§6.4).
type Config struct {
	RateWindow              time.Duration
	ReadyTimeout            time.Duration
	AutoscalerRecreateDelay time.Duration
	InterServiceDelay       time.Duration
	APICallTimeout          time.Duration
}

// DefaultConfig matches the §6.4 defaults.
func DefaultConfig() Config {
	return Config{
		RateWindow:              5 * time.Second,
		ReadyTimeout:             30 * time.Second,
		AutoscalerRecreateDelay: 10 * time.Second,
		InterServiceDelay:       500 * time.Millisecond,
		APICallTimeout:          30 * time.Second,
	}
}

// Scheduler implements §4.F.
type Scheduler struct {
	reg           *registry.Registry
	api           workloadapi.WorkloadAPI
	bridge        *kernelmap.Bridge
	autoscalerMgr *autoscaler.Manager
	metrics       *metrics.Metrics
	cfg           Config

	serviceLocksMu sync.Mutex
	serviceLocks   map[string]*sync.Mutex

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New constructs a Scheduler wiring the registry, the cluster API, the
// kernel-map bridge, and the autoscaler lifecycle manager together.
func New(reg *registry.Registry, api workloadapi.WorkloadAPI, bridge *kernelmap.Bridge, autoscalerMgr *autoscaler.Manager, m *metrics.Metrics, cfg Config) *Scheduler {
	return &Scheduler{
		reg:           reg,
		api:           api,
		bridge:        bridge,
		autoscalerMgr: autoscalerMgr,
		metrics:       m,
		cfg:           cfg,
		serviceLocks:  make(map[string]*sync.Mutex),
		limiters:      make(map[string]*rate.Limiter),
	}
}

func (s *Scheduler) lockFor(ip string) *sync.Mutex {
	s.serviceLocksMu.Lock()
	defer s.serviceLocksMu.Unlock()
	l, ok := s.serviceLocks[ip]
	if !ok {
		l = &sync.Mutex{}
		s.serviceLocks[ip] = l
	}
	return l
}

func (s *Scheduler) limiterFor(ip string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Every(s.cfg.RateWindow), 1)
		s.limiters[ip] = l
	}
	return l
}

// RequestScaleDown submits a scale-down request for ip, run asynchronously
// on ip's per-service queue.
func (s *Scheduler) RequestScaleDown(ip string) {
	go func() {
		lock := s.lockFor(ip)
		lock.Lock()
		defer lock.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.APICallTimeout)
		defer cancel()
		if err := s.scaleDownLocked(ctx, ip); err != nil {
			klog.ErrorS(err, "scale-down failed", "ip", ip)
		}
	}()
}

// scaleDownLocked implements §4.F's scale-down steps for a single service.
// Caller must hold ip's per-service lock.
func (s *Scheduler) scaleDownLocked(ctx context.Context, ip string) error {
	rec, ok := s.reg.Get(ip)
	if !ok {
		return nil
	}

	s.autoscalerMgr.CancelPending(rec.Workload)

	if rec.Autoscaler.Enabled && !rec.Autoscaler.Suspended {
		spec, err := s.autoscalerMgr.Capture(ctx, rec.Workload)
		switch {
		case errors.Is(err, scalererrors.ErrNotFound):
			// The autoscaler vanished (e.g. deleted out-of-band) before we
			// captured it: nothing to preserve, but we must still mark the
			// service suspended so a later scale-down doesn't try to
			// capture or delete an autoscaler that no longer exists.
			klog.V(2).InfoS("no live autoscaler to capture, treating as already suspended", "ip", ip, "workload", rec.Workload)
			s.reg.Mutate(ip, func(r *types.ServiceRecord) { r.Autoscaler.Suspended = true })
		case err != nil:
			return fmt.Errorf("scale-down %s: capture autoscaler: %w", ip, err)
		default:
			if err := s.autoscalerMgr.Delete(ctx, rec.Workload); err != nil {
				return fmt.Errorf("scale-down %s: delete autoscaler: %w", ip, err)
			}
			s.reg.Mutate(ip, func(r *types.ServiceRecord) {
				r.Autoscaler.CapturedSpec = spec
				r.Autoscaler.Suspended = true
			})
		}
	}

	scaleStart := time.Now()
	err := s.api.Scale(ctx, rec.Workload, 0)
	if s.metrics != nil {
		s.metrics.ScaleOperationDuration.WithLabelValues("down").Observe(time.Since(scaleStart).Seconds())
	}
	if err != nil {
		if errors.Is(err, scalererrors.ErrNotFound) {
			// The workload is already gone; scale-to-zero's goal is already
			// met, so this is not a failure.
			klog.V(2).InfoS("workload already gone, scale-down is a no-op", "ip", ip, "workload", rec.Workload)
		} else {
			if s.metrics != nil {
				s.metrics.ScaleDownTotal.WithLabelValues("failure").Inc()
			}
			return fmt.Errorf("scale-down %s: scale workload: %w", ip, err)
		}
	}

	s.reg.Mutate(ip, func(r *types.ServiceRecord) { r.Available = false })
	ipU32, err := ipaddr.ToUint32(ip)
	if err != nil {
		return fmt.Errorf("scale-down %s: %w", ip, err)
	}
	s.bridge.Set(ipU32, false)

	if s.metrics != nil {
		s.metrics.ScaleDownTotal.WithLabelValues("success").Inc()
	}
	klog.V(2).InfoS("scaled down", "ip", ip, "workload", rec.Workload)
	return nil
}

// RequestScaleUp implements packetsource.ScaleUpRequester: submits a
// scale-up request for the service at ip, rate-limited and expanded to
// its one-hop dependency closure (§4.F).
func (s *Scheduler) RequestScaleUp(ip string) {
	limiter := s.limiterFor(ip)
	if !limiter.Allow() {
		klog.V(4).InfoS("scale-up coalesced by rate window", "ip", ip)
		return
	}

	go s.runScaleUpBatch(ip)
}

func (s *Scheduler) runScaleUpBatch(ip string) {
	rec, ok := s.reg.Get(ip)
	if !ok {
		return
	}

	closure := s.closureFor(rec)
	sort.Slice(closure, func(i, j int) bool { return closure[i].Priority > closure[j].Priority })

	for i, member := range closure {
		s.scaleUpOne(member)
		if i < len(closure)-1 {
			time.Sleep(s.cfg.InterServiceDelay)
		}
	}
}

// closureFor computes C = {s} ∪ dependencies(s) ∪ dependents(s); a single
// hop only, per §4.F step 2.
func (s *Scheduler) closureFor(rec *types.ServiceRecord) []*types.ServiceRecord {
	seen := map[string]bool{rec.IP: true}
	closure := []*types.ServiceRecord{rec}

	for _, ref := range append(append([]types.WorkloadReference(nil), rec.Dependencies...), rec.Dependents...) {
		memberIP, ok := s.reg.IPFor(ref)
		if !ok || seen[memberIP] {
			continue
		}
		if member, ok := s.reg.Get(memberIP); ok {
			seen[memberIP] = true
			closure = append(closure, member)
		}
	}
	return closure
}

func (s *Scheduler) scaleUpOne(rec *types.ServiceRecord) {
	lock := s.lockFor(rec.IP)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.APICallTimeout)
	defer cancel()

	scaleStart := time.Now()
	scaleErr := s.api.Scale(ctx, rec.Workload, 1)
	if s.metrics != nil {
		s.metrics.ScaleOperationDuration.WithLabelValues("up").Observe(time.Since(scaleStart).Seconds())
	}
	if scaleErr != nil {
		if errors.Is(scaleErr, scalererrors.ErrNotFound) {
			// The workload vanished before we could scale it up: abandon
			// this scale-up rather than marking the service available.
			klog.V(2).InfoS("workload vanished, abandoning scale-up", "ip", rec.IP, "workload", rec.Workload)
		} else {
			klog.ErrorS(scaleErr, "scale-up failed", "ip", rec.IP)
		}
		if s.metrics != nil {
			s.metrics.ScaleUpTotal.WithLabelValues("failure").Inc()
		}
		return
	}

	readyCtx, readyCancel := context.WithTimeout(context.Background(), s.cfg.ReadyTimeout)
	defer readyCancel()
	ready, err := s.waitReady(readyCtx, rec.Workload)
	if err != nil || !ready {
		// §9 open-question resolution: mark available optimistically and
		// let the next packet event re-drive rather than rolling back.
		klog.V(2).InfoS("scale-up readiness wait did not confirm in time", "ip", rec.IP, "err", err)
		if s.metrics != nil {
			s.metrics.ScaleUpTotal.WithLabelValues("timeout").Inc()
		}
	} else if s.metrics != nil {
		s.metrics.ScaleUpTotal.WithLabelValues("success").Inc()
	}

	s.reg.Mutate(rec.IP, func(r *types.ServiceRecord) { r.Available = true })
	ipU32, err := ipaddr.ToUint32(rec.IP)
	if err != nil {
		klog.ErrorS(err, "scale-up: malformed IP", "ip", rec.IP)
		return
	}
	s.bridge.Set(ipU32, true)

	if rec.Autoscaler.Enabled && rec.Autoscaler.Suspended && rec.Autoscaler.CapturedSpec != nil {
		ip := rec.IP
		s.autoscalerMgr.ScheduleRecreate(rec.Workload, rec.Autoscaler.CapturedSpec, s.cfg.AutoscalerRecreateDelay, func() {
			// Only flip Suspended once the autoscaler actually exists again
			// (§4.G): a scale-down arriving during the delete→recreate
			// window must still find a suspended, captured spec to reuse.
			s.reg.Mutate(ip, func(r *types.ServiceRecord) {
				r.Autoscaler.Suspended = false
				r.Autoscaler.CapturedSpec = nil
			})
		})
	}

	klog.V(2).InfoS("scaled up", "ip", rec.IP, "workload", rec.Workload)
}

func (s *Scheduler) waitReady(ctx context.Context, workload types.WorkloadReference) (bool, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		ready, err := s.api.Ready(ctx, workload)
		if err != nil {
			return false, err
		}
		if ready {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, fmt.Errorf("waiting for %s ready: %w", workload, scalererrors.ErrTimeout)
		case <-ticker.C:
		}
	}
}
