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

// Package kernelmap implements the kernel-map bridge (component B): a
// compact ip_u32 -> available table mirroring the registry for the
// out-of-scope kernel packet filter, plus the 100ms reconciler that repairs
// drift caused by kernel restarts or missed updates.
package kernelmap

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/BudEcosystem/scale-to-zero/pkg/ipaddr"
	"github.com/BudEcosystem/scale-to-zero/pkg/registry"
)

// Table is the keyed table read by the kernel filter (§6.3): indexed by
// ip_u32, value a single byte {0, 1}. The default implementation is
// in-process, standing in for the pinned eBPF map the real kernel filter
// reads, without the core depending on that handle directly.
type Table interface {
	Set(ipU32 uint32, available bool)
	Delete(ipU32 uint32)
	Get(ipU32 uint32) (available bool, ok bool)
	Enumerate() map[uint32]bool
}

// MapTable is the default, in-memory Table implementation.
type MapTable struct {
	mu      sync.RWMutex
	entries map[uint32]bool
}

// NewMapTable constructs an empty in-memory kernel table.
func NewMapTable() *MapTable {
	return &MapTable{entries: make(map[uint32]bool)}
}

func (t *MapTable) Set(ipU32 uint32, available bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[ipU32] = available
}

func (t *MapTable) Delete(ipU32 uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, ipU32)
}

func (t *MapTable) Get(ipU32 uint32) (bool, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.entries[ipU32]
	return v, ok
}

func (t *MapTable) Enumerate() map[uint32]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[uint32]bool, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// Bridge mirrors registry state into a kernel Table and serialises every
// write to it; the 100ms reconciler is the only background writer.
type Bridge struct {
	table    Table
	reg      *registry.Registry
	reconciled int64 // count of drift corrections, exposed via Reconciled()
	onDrift    func(corrected int64)

	mu sync.Mutex
}

// New constructs a bridge over the given table and registry.
func New(table Table, reg *registry.Registry) *Bridge {
	return &Bridge{table: table, reg: reg}
}

// OnDrift registers a callback invoked with the count of entries repaired
// each time the reconciler corrects drift, used to feed the
// kernel-map-drift operational metric.
func (b *Bridge) OnDrift(fn func(corrected int64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrift = fn
}

// Set idempotently upserts availability for ipU32.
func (b *Bridge) Set(ipU32 uint32, available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.table.Set(ipU32, available)
}

// Delete removes ipU32 from the table.
func (b *Bridge) Delete(ipU32 uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.table.Delete(ipU32)
}

// Get returns the table's belief about ipU32's availability.
func (b *Bridge) Get(ipU32 uint32) (bool, bool) {
	return b.table.Get(ipU32)
}

// Reconciled returns the number of drift corrections applied so far.
func (b *Bridge) Reconciled() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reconciled
}

// Run drives the reconciler loop at the given period until ctx is
// cancelled, repairing any drift between the kernel table and a fresh
// registry snapshot (§4.B).
func (b *Bridge) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reconcileOnce()
		}
	}
}

func (b *Bridge) reconcileOnce() {
	snapshot := b.reg.Snapshot()
	want := make(map[uint32]bool, len(snapshot))

	for _, rec := range snapshot {
		ipU32, err := ipaddr.ToUint32(rec.IP)
		if err != nil {
			klog.V(2).ErrorS(err, "skipping malformed IP during reconcile", "ip", rec.IP)
			continue
		}
		want[ipU32] = rec.Available
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	drift := int64(0)
	for ipU32, available := range want {
		if current, ok := b.table.Get(ipU32); !ok || current != available {
			b.table.Set(ipU32, available)
			drift++
		}
	}
	for ipU32 := range b.table.Enumerate() {
		if _, ok := want[ipU32]; !ok {
			b.table.Delete(ipU32)
			drift++
		}
	}
	if drift > 0 {
		b.reconciled += drift
		klog.V(4).InfoS("kernel-map reconciler corrected drift", "entries", drift)
		if b.onDrift != nil {
			b.onDrift(drift)
		}
	}
}
