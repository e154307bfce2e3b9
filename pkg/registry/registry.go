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

// Package registry implements the workload registry (component A): the
// process-wide, single-writer-locked mapping from service IP to
// ServiceRecord that every other component treats as the local source of
// truth.
package registry

import (
	"sort"
	"sync"

	"github.com/BudEcosystem/scale-to-zero/pkg/types"
)

// Registry is a process-wide service_ip -> ServiceRecord map. No method
// blocks on I/O while holding the lock.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*types.ServiceRecord
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{records: make(map[string]*types.ServiceRecord)}
}

// Upsert inserts or replaces the record at ip. If a record already exists
// and its LastActivity is greater than the incoming value, the existing
// LastActivity is preserved (invariant 4: never rolled backward).
func (r *Registry) Upsert(ip string, record *types.ServiceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record.IP = ip
	if existing, ok := r.records[ip]; ok && existing.LastActivity > record.LastActivity {
		record.LastActivity = existing.LastActivity
	}
	record.State = record.ComputeState()
	r.records[ip] = record
}

// Remove deletes the record at ip, if present.
func (r *Registry) Remove(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, ip)
}

// Get returns a deep copy of the record at ip, and whether it was found.
func (r *Registry) Get(ip string) (*types.ServiceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[ip]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Snapshot returns a deep copy of every record, sorted by IP for
// deterministic iteration order in callers such as the idle detector and
// the coordinator's replication publisher.
func (r *Registry) Snapshot() []*types.ServiceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.ServiceRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Mutate applies fn to the record at ip under the write lock. If the key
// is absent, Mutate is a silent no-op: observer components are expected to
// tolerate stale IPs rather than treat a vanished record as an error.
func (r *Registry) Mutate(ip string, fn func(*types.ServiceRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[ip]
	if !ok {
		return
	}
	fn(rec)
	rec.State = rec.ComputeState()
}

// Len returns the number of tracked services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// IPFor resolves the IP of the service backing the given workload
// reference, used to apply dependency/dependent pulses by reference rather
// than by IP. Returns ok=false if no tracked service currently maps to
// that workload.
func (r *Registry) IPFor(ref types.WorkloadReference) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ip, rec := range r.records {
		if rec.Workload == ref {
			return ip, true
		}
	}
	return "", false
}
