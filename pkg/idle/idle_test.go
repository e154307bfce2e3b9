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

package idle

import (
	"sync"
	"testing"

	"github.com/BudEcosystem/scale-to-zero/pkg/registry"
	"github.com/BudEcosystem/scale-to-zero/pkg/types"
)

type fakeRequester struct {
	mu  sync.Mutex
	ips []string
}

func (f *fakeRequester) RequestScaleDown(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ips = append(f.ips, ip)
}

func TestSweepSelectsOnlyIdleAvailableServices(t *testing.T) {
	reg := registry.New()
	reg.Upsert("10.0.0.10", &types.ServiceRecord{Available: true, LastActivity: 0, ScaleDownIdle: 30, Priority: 50})
	reg.Upsert("10.0.0.20", &types.ServiceRecord{Available: true, LastActivity: 100, ScaleDownIdle: 30, Priority: 50})
	reg.Upsert("10.0.0.30", &types.ServiceRecord{Available: false, LastActivity: 0, ScaleDownIdle: 30, Priority: 50})

	req := &fakeRequester{}
	d := New(reg, req, func() int64 { return 100 }, nil)
	d.sweepOnce()

	if len(req.ips) != 1 || req.ips[0] != "10.0.0.10" {
		t.Fatalf("expected only 10.0.0.10 to be selected, got %+v", req.ips)
	}
}

func TestSweepOrdersByPriorityAscending(t *testing.T) {
	reg := registry.New()
	reg.Upsert("10.0.0.10", &types.ServiceRecord{Available: true, LastActivity: 0, ScaleDownIdle: 1, Priority: 90})
	reg.Upsert("10.0.0.20", &types.ServiceRecord{Available: true, LastActivity: 0, ScaleDownIdle: 1, Priority: 10})

	req := &fakeRequester{}
	d := New(reg, req, func() int64 { return 100 }, nil)
	d.sweepOnce()

	if len(req.ips) != 2 || req.ips[0] != "10.0.0.20" || req.ips[1] != "10.0.0.10" {
		t.Fatalf("expected ascending priority order [10.0.0.20, 10.0.0.10], got %+v", req.ips)
	}
}
