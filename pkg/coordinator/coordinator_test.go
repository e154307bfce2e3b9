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

package coordinator

import (
	"testing"

	"github.com/BudEcosystem/scale-to-zero/pkg/registry"
	"github.com/BudEcosystem/scale-to-zero/pkg/types"
)

// mergeService is exercised directly (without a live etcd client) since
// the merge rule itself is pure state manipulation over the registry.

func TestMergeServicePreservesMaxLastActivity(t *testing.T) {
	reg := registry.New()
	reg.Upsert("10.0.0.5", &types.ServiceRecord{LastActivity: 100, ScaleDownIdle: 30})

	c := &Coordinator{reg: reg, lastPublished: make(map[string]int64)}
	remote := servicePayload{
		Record: &types.ServiceRecord{IP: "10.0.0.5", LastActivity: 50, ScaleDownIdle: 30},
		Mtime:  1,
		NodeID: "other",
	}
	c.mergeService(remote)

	rec, ok := reg.Get("10.0.0.5")
	if !ok {
		t.Fatalf("expected record to still exist")
	}
	if rec.LastActivity != 100 {
		t.Fatalf("expected local LastActivity=100 to win over a smaller remote value, got %d", rec.LastActivity)
	}
}

func TestMergeServiceAdoptsLargerRemoteLastActivity(t *testing.T) {
	reg := registry.New()
	reg.Upsert("10.0.0.5", &types.ServiceRecord{LastActivity: 50, ScaleDownIdle: 30})

	c := &Coordinator{reg: reg, lastPublished: make(map[string]int64)}
	remote := servicePayload{
		Record: &types.ServiceRecord{IP: "10.0.0.5", LastActivity: 200, ScaleDownIdle: 30},
		Mtime:  1,
		NodeID: "other",
	}
	c.mergeService(remote)

	rec, _ := reg.Get("10.0.0.5")
	if rec.LastActivity != 200 {
		t.Fatalf("expected LastActivity to adopt the larger remote value 200, got %d", rec.LastActivity)
	}
}

func TestMergeServiceInsertsUnknownRecord(t *testing.T) {
	reg := registry.New()
	c := &Coordinator{reg: reg, lastPublished: make(map[string]int64)}

	remote := servicePayload{
		Record: &types.ServiceRecord{IP: "10.0.0.9", LastActivity: 42, ScaleDownIdle: 10},
		Mtime:  1,
		NodeID: "other",
	}
	c.mergeService(remote)

	rec, ok := reg.Get("10.0.0.9")
	if !ok || rec.LastActivity != 42 {
		t.Fatalf("expected remote-only record to be inserted, got %+v ok=%v", rec, ok)
	}
}

func TestRecordResultEntersAndLeavesLocalOnly(t *testing.T) {
	c := &Coordinator{lastPublished: make(map[string]int64)}

	for i := 0; i < degradeThreshold; i++ {
		c.recordResult(errFake)
	}
	if !c.localOnly {
		t.Fatalf("expected LOCAL_ONLY after %d consecutive failures", degradeThreshold)
	}

	c.recordResult(nil)
	if c.localOnly {
		t.Fatalf("expected a single success to clear LOCAL_ONLY")
	}
	if c.consecutiveFailures != 0 {
		t.Fatalf("expected failure counter reset, got %d", c.consecutiveFailures)
	}
}

var errFake = &fakeErr{}

type fakeErr struct{}

func (*fakeErr) Error() string { return "fake consensus-store failure" }
