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

package packetsource

import (
	"bytes"
	"context"
	"testing"

	"github.com/BudEcosystem/scale-to-zero/pkg/registry"
	"github.com/BudEcosystem/scale-to-zero/pkg/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ev := PacketEvent{IPU32: 0x0A00000A, Kind: KindScaleUp}
	wire := Encode(ev)

	got, err := Decode(bytes.NewReader(wire))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if got != ev {
		t.Fatalf("expected %+v, got %+v", ev, got)
	}
}

func TestDecodeTruncated(t *testing.T) {
	if _, err := Decode(bytes.NewReader([]byte{1, 2, 3})); err == nil {
		t.Fatalf("expected error decoding truncated event")
	}
}

type fakeScheduler struct {
	requested []string
}

func (f *fakeScheduler) RequestScaleUp(ip string) {
	f.requested = append(f.requested, ip)
}

func TestConsumerUpdatesActivityAndDispatchesScaleUp(t *testing.T) {
	reg := registry.New()
	reg.Upsert("10.0.0.10", &types.ServiceRecord{Available: true})

	wire := Encode(PacketEvent{IPU32: 0x0A00000A, Kind: KindScaleUp})
	src := NewReaderSource(bytes.NewReader(wire))
	sched := &fakeScheduler{}

	c := NewConsumer(src, reg, sched, func() int64 { return 42 })
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, _ := reg.Get("10.0.0.10")
	if rec.LastActivity != 42 {
		t.Fatalf("expected LastActivity=42, got %d", rec.LastActivity)
	}
	if len(sched.requested) != 1 || sched.requested[0] != "10.0.0.10" {
		t.Fatalf("expected one scale-up request for 10.0.0.10, got %+v", sched.requested)
	}
}

func TestConsumerDropsUnknownIP(t *testing.T) {
	reg := registry.New()
	wire := Encode(PacketEvent{IPU32: 0x0A00000A, Kind: KindTraffic})
	src := NewReaderSource(bytes.NewReader(wire))
	sched := &fakeScheduler{}

	c := NewConsumer(src, reg, sched, func() int64 { return 1 })
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sched.requested) != 0 {
		t.Fatalf("expected no scale-up dispatch for untracked IP")
	}
}

func TestConsumerDependencyPulseIsUnconditional(t *testing.T) {
	reg := registry.New()
	gwRef := types.WorkloadReference{Kind: types.WorkloadKindDeployment, Namespace: "ns", Name: "gw"}
	aRef := types.WorkloadReference{Kind: types.WorkloadKindDeployment, Namespace: "ns", Name: "a"}

	reg.Upsert("10.0.0.1", &types.ServiceRecord{
		Workload:     gwRef,
		Available:    true,
		Dependencies: []types.WorkloadReference{aRef},
	})
	reg.Upsert("10.0.0.10", &types.ServiceRecord{
		Workload:   aRef,
		Available:  false, // pulse must fire even though "a" is currently down
		Dependents: []types.WorkloadReference{gwRef},
	})

	wire := Encode(PacketEvent{IPU32: 0x0A000001, Kind: KindTraffic})
	src := NewReaderSource(bytes.NewReader(wire))
	sched := &fakeScheduler{}

	c := NewConsumer(src, reg, sched, func() int64 { return 99 })
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recA, _ := reg.Get("10.0.0.10")
	if recA.LastActivity != 99 {
		t.Fatalf("expected dependency pulse to advance unavailable dependency's LastActivity, got %d", recA.LastActivity)
	}
}
