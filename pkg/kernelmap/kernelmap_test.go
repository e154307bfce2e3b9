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

package kernelmap

import (
	"context"
	"testing"
	"time"

	"github.com/BudEcosystem/scale-to-zero/pkg/ipaddr"
	"github.com/BudEcosystem/scale-to-zero/pkg/registry"
	"github.com/BudEcosystem/scale-to-zero/pkg/types"
)

func TestSetAndGet(t *testing.T) {
	b := New(NewMapTable(), registry.New())
	b.Set(0x0A00000A, true)

	v, ok := b.Get(0x0A00000A)
	if !ok || !v {
		t.Fatalf("expected available=true, got %v ok=%v", v, ok)
	}
}

func TestDelete(t *testing.T) {
	b := New(NewMapTable(), registry.New())
	b.Set(0x0A00000A, true)
	b.Delete(0x0A00000A)

	if _, ok := b.Get(0x0A00000A); ok {
		t.Fatalf("expected entry to be gone after delete")
	}
}

func TestReconcilerRepairsDrift(t *testing.T) {
	reg := registry.New()
	reg.Upsert("10.0.0.10", &types.ServiceRecord{Available: true})

	table := NewMapTable()
	b := New(table, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	go b.Run(ctx, 20*time.Millisecond)

	<-ctx.Done()

	ipU32, _ := ipaddr.ToUint32("10.0.0.10")
	v, ok := table.Get(ipU32)
	if !ok || !v {
		t.Fatalf("expected reconciler to set 10.0.0.10 available, got %v ok=%v", v, ok)
	}
	if b.Reconciled() == 0 {
		t.Fatalf("expected at least one drift correction to be recorded")
	}
}

func TestReconcilerRemovesStaleEntries(t *testing.T) {
	reg := registry.New()
	table := NewMapTable()
	ipU32, _ := ipaddr.ToUint32("10.0.0.20")
	table.Set(ipU32, true)

	b := New(table, reg)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go b.Run(ctx, 20*time.Millisecond)
	<-ctx.Done()

	if _, ok := table.Get(ipU32); ok {
		t.Fatalf("expected stale entry with no backing registry record to be removed")
	}
}
