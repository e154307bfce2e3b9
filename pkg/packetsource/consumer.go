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
	"context"
	"errors"
	"io"

	"k8s.io/klog/v2"

	"github.com/BudEcosystem/scale-to-zero/pkg/ipaddr"
	"github.com/BudEcosystem/scale-to-zero/pkg/registry"
	"github.com/BudEcosystem/scale-to-zero/pkg/types"
)

// ScaleUpRequester is the narrow slice of the scaling scheduler the
// consumer needs: submitting a scale-up request for a given IP.
type ScaleUpRequester interface {
	RequestScaleUp(ip string)
}

// Clock abstracts "now" as a monotonic seconds-since-epoch value so tests
// can drive the consumer without wall-clock sleeps.
type Clock func() int64

// Consumer reads one Source to completion, updating the registry and
// dispatching scale-up requests (§4.D). One Consumer per producer
// preserves per-IP ordering within that producer.
type Consumer struct {
	source     Source
	registry   *registry.Registry
	scheduler  ScaleUpRequester
	now        Clock
}

// NewConsumer constructs a consumer over source, mutating reg and
// forwarding SCALE_UP events to scheduler.
func NewConsumer(source Source, reg *registry.Registry, scheduler ScaleUpRequester, now Clock) *Consumer {
	return &Consumer{source: source, registry: reg, scheduler: scheduler, now: now}
}

// Run processes events until ctx is cancelled or the source is exhausted.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		ev, err := c.source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			klog.ErrorS(err, "packet-event source read failed")
			return err
		}
		c.handle(ev)
	}
}

func (c *Consumer) handle(ev PacketEvent) {
	ip := ipaddr.Dotted(ev.IPU32)
	rec, ok := c.registry.Get(ip)
	if !ok {
		return
	}

	t := c.now()
	c.registry.Mutate(ip, func(r *types.ServiceRecord) { r.LastActivity = t })

	// Dependency pulse: unconditional, even onto a record that is
	// currently unavailable (§4.D step 3, §9 open-question resolution).
	for _, ref := range append(append([]types.WorkloadReference(nil), rec.Dependencies...), rec.Dependents...) {
		if targetIP, ok := c.registry.IPFor(ref); ok {
			c.registry.Mutate(targetIP, func(r *types.ServiceRecord) { r.LastActivity = t })
		}
	}

	if ev.Kind == KindScaleUp {
		c.scheduler.RequestScaleUp(ip)
	}
}
