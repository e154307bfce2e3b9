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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	clientv3 "go.etcd.io/etcd/client/v3"
	"k8s.io/klog/v2"

	"github.com/BudEcosystem/scale-to-zero/pkg/scalererrors"
)

// heartbeatPayload is the value stored at nodesPrefix/{node_id}.
type heartbeatPayload struct {
	HeartbeatTime int64 `json:"heartbeat_time"`
}

// staleNodeFactor bounds how far behind a node's last heartbeat may fall
// before the housekeeping sweep prunes it explicitly, on top of whatever
// the lease TTL itself already reclaims.
const staleNodeFactor = 3

// heartbeatLoop keeps this node's nodesPrefix/{node_id} entry alive on its
// own short lease, refreshed every syncInterval.
func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeHeartbeat(ctx)
		}
	}
}

func (c *Coordinator) writeHeartbeat(ctx context.Context) {
	lease, err := c.client.Grant(ctx, int64(staleNodeFactor)*int64(c.syncInterval.Seconds())+1)
	if err != nil {
		c.recordResult(fmt.Errorf("coordinator: grant heartbeat lease: %w: %w", scalererrors.ErrTransientAPI, err))
		return
	}
	payload, err := json.Marshal(heartbeatPayload{HeartbeatTime: time.Now().Unix()})
	if err != nil {
		return
	}
	if _, err := c.client.Put(ctx, nodesPrefix+c.nodeID, string(payload), clientv3.WithLease(lease.ID)); err != nil {
		c.recordResult(fmt.Errorf("coordinator: write heartbeat: %w: %w", scalererrors.ErrTransientAPI, err))
		return
	}
	c.recordResult(nil)
}

// startHousekeeping schedules the periodic defensive sweep over
// nodesPrefix that deletes any heartbeat entry older than
// staleNodeFactor*syncInterval. Lease expiry already reclaims these in the
// common case; this sweep is a backstop against clock skew stretching a
// lease past its intended TTL.
func (c *Coordinator) startHousekeeping() *cron.Cron {
	sched := cron.New()
	_, err := sched.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c.pruneStaleNodes(ctx)
	})
	if err != nil {
		klog.ErrorS(err, "failed to schedule coordinator housekeeping sweep", "node", c.nodeID)
		return sched
	}
	sched.Start()
	return sched
}

func (c *Coordinator) pruneStaleNodes(ctx context.Context) {
	resp, err := c.client.Get(ctx, nodesPrefix, clientv3.WithPrefix())
	if err != nil {
		c.recordResult(fmt.Errorf("coordinator: list node heartbeats: %w: %w", scalererrors.ErrTransientAPI, err))
		return
	}
	c.recordResult(nil)

	cutoff := time.Now().Unix() - staleNodeFactor*int64(c.syncInterval.Seconds())
	for _, kv := range resp.Kvs {
		var hb heartbeatPayload
		if err := json.Unmarshal(kv.Value, &hb); err != nil {
			continue
		}
		if hb.HeartbeatTime >= cutoff {
			continue
		}
		if _, err := c.client.Delete(ctx, string(kv.Key)); err != nil {
			c.recordResult(fmt.Errorf("coordinator: delete stale heartbeat %s: %w: %w", string(kv.Key), scalererrors.ErrTransientAPI, err))
			continue
		}
		klog.V(2).InfoS("pruned stale coordinator node heartbeat", "key", string(kv.Key))
	}
}
