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

// Package coordinator implements the distributed coordinator (component
// H): leader election, state publication, and state replication over an
// etcd consensus store, degrading to single-node operation on failure.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"k8s.io/klog/v2"

	"github.com/BudEcosystem/scale-to-zero/pkg/ipaddr"
	"github.com/BudEcosystem/scale-to-zero/pkg/kernelmap"
	"github.com/BudEcosystem/scale-to-zero/pkg/metrics"
	"github.com/BudEcosystem/scale-to-zero/pkg/registry"
	"github.com/BudEcosystem/scale-to-zero/pkg/scalererrors"
	"github.com/BudEcosystem/scale-to-zero/pkg/types"
)

// Key layout (§6.5).
const (
	prefix          = "/coord/"
	leaderKey       = prefix + "leader"
	nodesPrefix     = prefix + "nodes/"
	servicesPrefix  = prefix + "services/"
	kernelMapPrefix = prefix + "kernel-map/"
)

// degradeThreshold is the number of consecutive consensus-store failures
// after which a node enters LOCAL_ONLY mode (§4.H).
const degradeThreshold = 3

// leaderPayload is the value stored at leaderKey.
type leaderPayload struct {
	NodeID    string    `json:"node_id"`
	ElectedAt time.Time `json:"elected_at"`
	LeaseID   int64     `json:"lease_id"`
}

// servicePayload is the value stored at servicesPrefix/{ip}.
type servicePayload struct {
	Record *types.ServiceRecord `json:"service_record"`
	Mtime  int64                `json:"mtime"`
	NodeID string               `json:"node_id"`
}

// kernelMapPayload is the value stored at kernelMapPrefix/{ip_u32}.
type kernelMapPayload struct {
	IPU32     uint32 `json:"ip_u32"`
	Available bool   `json:"available"`
	Mtime     int64  `json:"mtime"`
	NodeID    string `json:"node_id"`
}

// Coordinator runs the election and replication loops for one node.
type Coordinator struct {
	client       *clientv3.Client
	nodeID       string
	reg          *registry.Registry
	bridge       *kernelmap.Bridge
	leaderTTL    time.Duration
	syncInterval time.Duration
	metrics      *metrics.Metrics

	mu                  sync.Mutex
	isLeader            bool
	leaseID             clientv3.LeaseID
	consecutiveFailures int
	localOnly           bool
	lastPublished       map[string]int64 // ip -> last_activity we last pushed, for the follower fast-path
}

// New constructs a Coordinator. client's lifecycle (connection pool) is
// owned by the caller.
func New(client *clientv3.Client, nodeID string, reg *registry.Registry, bridge *kernelmap.Bridge, leaderTTL, syncInterval time.Duration, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		client:        client,
		nodeID:        nodeID,
		reg:           reg,
		bridge:        bridge,
		leaderTTL:     leaderTTL,
		syncInterval:  syncInterval,
		metrics:       m,
		lastPublished: make(map[string]int64),
	}
}

// IsLeader reports whether this node currently believes it holds the
// leader key.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

// Run drives election, replication, the follower fast-path loop, the
// per-node heartbeat, and the housekeeping sweep until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	sched := c.startHousekeeping()
	defer sched.Stop()

	var wg sync.WaitGroup
	wg.Add(4)

	go func() { defer wg.Done(); c.electionLoop(ctx) }()
	go func() { defer wg.Done(); c.replicationLoop(ctx) }()
	go func() { defer wg.Done(); c.followerPushLoop(ctx) }()
	go func() { defer wg.Done(); c.heartbeatLoop(ctx) }()

	wg.Wait()
}

// recordResult updates the consecutive-failure counter and the LOCAL_ONLY
// flag every consensus-store operation must report through.
func (c *Coordinator) recordResult(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.consecutiveFailures++
		if c.consecutiveFailures >= degradeThreshold {
			if !c.localOnly {
				klog.V(2).InfoS("consensus store unreachable, entering LOCAL_ONLY mode", "node", c.nodeID)
			}
			c.localOnly = true
		}
		if c.metrics != nil {
			c.metrics.CoordinatorFailures.Set(float64(c.consecutiveFailures))
		}
		return
	}

	if c.localOnly {
		klog.V(2).InfoS("consensus store reachable again, leaving LOCAL_ONLY mode", "node", c.nodeID)
	}
	c.consecutiveFailures = 0
	c.localOnly = false
	if c.metrics != nil {
		c.metrics.CoordinatorFailures.Set(0)
	}
}

func (c *Coordinator) setLeader(leader bool) {
	c.mu.Lock()
	c.isLeader = leader
	c.mu.Unlock()
	if c.metrics != nil {
		if leader {
			c.metrics.CoordinatorIsLeader.Set(1)
		} else {
			c.metrics.CoordinatorIsLeader.Set(0)
		}
	}
}

// electionLoop implements §4.H's leader-election state machine: attempt
// election, and while leader refresh the lease every TTL/3; while a
// follower, watch the leader key and retry when it disappears.
func (c *Coordinator) electionLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		leaseID, won, err := c.tryAcquire(ctx)
		c.recordResult(err)
		if err != nil {
			time.Sleep(time.Second)
			continue
		}

		if won {
			c.runAsLeader(ctx, leaseID)
			continue
		}

		c.setLeader(false)
		c.watchUntilLeaderGone(ctx)
	}
}

// tryAcquire attempts the atomic put described in §4.H: a lease-backed put
// of leaderKey predicated on create_revision = 0 (the key not existing).
func (c *Coordinator) tryAcquire(ctx context.Context) (clientv3.LeaseID, bool, error) {
	lease, err := c.client.Grant(ctx, int64(c.leaderTTL.Seconds()))
	if err != nil {
		return 0, false, fmt.Errorf("coordinator: grant lease: %w: %w", scalererrors.ErrTransientAPI, err)
	}

	payload, err := json.Marshal(leaderPayload{NodeID: c.nodeID, ElectedAt: time.Now(), LeaseID: int64(lease.ID)})
	if err != nil {
		return 0, false, fmt.Errorf("coordinator: marshal leader payload: %w", err)
	}

	txn := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(leaderKey), "=", 0)).
		Then(clientv3.OpPut(leaderKey, string(payload), clientv3.WithLease(lease.ID))).
		Else(clientv3.OpGet(leaderKey))

	resp, err := txn.Commit()
	if err != nil {
		return 0, false, fmt.Errorf("coordinator: leader election txn: %w: %w", scalererrors.ErrTransientAPI, err)
	}
	if !resp.Succeeded {
		return 0, false, nil
	}

	klog.V(2).InfoS("acquired leadership", "node", c.nodeID, "lease", lease.ID)
	return lease.ID, true, nil
}

// runAsLeader refreshes the lease every TTL/3 until three consecutive
// refreshes fail, at which point it resigns (§4.H).
func (c *Coordinator) runAsLeader(ctx context.Context, leaseID clientv3.LeaseID) {
	c.mu.Lock()
	c.leaseID = leaseID
	c.mu.Unlock()
	c.setLeader(true)

	ticker := time.NewTicker(c.leaderTTL / 3)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			c.setLeader(false)
			return
		case <-ticker.C:
			_, err := c.client.KeepAliveOnce(ctx, leaseID)
			if err != nil {
				err = fmt.Errorf("coordinator: refresh leader lease: %w: %w", scalererrors.ErrTransientAPI, err)
			}
			c.recordResult(err)
			if err != nil {
				failures++
				klog.V(2).ErrorS(err, "leader lease refresh failed", "node", c.nodeID, "consecutive", failures)
				if failures >= degradeThreshold {
					klog.V(2).InfoS("resigning leadership after repeated lease refresh failures", "node", c.nodeID)
					c.setLeader(false)
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// watchUntilLeaderGone blocks until the leader key is deleted/expires or
// ctx is cancelled, per the follower side of §4.H.
func (c *Coordinator) watchUntilLeaderGone(ctx context.Context) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watch := c.client.Watch(watchCtx, leaderKey)
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-watch:
			if !ok {
				return
			}
			if resp.Err() != nil {
				c.recordResult(fmt.Errorf("coordinator: watch leader key: %w: %w", scalererrors.ErrTransientAPI, resp.Err()))
				return
			}
			for _, ev := range resp.Events {
				if ev.Type == clientv3.EventTypeDelete {
					return
				}
			}
		}
	}
}

// replicationLoop implements the leader's publish side and every node's
// pull/merge side of §4.H's state replication.
func (c *Coordinator) replicationLoop(ctx context.Context) {
	ticker := time.NewTicker(c.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.IsLeader() {
				c.publish(ctx)
			}
			c.pullAndMerge(ctx)
		}
	}
}

func (c *Coordinator) publish(ctx context.Context) {
	snapshot := c.reg.Snapshot()
	now := time.Now().Unix()

	for _, rec := range snapshot {
		payload, err := json.Marshal(servicePayload{Record: rec, Mtime: now, NodeID: c.nodeID})
		if err != nil {
			continue
		}
		_, err = c.client.Put(ctx, servicesPrefix+rec.IP, string(payload))
		if err != nil {
			c.recordResult(fmt.Errorf("coordinator: publish service %s: %w: %w", rec.IP, scalererrors.ErrTransientAPI, err))
			continue
		}
		c.recordResult(nil)

		ipU32, err := ipaddr.ToUint32(rec.IP)
		if err != nil {
			continue
		}
		kmPayload, err := json.Marshal(kernelMapPayload{IPU32: ipU32, Available: rec.Available, Mtime: now, NodeID: c.nodeID})
		if err != nil {
			continue
		}
		_, err = c.client.Put(ctx, fmt.Sprintf("%s%d", kernelMapPrefix, ipU32), string(kmPayload))
		if err != nil {
			c.recordResult(fmt.Errorf("coordinator: publish kernel-map %d: %w: %w", ipU32, scalererrors.ErrTransientAPI, err))
			continue
		}
		c.recordResult(nil)
	}
}

// pullAndMerge reads every replicated service record and merges it through
// mergeService (unknown IPs adopted whole, known IPs only raise
// last_activity to max(local, remote); the payload mtime is not compared),
// then mirrors every replicated kernel-map entry into the local bridge.
func (c *Coordinator) pullAndMerge(ctx context.Context) {
	resp, err := c.client.Get(ctx, servicesPrefix, clientv3.WithPrefix())
	if err != nil {
		c.recordResult(fmt.Errorf("coordinator: pull services: %w: %w", scalererrors.ErrTransientAPI, err))
		return
	}
	c.recordResult(nil)

	for _, kv := range resp.Kvs {
		var remote servicePayload
		if err := json.Unmarshal(kv.Value, &remote); err != nil || remote.Record == nil {
			continue
		}
		c.mergeService(remote)
	}

	kmResp, err := c.client.Get(ctx, kernelMapPrefix, clientv3.WithPrefix())
	if err != nil {
		c.recordResult(fmt.Errorf("coordinator: pull kernel-map: %w: %w", scalererrors.ErrTransientAPI, err))
		return
	}
	c.recordResult(nil)
	for _, kv := range kmResp.Kvs {
		var remote kernelMapPayload
		if err := json.Unmarshal(kv.Value, &remote); err != nil {
			continue
		}
		c.bridge.Set(remote.IPU32, remote.Available) // followers mirror kernel-map entries verbatim
	}
}

// mergeService applies this node's share of the merge rule: an unknown IP
// adopts the remote record wholesale, and a known IP only ever raises
// LastActivity to max(local, remote) (invariant 4). The full per-field-group
// mtime comparison described for the replicated store is not reproduced
// node-side: a node has no durable local mtime to compare against the
// remote payload's Mtime for fields besides LastActivity (Dependencies,
// Dependents, Priority, Autoscaler state are written locally by the
// watcher/scheduler without a timestamp), so this node never overwrites its
// own view of those fields from a remote read. The leader's publish() is
// what actually carries a node's writes into the replicated store other
// nodes converge on; see DESIGN.md.
func (c *Coordinator) mergeService(remote servicePayload) {
	if _, ok := c.reg.Get(remote.Record.IP); !ok {
		c.reg.Upsert(remote.Record.IP, remote.Record)
		return
	}

	c.reg.Mutate(remote.Record.IP, func(r *types.ServiceRecord) {
		if remote.Record.LastActivity > r.LastActivity {
			r.LastActivity = remote.Record.LastActivity
		}
	})
}

// followerPushLoop implements the one write a follower is allowed to make
// unprompted: propagating a newer locally-observed LastActivity for a
// service without waiting for the leader. Batched at the reconciler's
// cadence rather than once per packet, per the §9 open-question
// resolution.
func (c *Coordinator) followerPushLoop(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.IsLeader() {
				continue // the leader already publishes every service each cycle
			}
			c.pushFresherActivity(ctx)
		}
	}
}

func (c *Coordinator) pushFresherActivity(ctx context.Context) {
	c.mu.Lock()
	for ip, rec := range indexByIP(c.reg.Snapshot()) {
		if rec.LastActivity <= c.lastPublished[ip] {
			continue
		}
		c.lastPublished[ip] = rec.LastActivity
		payload, err := json.Marshal(servicePayload{Record: rec, Mtime: time.Now().Unix(), NodeID: c.nodeID})
		if err != nil {
			continue
		}
		c.mu.Unlock()
		_, putErr := c.client.Put(ctx, servicesPrefix+ip, string(payload))
		if putErr != nil {
			c.recordResult(fmt.Errorf("coordinator: push fresher activity for %s: %w: %w", ip, scalererrors.ErrTransientAPI, putErr))
		} else {
			c.recordResult(nil)
		}
		c.mu.Lock()
	}
	c.mu.Unlock()
}

func indexByIP(records []*types.ServiceRecord) map[string]*types.ServiceRecord {
	out := make(map[string]*types.ServiceRecord, len(records))
	for _, r := range records {
		out[r.IP] = r
	}
	return out
}
