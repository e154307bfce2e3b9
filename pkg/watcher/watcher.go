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

// Package watcher implements the cluster watcher (component C): it
// subscribes to service, deployment and stateful-set events, parses the
// recognised annotation set, and keeps the workload registry current.
package watcher

import (
	"context"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"

	"github.com/BudEcosystem/scale-to-zero/pkg/autoscaler"
	"github.com/BudEcosystem/scale-to-zero/pkg/ipaddr"
	"github.com/BudEcosystem/scale-to-zero/pkg/kernelmap"
	"github.com/BudEcosystem/scale-to-zero/pkg/registry"
	ztypes "github.com/BudEcosystem/scale-to-zero/pkg/types"
)

// backoffBase and backoffCap implement §4.C's reconnect policy: base 1s,
// cap 30s, applied as the controller-runtime workqueue's rate limiter
// rather than a hand-rolled retry loop.
const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// RateLimiter constructs the exponential-backoff rate limiter shared by
// every controller registered below.
func RateLimiter() workqueue.RateLimiter {
	return workqueue.NewItemExponentialFailureRateLimiter(backoffBase, backoffCap)
}

// ServiceReconciler implements §4.C's handling of service ADD/MODIFY/DELETE
// events.
type ServiceReconciler struct {
	client.Client
	Registry      *registry.Registry
	Bridge        *kernelmap.Bridge
	AutoscalerMgr *autoscaler.Manager
}

// Reconcile fetches the named Service and folds its annotation-derived
// configuration into the registry, or removes the registry entry if the
// service has been deleted.
func (r *ServiceReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	svc := &corev1.Service{}
	if err := r.Get(ctx, req.NamespacedName, svc); err != nil {
		if apierrors.IsNotFound(err) {
			r.handleDeleted(req.Namespace, req.Name)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	cfg, marked, err := parseService(svc)
	if err != nil {
		klog.ErrorS(err, "skipping service with malformed scale-to-zero configuration", "service", req.NamespacedName)
		return ctrl.Result{}, nil // ConfigError: never fatal, skip until next event
	}
	if !marked {
		return ctrl.Result{}, nil
	}

	ip := svc.Spec.ClusterIP
	if ip == "" || ip == corev1.ClusterIPNone {
		// No IP assigned yet; defer until a later MODIFY carries one.
		return ctrl.Result{RequeueAfter: time.Second}, nil
	}

	priority := ztypes.Priority(cfg.dependencies, cfg.dependents)
	if cfg.priority != nil {
		priority = *cfg.priority
	}

	_, existed := r.Registry.Get(ip)

	record := &ztypes.ServiceRecord{
		ScaleDownIdle: cfg.scaleDownIdle,
		Workload:      cfg.workload,
		Dependencies:  cfg.dependencies,
		Dependents:    cfg.dependents,
		Priority:      priority,
		Autoscaler: ztypes.AutoscalerState{
			Enabled: cfg.hpaEnabled,
		},
	}

	ready, err := r.replicaCountAvailable(ctx, cfg.workload)
	if err != nil {
		klog.ErrorS(err, "failed to read replica count for workload", "workload", cfg.workload)
	}
	record.Available = ready

	r.Registry.Upsert(ip, record)

	ipU32, err := ipaddr.ToUint32(ip)
	if err != nil {
		klog.ErrorS(err, "service has unparseable cluster IP", "service", req.NamespacedName, "ip", ip)
		return ctrl.Result{}, nil
	}
	r.Bridge.Set(ipU32, record.Available)

	if !existed && record.Available && cfg.hpaEnabled {
		spec := &ztypes.AutoscalerSpec{MinReplicas: &cfg.minReplicas, MaxReplicas: cfg.maxReplicas, TargetCPUUtilization: cfg.targetCPU}
		if err := r.AutoscalerMgr.Recreate(ctx, cfg.workload, spec); err != nil {
			klog.ErrorS(err, "failed to create initial autoscaler for newly-discovered service", "workload", cfg.workload)
		}
	}

	return ctrl.Result{}, nil
}

func (r *ServiceReconciler) handleDeleted(namespace, name string) {
	for _, rec := range r.Registry.Snapshot() {
		if rec.Workload.Namespace == namespace && rec.Workload.Name == name {
			r.Registry.Remove(rec.IP)
			if ipU32, err := ipaddr.ToUint32(rec.IP); err == nil {
				r.Bridge.Delete(ipU32)
			}
		}
	}
}

func (r *ServiceReconciler) replicaCountAvailable(ctx context.Context, workload ztypes.WorkloadReference) (bool, error) {
	switch workload.Kind {
	case ztypes.WorkloadKindDeployment:
		dep := &appsv1.Deployment{}
		if err := r.Get(ctx, client.ObjectKey{Namespace: workload.Namespace, Name: workload.Name}, dep); err != nil {
			if apierrors.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		return dep.Status.Replicas > 0, nil
	case ztypes.WorkloadKindStatefulSet:
		sts := &appsv1.StatefulSet{}
		if err := r.Get(ctx, client.ObjectKey{Namespace: workload.Namespace, Name: workload.Name}, sts); err != nil {
			if apierrors.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		return sts.Status.Replicas > 0, nil
	default:
		return false, nil
	}
}

// WorkloadReconciler implements §4.C's "for workload events" clause:
// update Available by reading the replica count, never touching
// LastActivity.
type WorkloadReconciler struct {
	client.Client
	Registry *registry.Registry
	Bridge   *kernelmap.Bridge
	Kind     ztypes.WorkloadKind
}

// Reconcile re-derives availability for every registered service whose
// workload reference matches the reconciled object.
func (r *WorkloadReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	var replicas int32
	var found bool

	switch r.Kind {
	case ztypes.WorkloadKindDeployment:
		dep := &appsv1.Deployment{}
		if err := r.Get(ctx, req.NamespacedName, dep); err != nil {
			if !apierrors.IsNotFound(err) {
				return ctrl.Result{}, err
			}
		} else {
			replicas, found = dep.Status.Replicas, true
		}
	case ztypes.WorkloadKindStatefulSet:
		sts := &appsv1.StatefulSet{}
		if err := r.Get(ctx, req.NamespacedName, sts); err != nil {
			if !apierrors.IsNotFound(err) {
				return ctrl.Result{}, err
			}
		} else {
			replicas, found = sts.Status.Replicas, true
		}
	}

	available := found && replicas > 0
	workload := ztypes.WorkloadReference{Kind: r.Kind, Namespace: req.Namespace, Name: req.Name}

	for _, rec := range r.Registry.Snapshot() {
		if rec.Workload != workload {
			continue
		}
		r.Registry.Mutate(rec.IP, func(record *ztypes.ServiceRecord) { record.Available = available })
		if ipU32, err := ipaddr.ToUint32(rec.IP); err == nil {
			r.Bridge.Set(ipU32, available)
		}
	}

	return ctrl.Result{}, nil
}

// ControllerOptions returns the shared controller.Options every watcher
// controller is built with, carrying the §4.C backoff policy.
func ControllerOptions() controller.Options {
	return controller.Options{RateLimiter: RateLimiter()}
}

// SetupWithManager registers the service reconciler with mgr.
func (r *ServiceReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.Service{}).
		WithOptions(ControllerOptions()).
		Complete(r)
}

// SetupWithManager registers the workload reconciler with mgr for the
// kind it was constructed with.
func (r *WorkloadReconciler) SetupWithManager(mgr ctrl.Manager) error {
	bldr := ctrl.NewControllerManagedBy(mgr).WithOptions(ControllerOptions())
	switch r.Kind {
	case ztypes.WorkloadKindDeployment:
		bldr = bldr.For(&appsv1.Deployment{})
	case ztypes.WorkloadKindStatefulSet:
		bldr = bldr.For(&appsv1.StatefulSet{})
	}
	return bldr.Complete(r)
}
