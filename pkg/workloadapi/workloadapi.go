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

// Package workloadapi implements the §6.6 WorkloadAPI abstraction: the
// only door the scaling engine has onto the concrete cluster API, backed
// by controller-runtime's client.Client.
package workloadapi

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/BudEcosystem/scale-to-zero/pkg/scalererrors"
	ztypes "github.com/BudEcosystem/scale-to-zero/pkg/types"
)

// WorkloadAPI is the narrow interface the scaling scheduler and autoscaler
// lifecycle manager use to mutate the cluster (§6.6).
type WorkloadAPI interface {
	Scale(ctx context.Context, workload ztypes.WorkloadReference, replicas int32) error
	Ready(ctx context.Context, workload ztypes.WorkloadReference) (bool, error)
	CaptureAutoscaler(ctx context.Context, workload ztypes.WorkloadReference) (*ztypes.AutoscalerSpec, error)
	DeleteAutoscaler(ctx context.Context, workload ztypes.WorkloadReference) error
	RecreateAutoscaler(ctx context.Context, workload ztypes.WorkloadReference, spec *ztypes.AutoscalerSpec) error
}

// ClientAPI is the default WorkloadAPI, backed by a controller-runtime
// client for Deployments, StatefulSets, Pods, and HorizontalPodAutoscalers.
type ClientAPI struct {
	client client.Client
}

// New constructs a ClientAPI over c.
func New(c client.Client) *ClientAPI {
	return &ClientAPI{client: c}
}

// Scale sets the target workload's replica count. Dispatches on Kind per
// the recognised workload kinds (§3).
func (a *ClientAPI) Scale(ctx context.Context, workload ztypes.WorkloadReference, replicas int32) error {
	switch workload.Kind {
	case ztypes.WorkloadKindDeployment:
		return a.scaleDeployment(ctx, workload, replicas)
	case ztypes.WorkloadKindStatefulSet:
		return a.scaleStatefulSet(ctx, workload, replicas)
	default:
		return fmt.Errorf("workloadapi: unsupported workload kind %q", workload.Kind)
	}
}

func (a *ClientAPI) scaleDeployment(ctx context.Context, workload ztypes.WorkloadReference, replicas int32) error {
	dep := &appsv1.Deployment{}
	key := types.NamespacedName{Namespace: workload.Namespace, Name: workload.Name}
	if err := a.client.Get(ctx, key, dep); err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("workloadapi: deployment %s vanished: %w", workload, scalererrors.ErrNotFound)
		}
		return fmt.Errorf("workloadapi: get deployment %s: %w", workload, err)
	}
	if dep.Spec.Replicas != nil && *dep.Spec.Replicas == replicas {
		return nil
	}

	klog.V(4).InfoS("scaling deployment", "deployment", workload.Name, "namespace", workload.Namespace, "to", replicas)
	dep.Spec.Replicas = &replicas
	if err := a.client.Update(ctx, dep); err != nil {
		return fmt.Errorf("workloadapi: update deployment %s: %w", workload, err)
	}
	return nil
}

func (a *ClientAPI) scaleStatefulSet(ctx context.Context, workload ztypes.WorkloadReference, replicas int32) error {
	sts := &appsv1.StatefulSet{}
	key := types.NamespacedName{Namespace: workload.Namespace, Name: workload.Name}
	if err := a.client.Get(ctx, key, sts); err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("workloadapi: statefulset %s vanished: %w", workload, scalererrors.ErrNotFound)
		}
		return fmt.Errorf("workloadapi: get statefulset %s: %w", workload, err)
	}
	if sts.Spec.Replicas != nil && *sts.Spec.Replicas == replicas {
		return nil
	}

	klog.V(4).InfoS("scaling statefulset", "statefulset", workload.Name, "namespace", workload.Namespace, "to", replicas)
	sts.Spec.Replicas = &replicas
	if err := a.client.Update(ctx, sts); err != nil {
		return fmt.Errorf("workloadapi: update statefulset %s: %w", workload, err)
	}
	return nil
}

// Ready reports whether the workload has at least one ready pod, per the
// scheduler's pod-readiness predicate (§4.F step 4b).
func (a *ClientAPI) Ready(ctx context.Context, workload ztypes.WorkloadReference) (bool, error) {
	selector, err := a.selectorFor(ctx, workload)
	if err != nil {
		return false, err
	}

	podList := &corev1.PodList{}
	if err := a.client.List(ctx, podList, &client.ListOptions{
		Namespace:     workload.Namespace,
		LabelSelector: selector,
	}); err != nil {
		return false, fmt.Errorf("workloadapi: list pods for %s: %w", workload, err)
	}

	for i := range podList.Items {
		if isPodReady(&podList.Items[i]) {
			return true, nil
		}
	}
	return false, nil
}

func (a *ClientAPI) selectorFor(ctx context.Context, workload ztypes.WorkloadReference) (labels.Selector, error) {
	var labelSelector *metav1.LabelSelector

	switch workload.Kind {
	case ztypes.WorkloadKindDeployment:
		dep := &appsv1.Deployment{}
		if err := a.client.Get(ctx, types.NamespacedName{Namespace: workload.Namespace, Name: workload.Name}, dep); err != nil {
			return nil, fmt.Errorf("workloadapi: get deployment %s: %w", workload, err)
		}
		labelSelector = dep.Spec.Selector
	case ztypes.WorkloadKindStatefulSet:
		sts := &appsv1.StatefulSet{}
		if err := a.client.Get(ctx, types.NamespacedName{Namespace: workload.Namespace, Name: workload.Name}, sts); err != nil {
			return nil, fmt.Errorf("workloadapi: get statefulset %s: %w", workload, err)
		}
		labelSelector = sts.Spec.Selector
	default:
		return nil, fmt.Errorf("workloadapi: unsupported workload kind %q", workload.Kind)
	}

	sel, err := metav1.LabelSelectorAsSelector(labelSelector)
	if err != nil {
		return nil, fmt.Errorf("workloadapi: parse selector for %s: %w", workload, err)
	}
	return sel, nil
}

// isPodReady checks the standard PodReady condition.
func isPodReady(pod *corev1.Pod) bool {
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodReady {
			return condition.Status == corev1.ConditionTrue
		}
	}
	return false
}

// CaptureAutoscaler fetches the live HorizontalPodAutoscaler for workload
// and returns its spec as an opaque AutoscalerSpec (§4.G).
func (a *ClientAPI) CaptureAutoscaler(ctx context.Context, workload ztypes.WorkloadReference) (*ztypes.AutoscalerSpec, error) {
	hpa := &autoscalingv2.HorizontalPodAutoscaler{}
	key := types.NamespacedName{Namespace: workload.Namespace, Name: autoscalerName(workload)}
	if err := a.client.Get(ctx, key, hpa); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("workloadapi: no live autoscaler for %s: %w", workload, scalererrors.ErrNotFound)
		}
		return nil, fmt.Errorf("workloadapi: get autoscaler for %s: %w", workload, err)
	}

	spec := &ztypes.AutoscalerSpec{
		MinReplicas: hpa.Spec.MinReplicas,
		MaxReplicas: hpa.Spec.MaxReplicas,
	}
	for _, m := range hpa.Spec.Metrics {
		if m.Resource != nil && m.Resource.Name == corev1.ResourceCPU && m.Resource.Target.AverageUtilization != nil {
			spec.TargetCPUUtilization = m.Resource.Target.AverageUtilization
		}
	}
	if raw, err := marshalMetrics(hpa.Spec.Metrics); err == nil {
		spec.Metrics = raw
	}
	if raw, err := marshalBehavior(hpa.Spec.Behavior); err == nil {
		spec.Behavior = raw
	}
	return spec, nil
}

// DeleteAutoscaler removes the live autoscaler for workload. A missing
// autoscaler is NotFoundError, treated as success (§7).
func (a *ClientAPI) DeleteAutoscaler(ctx context.Context, workload ztypes.WorkloadReference) error {
	hpa := &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{Namespace: workload.Namespace, Name: autoscalerName(workload)},
	}
	if err := a.client.Delete(ctx, hpa); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("workloadapi: delete autoscaler for %s: %w", workload, err)
	}
	return nil
}

// RecreateAutoscaler constructs a new autoscaler from spec, bit-identical
// to what was captured (§4.G).
func (a *ClientAPI) RecreateAutoscaler(ctx context.Context, workload ztypes.WorkloadReference, spec *ztypes.AutoscalerSpec) error {
	hpa := &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: workload.Namespace,
			Name:      autoscalerName(workload),
		},
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{
				Kind:       string(workload.Kind),
				Name:       workload.Name,
				APIVersion: "apps/v1",
			},
			MinReplicas: spec.MinReplicas,
			MaxReplicas: spec.MaxReplicas,
		},
	}

	if metrics, err := unmarshalMetrics(spec.Metrics); err == nil && metrics != nil {
		hpa.Spec.Metrics = metrics
	} else if spec.TargetCPUUtilization != nil {
		hpa.Spec.Metrics = []autoscalingv2.MetricSpec{{
			Type: autoscalingv2.ResourceMetricSourceType,
			Resource: &autoscalingv2.ResourceMetricSource{
				Name: corev1.ResourceCPU,
				Target: autoscalingv2.MetricTarget{
					Type:               autoscalingv2.UtilizationMetricType,
					AverageUtilization: spec.TargetCPUUtilization,
				},
			},
		}}
	}
	if behavior, err := unmarshalBehavior(spec.Behavior); err == nil && behavior != nil {
		hpa.Spec.Behavior = behavior
	}

	if err := a.client.Create(ctx, hpa); err != nil {
		return fmt.Errorf("workloadapi: create autoscaler for %s: %w", workload, err)
	}
	return nil
}

func autoscalerName(workload ztypes.WorkloadReference) string {
	return fmt.Sprintf("%s-scale-to-zero", workload.Name)
}
