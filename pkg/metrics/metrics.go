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

// Package metrics implements the operational metrics component (J):
// Prometheus instrumentation for scale events, registry size and
// coordinator state. Purely observational; nothing here feeds back into a
// scaling decision (the Non-goals exclude custom-metric autoscaling
// policy, not operational visibility).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the engine exposes on /metrics.
type Metrics struct {
	RegistrySize            prometheus.Gauge
	ScaleUpTotal            *prometheus.CounterVec
	ScaleDownTotal          *prometheus.CounterVec
	ScaleOperationDuration  *prometheus.HistogramVec
	CoordinatorIsLeader     prometheus.Gauge
	CoordinatorFailures     prometheus.Gauge
	KernelMapDriftCorrected prometheus.Counter
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RegistrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scale_to_zero",
			Name:      "registry_size",
			Help:      "Number of services currently tracked by the workload registry.",
		}),
		ScaleUpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scale_to_zero",
			Name:      "scale_up_total",
			Help:      "Count of scale-up operations by outcome.",
		}, []string{"outcome"}),
		ScaleDownTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scale_to_zero",
			Name:      "scale_down_total",
			Help:      "Count of scale-down operations by outcome.",
		}, []string{"outcome"}),
		ScaleOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scale_to_zero",
			Name:      "scale_operation_duration_seconds",
			Help:      "Latency of scale operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"direction"}),
		CoordinatorIsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scale_to_zero",
			Name:      "coordinator_is_leader",
			Help:      "1 if this node currently holds the coordinator leader key, else 0.",
		}),
		CoordinatorFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scale_to_zero",
			Name:      "coordinator_consecutive_failures",
			Help:      "Consecutive consensus-store operation failures observed by this node.",
		}),
		KernelMapDriftCorrected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scale_to_zero",
			Name:      "kernel_map_drift_corrected_total",
			Help:      "Number of kernel-map entries repaired by the reconciler.",
		}),
	}

	reg.MustRegister(
		m.RegistrySize,
		m.ScaleUpTotal,
		m.ScaleDownTotal,
		m.ScaleOperationDuration,
		m.CoordinatorIsLeader,
		m.CoordinatorFailures,
		m.KernelMapDriftCorrected,
	)
	return m
}
