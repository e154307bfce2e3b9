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

// Package types defines the core data model shared across the scaling
// engine: the per-service record held in the workload registry, workload
// references, autoscaler specs, and the derived per-service state machine.
package types

import (
	"encoding/json"
	"fmt"
)

// WorkloadKind identifies the kind of a scalable workload.
type WorkloadKind string

const (
	WorkloadKindDeployment  WorkloadKind = "Deployment"
	WorkloadKindStatefulSet WorkloadKind = "StatefulSet"
)

// WorkloadReference names a scalable workload by kind, namespace and name.
type WorkloadReference struct {
	Kind      WorkloadKind
	Namespace string
	Name      string
}

func (r WorkloadReference) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Kind, r.Namespace, r.Name)
}

// AutoscalerSpec is the captured shape of a horizontal autoscaler, kept
// opaque where the original object carries fields this engine never
// interprets (Metrics, Behavior).
type AutoscalerSpec struct {
	MinReplicas             *int32
	MaxReplicas             int32
	TargetCPUUtilization    *int32
	Metrics                 json.RawMessage
	Behavior                json.RawMessage
}

// Equal reports whether two captured specs are field-wise identical. Used
// by the capture-then-recreate round trip test (see autoscaler package).
func (s *AutoscalerSpec) Equal(other *AutoscalerSpec) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.MaxReplicas != other.MaxReplicas {
		return false
	}
	if !int32PtrEqual(s.MinReplicas, other.MinReplicas) {
		return false
	}
	if !int32PtrEqual(s.TargetCPUUtilization, other.TargetCPUUtilization) {
		return false
	}
	return string(s.Metrics) == string(other.Metrics) && string(s.Behavior) == string(other.Behavior)
}

func int32PtrEqual(a, b *int32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// AutoscalerState tracks the lifecycle of the autoscaler bound to a service.
type AutoscalerState struct {
	Enabled      bool
	Name         string
	Suspended    bool
	CapturedSpec *AutoscalerSpec
}

// ServiceState is the tagged per-service state: a derived view, never an
// independent source of truth. The registry recomputes it from Available
// on every write (see ComputeState).
type ServiceState int

const (
	ServiceStateUnknown ServiceState = iota
	ServiceStateAvailable
	ServiceStateScalingUp
	ServiceStateScalingDown
	ServiceStateUnavailable
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStateAvailable:
		return "Available"
	case ServiceStateScalingUp:
		return "ScalingUp"
	case ServiceStateScalingDown:
		return "ScalingDown"
	case ServiceStateUnavailable:
		return "Unavailable"
	default:
		return "Unknown"
	}
}

// ServiceRecord is the per-service entry held by the workload registry,
// keyed externally by the service's dotted-quad IP.
type ServiceRecord struct {
	IP             string
	ScaleDownIdle  int64 // seconds
	LastActivity   int64 // monotonic seconds since epoch
	Workload       WorkloadReference
	Available      bool
	Dependencies   []WorkloadReference
	Dependents     []WorkloadReference
	Priority       int
	Autoscaler     AutoscalerState
	State          ServiceState
}

// Clone returns a deep copy suitable for handing to components that must
// not retain a reference into the registry's internal storage.
func (r *ServiceRecord) Clone() *ServiceRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Dependencies = append([]WorkloadReference(nil), r.Dependencies...)
	c.Dependents = append([]WorkloadReference(nil), r.Dependents...)
	if r.Autoscaler.CapturedSpec != nil {
		specCopy := *r.Autoscaler.CapturedSpec
		c.Autoscaler.CapturedSpec = &specCopy
	}
	return &c
}

// ComputeState derives the ServiceState from the availability bit alone,
// so it yields only Available or Unavailable. No code path assigns
// Unknown, ScalingUp or ScalingDown to a record; an in-flight scale
// operation is not reflected in State.
func (r *ServiceRecord) ComputeState() ServiceState {
	if r.Available {
		return ServiceStateAvailable
	}
	return ServiceStateUnavailable
}

// Priority computes the scaling-order key per the priority function: a
// non-empty Dependencies list (the service needs others) gives a low key,
// so it scales down early and up late; a non-empty Dependents list (others
// depend on it) gives a high key, so it scales down late and up early.
func Priority(dependencies, dependents []WorkloadReference) int {
	switch {
	case len(dependencies) > 0:
		p := 10 + 5*len(dependencies)
		if p > 30 {
			p = 30
		}
		return p
	case len(dependents) > 0:
		p := 90 + 5*len(dependents)
		if p > 110 {
			p = 110
		}
		return p
	default:
		return 50
	}
}
