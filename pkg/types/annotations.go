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

package types

// AnnotationPrefix groups every recognised service annotation under one
// namespace, mirroring the scale-to-zero marker used across the cluster.
const AnnotationPrefix = "scale-to-zero/"

// Recognised annotation keys (§6.1).
const (
	// AnnotationScaleDownTime is the marker annotation: its presence
	// enables scale-to-zero management for the service and gives the
	// idle window in seconds.
	AnnotationScaleDownTime = AnnotationPrefix + "scale-down-time"

	// AnnotationReference names the target workload, "<kind>/<name>" in
	// the service's own namespace, or "<kind>/<namespace>/<name>" for a
	// cross-namespace reference.
	AnnotationReference = AnnotationPrefix + "reference"

	// AnnotationHPAEnabled turns on autoscaler lifecycle management.
	AnnotationHPAEnabled = AnnotationPrefix + "hpa-enabled"

	// AnnotationMinReplicas seeds the captured autoscaler spec.
	AnnotationMinReplicas = AnnotationPrefix + "min-replicas"

	// AnnotationMaxReplicas seeds the captured autoscaler spec.
	AnnotationMaxReplicas = AnnotationPrefix + "max-replicas"

	// AnnotationTargetCPUUtilization seeds the captured autoscaler spec.
	AnnotationTargetCPUUtilization = AnnotationPrefix + "target-cpu-utilization"

	// AnnotationDependencies is a comma-separated list of "<kind>/<name>".
	AnnotationDependencies = AnnotationPrefix + "dependencies"

	// AnnotationDependents is a comma-separated list of "<kind>/<name>".
	AnnotationDependents = AnnotationPrefix + "dependents"

	// AnnotationScalingPriority overrides the computed priority.
	AnnotationScalingPriority = AnnotationPrefix + "scaling-priority"
)

// Default values applied when an optional annotation is absent (§6.1).
const (
	DefaultMinReplicas = int32(1)
	DefaultMaxReplicas = int32(1)
)
