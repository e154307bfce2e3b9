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

package watcher

import (
	"fmt"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"

	"github.com/BudEcosystem/scale-to-zero/pkg/scalererrors"
	ztypes "github.com/BudEcosystem/scale-to-zero/pkg/types"
)

// parsed holds the annotation-derived configuration for one service,
// before the IP and existing LastActivity are folded in.
type parsed struct {
	scaleDownIdle int64
	workload      ztypes.WorkloadReference
	dependencies  []ztypes.WorkloadReference
	dependents    []ztypes.WorkloadReference
	hpaEnabled    bool
	minReplicas   int32
	maxReplicas   int32
	targetCPU     *int32
	priority      *int
}

// parseService extracts the recognised annotation set from svc (§6.1). A
// missing marker annotation is reported via ok=false, not an error: the
// watcher simply ignores the service. Any other malformed value is a
// ConfigError, logged by the caller and also skipped.
func parseService(svc *corev1.Service) (parsed, bool, error) {
	idleStr, marked := svc.Annotations[ztypes.AnnotationScaleDownTime]
	if !marked {
		return parsed{}, false, nil
	}

	idle, err := strconv.ParseInt(idleStr, 10, 64)
	if err != nil || idle < 1 {
		return parsed{}, true, fmt.Errorf("%w: invalid %s %q on service %s/%s", scalererrors.ErrConfig, ztypes.AnnotationScaleDownTime, idleStr, svc.Namespace, svc.Name)
	}

	refStr, ok := svc.Annotations[ztypes.AnnotationReference]
	if !ok {
		return parsed{}, true, fmt.Errorf("%w: missing %s on service %s/%s", scalererrors.ErrConfig, ztypes.AnnotationReference, svc.Namespace, svc.Name)
	}
	workload, err := parseWorkloadReference(refStr, svc.Namespace)
	if err != nil {
		return parsed{}, true, fmt.Errorf("%w: %s on service %s/%s: %v", scalererrors.ErrConfig, ztypes.AnnotationReference, svc.Namespace, svc.Name, err)
	}

	p := parsed{scaleDownIdle: idle, workload: workload, minReplicas: ztypes.DefaultMinReplicas, maxReplicas: ztypes.DefaultMaxReplicas}

	if deps, err := parseReferenceList(svc.Annotations[ztypes.AnnotationDependencies], svc.Namespace); err != nil {
		return parsed{}, true, fmt.Errorf("%w: %s on service %s/%s: %v", scalererrors.ErrConfig, ztypes.AnnotationDependencies, svc.Namespace, svc.Name, err)
	} else {
		p.dependencies = deps
	}
	if deps, err := parseReferenceList(svc.Annotations[ztypes.AnnotationDependents], svc.Namespace); err != nil {
		return parsed{}, true, fmt.Errorf("%w: %s on service %s/%s: %v", scalererrors.ErrConfig, ztypes.AnnotationDependents, svc.Namespace, svc.Name, err)
	} else {
		p.dependents = deps
	}

	if v, ok := svc.Annotations[ztypes.AnnotationHPAEnabled]; ok {
		p.hpaEnabled, _ = strconv.ParseBool(v)
	}
	if v, ok := svc.Annotations[ztypes.AnnotationMinReplicas]; ok {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			p.minReplicas = int32(n)
		}
	}
	if v, ok := svc.Annotations[ztypes.AnnotationMaxReplicas]; ok {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			p.maxReplicas = int32(n)
		}
	}
	if v, ok := svc.Annotations[ztypes.AnnotationTargetCPUUtilization]; ok {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cpu := int32(n)
			p.targetCPU = &cpu
		}
	}
	if v, ok := svc.Annotations[ztypes.AnnotationScalingPriority]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			p.priority = &n
		}
	}

	return p, true, nil
}

// parseWorkloadReference accepts "<kind>/<name>" (resolved in
// defaultNamespace) or "<kind>/<namespace>/<name>" (§6.1).
func parseWorkloadReference(s, defaultNamespace string) (ztypes.WorkloadReference, error) {
	parts := strings.Split(s, "/")
	var kindStr, namespace, name string
	switch len(parts) {
	case 2:
		kindStr, namespace, name = parts[0], defaultNamespace, parts[1]
	case 3:
		kindStr, namespace, name = parts[0], parts[1], parts[2]
	default:
		return ztypes.WorkloadReference{}, fmt.Errorf("malformed workload reference %q", s)
	}

	kind, err := normalizeKind(kindStr)
	if err != nil {
		return ztypes.WorkloadReference{}, err
	}
	if name == "" {
		return ztypes.WorkloadReference{}, fmt.Errorf("malformed workload reference %q: empty name", s)
	}
	return ztypes.WorkloadReference{Kind: kind, Namespace: namespace, Name: name}, nil
}

func normalizeKind(s string) (ztypes.WorkloadKind, error) {
	switch strings.ToLower(s) {
	case "deployment":
		return ztypes.WorkloadKindDeployment, nil
	case "statefulset":
		return ztypes.WorkloadKindStatefulSet, nil
	default:
		return "", fmt.Errorf("unrecognised workload kind %q", s)
	}
}

func parseReferenceList(s, defaultNamespace string) ([]ztypes.WorkloadReference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []ztypes.WorkloadReference
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		ref, err := parseWorkloadReference(item, defaultNamespace)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}
