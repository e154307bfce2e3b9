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
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/BudEcosystem/scale-to-zero/pkg/types"
)

func serviceWithAnnotations(annotations map[string]string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "svc-a", Annotations: annotations},
	}
}

func TestParseServiceUnmarkedIsIgnored(t *testing.T) {
	_, marked, err := parseService(serviceWithAnnotations(nil))
	if err != nil || marked {
		t.Fatalf("expected unmarked service to be ignored silently, got marked=%v err=%v", marked, err)
	}
}

func TestParseServiceBasic(t *testing.T) {
	svc := serviceWithAnnotations(map[string]string{
		types.AnnotationScaleDownTime: "30",
		types.AnnotationReference:     "deployment/svc-a",
	})

	p, marked, err := parseService(svc)
	if err != nil || !marked {
		t.Fatalf("expected a valid parse, got marked=%v err=%v", marked, err)
	}
	if p.scaleDownIdle != 30 {
		t.Fatalf("expected scaleDownIdle=30, got %d", p.scaleDownIdle)
	}
	want := types.WorkloadReference{Kind: types.WorkloadKindDeployment, Namespace: "ns", Name: "svc-a"}
	if p.workload != want {
		t.Fatalf("expected workload %+v, got %+v", want, p.workload)
	}
}

func TestParseServiceCrossNamespaceReference(t *testing.T) {
	svc := serviceWithAnnotations(map[string]string{
		types.AnnotationScaleDownTime: "10",
		types.AnnotationReference:     "statefulset/other-ns/svc-b",
	})

	p, _, err := parseService(svc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := types.WorkloadReference{Kind: types.WorkloadKindStatefulSet, Namespace: "other-ns", Name: "svc-b"}
	if p.workload != want {
		t.Fatalf("expected workload %+v, got %+v", want, p.workload)
	}
}

func TestParseServiceDependencyList(t *testing.T) {
	svc := serviceWithAnnotations(map[string]string{
		types.AnnotationScaleDownTime: "10",
		types.AnnotationReference:     "deployment/gw",
		types.AnnotationDependencies:  "deployment/a, statefulset/ns2/b",
	})

	p, _, err := parseService(svc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.dependencies) != 2 {
		t.Fatalf("expected 2 dependencies, got %d", len(p.dependencies))
	}
	if p.dependencies[0] != (types.WorkloadReference{Kind: types.WorkloadKindDeployment, Namespace: "ns", Name: "a"}) {
		t.Fatalf("unexpected first dependency: %+v", p.dependencies[0])
	}
	if p.dependencies[1] != (types.WorkloadReference{Kind: types.WorkloadKindStatefulSet, Namespace: "ns2", Name: "b"}) {
		t.Fatalf("unexpected second dependency: %+v", p.dependencies[1])
	}
}

func TestParseServiceMalformedIdleIsConfigError(t *testing.T) {
	svc := serviceWithAnnotations(map[string]string{
		types.AnnotationScaleDownTime: "not-a-number",
		types.AnnotationReference:     "deployment/svc-a",
	})

	_, marked, err := parseService(svc)
	if !marked || err == nil {
		t.Fatalf("expected a ConfigError for malformed scale-down-time, got marked=%v err=%v", marked, err)
	}
}

func TestParseServicePriorityOverride(t *testing.T) {
	svc := serviceWithAnnotations(map[string]string{
		types.AnnotationScaleDownTime:  "10",
		types.AnnotationReference:      "deployment/svc-a",
		types.AnnotationScalingPriority: "77",
	})

	p, _, err := parseService(svc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.priority == nil || *p.priority != 77 {
		t.Fatalf("expected priority override 77, got %v", p.priority)
	}
}
