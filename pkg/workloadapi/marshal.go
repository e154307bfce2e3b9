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

package workloadapi

import (
	"encoding/json"

	autoscalingv2 "k8s.io/api/autoscaling/v2"
)

// The autoscaler's metrics and behaviour fields are carried as opaque
// blobs (§3): this engine never interprets their contents, only captures
// and replays them verbatim through a capture-then-recreate round trip.

func marshalMetrics(metrics []autoscalingv2.MetricSpec) ([]byte, error) {
	if len(metrics) == 0 {
		return nil, nil
	}
	return json.Marshal(metrics)
}

func unmarshalMetrics(raw []byte) ([]autoscalingv2.MetricSpec, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var metrics []autoscalingv2.MetricSpec
	if err := json.Unmarshal(raw, &metrics); err != nil {
		return nil, err
	}
	return metrics, nil
}

func marshalBehavior(behavior *autoscalingv2.HorizontalPodAutoscalerBehavior) ([]byte, error) {
	if behavior == nil {
		return nil, nil
	}
	return json.Marshal(behavior)
}

func unmarshalBehavior(raw []byte) (*autoscalingv2.HorizontalPodAutoscalerBehavior, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var behavior autoscalingv2.HorizontalPodAutoscalerBehavior
	if err := json.Unmarshal(raw, &behavior); err != nil {
		return nil, err
	}
	return &behavior, nil
}
