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

// Command scaler-agent runs the cluster-wide scale-to-zero engine: the
// workload registry, cluster watcher, packet-event consumer, idle
// detector, scaling scheduler, autoscaler lifecycle manager and, when
// enabled, the distributed coordinator (component K).
package main

import (
	"os"

	"k8s.io/klog/v2"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		klog.ErrorS(err, "scaler-agent exited with error")
		os.Exit(1)
	}
}
