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

// Package scalererrors implements the design-level error taxonomy: a small
// set of sentinel kinds that call sites branch on with errors.Is, rather
// than matching on message strings.
package scalererrors

import "errors"

// Sentinel kinds. Wrap the underlying cause with fmt.Errorf("...: %w", Kind)
// so errors.Is still matches the kind while the message keeps the cause.
var (
	// ErrConfig marks an annotation parse failure or malformed workload
	// reference. Callers log at warn level and skip the service.
	ErrConfig = errors.New("config error")

	// ErrTransientAPI marks a network blip against the cluster or the
	// consensus store. Callers back off exponentially and retry.
	ErrTransientAPI = errors.New("transient api error")

	// ErrNotFound marks a workload or autoscaler that vanished mid
	// operation. Treated as success for delete, abandoned for scale.
	ErrNotFound = errors.New("not found")

	// ErrTimeout marks an API call that exceeded its deadline.
	ErrTimeout = errors.New("timeout")
)
