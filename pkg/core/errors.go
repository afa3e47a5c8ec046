/*
Copyright 2025 David Arnold
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

package core

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityUnavailable is transient: the provider has no capacity for
	// an offering right now.
	ErrCapacityUnavailable = errors.New("capacity unavailable")
	// ErrProviderThrottled is transient: the provider rate limited the call.
	ErrProviderThrottled = errors.New("provider throttled")
	// ErrLimitExceeded means a rule's own ceiling would be crossed. Never retried.
	ErrLimitExceeded = errors.New("limit exceeded")
	// ErrDrainTimeout means a drain did not finish in time and the node was
	// terminated forcibly.
	ErrDrainTimeout = errors.New("drain timeout")
	// ErrStaleDemand means the demand source could not be refreshed within
	// the staleness threshold.
	ErrStaleDemand = errors.New("stale demand")
	// ErrNodeNotFound is returned by the provider or store for unknown nodes.
	ErrNodeNotFound = errors.New("node not found")
)

// ConfigurationError rejects a rule at load time. It is never retried.
type ConfigurationError struct {
	Rule   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid provisioner %q: %s", e.Rule, e.Reason)
}

// Retryable reports whether err is a transient provider error.
func Retryable(err error) bool {
	return errors.Is(err, ErrCapacityUnavailable) || errors.Is(err, ErrProviderThrottled)
}
