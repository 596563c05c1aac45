// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package devmem

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/containers/devmem/pkg/healthz"
)

const (
	// HealthCheckName is the name of the facade health checker.
	HealthCheckName = "devmem"
	// degradedUsage is the device usage percentage considered degraded.
	degradedUsage = 90
)

// CheckHealth reports the facade non-functional once closed and degraded
// if any device with a limited capacity is nearly exhausted.
func (f *Facade) CheckHealth() (healthz.Status, error) {
	f.RLock()
	closed := f.closed
	f.RUnlock()

	if closed {
		return healthz.NonFunctional, ErrClosed
	}

	var errs *multierror.Error

	for _, p := range f.devices.Places() {
		dev, err := f.devices.Lookup(p)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		capacity, inUse := dev.Capacity(), dev.InUse()
		if capacity > 0 && inUse*100 >= capacity*degradedUsage {
			errs = multierror.Append(errs, fmt.Errorf("%s: %s of %s in use",
				p, HumanReadableSize(inUse), HumanReadableSize(capacity)))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return healthz.Degraded, err
	}

	return healthz.Healthy, nil
}

// RegisterHealthCheck registers the facade with the given health checkers,
// or the default ones if nil.
func (f *Facade) RegisterHealthCheck(c *healthz.Checkers) error {
	if c == nil {
		c = healthz.Default()
	}
	return c.Register(HealthCheckName, f.CheckHealth)
}
