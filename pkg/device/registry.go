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

package device

import (
	"fmt"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Registry holds the devices known to the process, keyed by their place.
// Devices are registered at construction time by the device context layer.
type Registry struct {
	sync.RWMutex
	devices map[Place]Device
}

// NewRegistry creates a registry with the given devices.
func NewRegistry(devices ...Device) (*Registry, error) {
	r := &Registry{
		devices: make(map[Place]Device),
	}

	for _, d := range devices {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Register adds a device to the registry.
func (r *Registry) Register(d Device) error {
	r.Lock()
	defer r.Unlock()

	p := d.Place()
	if _, ok := r.devices[p]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, p)
	}

	r.devices[p] = d
	log.Info("registered %s device (capabilities: %s, capacity: %d)", p, d.Capabilities(), d.Capacity())

	return nil
}

// Lookup returns the device for the given place.
func (r *Registry) Lookup(p Place) (Device, error) {
	r.RLock()
	defer r.RUnlock()

	d, ok := r.devices[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlace, p)
	}
	return d, nil
}

// Places returns the places of all registered devices, sorted by kind and index.
func (r *Registry) Places() []Place {
	r.RLock()
	defer r.RUnlock()

	places := make([]Place, 0, len(r.devices))
	for p := range r.devices {
		places = append(places, p)
	}
	slices.SortFunc(places, ComparePlaces)

	return places
}

// Close closes all registered devices.
func (r *Registry) Close() error {
	r.Lock()
	defer r.Unlock()

	var errs *multierror.Error
	for p, d := range r.devices {
		if err := d.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close %s: %w", p, err))
		}
	}

	return errs.ErrorOrNil()
}

// ComparePlaces orders places by kind, then by index.
func ComparePlaces(p1, p2 Place) int {
	if diff := int(p1.kind) - int(p2.kind); diff != 0 {
		return diff
	}
	return p1.index - p2.index
}
