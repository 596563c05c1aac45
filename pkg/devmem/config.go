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

	cfgapi "github.com/containers/devmem/pkg/apis/config/v1alpha1/devmem"
	"github.com/containers/devmem/pkg/device"
)

// WithConfig applies strategy selection and pool limits from the given
// configuration.
func WithConfig(cfg *cfgapi.Config) Option {
	return func(f *Facade) error {
		if cfg == nil {
			return nil
		}

		for place, strategy := range cfg.Strategies {
			p, err := device.ParsePlace(place)
			if err != nil {
				return err
			}
			kind, err := ParseStrategy(strategy)
			if err != nil {
				return fmt.Errorf("strategy for %s: %w", p, err)
			}
			if err := WithStrategy(p, kind)(f); err != nil {
				return err
			}
		}

		for k, strategy := range cfg.KindDefaults {
			dk, err := device.ParseKind(k)
			if err != nil {
				return err
			}
			kind, err := ParseStrategy(strategy)
			if err != nil {
				return fmt.Errorf("default strategy for %s: %w", dk, err)
			}
			if err := WithKindDefault(dk, kind)(f); err != nil {
				return err
			}
		}

		limit, err := cfg.MaxCachedBytes.Bytes()
		if err != nil {
			return err
		}

		return WithMaxCachedBytes(limit)(f)
	}
}

// NewDevices creates a registry with the devices of the given configuration.
// Without configured devices the registry has a host and a pinned host
// device. The given options are applied to every device.
func NewDevices(cfg *cfgapi.Config, opts ...device.Option) (*device.Registry, error) {
	if cfg == nil || len(cfg.Devices) == 0 {
		return device.NewRegistry(device.NewHost(opts...), device.NewPinned(opts...))
	}

	devices := make([]device.Device, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		dev, err := newDevice(d, opts)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}

	return device.NewRegistry(devices...)
}

func newDevice(d cfgapi.Device, opts []device.Option) (device.Device, error) {
	p, err := device.ParsePlace(d.Place)
	if err != nil {
		return nil, err
	}

	capacity, err := d.Capacity.Bytes()
	if err != nil {
		return nil, fmt.Errorf("capacity of %s: %w", p, err)
	}

	opts = append(opts[:len(opts):len(opts)], device.WithCapacity(capacity))

	switch p.Kind() {
	case device.KindHost:
		return device.NewHost(opts...), nil
	case device.KindPinnedHost:
		return device.NewPinned(opts...), nil
	case device.KindAccelerator:
		return device.NewAccelerator(p.Index(), opts...), nil
	case device.KindCustomDevice:
		if d.Streams {
			opts = append(opts, device.WithStreams(d.MultiStream))
		}
		return device.NewCustom(p.Index(), opts...), nil
	}

	return nil, fmt.Errorf("%w: %s", device.ErrInvalidPlace, p)
}

// NewFacadeFromConfig creates a facade and its devices from configuration.
func NewFacadeFromConfig(cfg *cfgapi.Config, opts ...device.Option) (*Facade, error) {
	devices, err := NewDevices(cfg, opts...)
	if err != nil {
		return nil, err
	}

	f, err := NewFacade(devices, WithConfig(cfg))
	if err != nil {
		devices.Close()
		return nil, err
	}

	return f, nil
}
