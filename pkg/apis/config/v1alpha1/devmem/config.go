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

	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/containers/devmem/pkg/apis/config/v1alpha1/log"
)

// Config provides configuration for device memory allocation.
type Config struct {
	// Strategies selects the allocation strategy for individual places.
	// Keys are places (cpu, pinned, gpu:N, custom:N), values are one of
	// naive, caching, stream-safe, or thread-confined.
	// +optional
	// +kubebuilder:example={"gpu:0": "stream-safe", "cpu": "thread-confined"}
	Strategies map[string]string `json:"strategies,omitempty"`
	// KindDefaults selects the allocation strategy for all places of a kind
	// (cpu, pinned, gpu, custom) without an entry in Strategies.
	// +optional
	KindDefaults map[string]string `json:"kindDefaults,omitempty"`
	// MaxCachedBytes limits the amount of memory each caching pool keeps
	// for reuse. Unlimited if omitted.
	// +optional
	// +kubebuilder:example="256Mi"
	MaxCachedBytes Amount `json:"maxCachedBytes,omitempty"`
	// Devices lists the devices to register.
	// +optional
	Devices []Device `json:"devices,omitempty"`
	// Metrics configures collection of allocator metrics.
	// +optional
	Metrics *Metrics `json:"metrics,omitempty"`
	// Log configures logging.
	// +optional
	Log *log.Config `json:"log,omitempty"`
}

// Device describes a single device.
type Device struct {
	// Place of the device (cpu, pinned, gpu:N, custom:N).
	Place string `json:"place"`
	// Capacity of the device. Unlimited for host memory if omitted.
	// +optional
	// +kubebuilder:example="4Gi"
	Capacity Amount `json:"capacity,omitempty"`
	// Streams enables stream support for custom devices.
	// +optional
	Streams bool `json:"streams,omitempty"`
	// MultiStream enables tracking multiple streams per allocation for
	// custom devices with stream support.
	// +optional
	MultiStream bool `json:"multiStream,omitempty"`
}

// Metrics configures allocator metrics.
type Metrics struct {
	// Enabled lists globs of metrics collectors to enable.
	// +optional
	// +kubebuilder:default={"devmem"}
	Enabled []string `json:"enabled,omitempty"`
	// Polled lists globs of metrics collectors to poll periodically
	// instead of collecting them on demand.
	// +optional
	Polled []string `json:"polled,omitempty"`
	// ReportPeriod is the interval between polling metrics.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="30s"
	ReportPeriod metav1.Duration `json:"reportPeriod,omitempty"`
	// HTTPEndpoint is the address to serve /metrics on.
	// +optional
	// +kubebuilder:example=":8891"
	HTTPEndpoint string `json:"httpEndpoint,omitempty"`
}

// Amount is an amount of memory as a resource quantity.
type Amount string

var (
	noQ = resource.Quantity{}
)

// ParseQuantity parses the amount as a resource quantity.
func (amount Amount) ParseQuantity() (resource.Quantity, error) {
	q, err := resource.ParseQuantity(string(amount))
	if err != nil {
		return noQ, fmt.Errorf("failed to parse amount '%s' as resource quantity: %w", amount, err)
	}
	return q, nil
}

// Bytes returns the amount in bytes, or 0 for an empty amount.
func (amount Amount) Bytes() (int64, error) {
	if amount == "" {
		return 0, nil
	}
	q, err := amount.ParseQuantity()
	if err != nil {
		return 0, err
	}
	if q.Sign() < 0 {
		return 0, fmt.Errorf("negative amount '%s'", amount)
	}
	return q.Value(), nil
}

// Parse parses configuration from YAML (or JSON) data. Unknown fields are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse devmem configuration: %w", err)
	}
	return cfg, nil
}
