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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/devmem/pkg/metrics"
)

const (
	// MetricsGroup is the group of the facade metrics collector.
	MetricsGroup = "devmem"
)

type collector struct {
	f           *Facade
	inUse       *prometheus.Desc
	cached      *prometheus.Desc
	pending     *prometheus.Desc
	pendBlocks  *prometheus.Desc
	hits        *prometheus.Desc
	misses      *prometheus.Desc
	devAllocs   *prometheus.Desc
	devFrees    *prometheus.Desc
	evictions   *prometheus.Desc
	deviceInUse *prometheus.Desc
	capacity    *prometheus.Desc
}

// NewCollector returns a prometheus collector for the pools of the facade.
func (f *Facade) NewCollector() prometheus.Collector {
	labels := []string{"place", "strategy"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, labels, nil)
	}

	return &collector{
		f:          f,
		inUse:      desc("in_use_bytes", "Bytes held by live allocations."),
		cached:     desc("cached_bytes", "Bytes cached for reuse."),
		pending:    desc("pending_bytes", "Bytes of released allocations waiting for streams."),
		pendBlocks: desc("pending_blocks", "Released allocations waiting for streams."),
		hits:       desc("cache_hits_total", "Allocations served from cache."),
		misses:     desc("cache_misses_total", "Allocations served by the device."),
		devAllocs:  desc("device_allocs_total", "Successful device allocations."),
		devFrees:   desc("device_frees_total", "Blocks given back to the device."),
		evictions:  desc("evictions_total", "Cache evictions forced by device exhaustion."),
		deviceInUse: prometheus.NewDesc("device_in_use_bytes",
			"Bytes allocated from the device.", []string{"place"}, nil),
		capacity: prometheus.NewDesc("device_capacity_bytes",
			"Capacity of the device, 0 if unlimited.", []string{"place"}, nil),
	}
}

// RegisterMetrics registers the collector of the facade with the given
// metrics registry, or the default one if nil.
func (f *Facade) RegisterMetrics(r *metrics.Registry, opts ...metrics.RegisterOption) error {
	if r == nil {
		r = metrics.Default()
	}
	opts = append([]metrics.RegisterOption{metrics.WithGroup(MetricsGroup)}, opts...)
	return r.Register("pools", f.NewCollector(), opts...)
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.inUse, c.cached, c.pending, c.pendBlocks, c.hits, c.misses,
		c.devAllocs, c.devFrees, c.evictions, c.deviceInUse, c.capacity,
	} {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.f.strategyList() {
		st := s.Stats()
		lv := []string{st.Place, st.Strategy}

		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, lv...)
		}
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), lv...)
		}

		gauge(c.inUse, float64(st.InUse))
		gauge(c.cached, float64(st.Cached))
		gauge(c.pending, float64(st.Pending))
		gauge(c.pendBlocks, float64(st.PendingBlocks))
		counter(c.hits, st.Hits)
		counter(c.misses, st.Misses)
		counter(c.devAllocs, st.DeviceAllocs)
		counter(c.devFrees, st.DeviceFrees)
		counter(c.evictions, st.Evictions)
	}

	for _, p := range c.f.Places() {
		dev, err := c.f.devices.Lookup(p)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.deviceInUse, prometheus.GaugeValue,
			float64(dev.InUse()), p.String())
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue,
			float64(dev.Capacity()), p.String())
	}
}
