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

package metrics_test

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	model "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/containers/devmem/pkg/device"
	"github.com/containers/devmem/pkg/devmem"
	logger "github.com/containers/devmem/pkg/log"
	"github.com/containers/devmem/pkg/metrics"
)

func TestCollectionPrefixes(t *testing.T) {
	for _, tc := range []struct {
		name      string
		namespace string
		options   []metrics.RegisterOption
		metric    string
	}{
		{
			name:   "default group",
			metric: "default_gauge",
		},
		{
			name:    "unprefixed",
			options: []metrics.RegisterOption{metrics.WithoutPrefix()},
			metric:  "gauge",
		},
		{
			name:    "custom group",
			options: []metrics.RegisterOption{metrics.WithGroup("pools")},
			metric:  "pools_gauge",
		},
		{
			name:      "namespaced group",
			namespace: "test",
			options:   []metrics.RegisterOption{metrics.WithGroup("pools")},
			metric:    "test_pools_gauge",
		},
		{
			name:      "namespaced unprefixed",
			namespace: "test",
			options:   []metrics.RegisterOption{metrics.WithoutPrefix()},
			metric:    "test_gauge",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := metrics.NewRegistry()
			newTestGauge(t, r, "gauge", tc.options...)

			g, err := r.NewGatherer(
				metrics.WithNamespace(tc.namespace),
				metrics.WithMetrics([]string{"*"}, nil),
			)
			require.NoError(t, err)
			defer g.Stop()

			values := gather(t, g)
			require.Equal(t, map[string]float64{tc.metric: 0}, values)
		})
	}
}

func TestHTTPCollection(t *testing.T) {
	r := metrics.NewRegistry()

	gauges := map[string]*testGauge{}
	for _, name := range []string{"test1", "test2", "test3"} {
		gauges[name] = newTestGauge(t, r, name, metrics.WithoutPrefix())
	}

	srv := newTestServer(t, r, []string{"*"}, nil, 0)
	defer srv.stop()

	described, collected := srv.collect(t)
	for name := range gauges {
		require.True(t, described.HasEntry(name, "gauge"), name)
		require.Equal(t, "0", collected.GetValue(name), name)
	}

	gauges["test1"].gauge.Inc()
	gauges["test2"].gauge.Set(5)
	gauges["test3"].gauge.Set(3)
	gauges["test3"].gauge.Dec()

	_, collected = srv.collect(t)
	require.Equal(t, "1", collected.GetValue("test1"))
	require.Equal(t, "5", collected.GetValue("test2"))
	require.Equal(t, "2", collected.GetValue("test3"))
}

func TestMetricsConfiguration(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1", metrics.WithGroup("group1"))
	newTestGauge(t, r, "test2", metrics.WithGroup("group1"), metrics.WithoutPrefix())
	newTestGauge(t, r, "test3", metrics.WithGroup("group2"), metrics.WithoutPrefix())
	newTestGauge(t, r, "test4", metrics.WithGroup("group2"))

	g, err := r.NewGatherer(metrics.WithMetrics([]string{"test1", "group2"}, nil))
	require.NoError(t, err)
	defer g.Stop()

	require.Equal(t,
		map[string]float64{"group1_test1": 0, "test3": 0, "group2_test4": 0},
		gather(t, g),
	)
}

func TestMetricsPolling(t *testing.T) {
	r := metrics.NewRegistry()

	p1 := newTestPolled(t, r, "test1", metrics.WithoutPrefix())
	p2 := newTestPolled(t, r, "test2", metrics.WithoutPrefix())

	g, err := r.NewGatherer(
		metrics.WithMetrics(nil, []string{"*"}),
		metrics.WithPollInterval(metrics.MinPollInterval),
	)
	require.NoError(t, err)
	defer g.Stop()

	require.Equal(t, map[string]float64{"test1": 0, "test2": 0}, gather(t, g))

	p1.Set(2)
	p2.Set(7)
	require.Equal(t, map[string]float64{"test1": 0, "test2": 0}, gather(t, g),
		"polled values served until the next poll")

	g.Poll()
	require.Equal(t, map[string]float64{"test1": 2, "test2": 7}, gather(t, g))

	p1.Inc()
	t.Logf("waiting for metrics poll interval (%s)", metrics.MinPollInterval)
	time.Sleep(metrics.MinPollInterval + metrics.MinPollInterval/2)
	require.Equal(t, map[string]float64{"test1": 3, "test2": 7}, gather(t, g))
}

func TestRegistration(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1", metrics.WithGroup("group1"))
	newTestGauge(t, r, "test1", metrics.WithGroup("group2"))

	err := r.Register("test1", prometheus.NewGauge(prometheus.GaugeOpts{Name: "test1"}),
		metrics.WithGroup("group1"))
	require.Error(t, err, "duplicate registration fails")

	names := []string{}
	for _, c := range r.Collectors() {
		names = append(names, c.Name())
	}
	require.Equal(t, []string{"group1/test1", "group2/test1"}, names)

	require.True(t, r.Unregister("group2", "test1"))
	require.False(t, r.Unregister("group2", "test1"))
	require.Len(t, r.Collectors(), 1)
}

func TestUnmatchedGlobs(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1", metrics.WithGroup("group1"))

	state, err := r.Configure([]string{"group1", "nosuchgroup"}, nil)
	require.Error(t, err)
	require.True(t, state.IsEnabled())
	require.False(t, state.IsPolled())

	state, err = r.Configure(nil, []string{"group1/*"})
	require.NoError(t, err)
	require.True(t, state.IsEnabled())
	require.True(t, state.IsPolled())
	require.Equal(t, "enabled,polled,prefixed", r.Collectors()[0].State().String())
}

func TestPoolCollector(t *testing.T) {
	f := newTestFacade(t)
	r := metrics.NewRegistry()
	require.NoError(t, f.RegisterMetrics(r))
	newTestGauge(t, r, "other", metrics.WithGroup("other"))

	g, err := r.NewGatherer(
		metrics.WithNamespace("test"),
		metrics.WithMetrics([]string{devmem.MetricsGroup}, nil),
	)
	require.NoError(t, err)
	defer g.Stop()

	a, err := f.Alloc(device.PinnedPlace(), 1000)
	require.NoError(t, err)
	b, err := f.Alloc(device.PinnedPlace(), 3000)
	require.NoError(t, err)
	b.Free()

	values := gather(t, g)
	require.NotContains(t, values, "test_other_other", "disabled group not collected")
	require.Equal(t, float64(1024), values["test_devmem_in_use_bytes{pinned,caching}"])
	require.Equal(t, float64(4096), values["test_devmem_cached_bytes{pinned,caching}"])
	require.Equal(t, float64(2), values["test_devmem_cache_misses_total{pinned,caching}"])
	require.Equal(t, float64(1024+4096), values["test_devmem_device_in_use_bytes{pinned}"])
	require.Equal(t, float64(1<<20), values["test_devmem_device_capacity_bytes{pinned}"])

	c, err := f.Alloc(device.PinnedPlace(), 4000)
	require.NoError(t, err)
	c.Free()
	a.Free()

	_, err = f.Release(device.PinnedPlace())
	require.NoError(t, err)

	values = gather(t, g)
	require.Equal(t, float64(0), values["test_devmem_in_use_bytes{pinned,caching}"])
	require.Equal(t, float64(0), values["test_devmem_cached_bytes{pinned,caching}"])
	require.Equal(t, float64(1), values["test_devmem_cache_hits_total{pinned,caching}"])
	require.Equal(t, float64(2), values["test_devmem_device_frees_total{pinned,caching}"])
	require.Equal(t, float64(0), values["test_devmem_device_in_use_bytes{pinned}"])
}

func TestPolledPoolCollector(t *testing.T) {
	f := newTestFacade(t)
	r := metrics.NewRegistry()
	require.NoError(t, f.RegisterMetrics(r))

	g, err := r.NewGatherer(metrics.WithMetrics(nil, []string{devmem.MetricsGroup + "/*"}))
	require.NoError(t, err)
	defer g.Stop()

	values := gather(t, g)
	require.NotContains(t, values, "devmem_in_use_bytes{cpu,naive}", "no pools polled yet")
	require.Equal(t, float64(0), values["devmem_device_in_use_bytes{cpu}"])

	a, err := f.Alloc(device.HostPlace(), 512)
	require.NoError(t, err)
	defer a.Free()

	values = gather(t, g)
	require.NotContains(t, values, "devmem_in_use_bytes{cpu,naive}", "served from last poll")

	g.Poll()
	values = gather(t, g)
	require.Equal(t, float64(512), values["devmem_in_use_bytes{cpu,naive}"])
	require.Equal(t, float64(512), values["devmem_device_in_use_bytes{cpu}"])
}

// newTestFacade creates a facade over host and pinned memory with a
// capacity of 1M each.
func newTestFacade(t *testing.T) *devmem.Facade {
	reg, err := device.NewRegistry(
		device.NewHost(device.WithCapacity(1<<20)),
		device.NewPinned(device.WithCapacity(1<<20)),
	)
	require.NoError(t, err)

	f, err := devmem.NewFacade(reg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, f.Close()) })

	return f
}

// gather returns the gathered metrics keyed by name and label values.
func gather(t *testing.T, g prometheus.Gatherer) map[string]float64 {
	mfs, err := g.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			if labels := m.GetLabel(); len(labels) > 0 {
				lv := make([]string, 0, len(labels))
				for _, l := range labels {
					lv = append(lv, l.GetValue())
				}
				key += "{" + strings.Join(lv, ",") + "}"
			}
			switch mf.GetType() {
			case model.MetricType_GAUGE:
				values[key] = m.GetGauge().GetValue()
			case model.MetricType_COUNTER:
				values[key] = m.GetCounter().GetValue()
			}
		}
	}

	return values
}

type testGauge struct {
	name  string
	gauge prometheus.Gauge
}

func newTestGauge(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) *testGauge {
	g := &testGauge{
		name: name,
		gauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name,
			Help: "Test gauge " + name,
		}),
	}

	require.NoError(t, r.Register(g.name, g.gauge, options...))

	return g
}

type testPolled struct {
	desc  *prometheus.Desc
	value atomic.Int64
}

func newTestPolled(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) *testPolled {
	p := &testPolled{
		desc: prometheus.NewDesc(name, "Help for metric "+name, nil, nil),
	}
	require.NoError(t, r.Register(name, p, options...))
	return p
}

func (p *testPolled) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.desc
}

func (p *testPolled) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(p.desc, prometheus.GaugeValue, float64(p.value.Load()))
}

func (p *testPolled) Set(v int) {
	p.value.Store(int64(v))
}

func (p *testPolled) Inc() {
	p.value.Add(1)
}

type described []string

func (d described) HasEntry(name, kind string) bool {
	for _, e := range d {
		if fields := strings.Fields(e); len(fields) >= 2 && fields[0] == name && fields[1] == kind {
			return true
		}
	}
	return false
}

type collected []string

func (c collected) GetValue(name string) string {
	for _, e := range c {
		if fields := strings.Fields(e); len(fields) == 2 && fields[0] == name {
			return fields[1]
		}
	}
	return ""
}

type testServer struct {
	srv *httptest.Server
	g   *metrics.Gatherer
}

func newTestServer(t *testing.T, r *metrics.Registry, enabled, polled []string, poll time.Duration) *testServer {
	g, err := r.NewGatherer(
		metrics.WithMetrics(enabled, polled),
		metrics.WithPollInterval(poll),
	)
	require.NoError(t, err)

	handler := promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorLog:      logger.Get("metrics-test"),
		ErrorHandling: promhttp.PanicOnError,
	})

	return &testServer{
		srv: httptest.NewServer(handler),
		g:   g,
	}
}

func (srv *testServer) stop() {
	srv.srv.Close()
	srv.g.Stop()
}

func (srv *testServer) collect(t *testing.T) (described, collected) {
	resp, err := http.Get(srv.srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	var (
		types   described
		samples collected
		scanner = bufio.NewScanner(resp.Body)
	)

	for scanner.Scan() {
		switch e := scanner.Text(); {
		case strings.HasPrefix(e, "# TYPE "):
			types = append(types, strings.TrimPrefix(e, "# TYPE "))
		case strings.HasPrefix(e, "#"):
		default:
			samples = append(samples, e)
		}
	}

	return types, samples
}
