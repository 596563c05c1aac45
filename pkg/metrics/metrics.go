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

package metrics

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"

	logger "github.com/containers/devmem/pkg/log"
)

var (
	log = logger.Get("metrics")
)

// State is the configuration state of a collector.
type State int

const (
	// Enabled marks a collector enabled.
	Enabled State = (1 << iota)
	// Polled marks a collector polled. A polled collector serves metrics
	// cached during the last polling cycle instead of collecting afresh.
	Polled
	// GroupPrefix causes the metrics of a collector to be prefixed with
	// the name of its group.
	GroupPrefix

	// DefaultGroup is the group of collectors registered without one.
	DefaultGroup = "default"
)

// IsEnabled returns true if the state is enabled.
func (s State) IsEnabled() bool {
	return s&Enabled != 0
}

// IsPolled returns true if the state is polled.
func (s State) IsPolled() bool {
	return s&Polled != 0
}

// String returns a string representation of the state.
func (s State) String() string {
	flags := []string{"disabled"}
	if s.IsEnabled() {
		flags[0] = "enabled"
	}
	if s.IsPolled() {
		flags = append(flags, "polled")
	}
	if s&GroupPrefix != 0 {
		flags = append(flags, "prefixed")
	}
	return strings.Join(flags, ",")
}

// Collector is a prometheus.Collector registered with a name in a group.
type Collector struct {
	sync.Mutex
	collector prometheus.Collector
	name      string
	group     string
	state     State
	lastpoll  []prometheus.Metric
}

// RegisterOption is an option for registering a collector.
type RegisterOption func(*Collector)

// WithGroup registers a collector in the given group.
func WithGroup(name string) RegisterOption {
	return func(c *Collector) {
		if name == "" {
			name = DefaultGroup
		}
		c.group = name
	}
}

// WithPolled registers a collector in polled mode.
func WithPolled() RegisterOption {
	return func(c *Collector) {
		c.state |= Polled
	}
}

// WithoutPrefix registers a collector without a group prefix.
func WithoutPrefix() RegisterOption {
	return func(c *Collector) {
		c.state &^= GroupPrefix
	}
}

// Name returns the full name of the collector, group/name.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// State returns the current state of the collector.
func (c *Collector) State() State {
	c.Lock()
	defer c.Unlock()
	return c.state
}

// Matches returns true if glob matches the group, the name, or the full
// name of the collector.
func (c *Collector) Matches(glob string) bool {
	for _, name := range []string{c.group, c.name, c.Name()} {
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warn("invalid glob pattern %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.Lock()
	state, cached := c.state, c.lastpoll
	c.Unlock()

	switch {
	case !state.IsEnabled():
	case !state.IsPolled():
		c.collector.Collect(ch)
	default:
		for _, m := range cached {
			ch <- m
		}
	}
}

func (c *Collector) poll() {
	if s := c.State(); !s.IsEnabled() || !s.IsPolled() {
		return
	}

	log.Debug("polling collector %q", c.Name())

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.collector.Collect(ch)
		close(ch)
	}()

	polled := make([]prometheus.Metric, 0, 16)
	for m := range ch {
		polled = append(polled, m)
	}

	c.Lock()
	c.lastpoll = polled
	c.Unlock()
}

func (c *Collector) configure(enabled, polled []string, matched map[string]struct{}) State {
	c.Lock()
	defer c.Unlock()

	c.state &^= Enabled
	for _, glob := range enabled {
		if c.Matches(glob) {
			matched[glob] = struct{}{}
			c.state |= Enabled
		}
	}
	for _, glob := range polled {
		if c.Matches(glob) {
			matched[glob] = struct{}{}
			c.state |= Enabled | Polled
		}
	}

	log.Info("collector %q is %s", c.Name(), c.state)

	return c.state
}

// Registry is a set of named collectors.
type Registry struct {
	sync.RWMutex
	collectors map[string]*Collector
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{
		collectors: make(map[string]*Collector),
	}
}

// Register registers a collector with the given name.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	c := &Collector{
		collector: collector,
		name:      name,
		group:     DefaultGroup,
		state:     Enabled | GroupPrefix,
	}
	for _, o := range opts {
		o(c)
	}

	r.Lock()
	defer r.Unlock()

	if _, ok := r.collectors[c.Name()]; ok {
		return fmt.Errorf("metrics: collector %q already registered", c.Name())
	}
	r.collectors[c.Name()] = c

	log.Info("registered collector %q", c.Name())

	return nil
}

// Unregister removes the collector with the given group and name.
func (r *Registry) Unregister(group, name string) bool {
	r.Lock()
	defer r.Unlock()

	key := group + "/" + name
	if _, ok := r.collectors[key]; !ok {
		return false
	}
	delete(r.collectors, key)

	return true
}

// Collectors returns all registered collectors sorted by name.
func (r *Registry) Collectors() []*Collector {
	r.RLock()
	defer r.RUnlock()

	list := make([]*Collector, 0, len(r.collectors))
	for _, c := range r.collectors {
		list = append(list, c)
	}
	slices.SortFunc(list, func(c1, c2 *Collector) int {
		return strings.Compare(c1.Name(), c2.Name())
	})

	return list
}

// Configure enables the collectors matching any glob in enabled or polled,
// and forces the ones matching polled into polled mode. All other
// collectors are disabled. Globs that match no collector are an error.
func (r *Registry) Configure(enabled, polled []string) (State, error) {
	log.Info("configuring collectors, enabled=[%s], polled=[%s]",
		strings.Join(enabled, ","), strings.Join(polled, ","))

	var (
		matched = make(map[string]struct{})
		state   State
	)

	for _, c := range r.Collectors() {
		state |= c.configure(enabled, polled, matched)
	}

	var unmatched []string
	for _, glob := range append(slices.Clone(enabled), polled...) {
		if _, ok := matched[glob]; !ok {
			unmatched = append(unmatched, glob)
		}
	}

	if len(unmatched) > 0 {
		return state, fmt.Errorf("metrics: no collectors match %s", strings.Join(unmatched, ", "))
	}

	return state, nil
}

// Poll refreshes the cached metrics of all enabled polled collectors.
func (r *Registry) Poll() {
	wg := sync.WaitGroup{}
	for _, c := range r.Collectors() {
		wg.Add(1)
		go func(c *Collector) {
			defer wg.Done()
			c.poll()
		}(c)
	}
	wg.Wait()
}

// Gatherer is a prometheus.Gatherer for the collectors of a registry.
type Gatherer struct {
	*prometheus.Registry
	r            *Registry
	namespace    string
	pollInterval time.Duration
	enabled      []string
	polled       []string
	lock         sync.Mutex
	stopCh       chan chan struct{}
}

// GathererOption is an option for a Gatherer.
type GathererOption func(*Gatherer)

const (
	// MinPollInterval is the shortest allowed polling interval.
	MinPollInterval = time.Second
	// DefaultPollInterval is the default polling interval.
	DefaultPollInterval = 30 * time.Second
)

// WithNamespace sets a common prefix for all gathered metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithPollInterval sets the interval for polling collectors.
func WithPollInterval(interval time.Duration) GathererOption {
	return func(g *Gatherer) {
		g.pollInterval = max(interval, MinPollInterval)
	}
}

// WithMetrics sets the globs of enabled and polled collectors.
func WithMetrics(enabled, polled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
		g.polled = polled
	}
}

// NewGatherer creates a gatherer for the registry.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry:     prometheus.NewPedanticRegistry(),
		r:            r,
		pollInterval: DefaultPollInterval,
	}

	for _, o := range opts {
		o(g)
	}

	state, err := r.Configure(g.enabled, g.polled)
	if err != nil {
		return nil, err
	}

	for _, c := range r.Collectors() {
		prefix := g.namespace
		if c.State()&GroupPrefix != 0 {
			prefix = join(prefix, c.group)
		}
		reg := prometheus.Registerer(g.Registry)
		if prefix != "" {
			reg = prometheus.WrapRegistererWithPrefix(prefix+"_", reg)
		}
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: failed to register %q: %w", c.Name(), err)
		}
	}

	if state.IsPolled() {
		g.start()
	}

	return g, nil
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.Registry.Gather()
}

// Poll refreshes all polled collectors.
func (g *Gatherer) Poll() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.r.Poll()
}

func (g *Gatherer) start() {
	log.Info("polling collectors every %s", g.pollInterval)

	g.r.Poll()

	g.stopCh = make(chan chan struct{})
	go func(stopCh chan chan struct{}) {
		ticker := time.NewTicker(g.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case doneCh := <-stopCh:
				close(doneCh)
				return
			case <-ticker.C:
				g.Poll()
			}
		}
	}(g.stopCh)
}

// Stop stops polling collectors.
func (g *Gatherer) Stop() {
	if g.stopCh == nil {
		return
	}

	doneCh := make(chan struct{})
	g.stopCh <- doneCh
	<-doneCh

	g.stopCh = nil
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

var (
	defaultRegistry = NewRegistry()
)

// Default returns the default registry.
func Default() *Registry {
	return defaultRegistry
}

// Register registers a collector with the default registry.
func Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	return Default().Register(name, collector, opts...)
}

// NewGatherer creates a gatherer for the default registry.
func NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	return Default().NewGatherer(opts...)
}
