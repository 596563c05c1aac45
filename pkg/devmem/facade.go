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
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/containers/devmem/pkg/device"
)

// Facade routes allocation requests to the strategy of the target place.
// Strategies are created on first use of a place and live as long as the
// facade. Places never share a strategy, so requests for different
// places never contend on the same pool.
type Facade struct {
	sync.RWMutex
	devices    *device.Registry
	strategies map[device.Place]Strategy
	explicit   map[device.Place]StrategyKind
	defaults   map[device.Kind]StrategyKind
	maxCached  int64
	closed     bool
}

// Option is an opaque option for a Facade.
type Option func(*Facade) error

// WithStrategy sets the strategy used for the given place.
func WithStrategy(p device.Place, kind StrategyKind) Option {
	return func(f *Facade) error {
		if _, ok := strategyToString[kind]; !ok {
			return fmt.Errorf("%w: %d", ErrInvalidStrategy, kind)
		}
		f.explicit[p] = kind
		return nil
	}
}

// WithKindDefault sets the strategy used for places of the given kind
// without an explicitly set strategy.
func WithKindDefault(k device.Kind, kind StrategyKind) Option {
	return func(f *Facade) error {
		if !k.IsValid() {
			return fmt.Errorf("%w: %s", device.ErrInvalidPlace, k)
		}
		if _, ok := strategyToString[kind]; !ok {
			return fmt.Errorf("%w: %d", ErrInvalidStrategy, kind)
		}
		f.defaults[k] = kind
		return nil
	}
}

// WithMaxCachedBytes limits the amount of memory a single caching pool
// keeps for reuse. Zero means unlimited.
func WithMaxCachedBytes(limit int64) Option {
	return func(f *Facade) error {
		if limit < 0 {
			return fmt.Errorf("%w: negative cache limit %d", ErrInvalidArgument, limit)
		}
		f.maxCached = limit
		return nil
	}
}

// NewFacade creates a facade for the devices of the given registry.
func NewFacade(devices *device.Registry, options ...Option) (*Facade, error) {
	if devices == nil {
		return nil, fmt.Errorf("%w: nil device registry", ErrInvalidArgument)
	}

	f := &Facade{
		devices:    devices,
		strategies: make(map[device.Place]Strategy),
		explicit:   make(map[device.Place]StrategyKind),
		defaults:   make(map[device.Kind]StrategyKind),
	}

	for _, o := range options {
		if err := o(f); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	return f, nil
}

var (
	defaultFacade *Facade
	defaultOnce   sync.Once
)

// Default returns the process-wide facade for host and pinned host
// memory, creating it on first use.
func Default() *Facade {
	defaultOnce.Do(func() {
		reg, err := device.NewRegistry(device.NewHost(), device.NewPinned())
		if err != nil {
			log.Panic("failed to create default device registry: %v", err)
		}
		defaultFacade, err = NewFacade(reg)
		if err != nil {
			log.Panic("failed to create default facade: %v", err)
		}
	})
	return defaultFacade
}

// Alloc allocates exclusively owned memory of the given size at place.
func (f *Facade) Alloc(p device.Place, size int64) (*UniqueAllocation, error) {
	a, err := f.alloc(p, size, device.NullStream())
	if err != nil {
		return nil, err
	}
	return &UniqueAllocation{a}, nil
}

// AllocShared allocates reference counted memory of the given size at
// place. The returned allocation has a single reference.
func (f *Facade) AllocShared(p device.Place, size int64) (*SharedAllocation, error) {
	a, err := f.alloc(p, size, device.NullStream())
	if err != nil {
		return nil, err
	}
	return newShared(a), nil
}

// AllocOnStream allocates exclusively owned memory for use by the given
// stream. The access set of the allocation is initially the stream.
func (f *Facade) AllocOnStream(p device.Place, size int64, s device.Stream) (*UniqueAllocation, error) {
	if s.IsNull() {
		return nil, fmt.Errorf("%w: null stream", ErrInvalidArgument)
	}
	a, err := f.alloc(p, size, s)
	if err != nil {
		return nil, err
	}
	return &UniqueAllocation{a}, nil
}

// AllocSharedOnStream allocates reference counted memory for use by the
// given stream. The access set of the allocation is initially the stream.
func (f *Facade) AllocSharedOnStream(p device.Place, size int64, s device.Stream) (*SharedAllocation, error) {
	if s.IsNull() {
		return nil, fmt.Errorf("%w: null stream", ErrInvalidArgument)
	}
	a, err := f.alloc(p, size, s)
	if err != nil {
		return nil, err
	}
	return newShared(a), nil
}

func (f *Facade) alloc(p device.Place, size int64, s device.Stream) (*Allocation, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: allocation size %d", ErrInvalidArgument, size)
	}

	st, err := f.strategy(p)
	if err != nil {
		return nil, err
	}

	var a *Allocation

	if s.IsNull() {
		a, err = st.Acquire(size)
	} else {
		t, ok := st.(streamTracker)
		if !ok {
			return nil, fmt.Errorf("%w: %s allocation on %s, a %s place",
				ErrInvalidArgument, s, p, st.Kind())
		}
		if s.Place() != p {
			return nil, fmt.Errorf("%w: %s allocation on %s", ErrInvalidArgument, s, p)
		}
		a, err = t.acquireOn(size, s)
	}

	if err != nil {
		if oomWarnings.Allow() {
			log.Warn("failed to allocate %s on %s: %v", HumanReadableSize(size), p, err)
		}
		return nil, err
	}

	details.Debug("allocated %s", a)

	return a, nil
}

// Release frees all cached memory of place which is not in use, either by
// live allocations or by pending stream work. It returns the number of
// bytes given back to the device.
func (f *Facade) Release(p device.Place) (int64, error) {
	st, err := f.strategy(p)
	if err != nil {
		return 0, err
	}
	return st.Release(), nil
}

// ReleaseStream waits for work on the given stream to complete, then frees
// the memory which becomes unused as a result. It returns the number of
// bytes given back to the device.
func (f *Facade) ReleaseStream(p device.Place, s device.Stream) (int64, error) {
	if s.IsNull() || s.Place() != p {
		return 0, fmt.Errorf("%w: %s on %s", ErrInvalidArgument, s, p)
	}

	st, err := f.strategy(p)
	if err != nil {
		return 0, err
	}

	t, ok := st.(streamTracker)
	if !ok {
		return 0, fmt.Errorf("%w: %s is not stream-aware (%s)", ErrInvalidArgument, p, st.Kind())
	}

	return t.releaseStream(s)
}

// InSameStream returns true if the stream is the only one in the access
// set of the allocation.
func (f *Facade) InSameStream(a *Allocation, s device.Stream) bool {
	if t, ok := a.strategy.(streamTracker); ok {
		return t.inSameStream(a, s)
	}
	return false
}

// RecordStream adds the stream to the access set of the allocation. It
// returns false if the place of the allocation does not support tracking
// multiple streams.
func (f *Facade) RecordStream(a *Allocation, s device.Stream) bool {
	if t, ok := a.strategy.(streamTracker); ok {
		return t.recordStream(a, s)
	}
	return false
}

// EraseStream removes the stream from the access set of the allocation.
// Erasing a stream which is not in the access set is a fatal error.
func (f *Facade) EraseStream(a *Allocation, s device.Stream) {
	t, ok := a.strategy.(streamTracker)
	if !ok {
		log.Panic("internal error: erasing %s from untracked %s", s, a)
	}
	t.eraseStream(a, s)
}

// AccessSet returns the streams in the access set of the allocation.
func (f *Facade) AccessSet(a *Allocation) []device.Stream {
	if t, ok := a.strategy.(streamTracker); ok {
		return t.accessSet(a)
	}
	return nil
}

// GetBasePtr returns the base address of the allocation.
func (f *Facade) GetBasePtr(a *Allocation) uintptr {
	return a.Addr()
}

// GetStream returns the stream the allocation was made for, or the null
// stream.
func (f *Facade) GetStream(a *Allocation) device.Stream {
	return a.Stream()
}

// Stats returns usage statistics for the given place.
func (f *Facade) Stats(p device.Place) (Stats, error) {
	st, err := f.strategy(p)
	if err != nil {
		return Stats{}, err
	}
	return st.Stats(), nil
}

// NewStream creates a new stream on the device of the given place.
func (f *Facade) NewStream(p device.Place) (device.Stream, error) {
	dev, err := f.devices.Lookup(p)
	if err != nil {
		return device.NullStream(), fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	sdev, ok := dev.(device.StreamDevice)
	if !ok || !dev.Capabilities().Has(device.SupportsStreams) {
		return device.NullStream(), fmt.Errorf("%w: %s has no stream support", ErrInvalidArgument, p)
	}
	return sdev.NewStream()
}

// Device returns the device of the given place.
func (f *Facade) Device(p device.Place) (device.Device, error) {
	return f.devices.Lookup(p)
}

// Places returns the places with a registered device.
func (f *Facade) Places() []device.Place {
	return f.devices.Places()
}

// StrategyKind returns the kind of strategy used for the given place.
func (f *Facade) StrategyKind(p device.Place) (StrategyKind, error) {
	st, err := f.strategy(p)
	if err != nil {
		return DefaultStrategy, err
	}
	return st.Kind(), nil
}

// Close releases all cached memory and closes the devices of the facade.
// Memory still held by allocations is reported as an error.
func (f *Facade) Close() error {
	f.Lock()
	if f.closed {
		f.Unlock()
		return nil
	}
	f.closed = true
	f.Unlock()

	var errs *multierror.Error

	for _, st := range f.strategyList() {
		st.Release()
		if stats := st.Stats(); stats.InUse > 0 || stats.Pending > 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s: %s in use, %s pending",
				stats.Place, HumanReadableSize(stats.InUse), HumanReadableSize(stats.Pending)))
		}
	}

	if err := f.devices.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

// strategy returns the strategy for place, creating it if necessary.
func (f *Facade) strategy(p device.Place) (Strategy, error) {
	f.RLock()
	st, ok := f.strategies[p]
	closed := f.closed
	f.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if ok {
		return st, nil
	}

	dev, err := f.devices.Lookup(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	f.Lock()
	defer f.Unlock()

	if f.closed {
		return nil, ErrClosed
	}
	if st, ok = f.strategies[p]; ok {
		return st, nil
	}

	kind, ok := f.explicit[p]
	if !ok {
		kind = f.defaults[p.Kind()]
	}

	st, err = newStrategy(kind, dev, strategyOptions{maxCached: f.maxCached})
	if err != nil {
		return nil, fmt.Errorf("failed to create allocator for %s: %w", p, err)
	}

	f.strategies[p] = st
	log.Info("%s: using %s allocator", p, st.Kind())

	return st, nil
}

func (f *Facade) strategyList() []Strategy {
	f.RLock()
	defer f.RUnlock()

	list := make([]Strategy, 0, len(f.strategies))
	for _, st := range f.strategies {
		list = append(list, st)
	}
	slices.SortFunc(list, func(s1, s2 Strategy) int {
		return device.ComparePlaces(s1.Place(), s2.Place())
	})

	return list
}
