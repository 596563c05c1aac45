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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/containers/devmem/pkg/device"
)

// StrategyKind identifies a pooling policy for a place.
type StrategyKind int

const (
	DefaultStrategy StrategyKind = iota // pick based on the kind and capabilities of the place
	NaiveStrategy                       // pass-through to the device, no caching
	CachingStrategy                     // size-class caching pool, grows until released
	StreamSafe                          // caching pool with deferred stream-aware reuse
	ThreadConfined                      // caching pools partitioned per OS thread
)

var (
	strategyToString = map[StrategyKind]string{
		DefaultStrategy: "default",
		NaiveStrategy:   "naive",
		CachingStrategy: "caching",
		StreamSafe:      "stream-safe",
		ThreadConfined:  "thread-confined",
	}
	stringToStrategy = map[string]StrategyKind{
		"default":         DefaultStrategy,
		"":                DefaultStrategy,
		"naive":           NaiveStrategy,
		"caching":         CachingStrategy,
		"auto-growth":     CachingStrategy,
		"stream-safe":     StreamSafe,
		"thread-confined": ThreadConfined,
		"thread-local":    ThreadConfined,
	}
)

// ParseStrategy parses the given string into a StrategyKind.
func ParseStrategy(str string) (StrategyKind, error) {
	if k, ok := stringToStrategy[strings.ToLower(strings.TrimSpace(str))]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStrategy, str)
}

// String returns a string representation of the strategy kind.
func (k StrategyKind) String() string {
	if str, ok := strategyToString[k]; ok {
		return str
	}
	return fmt.Sprintf("%%!(devmem:Bad-Strategy %d)", int(k))
}

// MarshalJSON is the json.Marshaller for StrategyKind.
func (k StrategyKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON is the json.Unmarshaller for StrategyKind.
func (k *StrategyKind) UnmarshalJSON(data []byte) error {
	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidStrategy, err)
	}
	parsed, err := ParseStrategy(str)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Strategy is a pooling policy serving allocations for a single place.
type Strategy interface {
	// Kind returns the kind of the strategy.
	Kind() StrategyKind
	// Place returns the place the strategy serves.
	Place() device.Place
	// Acquire returns a new allocation of the given size.
	Acquire(size int64) (*Allocation, error)
	// Return takes back an allocation released by its owner(s).
	Return(*Allocation)
	// Release frees all cached, reusable memory, returning the number of
	// bytes given back to the device.
	Release() int64
	// Stats returns usage statistics for the strategy.
	Stats() Stats
}

// streamTracker is implemented by strategies which track the access set
// of allocations.
type streamTracker interface {
	Strategy
	acquireOn(size int64, s device.Stream) (*Allocation, error)
	recordStream(a *Allocation, s device.Stream) bool
	eraseStream(a *Allocation, s device.Stream)
	inSameStream(a *Allocation, s device.Stream) bool
	accessSet(a *Allocation) []device.Stream
	releaseStream(s device.Stream) (int64, error)
}

// Stats are usage statistics of a strategy.
type Stats struct {
	Place         string `json:"place"`
	Strategy      string `json:"strategy"`
	InUse         int64  `json:"inUse"`         // bytes of blocks held by live allocations
	Cached        int64  `json:"cached"`        // bytes of blocks cached for reuse
	Pending       int64  `json:"pending"`       // bytes of blocks waiting for streams
	PendingBlocks int    `json:"pendingBlocks"` // number of blocks waiting for streams
	Hits          uint64 `json:"hits"`          // allocations satisfied from cache
	Misses        uint64 `json:"misses"`        // allocations satisfied by the device
	DeviceAllocs  uint64 `json:"deviceAllocs"`  // successful device allocations
	DeviceFrees   uint64 `json:"deviceFrees"`   // blocks given back to the device
	Evictions     uint64 `json:"evictions"`     // cache evictions forced by device exhaustion
}

func (s *Stats) add(o Stats) {
	s.InUse += o.InUse
	s.Cached += o.Cached
	s.Pending += o.Pending
	s.PendingBlocks += o.PendingBlocks
	s.Hits += o.Hits
	s.Misses += o.Misses
	s.DeviceAllocs += o.DeviceAllocs
	s.DeviceFrees += o.DeviceFrees
	s.Evictions += o.Evictions
}

// strategyOptions are the tunables passed to strategies on creation.
type strategyOptions struct {
	maxCached int64
}

func newStrategy(kind StrategyKind, dev device.Device, o strategyOptions) (Strategy, error) {
	caps := dev.Capabilities()

	if kind == DefaultStrategy {
		kind = defaultStrategyFor(dev.Place(), caps)
	}

	switch kind {
	case NaiveStrategy:
		return newNaive(dev), nil
	case CachingStrategy:
		return newCaching(dev, o), nil
	case ThreadConfined:
		return newThreadConfined(dev, o), nil
	case StreamSafe:
		sdev, ok := dev.(device.StreamDevice)
		if !ok || !caps.Has(device.SupportsStreams) {
			return nil, fmt.Errorf("%w: %s strategy for %s without stream support",
				ErrInvalidArgument, kind, dev.Place())
		}
		return newStreamSafe(sdev, o), nil
	}

	return nil, fmt.Errorf("%w: %s", ErrInvalidStrategy, kind)
}

func defaultStrategyFor(p device.Place, caps device.Capabilities) StrategyKind {
	switch p.Kind() {
	case device.KindHost:
		return NaiveStrategy
	case device.KindPinnedHost:
		return CachingStrategy
	}
	if caps.Has(device.SupportsStreams) {
		return StreamSafe
	}
	return CachingStrategy
}
