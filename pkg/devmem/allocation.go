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
	"sync/atomic"

	"github.com/containers/devmem/pkg/device"
)

// Allocation describes a single contiguous block of memory handed out
// by a Facade. Its place, size and address are fixed for its lifetime.
type Allocation struct {
	place    device.Place
	block    *device.Block
	size     int64
	owner    device.Stream
	streams  map[device.Stream]struct{} // access set, guarded by the strategy
	shard    *shard                     // owning shard of a thread-confined pool
	strategy Strategy
	released atomic.Bool
}

// UniqueAllocation is an exclusively owned Allocation. Free releases it.
type UniqueAllocation struct {
	*Allocation
}

// SharedAllocation is a reference counted Allocation. It is released
// once the last holder calls Release.
type SharedAllocation struct {
	*Allocation
	refs atomic.Int64
}

func newAllocation(s Strategy, b *device.Block, size int64) *Allocation {
	return &Allocation{
		place:    b.Place(),
		block:    b,
		size:     size,
		strategy: s,
	}
}

// Place returns the place of the allocation.
func (a *Allocation) Place() device.Place {
	return a.place
}

// Size returns the size of the allocation in bytes.
func (a *Allocation) Size() int64 {
	return a.size
}

// Bytes returns the memory of the allocation, exactly Size() bytes.
func (a *Allocation) Bytes() []byte {
	return a.block.Bytes()[:a.size:a.size]
}

// Addr returns the base address of the allocation.
func (a *Allocation) Addr() uintptr {
	return a.block.Addr()
}

// Stream returns the stream the allocation was made on, or the null stream.
func (a *Allocation) Stream() device.Stream {
	return a.owner
}

// IsReleased returns true once the allocation has been released by its owner(s).
func (a *Allocation) IsReleased() bool {
	return a.released.Load()
}

// String returns a string representation of the allocation.
func (a *Allocation) String() string {
	s := fmt.Sprintf("allocation<%s@0x%x, %s", a.place, a.Addr(), HumanReadableSize(a.size))
	if !a.owner.IsNull() {
		s += ", on " + a.owner.String()
	}
	return s + ">"
}

func (a *Allocation) release() {
	if !a.released.CompareAndSwap(false, true) {
		log.Panic("internal error: %s released more than once", a)
	}

	details.Debug("releasing %s", a)
	a.strategy.Return(a)
}

// Free releases the allocation. It must be called exactly once.
func (u *UniqueAllocation) Free() {
	u.release()
}

func newShared(a *Allocation) *SharedAllocation {
	s := &SharedAllocation{Allocation: a}
	s.refs.Store(1)
	return s
}

// Retain adds a holder to the allocation.
func (s *SharedAllocation) Retain() {
	if s.refs.Add(1) <= 1 {
		log.Panic("internal error: retained released %s", s.Allocation)
	}
}

// Release drops a holder of the allocation. The allocation is released
// once the last holder drops it.
func (s *SharedAllocation) Release() {
	switch n := s.refs.Add(-1); {
	case n == 0:
		s.release()
	case n < 0:
		log.Panic("internal error: %s released by %d too many holders", s.Allocation, -n)
	}
}

// RefCount returns the current number of holders of the allocation.
func (s *SharedAllocation) RefCount() int64 {
	return s.refs.Load()
}
