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
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/containers/devmem/pkg/device"
)

// naive is a pass-through strategy. Every allocation is a device
// allocation and every returned block is freed immediately.
type naive struct {
	dev    device.Device
	inUse  atomic.Int64
	freed  atomic.Int64 // bytes freed since the last Release
	allocs atomic.Uint64
	frees  atomic.Uint64
}

func newNaive(dev device.Device) *naive {
	return &naive{dev: dev}
}

func (n *naive) Kind() StrategyKind {
	return NaiveStrategy
}

func (n *naive) Place() device.Place {
	return n.dev.Place()
}

func (n *naive) Acquire(size int64) (*Allocation, error) {
	b, err := n.dev.Malloc(size)
	if err != nil {
		return nil, deviceError(n.dev.Place(), size, err)
	}

	n.inUse.Add(b.Size())
	n.allocs.Add(1)

	return newAllocation(n, b, size), nil
}

func (n *naive) Return(a *Allocation) {
	size := a.block.Size()
	n.inUse.Add(-size)

	if err := n.dev.Free(a.block); err != nil {
		log.Error("%s: failed to free %s: %v", n.Place(), a, err)
		return
	}

	n.frees.Add(1)
	n.freed.Add(size)
}

func (n *naive) Release() int64 {
	return n.freed.Swap(0)
}

func (n *naive) Stats() Stats {
	return Stats{
		Place:        n.Place().String(),
		Strategy:     NaiveStrategy.String(),
		InUse:        n.inUse.Load(),
		Misses:       n.allocs.Load(),
		DeviceAllocs: n.allocs.Load(),
		DeviceFrees:  n.frees.Load(),
	}
}

// deviceError converts a device allocation failure to a devmem error.
func deviceError(p device.Place, size int64, err error) error {
	switch {
	case errors.Is(err, device.ErrOutOfMemory):
		return fmt.Errorf("%w: %s bytes on %s: %w", ErrOutOfMemory, HumanReadableSize(size), p, err)
	case errors.Is(err, device.ErrInvalidSize):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return err
}
