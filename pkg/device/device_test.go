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

package device_test

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/require"

	. "github.com/containers/devmem/pkg/device"
)

func TestParsePlace(t *testing.T) {
	for _, tc := range []struct {
		in      string
		place   Place
		invalid bool
	}{
		{in: "cpu", place: HostPlace()},
		{in: "host", place: HostPlace()},
		{in: "pinned", place: PinnedPlace()},
		{in: "gpu:0", place: AcceleratorPlace(0)},
		{in: "GPU:3", place: AcceleratorPlace(3)},
		{in: "custom:1", place: CustomPlace(1)},
		{in: "cpu:1", invalid: true},
		{in: "gpu:-1", invalid: true},
		{in: "gpu:x", invalid: true},
		{in: "tpu:0", invalid: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			p, err := ParsePlace(tc.in)
			if tc.invalid {
				require.ErrorIs(t, err, ErrInvalidPlace)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.place, p)
			require.Equal(t, p, MustParsePlace(p.String()), "String() round trip")
		})
	}
}

func TestPlaceIsComparable(t *testing.T) {
	m := map[Place]int{
		AcceleratorPlace(0): 0,
		AcceleratorPlace(1): 1,
		HostPlace():         2,
	}
	require.Equal(t, 1, m[MustParsePlace("gpu:1")])
	require.Equal(t, 2, m[MustParsePlace("cpu")])
	require.NotEqual(t, AcceleratorPlace(0), CustomPlace(0))
}

func TestHostMallocFree(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	h := NewHost(WithAllocator(mem))
	b, err := h.Malloc(1000)
	require.NoError(t, err)
	require.Equal(t, int64(1000), b.Size())
	require.Len(t, b.Bytes(), 1000)
	require.NotZero(t, b.Addr())
	require.Zero(t, b.Addr()%64, "64-byte aligned base address")
	require.Equal(t, int64(1000), h.InUse())

	require.NoError(t, h.Free(b))
	require.Equal(t, int64(0), h.InUse())
	require.ErrorIs(t, h.Free(b), ErrUnknownBlock, "double free")
}

func TestMallocInvalidSize(t *testing.T) {
	h := NewHost()
	_, err := h.Malloc(0)
	require.ErrorIs(t, err, ErrInvalidSize)
	_, err = h.Malloc(-5)
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestMallocBeyondAllocatorLimits(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	for _, d := range []Device{
		NewHost(WithAllocator(mem)),
		NewPinned(WithAllocator(mem)),
		NewAccelerator(0, WithAllocator(mem), WithCapacity(4096)),
	} {
		for _, size := range []int64{MaxBlockSize + 1, 1 << 50, math.MaxInt64} {
			_, err := d.Malloc(size)
			require.ErrorIs(t, err, ErrOutOfMemory, "%s: malloc %d", d.Place(), size)
		}
		require.Zero(t, d.InUse())
		require.NoError(t, d.Close())
	}
}

func TestMallocAllocatorFailure(t *testing.T) {
	h := NewHost(WithAllocator(exhaustedAllocator{}))

	_, err := h.Malloc(1024)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.Zero(t, h.InUse())
}

// exhaustedAllocator fails every allocation the way the Go runtime does.
type exhaustedAllocator struct{}

func (exhaustedAllocator) Allocate(int) []byte {
	panic("runtime error: makeslice: len out of range")
}

func (exhaustedAllocator) Reallocate(int, []byte) []byte {
	panic("runtime error: makeslice: len out of range")
}

func (exhaustedAllocator) Free([]byte) {}

func TestCapacityExhaustion(t *testing.T) {
	d := NewAccelerator(0, WithCapacity(4096))
	defer d.Close()

	b1, err := d.Malloc(3000)
	require.NoError(t, err)

	_, err = d.Malloc(2000)
	require.ErrorIs(t, err, ErrOutOfMemory)

	require.NoError(t, d.Free(b1))
	b2, err := d.Malloc(4096)
	require.NoError(t, err)
	require.NoError(t, d.Free(b2))
}

func TestStreamOrderedExecution(t *testing.T) {
	d := NewAccelerator(0)
	defer d.Close()

	s, err := d.NewStream()
	require.NoError(t, err)
	require.False(t, s.IsNull())
	require.Equal(t, AcceleratorPlace(0), s.Place())

	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, d.Launch(s, func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}

	require.NoError(t, d.Synchronize(s))
	idle, err := d.Idle(s)
	require.NoError(t, err)
	require.True(t, idle)

	require.Len(t, order, 100)
	for i, v := range order {
		require.Equal(t, i, v, "work executed out of launch order")
	}
}

func TestStreamValidation(t *testing.T) {
	d0 := NewAccelerator(0)
	defer d0.Close()
	d1 := NewAccelerator(1)
	defer d1.Close()

	s1, err := d1.NewStream()
	require.NoError(t, err)

	require.ErrorIs(t, d0.Synchronize(s1), ErrInvalidStream, "foreign stream")
	require.ErrorIs(t, d0.Synchronize(NullStream()), ErrInvalidStream, "null stream")

	c := NewCustom(0)
	defer c.Close()
	_, err = c.NewStream()
	require.ErrorIs(t, err, ErrInvalidStream, "custom device without streams")
	require.False(t, c.Capabilities().Has(SupportsStreams))

	cs := NewCustom(1, WithStreams(false))
	defer cs.Close()
	require.True(t, cs.Capabilities().Has(SupportsStreams))
	require.False(t, cs.Capabilities().Has(SupportsMultiStream))
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(NewHost(), NewPinned(), NewAccelerator(1), NewAccelerator(0))
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, []Place{HostPlace(), AcceleratorPlace(0), AcceleratorPlace(1), PinnedPlace()},
		r.Places())

	d, err := r.Lookup(AcceleratorPlace(1))
	require.NoError(t, err)
	require.Equal(t, AcceleratorPlace(1), d.Place())

	_, err = r.Lookup(AcceleratorPlace(7))
	require.True(t, errors.Is(err, ErrUnknownPlace))

	require.ErrorIs(t, r.Register(NewHost()), ErrAlreadyExists)
}
