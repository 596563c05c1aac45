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

package devmem_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/containers/devmem/pkg/device"
	. "github.com/containers/devmem/pkg/devmem"
)

func TestInSameStreamAfterHandOff(t *testing.T) {
	f, _ := newTestFacade(t)
	streams := newTestStreams(t, f, gpu0, 2)
	sA, sB := streams[0], streams[1]

	a, err := f.AllocSharedOnStream(gpu0, 4096, sA)
	require.NoError(t, err)
	require.Equal(t, sA, f.GetStream(a.Allocation))
	require.True(t, f.InSameStream(a.Allocation, sA))
	require.False(t, f.InSameStream(a.Allocation, sB))

	require.True(t, f.RecordStream(a.Allocation, sB))
	require.False(t, f.InSameStream(a.Allocation, sA), "two streams in access set")
	require.False(t, f.InSameStream(a.Allocation, sB), "two streams in access set")

	f.EraseStream(a.Allocation, sA)
	require.True(t, f.InSameStream(a.Allocation, sB))
	require.False(t, f.InSameStream(a.Allocation, sA))
	require.Equal(t, sA, f.GetStream(a.Allocation), "owner stream unchanged")

	f.EraseStream(a.Allocation, sB)
	a.Release()
}

func TestRecordEraseRestoresAccessSet(t *testing.T) {
	f, _ := newTestFacade(t)
	streams := newTestStreams(t, f, gpu0, 3)

	a, err := f.AllocOnStream(gpu0, 1024, streams[0])
	require.NoError(t, err)
	require.True(t, f.RecordStream(a.Allocation, streams[1]))

	before := f.AccessSet(a.Allocation)
	require.Empty(t, cmp.Diff([]device.Stream{streams[0], streams[1]}, before, cmpStreams))

	require.True(t, f.RecordStream(a.Allocation, streams[2]))
	f.EraseStream(a.Allocation, streams[2])
	require.Empty(t, cmp.Diff(before, f.AccessSet(a.Allocation), cmpStreams))

	f.EraseStream(a.Allocation, streams[0])
	f.EraseStream(a.Allocation, streams[1])
	require.Empty(t, f.AccessSet(a.Allocation))
	a.Free()
}

func TestNoPrematureReuse(t *testing.T) {
	f, _ := newTestFacade(t)
	streams := newTestStreams(t, f, gpu0, 2)
	sA, sB := streams[0], streams[1]
	unblockB := blockStream(t, f, sB)

	a, err := f.AllocOnStream(gpu0, 4096, sA)
	require.NoError(t, err)
	addr := a.Addr()
	require.True(t, f.RecordStream(a.Allocation, sB))
	a.Free()

	stats, err := f.Stats(gpu0)
	require.NoError(t, err)
	require.Equal(t, 1, stats.PendingBlocks)
	require.Equal(t, int64(4096), stats.Pending)
	require.Zero(t, stats.InUse)

	b, err := f.AllocOnStream(gpu0, 4096, sA)
	require.NoError(t, err)
	require.NotEqual(t, addr, b.Addr(), "block in use by streams A and B")

	f.EraseStream(a.Allocation, sA)
	c, err := f.Alloc(gpu0, 4096)
	require.NoError(t, err)
	require.NotEqual(t, addr, c.Addr(), "block in use by busy stream B")

	unblockB()
	f.EraseStream(a.Allocation, sB)
	stats, err = f.Stats(gpu0)
	require.NoError(t, err)
	require.Equal(t, 1, stats.PendingBlocks, "reclaimed lazily")

	d, err := f.Alloc(gpu0, 4096)
	require.NoError(t, err)
	require.Equal(t, addr, d.Addr(), "block reused once its access set is empty")

	stats, err = f.Stats(gpu0)
	require.NoError(t, err)
	require.Zero(t, stats.PendingBlocks)

	f.EraseStream(b.Allocation, sA)
	for _, x := range []*UniqueAllocation{b, c, d} {
		x.Free()
	}
}

func TestReleaseKeepsPendingBlocks(t *testing.T) {
	f, _ := newTestFacade(t)
	sA := newTestStreams(t, f, gpu0, 1)[0]
	unblock := blockStream(t, f, sA)

	a, err := f.AllocOnStream(gpu0, 4096, sA)
	require.NoError(t, err)
	a.Free()

	freed, err := f.Release(gpu0)
	require.NoError(t, err)
	require.Zero(t, freed, "pending block not freed")
	f.DumpState("pending ")

	f.EraseStream(a.Allocation, sA)

	freed, err = f.Release(gpu0)
	require.NoError(t, err)
	require.Equal(t, int64(4096), freed)

	unblock()
}

func TestIdleStreamReleasesPendingBlocks(t *testing.T) {
	f, _ := newTestFacade(t)
	sA := newTestStreams(t, f, gpu0, 1)[0]
	unblock := blockStream(t, f, sA)

	a, err := f.AllocOnStream(gpu0, 4096, sA)
	require.NoError(t, err)
	addr := a.Addr()
	a.Free()

	b, err := f.Alloc(gpu0, 4096)
	require.NoError(t, err)
	require.NotEqual(t, addr, b.Addr(), "block in use by busy stream A")
	b.Free()

	freed, err := f.Release(gpu0)
	require.NoError(t, err)
	require.Equal(t, int64(4096), freed, "only the unused block is freed")

	unblock()

	freed, err = f.Release(gpu0)
	require.NoError(t, err)
	require.Equal(t, int64(4096), freed, "idle stream no longer pins the block")

	f.EraseStream(a.Allocation, sA)

	stats, err := f.Stats(gpu0)
	require.NoError(t, err)
	require.Zero(t, stats.PendingBlocks)
	require.Zero(t, stats.Cached)
}

func TestIdleStreamsKeepMultiStreamBlocksPending(t *testing.T) {
	f, _ := newTestFacade(t)
	streams := newTestStreams(t, f, gpu0, 2)
	sA, sB := streams[0], streams[1]

	a, err := f.AllocOnStream(gpu0, 4096, sA)
	require.NoError(t, err)
	require.True(t, f.RecordStream(a.Allocation, sB))
	a.Free()

	freed, err := f.Release(gpu0)
	require.NoError(t, err)
	require.Zero(t, freed, "block pending until all but one stream are erased")

	f.EraseStream(a.Allocation, sA)

	freed, err = f.Release(gpu0)
	require.NoError(t, err)
	require.Equal(t, int64(4096), freed)

	f.EraseStream(a.Allocation, sB)
}

func TestStreamAllocFreeLoopOnSmallDevice(t *testing.T) {
	reg, err := device.NewRegistry(device.NewAccelerator(0, device.WithCapacity(4096)))
	require.NoError(t, err)
	f, err := NewFacade(reg)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()

	s, err := f.NewStream(gpu0)
	require.NoError(t, err)
	dev, err := f.Device(gpu0)
	require.NoError(t, err)
	sdev := dev.(device.StreamDevice)

	for i := range 16 {
		a, err := f.AllocOnStream(gpu0, 1024, s)
		require.NoError(t, err, "iteration %d without stream work", i)
		a.Free()
	}

	// at most three blocks are in use by the stream at any time
	for i := range 64 {
		a, err := f.AllocOnStream(gpu0, 1024, s)
		require.NoError(t, err, "iteration %d with stream work", i)

		buf := a.Bytes()
		require.NoError(t, sdev.Launch(s, func() { buf[0] = byte(i) }))
		a.Free()

		if i%3 == 2 {
			require.NoError(t, sdev.Synchronize(s))
		}
	}

	require.NoError(t, sdev.Synchronize(s))

	freed, err := f.Release(gpu0)
	require.NoError(t, err)
	require.NotZero(t, freed)

	stats, err := f.Stats(gpu0)
	require.NoError(t, err)
	require.Zero(t, stats.PendingBlocks)
	require.NotZero(t, stats.Hits)
}

func TestOutOfMemoryWaitsForBusyStream(t *testing.T) {
	reg, err := device.NewRegistry(device.NewAccelerator(0, device.WithCapacity(4096)))
	require.NoError(t, err)
	f, err := NewFacade(reg)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()

	s, err := f.NewStream(gpu0)
	require.NoError(t, err)
	unblock := blockStream(t, f, s)

	a, err := f.AllocOnStream(gpu0, 4096, s)
	require.NoError(t, err)
	a.Free()

	_, err = f.AllocOnStream(gpu0, 4096, s)
	require.ErrorIs(t, err, ErrOutOfMemory, "block pending on busy stream")

	unblock()

	b, err := f.AllocOnStream(gpu0, 4096, s)
	require.NoError(t, err, "block reclaimed from idle stream")
	b.Free()
}

func TestReleaseStream(t *testing.T) {
	f, reg := newTestFacade(t)
	streams := newTestStreams(t, f, gpu0, 2)
	sA, sB := streams[0], streams[1]

	dev, err := reg.Lookup(gpu0)
	require.NoError(t, err)
	sdev := dev.(device.StreamDevice)

	// a: pending on A only, freed once A is done
	a, err := f.AllocOnStream(gpu0, 4096, sA)
	require.NoError(t, err)
	buf := a.Bytes()
	gate := make(chan struct{})
	done := atomic.Bool{}
	require.NoError(t, sdev.Launch(sA, func() {
		<-gate
		buf[0] = 1
		done.Store(true)
	}))
	a.Free()
	unblockB := blockStream(t, f, sB)

	// b: pending on A and B, stays pending
	b, err := f.AllocOnStream(gpu0, 2048, sA)
	require.NoError(t, err)
	require.True(t, f.RecordStream(b.Allocation, sB))
	b.Free()

	// c: cached after last use by A
	c, err := f.AllocOnStream(gpu0, 8192, sA)
	require.NoError(t, err)
	f.EraseStream(c.Allocation, sA)
	c.Free()

	// d: cached after last use by B
	d, err := f.AllocOnStream(gpu0, 16384, sB)
	require.NoError(t, err)
	f.EraseStream(d.Allocation, sB)
	d.Free()

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(gate)
	}()

	freed, err := f.ReleaseStream(gpu0, sA)
	require.NoError(t, err)
	require.True(t, done.Load(), "stream synchronized")
	require.Equal(t, int64(4096+8192), freed)

	stats, err := f.Stats(gpu0)
	require.NoError(t, err)
	require.Equal(t, 1, stats.PendingBlocks)
	require.Equal(t, int64(2048), stats.Pending)
	require.Equal(t, int64(16384), stats.Cached)
	require.Empty(t, cmp.Diff([]device.Stream{sB}, f.AccessSet(b.Allocation), cmpStreams))

	unblockB()
	freed, err = f.ReleaseStream(gpu0, sB)
	require.NoError(t, err)
	require.Equal(t, int64(2048+16384), freed)

	freed, err = f.Release(gpu0)
	require.NoError(t, err)
	require.Zero(t, freed)
}

func TestStreamArgumentErrors(t *testing.T) {
	f, _ := newTestFacade(t)
	sA := newTestStreams(t, f, gpu0, 1)[0]
	s1 := newTestStreams(t, f, gpu1, 1)[0]

	_, err := f.AllocOnStream(cpu, 1024, sA)
	require.ErrorIs(t, err, ErrInvalidArgument, "host is not stream-capable")
	_, err = f.AllocSharedOnStream(custom0, 1024, sA)
	require.ErrorIs(t, err, ErrInvalidArgument, "custom:0 is not stream-capable")
	_, err = f.AllocOnStream(gpu0, 1024, device.NullStream())
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.AllocOnStream(gpu0, 1024, s1)
	require.ErrorIs(t, err, ErrInvalidArgument, "stream of another place")

	_, err = f.ReleaseStream(cpu, sA)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.ReleaseStream(custom0, device.NullStream())
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.NewStream(custom0)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRecordStreamWithoutMultiStream(t *testing.T) {
	f, _ := newTestFacade(t)
	streams := newTestStreams(t, f, custom1, 2)

	a, err := f.AllocOnStream(custom1, 1024, streams[0])
	require.NoError(t, err)
	require.False(t, f.RecordStream(a.Allocation, streams[1]))
	require.True(t, f.InSameStream(a.Allocation, streams[0]))
	f.EraseStream(a.Allocation, streams[0])
	a.Free()

	h, err := f.Alloc(cpu, 1024)
	require.NoError(t, err)
	require.False(t, f.RecordStream(h.Allocation, streams[0]))
	require.False(t, f.InSameStream(h.Allocation, streams[0]))
	require.Empty(t, f.AccessSet(h.Allocation))
	h.Free()
}

func TestStreamContractViolationsPanic(t *testing.T) {
	f, _ := newTestFacade(t)
	streams := newTestStreams(t, f, gpu0, 2)
	other := newTestStreams(t, f, gpu1, 1)[0]

	a, err := f.AllocOnStream(gpu0, 1024, streams[0])
	require.NoError(t, err)

	require.Panics(t, func() { f.EraseStream(a.Allocation, streams[1]) }, "never recorded")
	require.Panics(t, func() { f.RecordStream(a.Allocation, other) }, "stream of another place")

	h, err := f.Alloc(cpu, 64)
	require.NoError(t, err)
	require.Panics(t, func() { f.EraseStream(h.Allocation, streams[0]) }, "untracked allocation")
	h.Free()

	f.EraseStream(a.Allocation, streams[0])
	a.Free()
	require.Panics(t, func() { f.RecordStream(a.Allocation, streams[0]) }, "released allocation")
}

func TestConcurrentStreams(t *testing.T) {
	const (
		workers    = 8
		iterations = 200
	)

	f, _ := newTestFacade(t)
	streams := newTestStreams(t, f, gpu0, workers)

	var (
		live sync.Map
		wg   sync.WaitGroup
		stop = make(chan struct{})
		idle = make(chan struct{})
		errs = make(chan error, workers)
	)

	go func() {
		defer close(idle)
		for {
			select {
			case <-stop:
				return
			default:
				f.Release(gpu0)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	for w := range workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			own, next := streams[id], streams[(id+1)%workers]

			for i := range iterations {
				size := int64(64 + (id*131+i*977)%8192)
				a, err := f.AllocOnStream(gpu0, size, own)
				if err != nil {
					errs <- err
					return
				}
				if _, dup := live.LoadOrStore(a.Addr(), id); dup {
					errs <- fmt.Errorf("worker %d: %s handed out while in use", id, a)
					return
				}

				pattern := byte(id + 1)
				for j := range a.Bytes() {
					a.Bytes()[j] = pattern
				}

				f.RecordStream(a.Allocation, next)

				for j, v := range a.Bytes() {
					if v != pattern {
						errs <- fmt.Errorf("worker %d: byte %d of %s overwritten", id, j, a)
						return
					}
				}

				live.Delete(a.Addr())
				a.Free()
				f.EraseStream(a.Allocation, own)
				f.EraseStream(a.Allocation, next)
			}
		}(w)
	}

	wg.Wait()
	close(stop)
	<-idle
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	f.Release(gpu0)
	stats, err := f.Stats(gpu0)
	require.NoError(t, err)
	require.Zero(t, stats.InUse)
	require.Zero(t, stats.Pending)
	require.Zero(t, stats.Cached)
}

// blockStream launches work which keeps the stream busy until the returned
// function is called. The stream is synchronized by then.
func blockStream(t *testing.T, f *Facade, s device.Stream) func() {
	dev, err := f.Device(s.Place())
	require.NoError(t, err)
	sdev := dev.(device.StreamDevice)

	gate := make(chan struct{})
	require.NoError(t, sdev.Launch(s, func() { <-gate }))

	once := sync.Once{}
	unblock := func() {
		once.Do(func() {
			close(gate)
			require.NoError(t, sdev.Synchronize(s))
		})
	}
	t.Cleanup(unblock)

	return unblock
}
