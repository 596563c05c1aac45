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
	"slices"
	"sync"

	"github.com/containers/devmem/pkg/device"
)

// streamSafe is a caching strategy for stream-capable devices. Blocks
// of allocations are only cached for reuse once no stream can touch them
// any more. Allocations released with a non-empty access set are queued
// as pending and reclaimed lazily, on the next Acquire or Release, once
// their access set is empty or its only stream has become idle.
type streamSafe struct {
	sync.Mutex // protects access sets and the pending queue
	dev        device.StreamDevice
	pool       *pool
	pending    []*Allocation
	pendBytes  int64
}

var _ streamTracker = &streamSafe{}

func newStreamSafe(dev device.StreamDevice, o strategyOptions) *streamSafe {
	return &streamSafe{
		dev:  dev,
		pool: newPool(dev, o.maxCached),
	}
}

func (s *streamSafe) Kind() StrategyKind {
	return StreamSafe
}

func (s *streamSafe) Place() device.Place {
	return s.dev.Place()
}

func (s *streamSafe) Acquire(size int64) (*Allocation, error) {
	s.drain()

	b, err := s.pool.acquire(size)
	if errors.Is(err, device.ErrOutOfMemory) && s.drain() > 0 {
		b, err = s.pool.acquire(size)
	}
	if err != nil {
		return nil, deviceError(s.dev.Place(), size, err)
	}

	return newAllocation(s, b, size), nil
}

func (s *streamSafe) acquireOn(size int64, stream device.Stream) (*Allocation, error) {
	a, err := s.Acquire(size)
	if err != nil {
		return nil, err
	}

	a.owner = stream
	a.streams = map[device.Stream]struct{}{stream: {}}

	return a, nil
}

func (s *streamSafe) Return(a *Allocation) {
	s.Lock()
	if len(a.streams) > 0 {
		s.pending = append(s.pending, a)
		s.pendBytes += a.block.Size()
		if details.DebugEnabled() {
			details.Debug("%s: deferred reuse of %s, in use by %v", s.Place(), a, a.streamList())
		}
		s.Unlock()
		return
	}
	s.Unlock()

	s.pool.put(a.block, a.owner)
}

func (s *streamSafe) Release() int64 {
	s.drain()
	freed := s.pool.release(nil)
	if freed > 0 {
		log.Info("%s: released %s of cached memory", s.Place(), HumanReadableSize(freed))
	}
	return freed
}

func (s *streamSafe) Stats() Stats {
	st := s.pool.stats()
	st.Strategy = StreamSafe.String()

	s.Lock()
	st.Pending = s.pendBytes
	st.PendingBlocks = len(s.pending)
	s.Unlock()

	st.InUse -= st.Pending

	return st
}

func (s *streamSafe) recordStream(a *Allocation, stream device.Stream) bool {
	if !s.dev.Capabilities().Has(device.SupportsMultiStream) {
		return false
	}

	s.checkStream(a, stream)

	s.Lock()
	defer s.Unlock()

	if a.IsReleased() {
		log.Panic("internal error: recording %s for released %s", stream, a)
	}
	if a.streams == nil {
		a.streams = make(map[device.Stream]struct{})
	}
	a.streams[stream] = struct{}{}

	return true
}

func (s *streamSafe) eraseStream(a *Allocation, stream device.Stream) {
	s.checkStream(a, stream)

	s.Lock()
	defer s.Unlock()

	if _, ok := a.streams[stream]; !ok {
		log.Panic("internal error: erasing unrecorded %s from %s", stream, a)
	}
	delete(a.streams, stream)
}

func (s *streamSafe) inSameStream(a *Allocation, stream device.Stream) bool {
	s.Lock()
	defer s.Unlock()

	if len(a.streams) != 1 {
		return false
	}
	_, ok := a.streams[stream]
	return ok
}

func (s *streamSafe) accessSet(a *Allocation) []device.Stream {
	s.Lock()
	defer s.Unlock()
	return a.streamList()
}

// releaseStream waits for all work on the stream to finish, then frees
// every block which is no longer accessed by any stream as a result,
// together with cached blocks last used by the stream.
func (s *streamSafe) releaseStream(stream device.Stream) (int64, error) {
	if err := s.dev.Synchronize(stream); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	var done []*Allocation

	s.Lock()
	kept := s.pending[:0]
	for _, a := range s.pending {
		if _, ok := a.streams[stream]; ok {
			delete(a.streams, stream)
			if len(a.streams) == 0 {
				done = append(done, a)
				s.pendBytes -= a.block.Size()
				continue
			}
		}
		kept = append(kept, a)
	}
	clear(s.pending[len(kept):])
	s.pending = kept
	s.Unlock()

	freed := int64(0)
	for _, a := range done {
		freed += s.pool.discard(a.block)
	}
	freed += s.pool.release(func(tag device.Stream) bool { return tag == stream })

	s.drain()

	if freed > 0 {
		log.Info("%s: released %s of memory used by %s", s.Place(), HumanReadableSize(freed), stream)
	}

	return freed, nil
}

// drain moves reclaimable pending blocks to the pool and returns their
// total size. A pending block is reclaimable once its access set is empty,
// or once the only stream left in it was idle after the set shrank to it.
func (s *streamSafe) drain() int64 {
	idle := s.idleSoleUsers()

	var (
		done  []*Allocation
		bytes int64
	)

	s.Lock()
	if len(s.pending) == 0 {
		s.Unlock()
		return 0
	}
	kept := s.pending[:0]
	for _, a := range s.pending {
		if len(a.streams) == 0 || idle.reclaims(a) {
			done = append(done, a)
			bytes += a.block.Size()
		} else {
			kept = append(kept, a)
		}
	}
	clear(s.pending[len(kept):])
	s.pending = kept
	s.pendBytes -= bytes
	s.Unlock()

	for _, a := range done {
		details.Debug("%s: reclaimed %s", s.Place(), a)
		s.pool.put(a.block, a.owner)
	}

	return bytes
}

// soleUsers maps pending allocations to the idle stream which was the
// only one in their access set.
type soleUsers map[*Allocation]device.Stream

func (u soleUsers) reclaims(a *Allocation) bool {
	stream, ok := u[a]
	if !ok || len(a.streams) != 1 {
		return false
	}
	_, ok = a.streams[stream]
	return ok
}

// idleSoleUsers collects the pending allocations accessed by a single
// stream, then checks outside the lock which of those streams are idle.
// A released allocation can't gain new streams, so an idle sole stream
// has finished all work which could touch the block.
func (s *streamSafe) idleSoleUsers() soleUsers {
	users := soleUsers{}

	s.Lock()
	for _, a := range s.pending {
		if len(a.streams) == 1 {
			for stream := range a.streams {
				users[a] = stream
			}
		}
	}
	s.Unlock()

	if len(users) == 0 {
		return nil
	}

	idle := map[device.Stream]bool{}
	for a, stream := range users {
		isIdle, checked := idle[stream]
		if !checked {
			ok, err := s.dev.Idle(stream)
			if err != nil {
				log.Warn("%s: failed to check %s: %v", s.Place(), stream, err)
			}
			isIdle = ok && err == nil
			idle[stream] = isIdle
		}
		if !isIdle {
			delete(users, a)
		}
	}

	return users
}

func (s *streamSafe) checkStream(a *Allocation, stream device.Stream) {
	if stream.IsNull() || stream.Place() != a.place {
		log.Panic("internal error: %s used with %s", stream, a)
	}
}

// streamList returns the sorted access set of the allocation. The caller
// must hold the lock of the owning strategy.
func (a *Allocation) streamList() []device.Stream {
	streams := make([]device.Stream, 0, len(a.streams))
	for s := range a.streams {
		streams = append(streams, s)
	}
	slices.SortFunc(streams, func(s1, s2 device.Stream) int {
		return int(s1.ID()) - int(s2.ID())
	})
	return streams
}
