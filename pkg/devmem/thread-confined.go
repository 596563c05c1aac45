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
	"sync"

	"golang.org/x/sys/cpu"

	"github.com/containers/devmem/pkg/device"
)

// threadConfined is a caching strategy with one pool per OS thread.
// Blocks are always returned to the pool of the thread which allocated
// them, so a block is never reused by another thread.
type threadConfined struct {
	sync.RWMutex
	dev       device.Device
	maxCached int64
	shards    map[int]*shard
}

// shard is the pool of a single thread.
type shard struct {
	_    cpu.CacheLinePad
	tid  int
	pool *pool
	_    cpu.CacheLinePad
}

func newThreadConfined(dev device.Device, o strategyOptions) *threadConfined {
	return &threadConfined{
		dev:       dev,
		maxCached: o.maxCached,
		shards:    make(map[int]*shard),
	}
}

func (t *threadConfined) Kind() StrategyKind {
	return ThreadConfined
}

func (t *threadConfined) Place() device.Place {
	return t.dev.Place()
}

func (t *threadConfined) Acquire(size int64) (*Allocation, error) {
	sh := t.shard(threadID())

	b, err := sh.pool.acquire(size)
	if errors.Is(err, device.ErrOutOfMemory) {
		if t.releaseOthers(sh) > 0 {
			b, err = sh.pool.acquire(size)
		}
	}
	if err != nil {
		return nil, deviceError(t.dev.Place(), size, err)
	}

	a := newAllocation(t, b, size)
	a.shard = sh

	return a, nil
}

func (t *threadConfined) Return(a *Allocation) {
	if a.shard == nil {
		log.Panic("internal error: %s returned to %s without a shard", a, t.Place())
	}
	a.shard.pool.put(a.block, device.NullStream())
}

func (t *threadConfined) Release() int64 {
	freed := int64(0)
	for _, sh := range t.shardList() {
		freed += sh.pool.release(nil)
	}
	if freed > 0 {
		log.Info("%s: released %s of cached memory", t.Place(), HumanReadableSize(freed))
	}
	return freed
}

func (t *threadConfined) Stats() Stats {
	st := Stats{
		Place:    t.Place().String(),
		Strategy: ThreadConfined.String(),
	}
	for _, sh := range t.shardList() {
		st.add(sh.pool.stats())
	}
	return st
}

func (t *threadConfined) shard(tid int) *shard {
	t.RLock()
	sh, ok := t.shards[tid]
	t.RUnlock()

	if ok {
		return sh
	}

	t.Lock()
	defer t.Unlock()

	if sh, ok = t.shards[tid]; !ok {
		sh = &shard{
			tid:  tid,
			pool: newPool(t.dev, t.maxCached),
		}
		t.shards[tid] = sh
		details.Debug("%s: created pool for thread %d", t.Place(), tid)
	}

	return sh
}

func (t *threadConfined) shardList() []*shard {
	t.RLock()
	defer t.RUnlock()

	shards := make([]*shard, 0, len(t.shards))
	for _, sh := range t.shards {
		shards = append(shards, sh)
	}
	return shards
}

// releaseOthers frees the caches of all other threads when the device
// is exhausted.
func (t *threadConfined) releaseOthers(self *shard) int64 {
	freed := int64(0)
	for _, sh := range t.shardList() {
		if sh != self {
			freed += sh.pool.evict()
		}
	}
	return freed
}
