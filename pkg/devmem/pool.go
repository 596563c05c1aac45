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
	"slices"
	"sync"

	"github.com/containers/devmem/pkg/device"
)

// pool is a growth-caching pool of device blocks. Blocks given back to
// the pool are kept in free lists keyed by block size and reused for new
// requests. The pool only shrinks when explicitly released, or when the
// device runs out of memory. The pool lock is never held across calls
// to the device.
type pool struct {
	sync.Mutex
	dev       device.Device
	maxCached int64
	free      map[int64][]cachedBlock
	sizes     []int64 // sorted sizes with non-empty free lists
	cached    int64
	inUse     int64
	hits      uint64
	misses    uint64
	allocs    uint64
	frees     uint64
	evictions uint64
}

// cachedBlock is a free block, tagged with the stream which used it last.
type cachedBlock struct {
	block *device.Block
	tag   device.Stream
}

func newPool(dev device.Device, maxCached int64) *pool {
	return &pool{
		dev:       dev,
		maxCached: maxCached,
		free:      make(map[int64][]cachedBlock),
	}
}

// acquire returns a block of at least size bytes, reusing a cached one
// if possible.
func (p *pool) acquire(size int64) (*device.Block, error) {
	if b := p.take(size); b != nil {
		return b, nil
	}

	class := SizeClass(size)
	b, err := p.dev.Malloc(class)

	if errors.Is(err, device.ErrOutOfMemory) {
		if p.evict() > 0 {
			b, err = p.dev.Malloc(class)
		}
		if errors.Is(err, device.ErrOutOfMemory) && class > size {
			b, err = p.dev.Malloc(size)
		}
	}

	if err != nil {
		return nil, err
	}

	p.Lock()
	p.misses++
	p.allocs++
	p.inUse += b.Size()
	p.Unlock()

	return b, nil
}

// take removes the best fitting cached block for size from the free lists.
// A block fits if it is at least size bytes but not larger than fitLimit.
func (p *pool) take(size int64) *device.Block {
	p.Lock()
	defer p.Unlock()

	idx, _ := slices.BinarySearch(p.sizes, size)
	if idx >= len(p.sizes) {
		return nil
	}

	bsz := p.sizes[idx]
	if bsz > fitLimit(size) {
		return nil
	}

	list := p.free[bsz]
	e := list[len(list)-1]
	list[len(list)-1] = cachedBlock{}

	if list = list[:len(list)-1]; len(list) == 0 {
		delete(p.free, bsz)
		p.sizes = slices.Delete(p.sizes, idx, idx+1)
	} else {
		p.free[bsz] = list
	}

	p.cached -= bsz
	p.inUse += bsz
	p.hits++

	return e.block
}

// put gives a block back to the pool, tagged with the stream which used
// it last. If the pool has reached its cache limit the block is freed.
func (p *pool) put(b *device.Block, tag device.Stream) {
	size := b.Size()

	p.Lock()
	p.inUse -= size

	if p.maxCached > 0 && p.cached+size > p.maxCached {
		p.Unlock()
		details.Debug("%s: cache limit %s reached, freeing %s", p.dev.Place(),
			HumanReadableSize(p.maxCached), b)
		p.freeBlock(b)
		return
	}

	list, ok := p.free[size]
	if !ok {
		idx, _ := slices.BinarySearch(p.sizes, size)
		p.sizes = slices.Insert(p.sizes, idx, size)
	}
	p.free[size] = append(list, cachedBlock{block: b, tag: tag})
	p.cached += size
	p.Unlock()
}

// discard frees a block which is still accounted as in use.
func (p *pool) discard(b *device.Block) int64 {
	size := b.Size()

	p.Lock()
	p.inUse -= size
	p.Unlock()

	if !p.freeBlock(b) {
		return 0
	}
	return size
}

// release frees all cached blocks for which match returns true, or all
// cached blocks if match is nil. It returns the number of bytes freed.
func (p *pool) release(match func(device.Stream) bool) int64 {
	var victims []*device.Block

	p.Lock()
	for size, list := range p.free {
		kept := list[:0]
		for _, e := range list {
			if match == nil || match(e.tag) {
				victims = append(victims, e.block)
				p.cached -= size
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(p.free, size)
			if idx, ok := slices.BinarySearch(p.sizes, size); ok {
				p.sizes = slices.Delete(p.sizes, idx, idx+1)
			}
		} else {
			clear(list[len(kept):])
			p.free[size] = kept
		}
	}
	p.Unlock()

	freed := int64(0)
	for _, b := range victims {
		size := b.Size()
		if p.freeBlock(b) {
			freed += size
		}
	}

	return freed
}

// evict frees all cached blocks to make room for a device allocation.
func (p *pool) evict() int64 {
	freed := p.release(nil)
	if freed == 0 {
		return 0
	}

	p.Lock()
	p.evictions++
	p.Unlock()

	if oomWarnings.Allow() {
		log.Warn("%s: device exhausted, evicted %s of cached memory",
			p.dev.Place(), HumanReadableSize(freed))
	}

	return freed
}

func (p *pool) freeBlock(b *device.Block) bool {
	if err := p.dev.Free(b); err != nil {
		log.Error("%s: failed to free %s: %v", p.dev.Place(), b, err)
		return false
	}

	p.Lock()
	p.frees++
	p.Unlock()

	return true
}

func (p *pool) stats() Stats {
	p.Lock()
	defer p.Unlock()

	return Stats{
		Place:        p.dev.Place().String(),
		InUse:        p.inUse,
		Cached:       p.cached,
		Hits:         p.hits,
		Misses:       p.misses,
		DeviceAllocs: p.allocs,
		DeviceFrees:  p.frees,
		Evictions:    p.evictions,
	}
}
