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

package device

import (
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/apache/arrow/go/v17/arrow/memory"

	logger "github.com/containers/devmem/pkg/log"
)

// MaxBlockSize is the largest block any device hands out.
const MaxBlockSize int64 = min(1<<46, math.MaxInt-64)

var (
	log = logger.Get("device")
)

// Block is a single contiguous region of raw device memory.
type Block struct {
	place Place
	buf   []byte
	addr  uintptr
}

// Place returns the place the block was allocated from.
func (b *Block) Place() Place {
	return b.place
}

// Size returns the size of the block in bytes.
func (b *Block) Size() int64 {
	return int64(len(b.buf))
}

// Addr returns the base address of the block.
func (b *Block) Addr() uintptr {
	return b.addr
}

// Bytes returns the memory of the block.
func (b *Block) Bytes() []byte {
	return b.buf
}

// String returns a string representation of the block.
func (b *Block) String() string {
	return fmt.Sprintf("block<%s@0x%x, %d bytes>", b.place, b.addr, len(b.buf))
}

// Device is the raw memory interface of a single memory domain.
type Device interface {
	// Place returns the place the device serves.
	Place() Place
	// Capabilities returns the capabilities of the device.
	Capabilities() Capabilities
	// Malloc allocates a block of exactly size bytes.
	Malloc(size int64) (*Block, error)
	// Free returns the given block to the device.
	Free(*Block) error
	// Capacity returns the total capacity of the device, 0 for unlimited.
	Capacity() int64
	// InUse returns the amount of memory currently allocated from the device.
	InUse() int64
	// Close releases any resources held by the device.
	Close() error
}

// StreamDevice is a Device with asynchronous, in-order execution queues.
type StreamDevice interface {
	Device
	// NewStream creates a new execution queue on the device.
	NewStream() (Stream, error)
	// Launch enqueues fn for asynchronous execution on the stream.
	Launch(Stream, func()) error
	// Synchronize waits until all work launched on the stream has completed.
	Synchronize(Stream) error
	// Idle returns true if no launched work is pending on the stream.
	Idle(Stream) (bool, error)
	// Streams returns the streams created on the device.
	Streams() []Stream
}

// arena does the memory accounting common to all our devices. Memory is
// obtained from an arrow memory.Allocator, which hands out 64-byte aligned
// Go memory.
type arena struct {
	sync.Mutex
	place    Place
	mem      memory.Allocator
	capacity int64
	inUse    int64
	live     map[uintptr]*Block
	closed   bool
}

func newArena(place Place, mem memory.Allocator, capacity int64) *arena {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &arena{
		place:    place,
		mem:      mem,
		capacity: capacity,
		live:     make(map[uintptr]*Block),
	}
}

func (a *arena) malloc(size int64) (*Block, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	a.Lock()
	defer a.Unlock()

	if a.closed {
		return nil, ErrClosed
	}

	if size > MaxBlockSize {
		return nil, fmt.Errorf("%w: %s: %d bytes requested, blocks are limited to %d",
			ErrOutOfMemory, a.place, size, MaxBlockSize)
	}

	if a.capacity > 0 && size > a.capacity-a.inUse {
		return nil, fmt.Errorf("%w: %s: %d bytes requested, %d of %d free", ErrOutOfMemory,
			a.place, size, a.capacity-a.inUse, a.capacity)
	}

	buf, err := a.allocate(size)
	if err != nil {
		return nil, err
	}

	b := &Block{
		place: a.place,
		buf:   buf,
		addr:  uintptr(unsafe.Pointer(&buf[0])),
	}

	a.live[b.addr] = b
	a.inUse += size

	return b, nil
}

// allocate obtains memory from the allocator, turning a failed allocation
// into ErrOutOfMemory.
func (a *arena) allocate(size int64) (buf []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf, err = nil, fmt.Errorf("%w: %s: failed to allocate %d bytes: %v",
				ErrOutOfMemory, a.place, size, r)
		}
	}()

	return a.mem.Allocate(int(size)), nil
}

func (a *arena) free(b *Block) error {
	if b == nil {
		return fmt.Errorf("%w: nil block", ErrUnknownBlock)
	}

	a.Lock()
	defer a.Unlock()

	if live, ok := a.live[b.addr]; !ok || live != b {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, b)
	}

	delete(a.live, b.addr)
	a.inUse -= b.Size()
	a.mem.Free(b.buf)
	b.buf = nil

	return nil
}

func (a *arena) usage() int64 {
	a.Lock()
	defer a.Unlock()
	return a.inUse
}

func (a *arena) close() error {
	a.Lock()
	defer a.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	if n := len(a.live); n > 0 {
		log.Warn("%s closed with %d live blocks (%d bytes)", a.place, n, a.inUse)
	}

	return nil
}
