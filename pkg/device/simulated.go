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
	"sort"
	"sync"
)

// Simulated is an accelerator or custom device. Its memory is host
// memory with a fixed capacity, and each of its streams is an in-order
// asynchronous execution queue.
type Simulated struct {
	*arena
	caps    Capabilities
	qlock   sync.RWMutex
	queues  map[uint32]*queue
	nextID  uint32
	qclosed bool
}

var _ StreamDevice = &Simulated{}

// NewAccelerator creates a simulated accelerator with the given index.
func NewAccelerator(index int, opts ...Option) *Simulated {
	o := applyOptions(opts)
	return newSimulated(AcceleratorPlace(index), SupportsStreams|SupportsMultiStream, o)
}

// NewCustom creates a simulated custom device with the given index. Its
// stream support is controlled by the WithStreams option.
func NewCustom(index int, opts ...Option) *Simulated {
	o := applyOptions(opts)
	caps := Capabilities(0)
	if o.streams {
		caps |= SupportsStreams
		if o.multi {
			caps |= SupportsMultiStream
		}
	}
	return newSimulated(CustomPlace(index), caps, o)
}

func newSimulated(place Place, caps Capabilities, o *options) *Simulated {
	return &Simulated{
		arena:  newArena(place, o.mem, o.capacity),
		caps:   caps,
		queues: make(map[uint32]*queue),
	}
}

func (d *Simulated) Place() Place                      { return d.place }
func (d *Simulated) Capabilities() Capabilities        { return d.caps }
func (d *Simulated) Malloc(size int64) (*Block, error) { return d.malloc(size) }
func (d *Simulated) Free(b *Block) error               { return d.free(b) }
func (d *Simulated) Capacity() int64                   { return d.capacity }
func (d *Simulated) InUse() int64                      { return d.usage() }

// NewStream creates a new stream on the device.
func (d *Simulated) NewStream() (Stream, error) {
	if !d.caps.Has(SupportsStreams) {
		return Stream{}, fmt.Errorf("%w: %s has no stream support", ErrInvalidStream, d.place)
	}

	d.qlock.Lock()
	defer d.qlock.Unlock()

	if d.qclosed {
		return Stream{}, ErrClosed
	}

	d.nextID++
	s := Stream{place: d.place, id: d.nextID}
	d.queues[s.id] = newQueue()

	log.Debug("created %s", s)

	return s, nil
}

// Launch enqueues fn for execution on the given stream.
func (d *Simulated) Launch(s Stream, fn func()) error {
	q, err := d.queue(s)
	if err != nil {
		return err
	}
	if !q.launch(fn) {
		return ErrClosed
	}
	return nil
}

// Synchronize waits for all work launched on the stream to complete.
func (d *Simulated) Synchronize(s Stream) error {
	q, err := d.queue(s)
	if err != nil {
		return err
	}
	q.synchronize()
	return nil
}

// Idle returns true if the stream has no pending work.
func (d *Simulated) Idle(s Stream) (bool, error) {
	q, err := d.queue(s)
	if err != nil {
		return false, err
	}
	return q.idle(), nil
}

// Streams returns all streams created on the device, in creation order.
func (d *Simulated) Streams() []Stream {
	d.qlock.RLock()
	defer d.qlock.RUnlock()

	streams := make([]Stream, 0, len(d.queues))
	for id := range d.queues {
		streams = append(streams, Stream{place: d.place, id: id})
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].id < streams[j].id })

	return streams
}

// Close drains and stops all streams of the device.
func (d *Simulated) Close() error {
	d.qlock.Lock()
	queues := d.queues
	d.queues = make(map[uint32]*queue)
	d.qclosed = true
	d.qlock.Unlock()

	for _, q := range queues {
		q.close()
	}

	return d.close()
}

func (d *Simulated) queue(s Stream) (*queue, error) {
	if s.place != d.place || s.IsNull() {
		return nil, fmt.Errorf("%w: %s on %s", ErrInvalidStream, s, d.place)
	}

	d.qlock.RLock()
	defer d.qlock.RUnlock()

	q, ok := d.queues[s.id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown %s", ErrInvalidStream, s)
	}
	return q, nil
}
