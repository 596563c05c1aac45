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
	"github.com/apache/arrow/go/v17/arrow/memory"
)

// Option is an opaque option for a device.
type Option func(*options)

type options struct {
	mem      memory.Allocator
	capacity int64
	streams  bool
	multi    bool
}

// WithAllocator sets the allocator used to obtain raw memory for a device.
func WithAllocator(mem memory.Allocator) Option {
	return func(o *options) {
		o.mem = mem
	}
}

// WithCapacity limits the total amount of memory of a device.
func WithCapacity(capacity int64) Option {
	return func(o *options) {
		o.capacity = capacity
	}
}

// WithStreams enables execution queues for a custom device. If multi is
// true the device also supports tracking multiple streams per allocation.
func WithStreams(multi bool) Option {
	return func(o *options) {
		o.streams = true
		o.multi = multi
	}
}

func applyOptions(opts []Option) *options {
	o := &options{}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// Host is a device serving ordinary or pinned host memory.
type Host struct {
	*arena
	caps Capabilities
}

var _ Device = &Host{}

// NewHost creates a device for ordinary host memory.
func NewHost(opts ...Option) *Host {
	o := applyOptions(opts)
	return &Host{
		arena: newArena(HostPlace(), o.mem, o.capacity),
	}
}

// NewPinned creates a device for pinned host memory.
func NewPinned(opts ...Option) *Host {
	o := applyOptions(opts)
	return &Host{
		arena: newArena(PinnedPlace(), o.mem, o.capacity),
		caps:  SupportsPinned,
	}
}

func (h *Host) Place() Place                      { return h.place }
func (h *Host) Capabilities() Capabilities        { return h.caps }
func (h *Host) Malloc(size int64) (*Block, error) { return h.malloc(size) }
func (h *Host) Free(b *Block) error               { return h.free(b) }
func (h *Host) Capacity() int64                   { return h.capacity }
func (h *Host) InUse() int64                      { return h.usage() }
func (h *Host) Close() error                      { return h.close() }
