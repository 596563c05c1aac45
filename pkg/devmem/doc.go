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

// Package devmem implements a device-aware, stream-ordered memory
// allocation facade. The primary interface to devmem is the Facade type.
//
// # Places, Devices, Streams
//
// Memory lives in places. A place identifies a memory domain: ordinary
// host memory, pinned host memory, the memory of accelerator N, or that
// of custom device N. Every place is served by a device, registered with
// a device.Registry when the process sets up its device context. Some
// devices have streams, ordered asynchronous execution queues. Work
// launched on a stream may still be touching memory long after the
// launching goroutine has moved on.
//
// # Allocations, Ownership
//
// An Allocation describes one contiguous memory block: its place, its
// exact size, its base address and, for stream-capable places, its
// access set, the set of streams which may still read or write it.
// Allocations are handed out either exclusively owned (UniqueAllocation,
// released by Free) or shared (SharedAllocation, reference counted and
// released when the last holder calls Release). Releasing an allocation
// does not necessarily return its memory to the device. That decision
// belongs to the strategy serving the place.
//
// # Strategies
//
// Each place is served by exactly one strategy, created by the Facade on
// first use of the place and never replaced afterwards. The available
// strategies are
//
//   - naive: every allocation goes to the device, every release frees
//   - caching: released blocks are cached in size-class free lists and
//     reused for subsequent allocations until explicitly released
//   - stream-safe: a caching pool which defers reuse of a block until
//     its access set is empty
//   - thread-confined: a caching pool partitioned per OS thread
//
// # Stream Safety
//
// A block is never reused or freed while any stream is present in its
// access set. Streams are added with RecordStream, or by allocating on a
// stream, and removed with EraseStream once the caller knows the stream
// is done with the memory. A block released with a non-empty access set
// is parked in a pending queue. Reclaimable pending blocks are moved back
// to the pool lazily, whenever the strategy is next asked to allocate or
// release memory.
package devmem
