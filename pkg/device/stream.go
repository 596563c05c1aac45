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
	"strconv"
	"sync"
)

// Stream identifies an ordered asynchronous execution queue of a device.
// Streams are comparable values. The zero Stream is the null stream.
type Stream struct {
	place Place
	id    uint32
}

// NullStream returns the null stream.
func NullStream() Stream {
	return Stream{}
}

// IsNull returns true for the null stream.
func (s Stream) IsNull() bool {
	return s.id == 0
}

// Place returns the place the stream belongs to.
func (s Stream) Place() Place {
	return s.place
}

// ID returns the device-local ID of the stream.
func (s Stream) ID() uint32 {
	return s.id
}

// String returns a string representation of the stream.
func (s Stream) String() string {
	if s.IsNull() {
		return "stream<null>"
	}
	return "stream<" + s.place.String() + "#" + strconv.FormatUint(uint64(s.id), 10) + ">"
}

// queue executes work launched on a single stream in launch order.
type queue struct {
	sync.Mutex
	cond      *sync.Cond
	work      []func()
	launched  uint64
	completed uint64
	closed    bool
	done      chan struct{}
}

func newQueue() *queue {
	q := &queue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.Mutex)
	go q.run()
	return q
}

func (q *queue) launch(fn func()) bool {
	q.Lock()
	defer q.Unlock()

	if q.closed {
		return false
	}

	q.work = append(q.work, fn)
	q.launched++
	q.cond.Broadcast()

	return true
}

func (q *queue) run() {
	defer close(q.done)

	for {
		q.Lock()
		for len(q.work) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.work) == 0 {
			q.Unlock()
			return
		}
		fn := q.work[0]
		q.work[0] = nil
		q.work = q.work[1:]
		q.Unlock()

		if fn != nil {
			fn()
		}

		q.Lock()
		q.completed++
		q.cond.Broadcast()
		q.Unlock()
	}
}

// synchronize waits until all work launched before the call has completed.
func (q *queue) synchronize() {
	q.Lock()
	defer q.Unlock()

	target := q.launched
	for q.completed < target {
		q.cond.Wait()
	}
}

// idle returns true if all launched work has completed.
func (q *queue) idle() bool {
	q.Lock()
	defer q.Unlock()
	return q.completed == q.launched
}

// close stops the queue once pending work has been drained.
func (q *queue) close() {
	q.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.Unlock()
	<-q.done
}
