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

package main

import (
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/containers/devmem/pkg/device"
	"github.com/containers/devmem/pkg/devmem"
)

// bench runs a mixed workload of host and stream-ordered allocations.
type bench struct {
	f       *devmem.Facade
	opt     *options
	plain   []device.Place
	accel   device.Place
	sdev    device.StreamDevice
	streams []device.Stream
	allocs  atomic.Int64
	failed  atomic.Int64
}

type result struct {
	allocs int64
	failed int64
}

func newBench(f *devmem.Facade, opt *options) (*bench, error) {
	b := &bench{f: f, opt: opt}

	for _, p := range f.Places() {
		if b.sdev != nil {
			b.plain = append(b.plain, p)
			continue
		}
		s, err := f.NewStream(p)
		if err != nil {
			b.plain = append(b.plain, p)
			continue
		}

		dev, err := f.Device(p)
		if err != nil {
			return nil, err
		}

		b.accel = p
		b.sdev = dev.(device.StreamDevice)
		b.streams = append(b.streams, s)

		for len(b.streams) < opt.workers {
			s, err := f.NewStream(p)
			if err != nil {
				return nil, err
			}
			b.streams = append(b.streams, s)
		}
	}

	if b.sdev == nil {
		log.Warn("no stream-capable device, running without stream-ordered allocations")
	} else {
		log.Info("using %d streams on %s", len(b.streams), b.accel)
	}

	return b, nil
}

func (b *bench) run() result {
	wg := sync.WaitGroup{}
	for id := range b.opt.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.worker(id)
		}()
	}
	wg.Wait()

	b.synchronize()

	return result{
		allocs: b.allocs.Load(),
		failed: b.failed.Load(),
	}
}

func (b *bench) worker(id int) {
	rng := rand.New(rand.NewPCG(uint64(id), uint64(b.opt.iterations)))

	for i := range b.opt.iterations {
		size := b.opt.size/2 + rng.Int64N(b.opt.size)

		if len(b.plain) > 0 {
			p := b.plain[i%len(b.plain)]
			if err := b.plainIteration(p, size); err != nil {
				log.Error("worker #%d: %s allocation failed: %v", id, p, err)
				b.failed.Add(1)
			}
		}

		if b.sdev != nil {
			if err := b.streamIteration(id, size); err != nil {
				log.Error("worker #%d: %s allocation failed: %v", id, b.accel, err)
				b.failed.Add(1)
			}
		}
	}
}

func (b *bench) plainIteration(p device.Place, size int64) error {
	var s *devmem.SharedAllocation

	err := b.retry(p, func() (err error) {
		s, err = b.f.AllocShared(p, size)
		return err
	})
	if err != nil {
		return err
	}

	s.Retain()
	buf := s.Bytes()
	buf[0], buf[len(buf)-1] = 1, 1
	s.Release()
	s.Release()

	return nil
}

// streamIteration fills a block on the stream of the worker, hands it
// off to the next stream, and frees it right away. The block becomes
// reusable once both streams have erased themselves from it.
func (b *bench) streamIteration(id int, size int64) error {
	own, next := b.streams[id%len(b.streams)], b.streams[(id+1)%len(b.streams)]

	var u *devmem.UniqueAllocation

	err := b.retry(b.accel, func() (err error) {
		u, err = b.f.AllocOnStream(b.accel, size, own)
		return err
	})
	if err != nil {
		return err
	}

	a := u.Allocation

	handOff := own != next && b.f.RecordStream(a, next)
	buf := a.Bytes()

	err = b.sdev.Launch(own, func() {
		for i := range buf {
			buf[i] = byte(id)
		}
		if handOff {
			err := b.sdev.Launch(next, func() {
				if buf[0] != byte(id) {
					log.Error("worker #%d: corrupted block %s", id, a)
				}
				b.f.EraseStream(a, next)
			})
			if err != nil {
				log.Error("worker #%d: failed to hand off %s: %v", id, a, err)
			}
		}
		b.f.EraseStream(a, own)
	})
	if err != nil {
		return err
	}

	u.Free()
	return nil
}

// retry makes an allocation, releasing cached memory and retrying once if
// the device is out of memory.
func (b *bench) retry(p device.Place, alloc func() error) error {
	err := alloc()
	if errors.Is(err, devmem.ErrOutOfMemory) {
		freed, rerr := b.f.Release(p)
		if rerr != nil {
			return rerr
		}
		log.Debug("%s exhausted, released %s", p, devmem.HumanReadableSize(freed))
		err = alloc()
	}
	if err != nil {
		return err
	}

	b.allocs.Add(1)

	return nil
}

func (b *bench) synchronize() {
	if b.sdev == nil {
		return
	}

	for {
		for _, s := range b.streams {
			if err := b.sdev.Synchronize(s); err != nil {
				log.Error("failed to synchronize %s: %v", s, err)
				return
			}
		}
		idle := true
		for _, s := range b.streams {
			if ok, _ := b.sdev.Idle(s); !ok {
				idle = false
			}
		}
		if idle {
			return
		}
	}
}
