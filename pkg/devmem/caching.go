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
	"github.com/containers/devmem/pkg/device"
)

// caching is a growth-caching strategy on top of a single pool.
type caching struct {
	dev  device.Device
	pool *pool
}

func newCaching(dev device.Device, o strategyOptions) *caching {
	return &caching{
		dev:  dev,
		pool: newPool(dev, o.maxCached),
	}
}

func (c *caching) Kind() StrategyKind {
	return CachingStrategy
}

func (c *caching) Place() device.Place {
	return c.dev.Place()
}

func (c *caching) Acquire(size int64) (*Allocation, error) {
	b, err := c.pool.acquire(size)
	if err != nil {
		return nil, deviceError(c.dev.Place(), size, err)
	}
	return newAllocation(c, b, size), nil
}

func (c *caching) Return(a *Allocation) {
	c.pool.put(a.block, device.NullStream())
}

func (c *caching) Release() int64 {
	freed := c.pool.release(nil)
	if freed > 0 {
		log.Info("%s: released %s of cached memory", c.Place(), HumanReadableSize(freed))
	}
	return freed
}

func (c *caching) Stats() Stats {
	s := c.pool.stats()
	s.Strategy = CachingStrategy.String()
	return s
}
