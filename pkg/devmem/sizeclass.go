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
	"math"
	"math/bits"
)

const (
	// MinClassSize is the smallest block size handed out by caching pools.
	MinClassSize = 256
	// LargeClassSize is the size above which classes grow linearly.
	LargeClassSize = 1 << 20
	// maxFitFactor limits how much larger a cached block can be than the
	// size class of a request it is used to satisfy.
	maxFitFactor = 2
)

// SizeClass returns the size of the block a caching pool allocates for
// the given request size. Sizes up to LargeClassSize are rounded up to
// the next power of two, but at least MinClassSize. Larger sizes are
// rounded up to the next multiple of LargeClassSize. Sizes too large to
// round up are their own class.
func SizeClass(size int64) int64 {
	switch {
	case size > math.MaxInt64-LargeClassSize:
		return size
	case size <= MinClassSize:
		return MinClassSize
	case size <= LargeClassSize:
		return 1 << bits.Len64(uint64(size-1))
	default:
		return (size + LargeClassSize - 1) / LargeClassSize * LargeClassSize
	}
}

// fitLimit returns the largest cached block size acceptable for size.
func fitLimit(size int64) int64 {
	class := SizeClass(size)
	if class > math.MaxInt64/maxFitFactor {
		return math.MaxInt64
	}
	return maxFitFactor * class
}
