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

package devmem_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/devmem/pkg/devmem"
)

func TestSizeClass(t *testing.T) {
	for _, tc := range []struct {
		size  int64
		class int64
	}{
		{1, 256},
		{256, 256},
		{257, 512},
		{1000, 1024},
		{1024, 1024},
		{1025, 2048},
		{300 << 10, 512 << 10},
		{1 << 20, 1 << 20},
		{1<<20 + 1, 2 << 20},
		{3<<20 - 1, 3 << 20},
		{5 << 20, 5 << 20},
	} {
		require.Equal(t, tc.class, SizeClass(tc.size), "size class of %d", tc.size)
	}
}

func TestSizeClassOfHugeSizes(t *testing.T) {
	for _, size := range []int64{
		math.MaxInt64,
		math.MaxInt64 - 1,
		math.MaxInt64 - LargeClassSize,
		math.MaxInt64 - LargeClassSize + 1,
		math.MaxInt64 / 2,
		math.MaxInt64/2 + 1,
	} {
		class := SizeClass(size)
		require.GreaterOrEqual(t, class, size, "size class of %d", size)
		require.Less(t, class-size, int64(LargeClassSize), "size class of %d", size)
	}
}

func TestHumanReadableSize(t *testing.T) {
	for _, tc := range []struct {
		name   string
		size   int64
		result string
	}{
		{name: "zero", size: 0, result: "0"},
		{name: "no units", size: 345, result: "345"},
		{name: "1k", size: 1024, result: "1k"},
		{name: "2.5k", size: 2048 + 512, result: "2.5k"},
		{name: "1M", size: 1024 * 1024, result: "1M"},
		{name: "2.5M", size: 2*1024*1024 + 512*1024, result: "2.5M"},
		{name: "4.25G", size: 4*1024*1024*1024 + 256*1024*1024, result: "4.25G"},
		{name: "2.75T", size: 2*1024*1024*1024*1024 + 768*1024*1024*1024, result: "2.75T"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.result, HumanReadableSize(tc.size))
		})
	}
}
