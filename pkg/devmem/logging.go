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
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logger "github.com/containers/devmem/pkg/log"
)

var (
	log     = logger.Get("devmem")
	details = logger.Get("devmem-details")

	// out-of-memory warnings can come from hot allocation paths
	oomWarnings = rate.NewLimiter(rate.Every(time.Second), 5)
)

// DumpState logs the state of all pools of the facade.
func (f *Facade) DumpState(context ...interface{}) {
	prefix := formatPrefix(context...)

	strategies := f.strategyList()
	if len(strategies) == 0 {
		log.Info("%s  no pools in use", prefix)
		return
	}

	log.Info("%s  pools:", prefix)
	for _, s := range strategies {
		st := s.Stats()
		log.Info("%s    - %s (%s): in use %s, cached %s, pending %s in %d blocks",
			prefix, st.Place, st.Strategy, HumanReadableSize(st.InUse),
			HumanReadableSize(st.Cached), HumanReadableSize(st.Pending), st.PendingBlocks)
		log.Info("%s      hits %d, misses %d, device allocs/frees %d/%d, evictions %d",
			prefix, st.Hits, st.Misses, st.DeviceAllocs, st.DeviceFrees, st.Evictions)
		if pd, ok := s.(interface{ dumpPending(string) }); ok {
			pd.dumpPending(prefix)
		}
	}
}

func (s *streamSafe) dumpPending(prefix string) {
	if !details.DebugEnabled() {
		return
	}

	s.Lock()
	defer s.Unlock()

	for _, a := range s.pending {
		details.Debug("%s        pending %s, used by %v", prefix, a, a.streamList())
	}
}

func formatPrefix(args ...interface{}) string {
	narg := len(args)
	if narg == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%%(!devmem:Bad-Prefix)"
	}

	if len(args) == 1 {
		return format
	}

	return fmt.Sprintf(format, args[1:]...)
}

// HumanReadableSize returns the given size as a human-readable string.
func HumanReadableSize(size int64) string {
	if size >= 1024 {
		units := []string{"k", "M", "G", "T"}

		for i, d := 0, int64(1024); i < len(units); i, d = i+1, d<<10 {
			if val := size / d; 1 <= val && val < 1024 {
				if fval := float64(size) / float64(d); math.Floor(fval) != fval {
					return strings.TrimRight(fmt.Sprintf("%.3f", fval), "0") + units[i]
				}
				return fmt.Sprintf("%d%s", val, units[i])
			}
		}
	}

	return strconv.FormatInt(size, 10)
}
