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

// Package metrics is a thin layer over prometheus for registering named
// collectors in groups, enabling or polling them by glob patterns at
// runtime, and gathering the enabled ones.
//
// Collectors are registered with a name and an optional group:
//
//	metrics.Register("pool", collector, metrics.WithGroup("devmem"))
//
// A Gatherer enables the collectors matching its configured globs. A glob
// matches the group, the name, or the full group/name of a collector.
// Polled collectors are collected periodically in the background, and the
// last polled values are served when metrics are gathered:
//
//	g, err := metrics.NewGatherer(
//	    metrics.WithNamespace("app"),
//	    metrics.WithMetrics([]string{"devmem"}, []string{"standard/process"}),
//	)
//	if err != nil {
//	    return err
//	}
//	http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
package metrics
