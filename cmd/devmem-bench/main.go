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
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/devmem/pkg/apis/config/v1alpha1/devmem"
	"github.com/containers/devmem/pkg/devmem"
	logger "github.com/containers/devmem/pkg/log"
)

var log = logger.Get("devmem-bench")

type options struct {
	config      string
	workers     int
	iterations  int
	size        int64
	metricsAddr string
	linger      time.Duration
	dump        bool
}

func main() {
	opt := options{}

	flag.StringVar(&opt.config, "config", "", "YAML configuration file.")
	flag.IntVar(&opt.workers, "workers", 4, "Number of concurrent workers.")
	flag.IntVar(&opt.iterations, "iterations", 1000, "Allocations per worker.")
	flag.Int64Var(&opt.size, "size", 64<<10, "Base allocation size in bytes.")
	flag.StringVar(&opt.metricsAddr, "metrics-addr", "", "Serve /metrics on this address.")
	flag.DurationVar(&opt.linger, "linger", 0, "Keep serving metrics this long after the run.")
	flag.BoolVar(&opt.dump, "dump", false, "Dump allocator state after the run.")
	flag.Parse()

	if err := run(&opt); err != nil {
		log.Fatal("%v", err)
	}
}

func run(opt *options) error {
	if opt.workers < 1 || opt.iterations < 1 || opt.size < 1 {
		return errors.Errorf("invalid workload: %d workers, %d iterations, size %d",
			opt.workers, opt.iterations, opt.size)
	}

	cfg, err := loadConfig(opt.config)
	if err != nil {
		return err
	}

	f, err := devmem.NewFacadeFromConfig(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to create allocator")
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Error("failed to close allocator: %v", err)
		}
	}()

	srv, err := startMetrics(f, cfg, opt.metricsAddr)
	if err != nil {
		return err
	}
	defer srv.stop()

	b, err := newBench(f, opt)
	if err != nil {
		return err
	}

	start := time.Now()
	result := b.run()
	log.Info("%d workers did %d allocations in %s, %d failed",
		opt.workers, result.allocs, time.Since(start), result.failed)

	for _, p := range f.Places() {
		freed, err := f.Release(p)
		if err != nil {
			return errors.Wrapf(err, "failed to release %s", p)
		}
		stats, err := f.Stats(p)
		if err != nil {
			return errors.Wrapf(err, "failed to get stats for %s", p)
		}
		if err := printStats(stats, freed); err != nil {
			return err
		}
	}

	if opt.dump {
		f.DumpState("final ")
	}

	if opt.linger > 0 && srv.active() {
		log.Info("serving metrics for another %s", opt.linger)
		time.Sleep(opt.linger)
	}

	return nil
}

func loadConfig(path string) (*cfgapi.Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %s", path)
	}

	cfg, err := cfgapi.Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid configuration file %s", path)
	}

	if cfg.Log != nil {
		if err := logger.Configure(cfg.Log); err != nil {
			return nil, errors.Wrap(err, "failed to configure logging")
		}
	}

	return cfg, nil
}

func defaultConfig() *cfgapi.Config {
	return &cfgapi.Config{
		Devices: []cfgapi.Device{
			{Place: "cpu"},
			{Place: "pinned"},
			{Place: "gpu:0", Capacity: "256Mi"},
		},
	}
}

func printStats(stats devmem.Stats, freed int64) error {
	out, err := yaml.Marshal(map[string]interface{}{
		stats.Place: map[string]interface{}{
			"released": devmem.HumanReadableSize(freed),
			"stats":    stats,
		},
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal stats")
	}
	fmt.Print(string(out))
	return nil
}
