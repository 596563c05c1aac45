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
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/containers/devmem/pkg/apis/config/v1alpha1/devmem"
	"github.com/containers/devmem/pkg/devmem"
	"github.com/containers/devmem/pkg/healthz"
	"github.com/containers/devmem/pkg/metrics"
	"github.com/containers/devmem/pkg/metrics/collectors"
)

type metricsServer struct {
	g   *metrics.Gatherer
	srv *http.Server
}

// startMetrics serves gathered metrics and health checks over HTTP if an
// address is given, either on the command line or in the configuration.
func startMetrics(f *devmem.Facade, cfg *cfgapi.Config, addr string) (*metricsServer, error) {
	var (
		enabled = []string{devmem.MetricsGroup}
		polled  []string
		period  time.Duration
	)

	if m := cfg.Metrics; m != nil {
		if addr == "" {
			addr = m.HTTPEndpoint
		}
		if len(m.Enabled) > 0 {
			enabled = m.Enabled
		}
		polled = m.Polled
		period = m.ReportPeriod.Duration
	}

	if addr == "" {
		return &metricsServer{}, nil
	}

	if err := collectors.Register(metrics.Default()); err != nil {
		return nil, err
	}
	if err := f.RegisterMetrics(nil); err != nil {
		return nil, err
	}
	if err := f.RegisterHealthCheck(nil); err != nil {
		return nil, err
	}

	opts := []metrics.GathererOption{metrics.WithMetrics(enabled, polled)}
	if period > 0 {
		opts = append(opts, metrics.WithPollInterval(period))
	}

	g, err := metrics.NewGatherer(opts...)
	if err != nil {
		return nil, err
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		g.Stop()
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorLog:      log,
		ErrorHandling: promhttp.ContinueOnError,
	}))
	healthz.Default().Setup(mux)

	s := &metricsServer{
		g: g,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	go func() {
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed: %v", err)
		}
	}()

	log.Info("serving metrics on http://%s/metrics", lis.Addr())

	return s, nil
}

func (s *metricsServer) active() bool {
	return s.srv != nil
}

func (s *metricsServer) stop() {
	if s.srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		log.Error("failed to stop metrics server: %v", err)
	}
	s.g.Stop()
}
