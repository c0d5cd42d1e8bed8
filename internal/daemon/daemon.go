// Copyright 2025 Tom Barlow
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

// Package daemon wires config, the Platform Property Manager, the
// Scheduler Facade, the worker-session WebSocket server, the gRPC health
// shells, and the HTTP API into one process lifecycle, the same
// responsibility the teacher's internal/daemon/daemon.go carries for
// conductord.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/buildforge/scheduler/internal/config"
	"github.com/buildforge/scheduler/internal/grpcapi"
	"github.com/buildforge/scheduler/internal/httpapi"
	internallog "github.com/buildforge/scheduler/internal/log"
	"github.com/buildforge/scheduler/internal/platform"
	"github.com/buildforge/scheduler/internal/scheduler"
	"github.com/buildforge/scheduler/internal/wsapi"
)

// Options carries build-time metadata, analogous to the teacher's
// daemon.Options.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// defaultWorkerTimeout is how long a worker may go without a keepalive
// before RemoveTimedoutWorkers reclaims it.
const defaultWorkerTimeout = 90 * time.Second

// sweepInterval drives worker-timeout reclamation, whose
// RemoveTimedoutWorkers call also runs the Matching Engine's periodic
// safety-net pass (§4.5 "periodic sweep (safety net)").
const sweepInterval = 15 * time.Second

// recentCleanInterval drives CleanRecentlyCompletedActions (§4.7).
const recentCleanInterval = time.Minute

// workerTokenTTL bounds how long a worker-token issuance survives
// before a worker must request a fresh one to open a new session.
const workerTokenTTL = time.Hour

// Daemon is the scheduler process: one Facade fronted by a worker
// session server, optional gRPC health shells, and an HTTP API.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	facade     *scheduler.Facade
	wsServer   *wsapi.Server
	grpcServers []*grpcapi.Server
	httpServer *http.Server

	stopSweep chan struct{}

	mu      sync.Mutex
	started bool
}

// New builds a Daemon from cfg. It does not bind any listeners; call
// Start for that.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "daemon")

	schemas := make(map[string]*platform.Schema, len(cfg.Schedulers))
	for name, sc := range cfg.Schedulers {
		keys := make(map[string]platform.MatchType, len(sc.PlatformProperties))
		for k, matchKind := range sc.PlatformProperties {
			mt, err := parseMatchType(matchKind)
			if err != nil {
				return nil, fmt.Errorf("daemon: scheduler %q: %w", name, err)
			}
			keys[k] = mt
		}
		schemas[name] = platform.NewSchema(keys)
	}
	ppm := platform.NewManager(schemas)

	facade := scheduler.NewFacade(ppm, scheduler.Config{
		WorkerTimeout:   defaultWorkerTimeout,
		RecentBound:     10_000,
		RecentTTL:       10 * time.Minute,
		SubmitRateLimit: 500,
		SubmitRateBurst: 1000,
	})

	var wsServer *wsapi.Server
	var grpcServers []*grpcapi.Server
	var httpServer *http.Server

	var issuer *wsapi.TokenIssuer
	if cfg.Global.WorkerTokenSecret != "" {
		issuer = wsapi.NewTokenIssuer([]byte(cfg.Global.WorkerTokenSecret), workerTokenTTL)
	}

	for _, srv := range cfg.Servers {
		if srv.Services.WorkerAPI {
			wsServer = wsapi.NewServer(wsapi.Config{
				Addr:            srv.ListenAddress,
				TokenSecret:     []byte(cfg.Global.WorkerTokenSecret),
				Logger:          internallog.WithComponent(logger, "wsapi"),
			}, scheduler.WorkerSchedulerView{Facade: facade})
			continue
		}

		if srv.Services.AnyGRPCService() {
			gs, err := grpcapi.New(srv, internallog.WithComponent(logger, "grpcapi"))
			if err != nil {
				return nil, err
			}
			if gs != nil {
				grpcServers = append(grpcServers, gs)
			}
			continue
		}

		if srv.Services.Prometheus {
			router := httpapi.NewRouter(httpapi.RouterConfig{
				Version:        opts.Version,
				MetricsEnabled: !cfg.Global.DisableMetrics,
			}, scheduler.ActionSchedulerView{Facade: facade}, issuer, internallog.WithComponent(logger, "httpapi"))
			httpServer = &http.Server{Addr: srv.ListenAddress, Handler: router}
		}
	}

	return &Daemon{
		cfg:         cfg,
		opts:        opts,
		logger:      logger,
		facade:      facade,
		wsServer:    wsServer,
		grpcServers: grpcServers,
		httpServer:  httpServer,
		stopSweep:   make(chan struct{}),
	}, nil
}

func parseMatchType(s string) (platform.MatchType, error) {
	switch s {
	case "exact", "":
		return platform.Exact, nil
	case "minimum":
		return platform.Minimum, nil
	case "priority":
		return platform.Priority, nil
	default:
		return 0, fmt.Errorf("unknown platform match type %q", s)
	}
}

// Start binds every configured listener and begins the periodic
// maintenance sweep. It blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()

	if d.wsServer != nil {
		if err := d.wsServer.Start(); err != nil {
			return fmt.Errorf("daemon: start worker session server: %w", err)
		}
	}
	for _, gs := range d.grpcServers {
		if err := gs.Start(); err != nil {
			return fmt.Errorf("daemon: start grpc server %s: %w", gs.Name(), err)
		}
	}
	if d.httpServer != nil {
		go func() {
			d.logger.Info("http api server starting", "addr", d.httpServer.Addr)
			if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.logger.Error("http api server error", "error", err)
			}
		}()
	}

	go d.sweepLoop()

	<-ctx.Done()
	return nil
}

// sweepLoop performs the periodic safety-net trigger and Recently
// Completed Cache maintenance (§4.5, §4.7).
func (d *Daemon) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	cleanTicker := time.NewTicker(recentCleanInterval)
	defer cleanTicker.Stop()

	for {
		select {
		case <-d.stopSweep:
			return
		case <-ticker.C:
			d.facade.RemoveTimedoutWorkers(time.Now())
		case <-cleanTicker.C:
			d.facade.CleanRecentlyCompletedActions()
		}
	}
}

// Shutdown drains and stops every component, in the order the teacher's
// daemon.Shutdown uses: stop accepting new work first, then tear down
// servers, longest-lived first.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	close(d.stopSweep)

	if d.wsServer != nil {
		if err := d.wsServer.Shutdown(ctx); err != nil {
			d.logger.Error("worker session server shutdown error", "error", err)
		}
	}
	for _, gs := range d.grpcServers {
		if err := gs.Shutdown(ctx); err != nil {
			d.logger.Error("grpc server shutdown error", "server", gs.Name(), "error", err)
		}
	}
	if d.httpServer != nil {
		if err := d.httpServer.Shutdown(ctx); err != nil {
			d.logger.Error("http api server shutdown error", "error", err)
		}
	}

	d.started = false
	return nil
}
