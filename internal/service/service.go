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

// Package service assembles the pieces into a running sidecar: proxy
// listener, dashboard API, event store, and the write path between
// them. It owns startup order, SIGHUP reloads, and the drain sequence
// on shutdown.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tombee/tokentap/internal/capture"
	"github.com/tombee/tokentap/internal/config"
	"github.com/tombee/tokentap/internal/dashboard"
	"github.com/tombee/tokentap/internal/extract"
	"github.com/tombee/tokentap/internal/log"
	"github.com/tombee/tokentap/internal/metrics"
	"github.com/tombee/tokentap/internal/provider"
	"github.com/tombee/tokentap/internal/proxy"
	"github.com/tombee/tokentap/internal/security"
	"github.com/tombee/tokentap/internal/sink"
	"github.com/tombee/tokentap/internal/store"
	"github.com/tombee/tokentap/internal/store/mongo"
	"github.com/tombee/tokentap/internal/store/sqlite"
)

// Info identifies the build for the status endpoint.
type Info struct {
	Version string
	Commit  string
}

// Service is one assembled tokentap instance.
type Service struct {
	cfg    *config.Config
	info   Info
	logger *slog.Logger

	gate      *security.Gate
	registry  *provider.Handle
	store     store.Store
	metrics   *metrics.Collector
	sink      *sink.Sink
	proxySrv  *proxy.Server
	dashboard *dashboard.Server

	proxyLn net.Listener
	dashLn  net.Listener

	shutdownOnce sync.Once
}

// New builds the full pipeline without opening any listener.
func New(ctx context.Context, cfg *config.Config, info Info, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	svcLogger := log.WithComponent(logger, "service")

	gate, err := security.Open(cfg.StateDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open security state: %w", err)
	}

	registry, err := provider.NewHandle(cfg.Providers.ConfigPath, cfg.Providers.OverridePath, logger)
	if err != nil {
		return nil, fmt.Errorf("load provider config: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	collector, err := metrics.New("tokentap", info.Version)
	if err != nil {
		st.Close(ctx)
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	ca, err := proxy.LoadOrCreateCA(cfg.StateDir)
	if err != nil {
		st.Close(ctx)
		return nil, fmt.Errorf("load ca: %w", err)
	}

	eventSink := sink.New(st, collector, logger, sink.Options{
		Capacity: cfg.Sink.Capacity,
		Workers:  cfg.Sink.Workers,
	})

	controller := capture.New(registry, extract.New(logger), gate, eventSink, collector, capture.Options{
		RewriteHost: cfg.Proxy.RewriteHost,
		Logger:      logger,
	})

	proxySrv := proxy.New(proxy.NewCertCache(ca), proxy.Options{
		Hook:            controller,
		Intercept:       controller.Intercept,
		Logger:          logger,
		DialTimeout:     cfg.Proxy.DialTimeout,
		MaxCaptureBytes: cfg.Proxy.MaxCaptureBytes,
	})

	dash := dashboard.New(st, gate, registry, collector, dashboard.Options{
		Version:   info.Version,
		Logger:    logger,
		RateLimit: cfg.Dashboard.RateLimit,
		Burst:     cfg.Dashboard.Burst,
	})

	return &Service{
		cfg:       cfg,
		info:      info,
		logger:    svcLogger,
		gate:      gate,
		registry:  registry,
		store:     st,
		metrics:   collector,
		sink:      eventSink,
		proxySrv:  proxySrv,
		dashboard: dash,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreMongo:
		st, err := mongo.Open(ctx, mongo.Options{
			URI:      cfg.Store.MongoURI,
			Database: cfg.Store.MongoDatabase,
		})
		if err != nil {
			return nil, fmt.Errorf("open mongo store: %w", err)
		}
		return st, nil
	default:
		st, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	}
}

// Start opens both listeners and serves until ctx is cancelled or a
// listener fails.
func (s *Service) Start(ctx context.Context) error {
	bindHost := s.gate.BindHost()

	proxyLn, err := net.Listen("tcp", net.JoinHostPort(bindHost, fmt.Sprint(s.cfg.Proxy.Port)))
	if err != nil {
		return fmt.Errorf("proxy listen: %w", err)
	}
	s.proxyLn = proxyLn

	dashLn, err := net.Listen("tcp", net.JoinHostPort(bindHost, fmt.Sprint(s.cfg.Dashboard.Port)))
	if err != nil {
		proxyLn.Close()
		return fmt.Errorf("dashboard listen: %w", err)
	}
	s.dashLn = dashLn

	s.logger.Info("tokentap started",
		slog.String("version", s.info.Version),
		slog.String("proxy", proxyLn.Addr().String()),
		slog.String("dashboard", dashLn.Addr().String()),
		slog.String("network_mode", string(s.gate.NetworkMode())),
		slog.String("store", s.cfg.Store.Backend))

	errCh := make(chan error, 2)
	go func() { errCh <- s.proxySrv.Serve(proxyLn) }()
	go func() { errCh <- s.dashboard.Serve(dashLn) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Reload re-reads the provider configuration. The running registry is
// kept on failure.
func (s *Service) Reload() {
	if err := s.registry.Reload(); err != nil {
		s.logger.Error("provider reload failed, keeping previous config", log.Error(err))
		return
	}
	reg := s.registry.Current()
	s.logger.Info("provider config reloaded",
		slog.String("version", reg.Version()),
		slog.Int("providers", len(reg.IDs())))
}

// Shutdown stops accepting flows, drains the sink, and closes the
// store. Safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutting down")

		if serr := s.proxySrv.Shutdown(ctx); serr != nil && err == nil {
			err = serr
		}
		if serr := s.dashboard.Shutdown(ctx); serr != nil && err == nil {
			err = serr
		}

		s.sink.Drain(s.cfg.Sink.DrainTimeout)

		if serr := s.store.Close(ctx); serr != nil && err == nil {
			err = serr
		}
		if serr := s.metrics.Shutdown(ctx); serr != nil && err == nil {
			err = serr
		}
		s.logger.Info("shutdown complete")
	})
	return err
}

// ProxyAddr returns the bound proxy address, once started.
func (s *Service) ProxyAddr() string {
	if s.proxyLn == nil {
		return ""
	}
	return s.proxyLn.Addr().String()
}

// DashboardAddr returns the bound dashboard address, once started.
func (s *Service) DashboardAddr() string {
	if s.dashLn == nil {
		return ""
	}
	return s.dashLn.Addr().String()
}

// Gate exposes the security gate for CLI control commands.
func (s *Service) Gate() *security.Gate { return s.gate }

// Run serves until SIGINT or SIGTERM, reloading provider config on
// SIGHUP. It also watches the override file for changes.
func Run(ctx context.Context, cfg *config.Config, info Info, logger *slog.Logger) error {
	svc, err := New(ctx, cfg, info, logger)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	go func() {
		if werr := svc.registry.Watch(runCtx); werr != nil {
			svc.logger.Debug("override watch unavailable", log.Error(werr))
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start(runCtx) }()

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				svc.Reload()
				continue
			}
			svc.logger.Info("signal received", slog.String("signal", sig.String()))
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutdownCancel()
			return svc.Shutdown(shutdownCtx)
		case err := <-errCh:
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutdownCancel()
			if serr := svc.Shutdown(shutdownCtx); err == nil {
				err = serr
			}
			return err
		}
	}
}
