/*
 * Backend.AI AppProxy
 * Copyright (C) 2026  Lablup Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package service assembles one AppProxy process from its runtime
// configuration: it opens the store, wires either the coordinator or
// a worker on top of it and supervises the pieces until a signal or a
// fatal error stops them.
package service

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lablup/appproxy"
	"github.com/lablup/appproxy/lib/apperr"
	"github.com/lablup/appproxy/lib/backend"
	"github.com/lablup/appproxy/lib/backend/etcdbk"
	"github.com/lablup/appproxy/lib/backend/memory"
	"github.com/lablup/appproxy/lib/backend/redisbk"
	"github.com/lablup/appproxy/lib/certwatcher"
	"github.com/lablup/appproxy/lib/coordinator"
	"github.com/lablup/appproxy/lib/defaults"
	"github.com/lablup/appproxy/lib/worker"
)

// Process is one running AppProxy service and its dependencies.
type Process struct {
	cfg Config
	bk  backend.Backend
	log *slog.Logger
}

// NewProcess validates cfg, configures logging and opens the store.
// The returned process is ready to Run.
func NewProcess(ctx context.Context, cfg Config) (*Process, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := InitLogger(cfg.Log); err != nil {
		return nil, trace.Wrap(err)
	}
	bk, err := newStore(ctx, cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Process{
		cfg: cfg,
		bk:  bk,
		log: slog.With(appproxy.ComponentKey, appproxy.ComponentProcess),
	}, nil
}

// Backend exposes the store, mainly to tests.
func (p *Process) Backend() backend.Backend {
	return p.bk
}

// Run serves the enabled service until ctx ends or SIGINT/SIGTERM
// arrives, then drains and closes the store.
func (p *Process) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() {
		if err := p.bk.Close(); err != nil {
			p.log.WarnContext(ctx, "Closing store failed", "error", err)
		}
	}()

	if p.cfg.Coordinator.Enabled {
		return trace.Wrap(p.runCoordinator(ctx))
	}
	return trace.Wrap(p.runWorker(ctx))
}

// runCoordinator serves the coordinator REST API and the idle circuit
// sweeper.
func (p *Process) runCoordinator(ctx context.Context) error {
	coord, err := coordinator.New(coordinator.Config{
		Backend:         p.bk,
		ManagerToken:    p.cfg.Coordinator.ManagerToken,
		WorkerToken:     p.cfg.Coordinator.WorkerToken,
		TokenSigningKey: []byte(p.cfg.Coordinator.TokenSigningKey),
		Clock:           p.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	listener, err := net.Listen("tcp", p.cfg.Coordinator.ListenAddr)
	if err != nil {
		return trace.ConnectionProblem(err, "binding coordinator api on %v", p.cfg.Coordinator.ListenAddr)
	}
	server := &http.Server{
		Handler:           coordinator.NewAPIServer(coord),
		ReadHeaderTimeout: defaults.ReadHeadersTimeout,
	}
	p.log.InfoContext(ctx, "Coordinator API listening",
		"addr", listener.Addr().String(), "store", p.cfg.Store.Type)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	g.Go(func() error {
		coord.RunSweeper(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
		defer cancel()
		return trace.Wrap(server.Shutdown(shutdownCtx))
	})
	return trace.Wrap(g.Wait())
}

// runWorker serves one worker, with TLS keypairs hot-reloaded from
// disk when enabled.
func (p *Process) runWorker(ctx context.Context) error {
	wc := p.cfg.Worker

	g, gctx := errgroup.WithContext(ctx)
	var getCertificate func(*tls.ClientHelloInfo) (*tls.Certificate, error)
	if wc.UseTLS {
		watcher, err := certwatcher.New(certwatcher.Config{
			KeyPairs: wc.KeyPairs,
			Clock:    p.cfg.Clock,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		getCertificate = watcher.GetCertificate
		g.Go(func() error { return watcher.Run(gctx) })
	}

	w, err := worker.New(worker.Config{
		Authority:           wc.Authority,
		FrontendMode:        wc.FrontendMode,
		Protocol:            wc.Protocol,
		Hostname:            wc.Hostname,
		BindAddr:            wc.BindAddr,
		APIPort:             wc.APIPort,
		PortRange:           wc.PortRange,
		WildcardDomain:      wc.WildcardDomain,
		WildcardTrafficPort: wc.WildcardTrafficPort,
		UseTLS:              wc.UseTLS,
		GetCertificate:      getCertificate,
		AcceptedTraffics:    wc.AcceptedTraffics,
		AppFilters:          wc.AppFilters,
		FilteredAppsOnly:    wc.FilteredAppsOnly,
		TrustForwarded:      wc.TrustForwarded,
		Coordinator:         wc.Coordinator,
		APISecret:           wc.APISecret,
		TokenSigningKey:     []byte(wc.TokenSigningKey),
		Backend:             p.bk,
		Clock:               p.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.log.InfoContext(ctx, "Worker starting",
		"authority", wc.Authority, "frontend", wc.FrontendMode, "store", p.cfg.Store.Type)
	g.Go(func() error { return w.Run(gctx) })
	return trace.Wrap(g.Wait())
}

// newStore opens the configured backend.
func newStore(ctx context.Context, cfg Config) (backend.Backend, error) {
	switch cfg.Store.Type {
	case StoreMemory:
		return memory.New(memory.Config{Clock: cfg.Clock})
	case StoreEtcd:
		return etcdbk.New(ctx, etcdbk.Config{
			Endpoints:   cfg.Store.Endpoints,
			Prefix:      cfg.Store.Prefix,
			Username:    cfg.Store.Username,
			Password:    cfg.Store.Password,
			TLSCertFile: cfg.Store.TLSCertFile,
			TLSKeyFile:  cfg.Store.TLSKeyFile,
			TLSCAFile:   cfg.Store.TLSCAFile,
			Clock:       cfg.Clock,
		})
	case StoreRedis:
		return redisbk.New(ctx, redisbk.Config{
			Addr:     cfg.Store.Endpoints[0],
			Username: cfg.Store.Username,
			Password: cfg.Store.Password,
			DB:       cfg.Store.Database,
			Prefix:   cfg.Store.Prefix,
			Clock:    cfg.Clock,
		})
	}
	return nil, apperr.InvalidConfig("unknown store type %q", cfg.Store.Type)
}

// InitLogger points the process-wide slog default at the configured
// sink, level and format.
func InitLogger(cfg LogConfig) error {
	out, err := logOutput(cfg.Output)
	if err != nil {
		return trace.Wrap(err)
	}
	var level slog.Level
	switch strings.ToLower(cfg.Severity) {
	case "", "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "err", "error":
		level = slog.LevelError
	default:
		return apperr.InvalidConfig("unsupported log severity %q", cfg.Severity)
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(out, opts)
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		return apperr.InvalidConfig("unsupported log format %q", cfg.Format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func logOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, apperr.InvalidConfig("opening log file %q: %v", output, err)
	}
	return f, nil
}

// ExitCode maps a service error onto the process exit code:
// configuration problems exit 64, runtime failures 70.
func ExitCode(err error) int {
	if err == nil {
		return defaults.ExitCodeOK
	}
	if apperr.CodeOf(err) == apperr.CodeInvalidConfig || trace.IsBadParameter(err) {
		return defaults.ExitCodeConfig
	}
	return defaults.ExitCodeRuntime
}
