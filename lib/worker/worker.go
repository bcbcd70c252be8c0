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

// Package worker implements the AppProxy data plane: one process that
// registers with the coordinator, installs circuit handlers pushed
// over the provisioning API and the event bus, and terminates user
// traffic on a port or wildcard frontend.
//
// Circuit state is eventually consistent. The provisioning RPC is the
// fast path; the event stream and the periodic reconcile against the
// coordinator's REST API guarantee convergence when RPCs or events
// are lost.
package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/lablup/appproxy"
	"github.com/lablup/appproxy/lib/apperr"
	"github.com/lablup/appproxy/lib/backend"
	"github.com/lablup/appproxy/lib/coordinator"
	"github.com/lablup/appproxy/lib/defaults"
	"github.com/lablup/appproxy/lib/events"
	"github.com/lablup/appproxy/lib/types"
	"github.com/lablup/appproxy/lib/utils"
)

// Config holds the worker identity, frontend shape and dependencies.
type Config struct {
	// Authority is the unique logical name of this worker. Multiple
	// processes sharing an authority form an HA set and must agree on
	// every capability field.
	Authority string
	// FrontendMode selects the port or the wildcard frontend.
	FrontendMode types.FrontendMode
	// Protocol is the single application protocol this worker carries.
	Protocol types.Protocol
	// Hostname is the address advertised to clients and to the
	// coordinator for provisioning RPCs.
	Hostname string
	// BindAddr is the local address listeners bind on. Empty binds all
	// interfaces.
	BindAddr string
	// APIPort is the provisioning API port.
	APIPort int
	// PortRange is the pool of ingress ports, port mode only.
	PortRange []int
	// WildcardDomain is the domain suffix of circuit subdomains,
	// wildcard mode only.
	WildcardDomain string
	// WildcardTrafficPort is the port of the shared wildcard listener.
	WildcardTrafficPort int
	// UseTLS terminates TLS on HTTP traffic listeners. Raw tcp
	// circuits always pass bytes through untouched.
	UseTLS bool
	// GetCertificate serves the TLS keypair, typically backed by a
	// certificate watcher. Required when UseTLS is set.
	GetCertificate func(*tls.ClientHelloInfo) (*tls.Certificate, error)
	// AcceptedTraffics lists the traffic classes this worker takes.
	// Defaults to interactive only.
	AcceptedTraffics []types.AppMode
	// AppFilters raises scheduling priority for matching apps, and
	// restricts this worker to them when FilteredAppsOnly is set.
	AppFilters       []types.AppFilter
	FilteredAppsOnly bool
	// TrustForwarded believes X-Forwarded-For headers from a load
	// balancer in front of this worker.
	TrustForwarded bool
	// Coordinator is the base URL of the coordinator REST API.
	Coordinator string
	// APISecret is the shared worker token, presented to the
	// coordinator and required from it.
	APISecret string
	// TokenSigningKey verifies endpoint api tokens. Defaults to
	// APISecret, mirroring the coordinator's default.
	TokenSigningKey []byte
	// Backend is the shared store.
	Backend backend.Backend
	// Clock overrides the backend clock, for tests.
	Clock clockwork.Clock
}

// workerRecord is the registration record advertised to the
// coordinator.
func (c *Config) workerRecord() types.Worker {
	return types.Worker{
		Authority:           c.Authority,
		FrontendMode:        c.FrontendMode,
		Protocol:            c.Protocol,
		Hostname:            c.Hostname,
		UseTLS:              c.UseTLS,
		APIPort:             c.APIPort,
		PortRange:           c.PortRange,
		WildcardDomain:      c.WildcardDomain,
		WildcardTrafficPort: c.WildcardTrafficPort,
		FilteredAppsOnly:    c.FilteredAppsOnly,
		AcceptedTraffics:    c.AcceptedTraffics,
		AppFilters:          c.AppFilters,
	}
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.APIPort == 0 {
		c.APIPort = defaults.WorkerAPIPort
	}
	if c.FrontendMode == types.FrontendModeWildcard && c.WildcardTrafficPort == 0 {
		c.WildcardTrafficPort = defaults.WildcardFrontendPort
	}
	record := c.workerRecord()
	if err := record.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	c.AcceptedTraffics = record.AcceptedTraffics
	if c.FrontendMode == types.FrontendModeWildcard && c.Protocol == types.ProtocolTCP {
		return apperr.InvalidConfig("the wildcard frontend cannot carry tcp circuits")
	}
	if c.Coordinator == "" {
		return apperr.InvalidConfig("missing coordinator url")
	}
	if c.APISecret == "" {
		return apperr.InvalidConfig("missing worker api secret")
	}
	if c.UseTLS && c.GetCertificate == nil {
		return apperr.InvalidConfig("tls is enabled but no certificate is configured")
	}
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if len(c.TokenSigningKey) == 0 {
		c.TokenSigningKey = []byte(c.APISecret)
	}
	if c.Clock == nil {
		c.Clock = c.Backend.Clock()
	}
	return nil
}

// Worker is the data plane service.
type Worker struct {
	cfg        Config
	registry   *coordinator.Registry
	bus        *events.Bus
	coord      *CoordClient
	frontend   frontend
	router     *Router
	transports *transportCache
	admission  *admission
	clock      clockwork.Clock
	log        *slog.Logger

	// nodeID identifies this process within the authority's HA set.
	nodeID string

	mu sync.RWMutex
	id string
}

// New returns a worker over the given store and coordinator.
func New(cfg Config) (*Worker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(workerCollectors...); err != nil {
		return nil, trace.Wrap(err)
	}
	transports, err := newTransportCache(defaults.TransportCacheSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	coord, err := NewCoordClient(cfg.Coordinator, cfg.APISecret)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	registry := coordinator.NewRegistry(cfg.Backend)
	w := &Worker{
		cfg:        cfg,
		registry:   registry,
		bus:        events.NewBus(cfg.Backend),
		coord:      coord,
		router:     NewRouter(),
		transports: transports,
		admission: &admission{
			trustForwarded: cfg.TrustForwarded,
			tokens:         newTokenVerifier(cfg.TokenSigningKey, registry),
		},
		clock:  cfg.Clock,
		nodeID: uuid.NewString(),
		log:    slog.With(appproxy.ComponentKey, appproxy.ComponentWorker, "worker", cfg.Authority),
	}
	switch cfg.FrontendMode {
	case types.FrontendModeWildcard:
		w.frontend = newWildcardFrontend(w)
	default:
		w.frontend = newPortFrontend(w)
	}
	return w, nil
}

// ID returns the coordinator-assigned worker id, empty before the
// first successful registration.
func (w *Worker) ID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.id
}

// NodeID identifies this process within the authority's HA set.
func (w *Worker) NodeID() string {
	return w.nodeID
}

// Run registers with the coordinator and serves until ctx ends: the
// provisioning API, the frontend, the event loop and the heartbeat
// and statistics flushers.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return trace.Wrap(err)
	}
	// Heartbeat before serving so provisioning RPCs find this node.
	if err := w.heartbeat(ctx); err != nil {
		w.log.WarnContext(ctx, "Initial node heartbeat failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.serveAPI(gctx) })
	g.Go(func() error { return w.frontend.run(gctx) })
	g.Go(func() error { return w.consumeEvents(gctx) })
	g.Go(func() error { w.heartbeatLoop(gctx); return nil })
	g.Go(func() error { w.flushStatsLoop(gctx); return nil })
	err := g.Wait()

	// Drop the node record so the fleet view converges faster than
	// the heartbeat TTL.
	removeCtx, cancel := context.WithTimeout(context.Background(), defaults.DialTimeout)
	defer cancel()
	if rerr := w.registry.RemoveNode(removeCtx, w.cfg.Authority, w.nodeID); rerr != nil {
		w.log.WarnContext(removeCtx, "Failed to remove node record", "error", rerr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return trace.Wrap(err)
	}
	return nil
}

// register announces this authority to the coordinator, retrying
// until the coordinator is reachable. Capability conflicts within the
// HA set are permanent and fail fast.
func (w *Worker) register(ctx context.Context) error {
	retry, err := utils.NewLinear(utils.LinearConfig{
		Step:   2 * time.Second,
		Max:    30 * time.Second,
		Jitter: utils.NewHalfJitter(),
		Clock:  w.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	record := w.cfg.workerRecord()
	var registered *types.Worker
	err = retry.For(ctx, func() error {
		reg, err := w.coord.RegisterWorker(ctx, record)
		if err != nil {
			if apperr.CodeOf(err) == apperr.CodeWorkerRegistrationFailed {
				return utils.PermanentRetryError(err)
			}
			return trace.Wrap(err)
		}
		registered = reg
		return nil
	})
	if err != nil {
		return trace.Wrap(err)
	}
	w.mu.Lock()
	w.id = registered.ID
	w.mu.Unlock()
	w.log.InfoContext(ctx, "Registered with coordinator",
		"id", registered.ID, "mode", record.FrontendMode, "protocol", record.Protocol)
	return nil
}

// InstallCircuit installs or refreshes the handler of a circuit.
// Idempotent, so the RPC fast path, the event stream and reconcile
// can all deliver the same circuit.
func (w *Worker) InstallCircuit(ctx context.Context, circuit types.Circuit) error {
	if err := circuit.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if circuit.Worker != w.cfg.Authority {
		return trace.BadParameter("circuit %v belongs to worker %q, not %q",
			circuit.ID, circuit.Worker, w.cfg.Authority)
	}
	if err := w.frontend.install(ctx, circuit); err != nil {
		return trace.Wrap(err)
	}
	// Acknowledge in the store so a coordinator whose install RPC
	// failed sees the event path converge within its delivery window.
	if err := w.registry.AckCircuit(ctx, circuit.ID, w.nodeID); err != nil {
		w.log.WarnContext(ctx, "Failed to acknowledge circuit install", "circuit", circuit.ID, "error", err)
	}
	installedCircuits.Set(float64(len(w.frontend.handlers())))
	return nil
}

// UninstallCircuit tears the handler of a circuit down.
func (w *Worker) UninstallCircuit(ctx context.Context, circuitID string) error {
	if err := w.frontend.uninstall(ctx, circuitID); err != nil {
		return trace.Wrap(err)
	}
	installedCircuits.Set(float64(len(w.frontend.handlers())))
	w.log.InfoContext(ctx, "Uninstalled circuit", "circuit", circuitID)
	return nil
}

// serveAPI runs the provisioning API until ctx ends.
func (w *Worker) serveAPI(ctx context.Context) error {
	addr := net.JoinHostPort(w.cfg.BindAddr, strconv.Itoa(w.cfg.APIPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return trace.Wrap(err, "binding worker api on %v", addr)
	}
	server := &http.Server{
		Handler:           NewAPIServer(w),
		ReadHeaderTimeout: defaults.ReadHeadersTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
		}
	}()
	w.log.InfoContext(ctx, "Worker api listening", "addr", addr)
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return trace.Wrap(err)
	}
	return nil
}

// consumeEvents follows the bus, reconciling over the REST API after
// every (re)subscription to cover delivery gaps. The first pass doubles
// as the bootstrap install of all assigned circuits.
func (w *Worker) consumeEvents(ctx context.Context) error {
	retry, err := utils.NewLinear(utils.LinearConfig{
		Step:   time.Second,
		Max:    10 * time.Second,
		Jitter: utils.NewHalfJitter(),
		Clock:  w.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		stream, err := w.bus.Subscribe(ctx)
		if err != nil {
			w.log.WarnContext(ctx, "Event subscription failed", "error", err)
		} else {
			if err := w.reconcile(ctx); err != nil {
				w.log.WarnContext(ctx, "Circuit reconcile failed", "error", err)
			}
			retry.Reset()
			w.pumpEvents(ctx, stream)
			stream.Close()
			if ctx.Err() != nil {
				return nil
			}
			w.log.WarnContext(ctx, "Event stream ended, resubscribing")
		}
		select {
		case <-retry.After():
			retry.Inc()
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Worker) pumpEvents(ctx context.Context, stream *events.Stream) {
	for {
		select {
		case event, ok := <-stream.Events():
			if !ok {
				return
			}
			w.applyEvent(ctx, event)
		case <-stream.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// applyEvent converges local handlers onto one bus envelope. Events of
// other authorities are skipped.
func (w *Worker) applyEvent(ctx context.Context, event events.Event) {
	if event.Worker != w.cfg.Authority {
		return
	}
	switch event.Kind {
	case events.KindCircuitCreated, events.KindCircuitUpdated:
		if event.Circuit == nil {
			w.log.WarnContext(ctx, "Circuit event without a payload", "kind", event.Kind, "circuit", event.CircuitID)
			return
		}
		if err := w.InstallCircuit(ctx, *event.Circuit); err != nil {
			w.log.WarnContext(ctx, "Failed to install circuit from event",
				"kind", event.Kind, "circuit", event.CircuitID, "error", err)
		}
	case events.KindCircuitRemoved:
		if err := w.UninstallCircuit(ctx, event.CircuitID); err != nil && !trace.IsNotFound(err) {
			w.log.WarnContext(ctx, "Failed to uninstall circuit from event",
				"circuit", event.CircuitID, "error", err)
		}
	case events.KindWorkerRemoved:
		// Circuit teardown arrives as individual removal events; the
		// registration itself is re-established on the next restart.
		w.log.WarnContext(ctx, "This worker was removed from the coordinator")
	}
}

// reconcile converges the installed handler set onto the coordinator's
// record of this authority.
func (w *Worker) reconcile(ctx context.Context) error {
	circuits, err := w.coord.WorkerCircuits(ctx, w.cfg.Authority)
	if err != nil {
		return trace.Wrap(err)
	}
	assigned := make(map[string]struct{}, len(circuits))
	for i := range circuits {
		assigned[circuits[i].ID] = struct{}{}
		if err := w.InstallCircuit(ctx, circuits[i]); err != nil {
			w.log.WarnContext(ctx, "Failed to install circuit", "circuit", circuits[i].ID, "error", err)
		}
	}
	for _, h := range w.frontend.handlers() {
		if _, ok := assigned[h.id]; ok {
			continue
		}
		if err := w.UninstallCircuit(ctx, h.id); err != nil && !trace.IsNotFound(err) {
			w.log.WarnContext(ctx, "Failed to uninstall stale circuit", "circuit", h.id, "error", err)
		}
	}
	w.log.InfoContext(ctx, "Reconciled circuits", "assigned", len(circuits))
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := w.clock.NewTicker(defaults.NodeHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			if err := w.heartbeat(ctx); err != nil {
				w.log.WarnContext(ctx, "Node heartbeat failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// heartbeat refreshes this process's TTL'd liveness record.
func (w *Worker) heartbeat(ctx context.Context) error {
	return trace.Wrap(w.registry.HeartbeatNode(ctx, types.WorkerNode{
		ID:        w.nodeID,
		Authority: w.cfg.Authority,
		Hostname:  w.cfg.Hostname,
		APIPort:   w.cfg.APIPort,
	}))
}

func (w *Worker) flushStatsLoop(ctx context.Context) {
	ticker := w.clock.NewTicker(defaults.StatFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			w.flushStats(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// flushStats writes the counters of handlers that served traffic since
// the last flush.
func (w *Worker) flushStats(ctx context.Context) {
	for _, h := range w.frontend.handlers() {
		if h.State() == stateClosed {
			continue
		}
		if !h.dirty.CompareAndSwap(true, false) {
			continue
		}
		if err := w.registry.PutCircuitStats(ctx, h.stats()); err != nil {
			h.dirty.Store(true)
			w.log.WarnContext(ctx, "Failed to flush circuit stats", "circuit", h.id, "error", err)
		}
	}
}

// tlsConfig terminates TLS on traffic listeners. ALPN offers h2 so
// grpc and h2 circuits negotiate HTTP/2.
func (w *Worker) tlsConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: w.cfg.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}
}
