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

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"

	"github.com/lablup/appproxy"
	"github.com/lablup/appproxy/lib/apperr"
	"github.com/lablup/appproxy/lib/defaults"
	"github.com/lablup/appproxy/lib/httplib"
	"github.com/lablup/appproxy/lib/secret"
	"github.com/lablup/appproxy/lib/types"
	"github.com/lablup/appproxy/lib/utils"
)

// frontend is the traffic-terminating half of a worker. The port
// frontend binds one listener per installed circuit; the wildcard
// frontend shares a single listener and dispatches on the Host header.
type frontend interface {
	// run serves until ctx ends, then drains.
	run(ctx context.Context) error
	// install creates or refreshes the handler of a circuit.
	// Idempotent: installing the same record twice is a no-op.
	install(ctx context.Context, circuit types.Circuit) error
	// uninstall tears the handler of a circuit down.
	uninstall(ctx context.Context, circuitID string) error
	// lookup returns the live handler of a circuit.
	lookup(circuitID string) (*circuitHandler, bool)
	// handlers snapshots all live handlers.
	handlers() []*circuitHandler
}

// handlerState tracks a circuit handler through its lifecycle:
// NEW (installed, not yet serving), READY (accepting traffic),
// ACTIVE (traffic in flight) and CLOSED (terminal).
type handlerState int32

const (
	stateNew handlerState = iota
	stateReady
	stateActive
	stateClosed
)

func (s handlerState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateReady:
		return "ready"
	case stateActive:
		return "active"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// circuitSnapshot is the immutable view of a circuit a request is
// admitted against. Route updates swap the whole snapshot, so one
// request never mixes policy and routes of different generations.
type circuitSnapshot struct {
	circuit types.Circuit
	// matcher holds the compiled client CIDR policy, nil when the
	// circuit is unrestricted.
	matcher *utils.CIDRMatcher
}

func newCircuitSnapshot(circuit types.Circuit) (*circuitSnapshot, error) {
	snap := &circuitSnapshot{circuit: circuit}
	if len(circuit.AllowedClientIPs) > 0 {
		matcher, err := utils.NewCIDRMatcher(circuit.AllowedClientIPs)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		snap.matcher = matcher
	}
	return snap, nil
}

// circuitHandler serves the traffic of one installed circuit: permit
// exchange, admission, route selection and the proxy handoff itself.
type circuitHandler struct {
	w   *Worker
	id  string
	log *slog.Logger

	mu   sync.RWMutex
	snap *circuitSnapshot

	state  atomic.Int32
	readyC chan struct{}

	// ctx spans the handler lifetime; close cancels it, which tears
	// down in-flight TCP proxy loops.
	ctx    context.Context
	cancel context.CancelFunc

	inflight atomic.Int64

	// Flushed to the store by the agent's stats loop.
	requests atomic.Int64
	lastSeen atomic.Int64
	dirty    atomic.Bool

	transport http.RoundTripper
	proxy     *httputil.ReverseProxy

	// Port frontend only.
	listener net.Listener
	server   *http.Server
}

func newCircuitHandler(w *Worker, circuit types.Circuit) (*circuitHandler, error) {
	snap, err := newCircuitSnapshot(circuit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &circuitHandler{
		w:      w,
		id:     circuit.ID,
		log:    slog.With(appproxy.ComponentKey, appproxy.ComponentFrontend, "circuit", circuit.ID),
		snap:   snap,
		readyC: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	if circuit.Protocol.IsHTTP() {
		h.transport = w.transports.get(circuit.ID, circuit.Protocol)
		h.proxy = newReverseProxy(h)
	}
	return h, nil
}

// refresh swaps the policy and route snapshot of a live handler.
func (h *circuitHandler) refresh(circuit types.Circuit) error {
	snap, err := newCircuitSnapshot(circuit)
	if err != nil {
		return trace.Wrap(err)
	}
	h.mu.Lock()
	h.snap = snap
	h.mu.Unlock()
	h.log.InfoContext(h.ctx, "Refreshed circuit handler", "routes", len(circuit.RouteInfo))
	return nil
}

func (h *circuitHandler) snapshot() *circuitSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snap
}

// Circuit returns a copy of the current circuit record.
func (h *circuitHandler) Circuit() types.Circuit {
	return h.snapshot().circuit
}

// State returns the lifecycle state of the handler.
func (h *circuitHandler) State() handlerState {
	return handlerState(h.state.Load())
}

// markReady publishes the NEW to READY transition, unblocking traffic
// parked in waitReady.
func (h *circuitHandler) markReady() {
	if h.state.CompareAndSwap(int32(stateNew), int32(stateReady)) {
		close(h.readyC)
	}
}

func (h *circuitHandler) enterActive() {
	h.inflight.Add(1)
	h.state.CompareAndSwap(int32(stateReady), int32(stateActive))
}

func (h *circuitHandler) exitActive() {
	if h.inflight.Add(-1) == 0 {
		h.state.CompareAndSwap(int32(stateActive), int32(stateReady))
	}
}

// waitReady parks a request until the handler serves, the handler
// closes, or the setup window runs out.
func (h *circuitHandler) waitReady(ctx context.Context) error {
	for {
		switch h.State() {
		case stateReady, stateActive:
			return nil
		case stateClosed:
			return apperr.NotFound("circuit %v is gone", h.id)
		}
		select {
		case <-h.readyC:
			// Re-check: the wakeup races with close.
		case <-h.ctx.Done():
			return apperr.NotFound("circuit %v is gone", h.id)
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case <-h.w.clock.After(defaults.FrontendSetupTimeout):
			return apperr.WithCode(apperr.CodeFrontendSetupTimeout,
				trace.LimitExceeded("circuit %v is assigned to this worker but its handler is not ready", h.id))
		}
	}
}

// close shuts the handler down, draining HTTP traffic within the
// shutdown window and cutting raw TCP loops immediately. Safe to call
// more than once.
func (h *circuitHandler) close(ctx context.Context) {
	if handlerState(h.state.Swap(int32(stateClosed))) == stateClosed {
		return
	}
	h.cancel()
	h.mu.Lock()
	server, listener := h.server, h.listener
	h.mu.Unlock()
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, defaults.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			h.log.WarnContext(ctx, "Handler drain was cut short", "error", err)
			server.Close()
		}
	} else if listener != nil {
		listener.Close()
	}
	h.w.transports.remove(h.id)
	h.log.InfoContext(ctx, "Closed circuit handler")
}

// touch records one handoff for the statistics flusher.
func (h *circuitHandler) touch() {
	h.requests.Add(1)
	h.lastSeen.Store(h.w.clock.Now().UTC().UnixNano())
	h.dirty.Store(true)
}

// stats snapshots the counters flushed to the store.
func (h *circuitHandler) stats() types.CircuitStats {
	return types.CircuitStats{
		CircuitID:  h.id,
		Requests:   h.requests.Load(),
		LastAccess: time.Unix(0, h.lastSeen.Load()).UTC(),
	}
}

// ServeHTTP admits and proxies one request on an HTTP circuit.
func (h *circuitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if err := h.waitReady(r.Context()); err != nil {
		countRejected(err)
		httplib.ReplyError(rw, err)
		return
	}
	snap := h.snapshot()
	if h.exchangePermit(rw, r, snap) {
		return
	}
	if err := h.w.admission.authorize(r.Context(), r, snap); err != nil {
		h.log.DebugContext(r.Context(), "Rejected request", "remote", r.RemoteAddr, "error", err)
		countRejected(err)
		httplib.ReplyError(rw, err)
		return
	}
	route, err := h.w.router.Pick(snap.circuit.RouteInfo)
	if err != nil {
		backendErrors.Inc()
		httplib.ReplyError(rw, err)
		return
	}
	h.touch()
	requestsServed.WithLabelValues(string(snap.circuit.AppMode)).Inc()
	h.enterActive()
	defer h.exitActive()
	h.proxy.ServeHTTP(rw, r.WithContext(withRoute(r.Context(), route)))
}

// exchangePermit converts the one-time ?permit= parameter of the
// coordinator redirect into the admission cookie and bounces the
// client back to the clean URL. Reports whether it wrote the response.
func (h *circuitHandler) exchangePermit(rw http.ResponseWriter, r *http.Request, snap *circuitSnapshot) bool {
	circuit := &snap.circuit
	if circuit.AppMode != types.AppModeInteractive || circuit.OpenToPublic || circuit.AuthSecret == "" {
		return false
	}
	presented := r.URL.Query().Get(appproxy.PermitParam)
	if presented == "" {
		return false
	}
	if !secret.Equal(presented, circuit.AuthSecret) {
		err := apperr.WithCode(apperr.CodeInvalidCookie,
			trace.AccessDenied("permit does not match this app"))
		countRejected(err)
		httplib.ReplyError(rw, err)
		return true
	}
	http.SetCookie(rw, &http.Cookie{
		Name:     appproxy.PermitCookieName,
		Value:    presented,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.w.cfg.UseTLS,
		SameSite: http.SameSiteLaxMode,
	})
	clean := *r.URL
	q := clean.Query()
	q.Del(appproxy.PermitParam)
	clean.RawQuery = q.Encode()
	http.Redirect(rw, r, clean.String(), http.StatusFound)
	return true
}

// handleConn admits and proxies one raw TCP connection.
func (h *circuitHandler) handleConn(conn net.Conn) {
	defer conn.Close()
	snap := h.snapshot()
	if err := h.w.admission.authorizeConn(conn.RemoteAddr().String(), snap); err != nil {
		countRejected(err)
		h.log.DebugContext(h.ctx, "Rejected connection", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	route, err := h.w.router.Pick(snap.circuit.RouteInfo)
	if err != nil {
		backendErrors.Inc()
		h.log.WarnContext(h.ctx, "No route for connection", "error", err)
		return
	}
	dialer := net.Dialer{Timeout: defaults.DialTimeout, KeepAlive: defaults.KeepAlivePeriod}
	backendConn, err := dialer.DialContext(h.ctx, "tcp", net.JoinHostPort(route.KernelHost, strconv.Itoa(route.KernelPort)))
	if err != nil {
		backendErrors.Inc()
		h.log.WarnContext(h.ctx, "Failed to dial backend",
			"backend", net.JoinHostPort(route.KernelHost, strconv.Itoa(route.KernelPort)), "error", err)
		return
	}
	h.touch()
	requestsServed.WithLabelValues(string(snap.circuit.AppMode)).Inc()
	h.enterActive()
	defer h.exitActive()
	if err := utils.ProxyConn(h.ctx, conn, backendConn); err != nil && h.ctx.Err() == nil {
		h.log.DebugContext(h.ctx, "Connection closed with error", "error", err)
	}
}
