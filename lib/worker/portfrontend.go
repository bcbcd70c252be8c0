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
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gravitational/trace"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/lablup/appproxy"
	"github.com/lablup/appproxy/lib/defaults"
	"github.com/lablup/appproxy/lib/types"
	"github.com/lablup/appproxy/lib/utils"
)

// portFrontend exposes each circuit on its own TCP port out of the
// worker's reserved range. Listeners bind lazily when a circuit is
// installed; a port without an installed circuit stays unbound and
// refuses connections at the OS level.
type portFrontend struct {
	w   *Worker
	log *slog.Logger

	mu     sync.RWMutex
	byID   map[string]*circuitHandler
	byPort map[int]*circuitHandler
}

func newPortFrontend(w *Worker) *portFrontend {
	return &portFrontend{
		w:      w,
		log:    slog.With(appproxy.ComponentKey, appproxy.ComponentFrontend),
		byID:   make(map[string]*circuitHandler),
		byPort: make(map[int]*circuitHandler),
	}
}

// run blocks until ctx ends, then closes every handler. The listeners
// themselves live with their handlers.
func (f *portFrontend) run(ctx context.Context) error {
	<-ctx.Done()
	closeCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
	defer cancel()
	for _, h := range f.handlers() {
		h.close(closeCtx)
	}
	return nil
}

func (f *portFrontend) install(ctx context.Context, circuit types.Circuit) error {
	if circuit.FrontendMode != types.FrontendModePort {
		return trace.BadParameter("cannot install a %v circuit on the port frontend", circuit.FrontendMode)
	}
	f.mu.Lock()
	if existing, ok := f.byID[circuit.ID]; ok {
		f.mu.Unlock()
		return trace.Wrap(existing.refresh(circuit))
	}
	if other, ok := f.byPort[circuit.Port]; ok {
		f.mu.Unlock()
		return trace.AlreadyExists("port %v is already bound to circuit %v", circuit.Port, other.id)
	}
	h, err := newCircuitHandler(f.w, circuit)
	if err != nil {
		f.mu.Unlock()
		return trace.Wrap(err)
	}
	f.byID[circuit.ID] = h
	f.byPort[circuit.Port] = h
	f.mu.Unlock()

	if err := f.bind(ctx, h, circuit); err != nil {
		f.remove(h)
		h.close(ctx)
		return trace.Wrap(err)
	}
	return nil
}

// bind opens the circuit's listener and starts serving on it. HTTP
// protocols get an HTTP server with the admission handler, h2c-wrapped
// when the worker runs without TLS; tcp circuits get a raw accept
// loop.
func (f *portFrontend) bind(ctx context.Context, h *circuitHandler, circuit types.Circuit) error {
	listener, err := net.Listen("tcp", net.JoinHostPort(f.w.cfg.BindAddr, strconv.Itoa(circuit.Port)))
	if err != nil {
		return trace.Wrap(err, "binding port %v for circuit %v", circuit.Port, circuit.ID)
	}
	if circuit.Protocol.IsHTTP() {
		if f.w.cfg.UseTLS {
			listener = tls.NewListener(listener, f.w.tlsConfig())
		}
		handler := http.Handler(h)
		if !f.w.cfg.UseTLS {
			handler = h2c.NewHandler(h, &http2.Server{})
		}
		server := &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: defaults.ReadHeadersTimeout,
		}
		h.mu.Lock()
		h.listener = listener
		h.server = server
		h.mu.Unlock()
		go func() {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				h.log.WarnContext(ctx, "Circuit server exited", "error", err)
			}
		}()
	} else {
		h.mu.Lock()
		h.listener = listener
		h.mu.Unlock()
		go f.acceptLoop(h, listener)
	}
	h.markReady()
	f.log.InfoContext(ctx, "Circuit handler ready",
		"circuit", circuit.ID, "port", circuit.Port, "protocol", circuit.Protocol, "app_mode", circuit.AppMode)
	return nil
}

func (f *portFrontend) acceptLoop(h *circuitHandler, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if h.ctx.Err() == nil && !utils.IsOKNetworkError(err) {
				h.log.WarnContext(h.ctx, "Accept failed", "error", err)
			}
			return
		}
		go h.handleConn(conn)
	}
}

func (f *portFrontend) uninstall(ctx context.Context, circuitID string) error {
	f.mu.Lock()
	h, ok := f.byID[circuitID]
	if ok {
		delete(f.byID, circuitID)
		delete(f.byPort, h.Circuit().Port)
	}
	f.mu.Unlock()
	if !ok {
		return trace.NotFound("circuit %v is not installed", circuitID)
	}
	h.close(ctx)
	return nil
}

func (f *portFrontend) remove(h *circuitHandler) {
	f.mu.Lock()
	delete(f.byID, h.id)
	delete(f.byPort, h.Circuit().Port)
	f.mu.Unlock()
}

func (f *portFrontend) lookup(circuitID string) (*circuitHandler, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	h, ok := f.byID[circuitID]
	return h, ok
}

func (f *portFrontend) handlers() []*circuitHandler {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*circuitHandler, 0, len(f.byID))
	for _, h := range f.byID {
		out = append(out, h)
	}
	return out
}
