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
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/lablup/appproxy"
	"github.com/lablup/appproxy/lib/apperr"
	"github.com/lablup/appproxy/lib/defaults"
	"github.com/lablup/appproxy/lib/httplib"
	"github.com/lablup/appproxy/lib/types"
)

// wildcardFrontend shares one listener across all circuits and
// dispatches on the Host header: circuit subdomains are direct labels
// under the worker's wildcard domain.
type wildcardFrontend struct {
	w   *Worker
	log *slog.Logger
	// domain is the lowercase wildcard suffix without a leading dot.
	domain string

	mu    sync.RWMutex
	byID  map[string]*circuitHandler
	bySub map[string]*circuitHandler
}

func newWildcardFrontend(w *Worker) *wildcardFrontend {
	return &wildcardFrontend{
		w:      w,
		log:    slog.With(appproxy.ComponentKey, appproxy.ComponentFrontend),
		domain: strings.ToLower(strings.TrimPrefix(w.cfg.WildcardDomain, ".")),
		byID:   make(map[string]*circuitHandler),
		bySub:  make(map[string]*circuitHandler),
	}
}

// run binds the shared listener and serves until ctx ends.
func (f *wildcardFrontend) run(ctx context.Context) error {
	addr := net.JoinHostPort(f.w.cfg.BindAddr, strconv.Itoa(f.w.cfg.WildcardTrafficPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return trace.Wrap(err, "binding wildcard frontend on %v", addr)
	}
	handler := http.Handler(f)
	if f.w.cfg.UseTLS {
		listener = tls.NewListener(listener, f.w.tlsConfig())
	} else {
		handler = h2c.NewHandler(f, &http2.Server{})
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: defaults.ReadHeadersTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			f.log.WarnContext(shutdownCtx, "Wildcard frontend drain was cut short", "error", err)
			server.Close()
		}
	}()
	f.log.InfoContext(ctx, "Wildcard frontend listening", "addr", addr, "domain", f.domain, "tls", f.w.cfg.UseTLS)
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return trace.Wrap(err)
	}
	return nil
}

// ServeHTTP resolves the Host header to an installed circuit handler.
func (f *wildcardFrontend) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	label, err := f.subdomainOf(r.Host)
	if err != nil {
		countRejected(err)
		httplib.ReplyError(rw, err)
		return
	}
	f.mu.RLock()
	h, ok := f.bySub[label]
	f.mu.RUnlock()
	if !ok {
		err := apperr.WithCode(apperr.CodeUnknownSubdomain,
			trace.NotFound("no circuit is bound to %q", r.Host))
		countRejected(err)
		httplib.ReplyError(rw, err)
		return
	}
	h.ServeHTTP(rw, r)
}

// subdomainOf extracts the circuit label out of a request host. Only
// direct children of the wildcard domain resolve.
func (f *wildcardFrontend) subdomainOf(hostport string) (string, error) {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	label, found := strings.CutSuffix(host, "."+f.domain)
	if !found || label == "" || strings.Contains(label, ".") {
		return "", apperr.WithCode(apperr.CodeUnknownSubdomain,
			trace.NotFound("host %q is not a circuit subdomain of %q", hostport, f.domain))
	}
	return label, nil
}

func (f *wildcardFrontend) install(ctx context.Context, circuit types.Circuit) error {
	if circuit.FrontendMode != types.FrontendModeWildcard {
		return trace.BadParameter("cannot install a %v circuit on the wildcard frontend", circuit.FrontendMode)
	}
	if circuit.Protocol == types.ProtocolTCP {
		return trace.BadParameter("tcp circuits cannot ride the wildcard frontend")
	}
	label := strings.ToLower(circuit.Subdomain)
	f.mu.Lock()
	if existing, ok := f.byID[circuit.ID]; ok {
		f.mu.Unlock()
		return trace.Wrap(existing.refresh(circuit))
	}
	if other, ok := f.bySub[label]; ok {
		f.mu.Unlock()
		return trace.AlreadyExists("subdomain %q is already bound to circuit %v", label, other.id)
	}
	h, err := newCircuitHandler(f.w, circuit)
	if err != nil {
		f.mu.Unlock()
		return trace.Wrap(err)
	}
	f.byID[circuit.ID] = h
	f.bySub[label] = h
	f.mu.Unlock()

	// No per-circuit listener to open: the handler serves as soon as
	// it is reachable through the map.
	h.markReady()
	f.log.InfoContext(ctx, "Circuit handler ready",
		"circuit", circuit.ID, "subdomain", label, "protocol", circuit.Protocol, "app_mode", circuit.AppMode)
	return nil
}

func (f *wildcardFrontend) uninstall(ctx context.Context, circuitID string) error {
	f.mu.Lock()
	h, ok := f.byID[circuitID]
	if ok {
		delete(f.byID, circuitID)
		delete(f.bySub, strings.ToLower(h.Circuit().Subdomain))
	}
	f.mu.Unlock()
	if !ok {
		return trace.NotFound("circuit %v is not installed", circuitID)
	}
	h.close(ctx)
	return nil
}

func (f *wildcardFrontend) lookup(circuitID string) (*circuitHandler, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	h, ok := f.byID[circuitID]
	return h, ok
}

func (f *wildcardFrontend) handlers() []*circuitHandler {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*circuitHandler, 0, len(f.byID))
	for _, h := range f.byID {
		out = append(out, h)
	}
	return out
}
