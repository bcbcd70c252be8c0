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
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/http2"

	"github.com/gravitational/trace"

	"github.com/lablup/appproxy"
	"github.com/lablup/appproxy/lib/apperr"
	"github.com/lablup/appproxy/lib/defaults"
	"github.com/lablup/appproxy/lib/httplib"
	"github.com/lablup/appproxy/lib/types"
)

// circuitTransport pairs a round tripper with the hook that tears its
// connection pool down on eviction.
type circuitTransport struct {
	rt        http.RoundTripper
	closeIdle func()
}

// transportCache keeps one backend transport per circuit so requests
// of a circuit share a connection pool. Eviction, either by capacity
// or by circuit teardown, closes the pool's idle connections.
type transportCache struct {
	cache *lru.Cache[string, *circuitTransport]
}

func newTransportCache(size int) (*transportCache, error) {
	cache, err := lru.NewWithEvict(size, func(_ string, t *circuitTransport) {
		t.closeIdle()
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &transportCache{cache: cache}, nil
}

// get returns the transport of the circuit, building it on first use.
func (tc *transportCache) get(circuitID string, protocol types.Protocol) http.RoundTripper {
	if t, ok := tc.cache.Get(circuitID); ok {
		return t.rt
	}
	t := newCircuitTransport(protocol)
	tc.cache.Add(circuitID, t)
	return t.rt
}

// remove drops the circuit's transport, closing its idle connections.
func (tc *transportCache) remove(circuitID string) {
	tc.cache.Remove(circuitID)
}

func (tc *transportCache) len() int {
	return tc.cache.Len()
}

// newCircuitTransport builds the backend transport for one circuit.
// Kernels speak plaintext: grpc and h2 circuits get an HTTP/2
// transport dialing cleartext (h2c), everything else a regular HTTP/1
// pool.
func newCircuitTransport(protocol types.Protocol) *circuitTransport {
	dialer := &net.Dialer{
		Timeout:   defaults.DialTimeout,
		KeepAlive: defaults.KeepAlivePeriod,
	}
	if protocol == types.ProtocolGRPC || protocol == types.ProtocolH2 {
		t := &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, network, addr)
			},
			ReadIdleTimeout: defaults.IdleConnTimeout,
		}
		return &circuitTransport{rt: t, closeIdle: t.CloseIdleConnections}
	}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConnsPerHost:   defaults.MaxIdleConnsPerHost,
		IdleConnTimeout:       defaults.IdleConnTimeout,
		ResponseHeaderTimeout: 0, // interactive apps stream for minutes
	}
	return &circuitTransport{rt: t, closeIdle: t.CloseIdleConnections}
}

// routeContextKey carries the picked route from the handler into the
// proxy rewrite, which has no error path of its own.
type routeContextKey struct{}

func withRoute(ctx context.Context, route *types.RouteInfo) context.Context {
	return context.WithValue(ctx, routeContextKey{}, route)
}

func routeFromContext(ctx context.Context) *types.RouteInfo {
	route, _ := ctx.Value(routeContextKey{}).(*types.RouteInfo)
	return route
}

// newReverseProxy builds the HTTP reverse proxy of one circuit
// handler. Route selection happens per request in the handler; the
// rewrite only points the outbound request at the picked kernel and
// scrubs the proxy's own credentials.
func newReverseProxy(h *circuitHandler) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Transport: h.transport,
		// Immediate flushing keeps token streams and long-polling apps
		// responsive through the proxy.
		FlushInterval: -1,
		Rewrite: func(pr *httputil.ProxyRequest) {
			route := routeFromContext(pr.In.Context())
			pr.SetURL(&url.URL{
				Scheme: "http",
				Host:   net.JoinHostPort(route.KernelHost, strconv.Itoa(route.KernelPort)),
			})
			pr.SetXForwarded()
			stripPermitCookie(pr.Out)
		},
		ErrorHandler: func(rw http.ResponseWriter, r *http.Request, err error) {
			h.log.WarnContext(r.Context(), "Proxying to backend failed", "circuit", h.id, "error", err)
			backendErrors.Inc()
			httplib.ReplyError(rw, apperr.WithCode(apperr.CodeBackendDied,
				trace.ConnectionProblem(err, "backend did not respond")))
		},
	}
}

// stripPermitCookie removes the admission cookie before the request
// leaves for the kernel; the credential never crosses into user code.
func stripPermitCookie(out *http.Request) {
	cookies := out.Cookies()
	out.Header.Del("Cookie")
	for _, cookie := range cookies {
		if cookie.Name == appproxy.PermitCookieName {
			continue
		}
		out.AddCookie(cookie)
	}
}
