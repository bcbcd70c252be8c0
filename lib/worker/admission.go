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
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	gocache "github.com/patrickmn/go-cache"

	"github.com/lablup/appproxy"
	"github.com/lablup/appproxy/lib/apperr"
	"github.com/lablup/appproxy/lib/coordinator"
	"github.com/lablup/appproxy/lib/defaults"
	"github.com/lablup/appproxy/lib/secret"
	"github.com/lablup/appproxy/lib/types"
	"github.com/lablup/appproxy/lib/utils"
)

// admission enforces the per-request policy of a circuit. Checks run
// in a fixed order: client CIDR, then the credential matching the
// circuit's traffic class, then the cross-mode and protocol guards.
type admission struct {
	trustForwarded bool
	tokens         *tokenVerifier
}

// authorize admits or rejects one HTTP request against the circuit
// policy in snap. Returned errors carry the Backend.AI code shown to
// the client.
func (a *admission) authorize(ctx context.Context, r *http.Request, snap *circuitSnapshot) error {
	circuit := &snap.circuit
	if err := a.checkClientIP(a.clientIP(r), snap); err != nil {
		return trace.Wrap(err)
	}
	switch circuit.AppMode {
	case types.AppModeInteractive:
		if !circuit.OpenToPublic {
			if err := checkPermitCookie(r, circuit); err != nil {
				return trace.Wrap(err)
			}
		}
	case types.AppModeInference:
		if !circuit.OpenToPublic {
			if err := a.checkAPIToken(ctx, r, circuit); err != nil {
				return trace.Wrap(err)
			}
		}
	}
	if err := checkMode(r, circuit); err != nil {
		return trace.Wrap(err)
	}
	if err := checkProtocol(circuit); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// authorizeConn admits or rejects one raw TCP connection. Cookies and
// bearer tokens cannot ride a byte stream, so only the CIDR policy
// applies; everything else is enforced at circuit creation.
func (a *admission) authorizeConn(remoteAddr string, snap *circuitSnapshot) error {
	ip, err := utils.ClientIPFromAddr(remoteAddr)
	if err != nil {
		return trace.AccessDenied("unparsable client address %q", remoteAddr)
	}
	return trace.Wrap(a.checkClientIP(ip, snap))
}

// clientIP resolves the effective client address. The X-Forwarded-For
// chain is only believed when the worker is configured to sit behind a
// trusted load balancer.
func (a *admission) clientIP(r *http.Request) string {
	if a.trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
				return first
			}
		}
	}
	ip, err := utils.ClientIPFromAddr(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (a *admission) checkClientIP(ip string, snap *circuitSnapshot) error {
	if snap.matcher == nil {
		return nil
	}
	if !snap.matcher.Match(ip) {
		return trace.AccessDenied("client address %v is not allowed on this circuit", ip)
	}
	return nil
}

// checkPermitCookie matches the permit cookie against the circuit
// secret on non-public interactive circuits.
func checkPermitCookie(r *http.Request, circuit *types.Circuit) error {
	cookie, err := r.Cookie(appproxy.PermitCookieName)
	if err != nil || cookie.Value == "" {
		return apperr.WithCode(apperr.CodeMissingCookie,
			trace.AccessDenied("request to this app requires a permit cookie"))
	}
	if !secret.Equal(cookie.Value, circuit.AuthSecret) {
		return apperr.WithCode(apperr.CodeInvalidCookie,
			trace.AccessDenied("permit cookie does not match this app"))
	}
	return nil
}

// checkAPIToken verifies the BackendAI bearer token on non-public
// inference circuits.
func (a *admission) checkAPIToken(ctx context.Context, r *http.Request, circuit *types.Circuit) error {
	header := r.Header.Get("Authorization")
	if header == "" {
		return apperr.WithCode(apperr.CodeMissingToken,
			trace.AccessDenied("request to this endpoint requires an authorization token"))
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, appproxy.AuthorizationScheme) {
		return apperr.WithCode(apperr.CodeUnsupportedAuthScheme,
			trace.AccessDenied("unsupported authorization scheme, expected %q", appproxy.AuthorizationScheme))
	}
	return trace.Wrap(a.tokens.verify(ctx, strings.TrimSpace(token), circuit.EndpointID))
}

// checkMode rejects requests whose credentials belong to the other
// traffic class: an endpoint token aimed at an interactive app, or a
// permit cookie aimed at an inference endpoint.
func checkMode(r *http.Request, circuit *types.Circuit) error {
	switch circuit.AppMode {
	case types.AppModeInteractive:
		if scheme, _, _ := strings.Cut(r.Header.Get("Authorization"), " "); strings.EqualFold(scheme, appproxy.AuthorizationScheme) {
			return apperr.WithCode(apperr.CodeInferenceViaInteractive,
				trace.BadParameter("inference api calls cannot be served by an interactive app circuit"))
		}
	case types.AppModeInference:
		if cookie, err := r.Cookie(appproxy.PermitCookieName); err == nil && cookie.Value != "" {
			return apperr.WithCode(apperr.CodeInteractiveViaInference,
				trace.BadParameter("interactive app sessions cannot be served by an inference circuit"))
		}
	}
	return nil
}

// checkProtocol guards against records predating the creation-time
// protocol validation.
func checkProtocol(circuit *types.Circuit) error {
	if circuit.AppMode == types.AppModeInteractive &&
		(circuit.Protocol == types.ProtocolGRPC || circuit.Protocol == types.ProtocolH2) {
		return apperr.WithCode(apperr.CodeProtocolMismatch,
			trace.BadParameter("interactive apps cannot be served over %v", circuit.Protocol))
	}
	return nil
}

// tokenVerifier checks endpoint api tokens: HS256 signature and expiry
// offline, then the jti record in the store so revocation takes effect.
// Positive verdicts are cached briefly to keep the store off the hot
// path.
type tokenVerifier struct {
	key      []byte
	registry *coordinator.Registry
	cache    *gocache.Cache
}

func newTokenVerifier(key []byte, registry *coordinator.Registry) *tokenVerifier {
	return &tokenVerifier{
		key:      key,
		registry: registry,
		cache:    gocache.New(defaults.TokenCacheTTL, 2*defaults.TokenCacheTTL),
	}
}

func (v *tokenVerifier) verify(ctx context.Context, token, endpointID string) error {
	if cached, ok := v.cache.Get(token); ok {
		claims := cached.(*types.APITokenClaims)
		if claims.EndpointID != endpointID {
			return apperr.WithCode(apperr.CodeInvalidToken,
				trace.AccessDenied("api token was issued for another endpoint"))
		}
		return nil
	}
	claims, err := types.ParseAPIToken(v.key, token)
	if err != nil {
		return apperr.WithCode(apperr.CodeInvalidToken, trace.Wrap(err))
	}
	if claims.EndpointID != endpointID {
		return apperr.WithCode(apperr.CodeInvalidToken,
			trace.AccessDenied("api token was issued for another endpoint"))
	}
	if _, err := v.registry.GetAPIToken(ctx, claims.ID); err != nil {
		if trace.IsNotFound(err) {
			return apperr.WithCode(apperr.CodeInvalidToken,
				trace.AccessDenied("api token is revoked or expired"))
		}
		return trace.Wrap(err)
	}
	v.cache.SetDefault(token, claims)
	return nil
}
