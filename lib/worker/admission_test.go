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
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/lablup/appproxy"
	"github.com/lablup/appproxy/lib/apperr"
	"github.com/lablup/appproxy/lib/backend/memory"
	"github.com/lablup/appproxy/lib/coordinator"
	"github.com/lablup/appproxy/lib/types"
)

// newAdmissionRegistry builds a registry over a fresh in-memory store.
// The clock is anchored at the present because JWT expiry is validated
// against real time.
func newAdmissionRegistry(t *testing.T) (*coordinator.Registry, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Now().UTC())
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	return coordinator.NewRegistry(bk), clock
}

func snapshotOf(t *testing.T, circuit types.Circuit) *circuitSnapshot {
	t.Helper()
	snap, err := newCircuitSnapshot(circuit)
	require.NoError(t, err)
	return snap
}

func interactiveAppCircuit() types.Circuit {
	return types.Circuit{
		ID:           uuid.NewString(),
		App:          "jupyter",
		Protocol:     types.ProtocolHTTP,
		Worker:       "w1",
		AppMode:      types.AppModeInteractive,
		FrontendMode: types.FrontendModePort,
		Port:         10205,
		UserID:       "u1",
		SessionIDs:   []string{"s1"},
		AuthSecret:   "permit-secret",
	}
}

func inferenceEndpointCircuit(endpointID string) types.Circuit {
	return types.Circuit{
		ID:           uuid.NewString(),
		Protocol:     types.ProtocolHTTP,
		Worker:       "w1",
		AppMode:      types.AppModeInference,
		FrontendMode: types.FrontendModePort,
		Port:         10206,
		EndpointID:   endpointID,
	}
}

// mintEndpointToken signs a bearer token and stores its revocable jti
// record, the way the coordinator's token mint does.
func mintEndpointToken(t *testing.T, registry *coordinator.Registry, clock clockwork.Clock, key []byte, jti, endpointID string) string {
	t.Helper()
	exp := clock.Now().UTC().Add(time.Hour)
	signed, err := types.SignAPIToken(key, types.APITokenClaims{
		EndpointID: endpointID,
		UserUUID:   "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(clock.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	require.NoError(t, err)
	require.NoError(t, registry.CreateAPIToken(context.Background(), types.APIToken{
		ID:         jti,
		EndpointID: endpointID,
		UserUUID:   "u1",
		ExpiresAt:  exp,
		CreatedAt:  clock.Now().UTC(),
	}))
	return signed
}

func permitCookie(value string) *http.Cookie {
	return &http.Cookie{Name: appproxy.PermitCookieName, Value: value}
}

func TestAdmissionPermitCookie(t *testing.T) {
	ctx := context.Background()
	a := &admission{}
	snap := snapshotOf(t, interactiveAppCircuit())

	tests := []struct {
		name   string
		cookie *http.Cookie
		code   apperr.Code
	}{
		{name: "missing cookie", code: apperr.CodeMissingCookie},
		{name: "empty cookie", cookie: permitCookie(""), code: apperr.CodeMissingCookie},
		{name: "wrong cookie", cookie: permitCookie("stolen"), code: apperr.CodeInvalidCookie},
		{name: "valid cookie", cookie: permitCookie("permit-secret")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://circuit.local/", nil)
			r.RemoteAddr = "10.0.0.1:39000"
			if tt.cookie != nil {
				r.AddCookie(tt.cookie)
			}
			err := a.authorize(ctx, r, snap)
			if tt.code == "" {
				require.NoError(t, err)
				return
			}
			require.True(t, trace.IsAccessDenied(err), "expected access denied, got %v", err)
			require.Equal(t, tt.code, apperr.CodeOf(err))
		})
	}
}

func TestAdmissionPublicCircuitSkipsCredentials(t *testing.T) {
	ctx := context.Background()
	a := &admission{}

	public := interactiveAppCircuit()
	public.OpenToPublic = true
	r := httptest.NewRequest(http.MethodGet, "http://circuit.local/", nil)
	r.RemoteAddr = "10.0.0.1:39000"
	require.NoError(t, a.authorize(ctx, r, snapshotOf(t, public)))

	publicInference := inferenceEndpointCircuit("E1")
	publicInference.OpenToPublic = true
	r = httptest.NewRequest(http.MethodGet, "http://circuit.local/v1/completions", nil)
	r.RemoteAddr = "10.0.0.1:39000"
	require.NoError(t, a.authorize(ctx, r, snapshotOf(t, publicInference)))
}

func TestAdmissionEndpointToken(t *testing.T) {
	ctx := context.Background()
	registry, clock := newAdmissionRegistry(t)
	key := []byte("signing-key")
	a := &admission{tokens: newTokenVerifier(key, registry)}

	token := mintEndpointToken(t, registry, clock, key, "jti-1", "E1")
	otherEndpoint := mintEndpointToken(t, registry, clock, key, "jti-2", "E2")

	// A well-formed token whose jti record was never stored is treated
	// as revoked.
	revoked, err := types.SignAPIToken(key, types.APITokenClaims{
		EndpointID: "E1",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-gone",
			ExpiresAt: jwt.NewNumericDate(clock.Now().UTC().Add(time.Hour)),
		},
	})
	require.NoError(t, err)

	snap := snapshotOf(t, inferenceEndpointCircuit("E1"))
	tests := []struct {
		name   string
		header string
		code   apperr.Code
	}{
		{name: "missing header", code: apperr.CodeMissingToken},
		{name: "wrong scheme", header: "Bearer " + token, code: apperr.CodeUnsupportedAuthScheme},
		{name: "scheme without token", header: "BackendAI", code: apperr.CodeUnsupportedAuthScheme},
		{name: "garbage token", header: "BackendAI not-a-jwt", code: apperr.CodeInvalidToken},
		{name: "other endpoint's token", header: "BackendAI " + otherEndpoint, code: apperr.CodeInvalidToken},
		{name: "revoked token", header: "BackendAI " + revoked, code: apperr.CodeInvalidToken},
		{name: "valid token", header: "BackendAI " + token},
		{name: "scheme is case insensitive", header: "backendai " + token},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://circuit.local/v1/completions", nil)
			r.RemoteAddr = "10.0.0.1:39000"
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			err := a.authorize(ctx, r, snap)
			if tt.code == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Equal(t, tt.code, apperr.CodeOf(err))
		})
	}
}

func TestAdmissionExpiredToken(t *testing.T) {
	ctx := context.Background()
	registry, clock := newAdmissionRegistry(t)
	key := []byte("signing-key")
	a := &admission{tokens: newTokenVerifier(key, registry)}

	expired, err := types.SignAPIToken(key, types.APITokenClaims{
		EndpointID: "E1",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-old",
			ExpiresAt: jwt.NewNumericDate(clock.Now().UTC().Add(-time.Minute)),
		},
	})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "http://circuit.local/v1/completions", nil)
	r.RemoteAddr = "10.0.0.1:39000"
	r.Header.Set("Authorization", "BackendAI "+expired)
	err = a.authorize(ctx, r, snapshotOf(t, inferenceEndpointCircuit("E1")))
	require.Error(t, err)
	require.Equal(t, apperr.CodeInvalidToken, apperr.CodeOf(err))
}

func TestTokenVerifierCachesPositiveVerdicts(t *testing.T) {
	ctx := context.Background()
	registry, clock := newAdmissionRegistry(t)
	key := []byte("signing-key")

	token := mintEndpointToken(t, registry, clock, key, "jti-1", "E1")

	verifier := newTokenVerifier(key, registry)
	require.NoError(t, verifier.verify(ctx, token, "E1"))

	// Revocation deletes the jti record. The cached verdict keeps the
	// token alive until the cache TTL runs out; a fresh verifier sees
	// the revocation immediately.
	removed, err := registry.RemoveEndpointTokens(ctx, "E1")
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	require.NoError(t, verifier.verify(ctx, token, "E1"))

	fresh := newTokenVerifier(key, registry)
	err = fresh.verify(ctx, token, "E1")
	require.Error(t, err)
	require.Equal(t, apperr.CodeInvalidToken, apperr.CodeOf(err))

	// The cache hit still cross-checks the endpoint binding.
	err = verifier.verify(ctx, token, "E2")
	require.Error(t, err)
	require.Equal(t, apperr.CodeInvalidToken, apperr.CodeOf(err))
}

func TestAdmissionModeGuards(t *testing.T) {
	ctx := context.Background()
	registry, clock := newAdmissionRegistry(t)
	key := []byte("signing-key")
	a := &admission{tokens: newTokenVerifier(key, registry)}
	token := mintEndpointToken(t, registry, clock, key, "jti-1", "E1")

	// An inference call aimed at an interactive circuit is rejected even
	// when the permit cookie itself is valid.
	interactive := snapshotOf(t, interactiveAppCircuit())
	r := httptest.NewRequest(http.MethodGet, "http://circuit.local/v1/completions", nil)
	r.RemoteAddr = "10.0.0.1:39000"
	r.AddCookie(permitCookie("permit-secret"))
	r.Header.Set("Authorization", "BackendAI "+token)
	err := a.authorize(ctx, r, interactive)
	require.True(t, trace.IsBadParameter(err), "expected bad parameter, got %v", err)
	require.Equal(t, apperr.CodeInferenceViaInteractive, apperr.CodeOf(err))

	// Same on a public interactive circuit, where no cookie is needed.
	public := interactiveAppCircuit()
	public.OpenToPublic = true
	r = httptest.NewRequest(http.MethodGet, "http://circuit.local/v1/completions", nil)
	r.RemoteAddr = "10.0.0.1:39000"
	r.Header.Set("Authorization", "BackendAI whatever")
	err = a.authorize(ctx, r, snapshotOf(t, public))
	require.Equal(t, apperr.CodeInferenceViaInteractive, apperr.CodeOf(err))

	// A browser session cookie aimed at an inference circuit is rejected
	// after its bearer token checks out.
	inference := snapshotOf(t, inferenceEndpointCircuit("E1"))
	r = httptest.NewRequest(http.MethodGet, "http://circuit.local/v1/completions", nil)
	r.RemoteAddr = "10.0.0.1:39000"
	r.Header.Set("Authorization", "BackendAI "+token)
	r.AddCookie(permitCookie("permit-secret"))
	err = a.authorize(ctx, r, inference)
	require.True(t, trace.IsBadParameter(err), "expected bad parameter, got %v", err)
	require.Equal(t, apperr.CodeInteractiveViaInference, apperr.CodeOf(err))

	// Non-BackendAI authorization schemes are none of our business on
	// interactive circuits; apps do their own auth.
	r = httptest.NewRequest(http.MethodGet, "http://circuit.local/", nil)
	r.RemoteAddr = "10.0.0.1:39000"
	r.AddCookie(permitCookie("permit-secret"))
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	require.NoError(t, a.authorize(ctx, r, interactive))
}

func TestAdmissionProtocolGuard(t *testing.T) {
	ctx := context.Background()
	a := &admission{}

	// Records predating creation-time validation can carry a multiplexed
	// protocol on an interactive circuit; admission refuses to serve them.
	stale := interactiveAppCircuit()
	stale.OpenToPublic = true
	stale.Protocol = types.ProtocolGRPC
	r := httptest.NewRequest(http.MethodGet, "http://circuit.local/", nil)
	r.RemoteAddr = "10.0.0.1:39000"
	err := a.authorize(ctx, r, snapshotOf(t, stale))
	require.True(t, trace.IsBadParameter(err), "expected bad parameter, got %v", err)
	require.Equal(t, apperr.CodeProtocolMismatch, apperr.CodeOf(err))
}

func TestAdmissionClientIPPolicy(t *testing.T) {
	ctx := context.Background()

	circuit := interactiveAppCircuit()
	circuit.OpenToPublic = true
	circuit.AllowedClientIPs = []string{"10.0.0.0/8", "192.0.2.77"}
	snap := snapshotOf(t, circuit)

	tests := []struct {
		name           string
		remoteAddr     string
		forwarded      string
		trustForwarded bool
		ok             bool
	}{
		{name: "allowed block", remoteAddr: "10.3.2.1:40000", ok: true},
		{name: "allowed bare ip", remoteAddr: "192.0.2.77:40000", ok: true},
		{name: "denied", remoteAddr: "172.16.0.9:40000"},
		{name: "forwarded header trusted", remoteAddr: "172.16.0.9:40000", forwarded: "10.5.5.5, 172.16.0.9", trustForwarded: true, ok: true},
		{name: "forwarded header ignored", remoteAddr: "172.16.0.9:40000", forwarded: "10.5.5.5"},
		{name: "forwarded header spoofs denied ip", remoteAddr: "10.3.2.1:40000", forwarded: "172.16.0.9", trustForwarded: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &admission{trustForwarded: tt.trustForwarded}
			r := httptest.NewRequest(http.MethodGet, "http://circuit.local/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			err := a.authorize(ctx, r, snap)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.True(t, trace.IsAccessDenied(err), "expected access denied, got %v", err)
		})
	}
}

func TestAuthorizeConn(t *testing.T) {
	a := &admission{}

	open := interactiveAppCircuit()
	open.Protocol = types.ProtocolTCP
	require.NoError(t, a.authorizeConn("198.51.100.7:52000", snapshotOf(t, open)))

	restricted := interactiveAppCircuit()
	restricted.Protocol = types.ProtocolTCP
	restricted.AllowedClientIPs = []string{"10.0.0.0/8"}
	snap := snapshotOf(t, restricted)

	require.NoError(t, a.authorizeConn("10.9.8.7:52000", snap))
	require.True(t, trace.IsAccessDenied(a.authorizeConn("198.51.100.7:52000", snap)))
	require.True(t, trace.IsAccessDenied(a.authorizeConn("not an address", snap)))
}
