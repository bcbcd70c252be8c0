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

package coordinator

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/lablup/appproxy"
	"github.com/lablup/appproxy/lib/apperr"
	"github.com/lablup/appproxy/lib/backend/memory"
	"github.com/lablup/appproxy/lib/types"
)

const (
	testManagerToken = "manager-secret"
	testWorkerToken  = "worker-secret"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *clockwork.FakeClock) {
	t.Helper()
	return newTestCoordinatorWith(t, NewEventOnlyProvisioner())
}

func newTestCoordinatorWith(t *testing.T, provisioner Provisioner) (*Coordinator, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Now().UTC())
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })

	c, err := New(Config{
		Backend:      bk,
		ManagerToken: testManagerToken,
		WorkerToken:  testWorkerToken,
		Provisioner:  provisioner,
		Clock:        clock,
	})
	require.NoError(t, err)
	return c, clock
}

// brokenRPCProvisioner fails every install RPC, forcing circuit
// delivery onto the event path.
type brokenRPCProvisioner struct{}

func (brokenRPCProvisioner) InstallCircuit(ctx context.Context, nodes []types.WorkerNode, circuit types.Circuit) error {
	return apperr.WithCode(apperr.CodeWorkerNotResponding,
		trace.ConnectionProblem(nil, "no node of worker %q confirmed circuit %v", circuit.Worker, circuit.ID))
}

func (brokenRPCProvisioner) UninstallCircuit(ctx context.Context, nodes []types.WorkerNode, circuitID string) error {
	return nil
}

func registerTestWorker(t *testing.T, c *Coordinator, worker types.Worker) *types.Worker {
	t.Helper()
	registered, err := c.RegisterWorker(context.Background(), worker)
	require.NoError(t, err)
	return registered
}

func redeemRequest(token string) types.ProxyAuthRequest {
	return types.ProxyAuthRequest{
		App:       "jupyter",
		Protocol:  types.ProtocolHTTP,
		Token:     token,
		SessionID: "s1",
	}
}

func ptr[T any](v T) *T {
	return &v
}

// marchClock advances the fake clock in the background so lock waiters
// parked on clock timers make progress.
func marchClock(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan struct{})
	t.Cleanup(func() {
		close(stop)
		<-done
	})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				clock.Advance(50 * time.Millisecond)
				time.Sleep(time.Millisecond)
			}
		}
	}()
}

func TestRedeemCreatesCircuit(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	registerTestWorker(t, c, portWorker("w1", 10205, 10206))

	token, err := c.IssueConfToken(ctx, confRequest())
	require.NoError(t, err)

	resp, err := c.RedeemConfToken(ctx, redeemRequest(token.Token))
	require.NoError(t, err)
	require.False(t, resp.Reuse)
	require.NotEmpty(t, resp.CircuitID)

	// The redirect points at the bound port and hands over the permit.
	u, err := url.Parse(resp.RedirectURL)
	require.NoError(t, err)
	require.Equal(t, "http", u.Scheme)
	require.Equal(t, "w1:10205", u.Host)
	require.NotEmpty(t, u.Query().Get(appproxy.PermitParam))

	circuit, err := c.Registry().GetCircuit(ctx, resp.CircuitID)
	require.NoError(t, err)
	require.Equal(t, 10205, circuit.Port)
	require.Equal(t, types.AppModeInteractive, circuit.AppMode)
	require.Equal(t, "u1", circuit.UserID)
	require.True(t, circuit.HasSession("s1"))
	require.Equal(t, u.Query().Get(appproxy.PermitParam), circuit.AuthSecret)

	// The token is gone, circuit creation or not.
	_, err = c.RedeemConfToken(ctx, redeemRequest(token.Token))
	require.True(t, trace.IsNotFound(err))
}

func TestRedeemReusesEquivalentCircuit(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	registerTestWorker(t, c, portWorker("w1", 10205, 10206))

	first, err := c.IssueConfToken(ctx, confRequest())
	require.NoError(t, err)
	created, err := c.RedeemConfToken(ctx, redeemRequest(first.Token))
	require.NoError(t, err)

	// Same user, app and kernel: the second redemption lands on the
	// live circuit without consuming a slot.
	second, err := c.IssueConfToken(ctx, confRequest())
	require.NoError(t, err)
	reused, err := c.RedeemConfToken(ctx, redeemRequest(second.Token))
	require.NoError(t, err)
	require.True(t, reused.Reuse)
	require.Equal(t, created.CircuitID, reused.CircuitID)
	require.Equal(t, created.RedirectURL, reused.RedirectURL)

	occupied, err := c.Registry().occupiedSlots(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, occupied, 1)

	// A new kernel session attaches to the shared circuit.
	third, err := c.IssueConfToken(ctx, confRequest())
	require.NoError(t, err)
	req := redeemRequest(third.Token)
	req.SessionID = "s2"
	attached, err := c.RedeemConfToken(ctx, req)
	require.NoError(t, err)
	require.True(t, attached.Reuse)

	circuit, err := c.Registry().GetCircuit(ctx, created.CircuitID)
	require.NoError(t, err)
	require.Equal(t, []string{"s1", "s2"}, circuit.SessionIDs)
}

func TestRedeemNoReuseForcesFreshCircuit(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	registerTestWorker(t, c, portWorker("w1", 10205, 10206))

	first, err := c.IssueConfToken(ctx, confRequest())
	require.NoError(t, err)
	created, err := c.RedeemConfToken(ctx, redeemRequest(first.Token))
	require.NoError(t, err)

	second, err := c.IssueConfToken(ctx, confRequest())
	require.NoError(t, err)
	req := redeemRequest(second.Token)
	req.NoReuse = true
	fresh, err := c.RedeemConfToken(ctx, req)
	require.NoError(t, err)
	require.False(t, fresh.Reuse)
	require.NotEqual(t, created.CircuitID, fresh.CircuitID)

	circuit, err := c.Registry().GetCircuit(ctx, fresh.CircuitID)
	require.NoError(t, err)
	require.Equal(t, 10206, circuit.Port)

	circuits, err := c.Registry().ListCircuits(ctx)
	require.NoError(t, err)
	require.Len(t, circuits, 2)
}

func TestRedeemPreferredPort(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	registerTestWorker(t, c, portWorker("w1", 10205, 10206, 10207))

	token, err := c.IssueConfToken(ctx, confRequest())
	require.NoError(t, err)
	req := redeemRequest(token.Token)
	req.Port = 10206
	resp, err := c.RedeemConfToken(ctx, req)
	require.NoError(t, err)

	circuit, err := c.Registry().GetCircuit(ctx, resp.CircuitID)
	require.NoError(t, err)
	require.Equal(t, 10206, circuit.Port)
}

func TestRedeemPreferredPortSelectsOwningWorker(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	registerTestWorker(t, c, portWorker("w1", 10205, 10206, 10207))
	registerTestWorker(t, c, portWorker("w2", 10300))

	// w1 wins the free-slot tie-break, but only w2 owns the requested
	// port, so the preference drives selection.
	token, err := c.IssueConfToken(ctx, confRequest())
	require.NoError(t, err)
	req := redeemRequest(token.Token)
	req.Port = 10300
	resp, err := c.RedeemConfToken(ctx, req)
	require.NoError(t, err)

	circuit, err := c.Registry().GetCircuit(ctx, resp.CircuitID)
	require.NoError(t, err)
	require.Equal(t, "w2", circuit.Worker)
	require.Equal(t, 10300, circuit.Port)
}

func TestRedeemPreferredPortBoundEverywhere(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	registerTestWorker(t, c, portWorker("w1", 10205, 10206))

	token, err := c.IssueConfToken(ctx, confRequest())
	require.NoError(t, err)
	req := redeemRequest(token.Token)
	req.Port = 10205
	first, err := c.RedeemConfToken(ctx, req)
	require.NoError(t, err)

	// The only owner of the port has it bound: hard error, no silent
	// substitute.
	token, err = c.IssueConfToken(ctx, confRequest())
	require.NoError(t, err)
	req = redeemRequest(token.Token)
	req.Port = 10205
	req.NoReuse = true
	_, err = c.RedeemConfToken(ctx, req)
	require.True(t, trace.IsBadParameter(err))

	circuits, err := c.Registry().ListCircuits(ctx)
	require.NoError(t, err)
	require.Len(t, circuits, 1)
	require.Equal(t, first.CircuitID, circuits[0].ID)
}

func TestRedeemSlotExhaustion(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	registerTestWorker(t, c, portWorker("w1", 10205, 10206))

	for i := 0; i < 2; i++ {
		token, err := c.IssueConfToken(ctx, confRequest())
		require.NoError(t, err)
		req := redeemRequest(token.Token)
		req.NoReuse = true
		_, err = c.RedeemConfToken(ctx, req)
		require.NoError(t, err)
	}

	token, err := c.IssueConfToken(ctx, confRequest())
	require.NoError(t, err)
	req := redeemRequest(token.Token)
	req.NoReuse = true
	_, err = c.RedeemConfToken(ctx, req)
	require.True(t, trace.IsLimitExceeded(err))
	require.Contains(t, trace.UserMessage(err), "no slot available")

	// No partial state: both slots stay bound to their circuits and no
	// third circuit exists.
	circuits, err := c.Registry().ListCircuits(ctx)
	require.NoError(t, err)
	require.Len(t, circuits, 2)
	occupied, err := c.Registry().occupiedSlots(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, occupied, 2)

	// The token survives the failed attempt and redeems once capacity
	// frees up.
	registerTestWorker(t, c, portWorker("w2", 10300))
	resp, err := c.RedeemConfToken(ctx, req)
	require.NoError(t, err)
	require.False(t, resp.Reuse)

	// Success consumed it for good.
	_, err = c.RedeemConfToken(ctx, req)
	require.True(t, trace.IsNotFound(err))
}

func TestRedeemUndeliveredCircuit(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCoordinatorWith(t, brokenRPCProvisioner{})
	marchClock(t, clock)
	registerTestWorker(t, c, portWorker("w1", 10205, 10206))

	token, err := c.IssueConfToken(ctx, confRequest())
	require.NoError(t, err)
	_, err = c.RedeemConfToken(ctx, redeemRequest(token.Token))
	require.Error(t, err)
	require.True(t, trace.IsConnectionProblem(err))
	require.Equal(t, apperr.CodeEventNotDelivered, apperr.CodeOf(err))

	// The record stays for the worker to converge on; the restored
	// token rides it over the reuse path without another provisioning
	// round.
	circuits, err := c.Registry().ListCircuits(ctx)
	require.NoError(t, err)
	require.Len(t, circuits, 1)

	retried, err := c.RedeemConfToken(ctx, redeemRequest(token.Token))
	require.NoError(t, err)
	require.True(t, retried.Reuse)
	require.Equal(t, circuits[0].ID, retried.CircuitID)
}

func TestRedeemDeliveredOverEventPath(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCoordinatorWith(t, brokenRPCProvisioner{})
	marchClock(t, clock)
	registerTestWorker(t, c, portWorker("w1", 10205, 10206))

	// Play the worker's event consumer: acknowledge the circuit as
	// soon as its record appears.
	stop := make(chan struct{})
	done := make(chan struct{})
	t.Cleanup(func() { close(stop); <-done })
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			circuits, err := c.Registry().ListCircuits(ctx)
			if err == nil && len(circuits) > 0 {
				c.Registry().AckCircuit(ctx, circuits[0].ID, "node-1")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	token, err := c.IssueConfToken(ctx, confRequest())
	require.NoError(t, err)
	resp, err := c.RedeemConfToken(ctx, redeemRequest(token.Token))
	require.NoError(t, err)
	require.False(t, resp.Reuse)
}

func TestRedeemConcurrentRequestsCoalesce(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCoordinator(t)
	registerTestWorker(t, c, portWorker("w1", 10205, 10206))
	marchClock(t, clock)

	const redeems = 50
	tokens := make([]string, redeems)
	for i := range tokens {
		token, err := c.IssueConfToken(ctx, confRequest())
		require.NoError(t, err)
		tokens[i] = token.Token
	}

	responses := make([]*types.ProxyAuthResponse, redeems)
	errs := make([]error, redeems)
	var wg sync.WaitGroup
	for i := 0; i < redeems; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = c.RedeemConfToken(ctx, redeemRequest(tokens[i]))
		}(i)
	}
	wg.Wait()

	createdCount := 0
	for i := range responses {
		require.NoError(t, errs[i])
		require.Equal(t, responses[0].CircuitID, responses[i].CircuitID)
		if !responses[i].Reuse {
			createdCount++
		}
	}
	require.Equal(t, 1, createdCount)

	circuits, err := c.Registry().ListCircuits(ctx)
	require.NoError(t, err)
	require.Len(t, circuits, 1)
}

func TestRedeemRejectsMultiplexedProtocols(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	registerTestWorker(t, c, portWorker("w1", 10205))

	for _, protocol := range []types.Protocol{types.ProtocolGRPC, types.ProtocolH2} {
		req := redeemRequest("irrelevant")
		req.Protocol = protocol
		_, err := c.RedeemConfToken(ctx, req)
		require.True(t, trace.IsBadParameter(err))
		require.Equal(t, apperr.CodeProtocolMismatch, apperr.CodeOf(err))
	}
}

func TestRedeemUnknownToken(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	registerTestWorker(t, c, portWorker("w1", 10205))

	_, err := c.RedeemConfToken(ctx, redeemRequest("no-such-token"))
	require.True(t, trace.IsNotFound(err))
	require.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestRedeemWildcardWorker(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	registerTestWorker(t, c, wildcardWorker("wc1", "apps.example.com"))

	token, err := c.IssueConfToken(ctx, confRequest())
	require.NoError(t, err)
	resp, err := c.RedeemConfToken(ctx, redeemRequest(token.Token))
	require.NoError(t, err)

	circuit, err := c.Registry().GetCircuit(ctx, resp.CircuitID)
	require.NoError(t, err)
	require.NotEmpty(t, circuit.Subdomain)
	require.Equal(t, types.FrontendModeWildcard, circuit.FrontendMode)

	u, err := url.Parse(resp.RedirectURL)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(u.Hostname(), ".apps.example.com"))
	require.Equal(t, circuit.Subdomain, strings.TrimSuffix(u.Hostname(), ".apps.example.com"))
}

func endpointRequest(routes ...types.RouteSpec) types.EndpointUpdateRequest {
	return types.EndpointUpdateRequest{
		ServiceName: "llm-chat",
		Apps:        map[string][]types.RouteSpec{"main": routes},
		TTLSeconds:  ptr(int64(600)),
	}
}

func TestUpsertEndpointCreatesCircuit(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	registerTestWorker(t, c, portWorker("w1", 10205, 10206))

	resp, err := c.UpsertEndpoint(ctx, "E1", endpointRequest(
		types.RouteSpec{SessionID: "r1", KernelHost: "10.0.0.8", KernelPort: 8000},
		types.RouteSpec{SessionID: "r2", KernelHost: "10.0.0.9", KernelPort: 8000, TrafficRatio: ptr(3.0)},
	))
	require.NoError(t, err)
	require.NotEmpty(t, resp.CircuitID)
	require.Equal(t, "http://w1:10205/", resp.AccessURL)
	require.Equal(t, resp.CircuitID, resp.Endpoint.CircuitID)
	require.Equal(t, ptr(int64(600)), resp.Endpoint.TTLSeconds)

	circuit, err := c.Registry().GetCircuit(ctx, resp.CircuitID)
	require.NoError(t, err)
	require.Equal(t, types.AppModeInference, circuit.AppMode)
	require.Equal(t, "E1", circuit.EndpointID)
	require.Len(t, circuit.RouteInfo, 2)
	ratios := map[string]float64{}
	for _, route := range circuit.RouteInfo {
		ratios[route.SessionID] = route.TrafficRatio
	}
	require.Equal(t, map[string]float64{"r1": 1, "r2": 3}, ratios)
}

func TestUpsertEndpointReplacesRoutes(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	registerTestWorker(t, c, portWorker("w1", 10205, 10206))

	created, err := c.UpsertEndpoint(ctx, "E1", endpointRequest(
		types.RouteSpec{SessionID: "r1", KernelHost: "10.0.0.8", KernelPort: 8000},
		types.RouteSpec{SessionID: "r2", KernelHost: "10.0.0.9", KernelPort: 8000},
	))
	require.NoError(t, err)

	// Scaling down to one replica swaps the whole route table on the
	// same circuit.
	updated, err := c.UpsertEndpoint(ctx, "E1", endpointRequest(
		types.RouteSpec{SessionID: "r3", KernelHost: "10.0.0.10", KernelPort: 8000},
	))
	require.NoError(t, err)
	require.Equal(t, created.CircuitID, updated.CircuitID)

	circuit, err := c.Registry().GetCircuit(ctx, created.CircuitID)
	require.NoError(t, err)
	require.Len(t, circuit.RouteInfo, 1)
	require.Equal(t, "r3", circuit.RouteInfo[0].SessionID)

	occupied, err := c.Registry().occupiedSlots(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, occupied, 1)
}

func TestUpsertEndpointRecreatesEvictedCircuit(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	registerTestWorker(t, c, portWorker("w1", 10205, 10206))

	created, err := c.UpsertEndpoint(ctx, "E1", endpointRequest(
		types.RouteSpec{SessionID: "r1", KernelHost: "10.0.0.8", KernelPort: 8000},
	))
	require.NoError(t, err)

	_, err = c.RemoveCircuit(ctx, created.CircuitID, removeReasonIdle)
	require.NoError(t, err)

	// The next update finds the endpoint without a live circuit and
	// provisions a new one.
	revived, err := c.UpsertEndpoint(ctx, "E1", endpointRequest(
		types.RouteSpec{SessionID: "r1", KernelHost: "10.0.0.8", KernelPort: 8000},
	))
	require.NoError(t, err)
	require.NotEqual(t, created.CircuitID, revived.CircuitID)

	endpoint, err := c.Registry().GetEndpoint(ctx, "E1")
	require.NoError(t, err)
	require.Equal(t, revived.CircuitID, endpoint.CircuitID)
}

func TestMintEndpointToken(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCoordinator(t)
	registerTestWorker(t, c, portWorker("w1", 10205, 10206))

	_, err := c.UpsertEndpoint(ctx, "E1", endpointRequest(
		types.RouteSpec{SessionID: "r1", KernelHost: "10.0.0.8", KernelPort: 8000},
	))
	require.NoError(t, err)

	signed, err := c.MintEndpointToken(ctx, "E1", types.EndpointTokenRequest{UserUUID: "u1"})
	require.NoError(t, err)

	// Workers verify with the shared key; the jti record backs
	// revocation.
	claims, err := types.ParseAPIToken([]byte(testWorkerToken), signed)
	require.NoError(t, err)
	require.Equal(t, "E1", claims.EndpointID)
	require.Equal(t, "u1", claims.UserUUID)
	require.NotEmpty(t, claims.ID)

	record, err := c.Registry().GetAPIToken(ctx, claims.ID)
	require.NoError(t, err)
	require.Equal(t, "E1", record.EndpointID)
	require.Equal(t, "u1", record.UserUUID)

	// A caller-chosen expiry is honored.
	exp := clock.Now().UTC().Add(2 * time.Hour)
	signed, err = c.MintEndpointToken(ctx, "E1", types.EndpointTokenRequest{UserUUID: "u1", Exp: exp.Unix()})
	require.NoError(t, err)
	claims, err = types.ParseAPIToken([]byte(testWorkerToken), signed)
	require.NoError(t, err)
	require.Equal(t, exp.Unix(), claims.ExpiresAt.Unix())

	// Expired-on-arrival and unknown endpoints are rejected.
	_, err = c.MintEndpointToken(ctx, "E1", types.EndpointTokenRequest{
		UserUUID: "u1", Exp: clock.Now().UTC().Add(-time.Minute).Unix(),
	})
	require.True(t, trace.IsBadParameter(err))
	_, err = c.MintEndpointToken(ctx, "E9", types.EndpointTokenRequest{UserUUID: "u1"})
	require.True(t, trace.IsNotFound(err))
}

func TestRemoveEndpointCascades(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	registerTestWorker(t, c, portWorker("w1", 10205, 10206))

	created, err := c.UpsertEndpoint(ctx, "E1", endpointRequest(
		types.RouteSpec{SessionID: "r1", KernelHost: "10.0.0.8", KernelPort: 8000},
	))
	require.NoError(t, err)
	signed, err := c.MintEndpointToken(ctx, "E1", types.EndpointTokenRequest{UserUUID: "u1"})
	require.NoError(t, err)
	claims, err := types.ParseAPIToken([]byte(testWorkerToken), signed)
	require.NoError(t, err)

	require.NoError(t, c.RemoveEndpoint(ctx, "E1"))

	_, err = c.Registry().GetEndpoint(ctx, "E1")
	require.True(t, trace.IsNotFound(err))
	_, err = c.Registry().GetCircuit(ctx, created.CircuitID)
	require.True(t, trace.IsNotFound(err))
	_, err = c.Registry().GetAPIToken(ctx, claims.ID)
	require.True(t, trace.IsNotFound(err))
	occupied, err := c.Registry().occupiedSlots(ctx, "w1")
	require.NoError(t, err)
	require.Empty(t, occupied)

	// The second delete reports the endpoint gone.
	err = c.RemoveEndpoint(ctx, "E1")
	require.True(t, trace.IsNotFound(err))
}

func TestRemoveWorkerCascades(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	worker := registerTestWorker(t, c, portWorker("w1", 10205, 10206))

	for i := 0; i < 2; i++ {
		token, err := c.IssueConfToken(ctx, confRequest())
		require.NoError(t, err)
		req := redeemRequest(token.Token)
		req.NoReuse = true
		_, err = c.RedeemConfToken(ctx, req)
		require.NoError(t, err)
	}

	// Removal by the coordinator-assigned id, not the authority.
	require.NoError(t, c.RemoveWorker(ctx, worker.ID))

	_, err := c.Registry().GetWorker(ctx, "w1")
	require.True(t, trace.IsNotFound(err))
	circuits, err := c.Registry().ListCircuits(ctx)
	require.NoError(t, err)
	require.Empty(t, circuits)

	err = c.RemoveWorker(ctx, "w1")
	require.True(t, trace.IsNotFound(err))
}

func TestBulkRemoveCircuits(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	registerTestWorker(t, c, portWorker("w1", 10205, 10206))

	var ids []string
	for i := 0; i < 2; i++ {
		token, err := c.IssueConfToken(ctx, confRequest())
		require.NoError(t, err)
		req := redeemRequest(token.Token)
		req.NoReuse = true
		resp, err := c.RedeemConfToken(ctx, req)
		require.NoError(t, err)
		ids = append(ids, resp.CircuitID)
	}

	removed, err := c.BulkRemoveCircuits(ctx, append(ids, "00000000-0000-0000-0000-000000000000"))
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	circuits, err := c.Registry().ListCircuits(ctx)
	require.NoError(t, err)
	require.Empty(t, circuits)
}

func TestCircuitStatistics(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCoordinator(t)
	registerTestWorker(t, c, portWorker("w1", 10205, 10206))

	created, err := c.UpsertEndpoint(ctx, "E1", endpointRequest(
		types.RouteSpec{SessionID: "r1", KernelHost: "10.0.0.8", KernelPort: 8000},
	))
	require.NoError(t, err)

	// Before any traffic the creation time stands in for last access.
	stats, err := c.CircuitStatistics(ctx, created.CircuitID)
	require.NoError(t, err)
	require.Zero(t, stats.Requests)
	require.Equal(t, stats.Circuit.CreatedAt, stats.LastAccess)
	require.Equal(t, ptr(int64(600)), stats.TTLSeconds)

	flushedAt := clock.Now().UTC().Add(time.Minute)
	require.NoError(t, c.Registry().PutCircuitStats(ctx, types.CircuitStats{
		CircuitID:  created.CircuitID,
		Requests:   42,
		LastAccess: flushedAt,
	}))

	stats, err = c.CircuitStatistics(ctx, created.CircuitID)
	require.NoError(t, err)
	require.Equal(t, int64(42), stats.Requests)
	require.Equal(t, flushedAt, stats.LastAccess)

	_, err = c.CircuitStatistics(ctx, "00000000-0000-0000-0000-000000000000")
	require.True(t, trace.IsNotFound(err))
}

func TestHealthStatus(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	registerTestWorker(t, c, portWorker("w1", 10205, 10206))

	token, err := c.IssueConfToken(ctx, confRequest())
	require.NoError(t, err)
	_, err = c.RedeemConfToken(ctx, redeemRequest(token.Token))
	require.NoError(t, err)

	health, err := c.HealthStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, appproxy.Version, health.Version)
	require.Len(t, health.Workers, 1)
	require.Equal(t, 1, health.Circuits)
}
