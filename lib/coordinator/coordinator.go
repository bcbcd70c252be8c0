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
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/lablup/appproxy"
	"github.com/lablup/appproxy/lib/apperr"
	"github.com/lablup/appproxy/lib/backend"
	"github.com/lablup/appproxy/lib/defaults"
	"github.com/lablup/appproxy/lib/events"
	"github.com/lablup/appproxy/lib/secret"
	"github.com/lablup/appproxy/lib/types"
	"github.com/lablup/appproxy/lib/utils"
)

// Config holds the coordinator dependencies and credentials.
type Config struct {
	// Backend is the shared store.
	Backend backend.Backend
	// ManagerToken authenticates Manager API calls.
	ManagerToken string
	// WorkerToken authenticates worker API calls and provisioning RPCs.
	WorkerToken string
	// TokenSigningKey signs endpoint api tokens. Defaults to the worker
	// token so workers can verify offline without extra distribution.
	TokenSigningKey []byte
	// Provisioner pushes circuits to workers. Defaults to the HTTP
	// worker client.
	Provisioner Provisioner
	// Clock overrides the backend clock, for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.ManagerToken == "" {
		return apperr.InvalidConfig("missing manager api token")
	}
	if c.WorkerToken == "" {
		return apperr.InvalidConfig("missing worker api token")
	}
	if len(c.TokenSigningKey) == 0 {
		c.TokenSigningKey = []byte(c.WorkerToken)
	}
	if c.Provisioner == nil {
		c.Provisioner = NewWorkerClient(c.WorkerToken)
	}
	if c.Clock == nil {
		c.Clock = c.Backend.Clock()
	}
	return nil
}

// Coordinator is the control plane service. It owns all circuit,
// worker, slot, endpoint and token state and pushes changes to workers
// over the event bus and the provisioning RPC.
type Coordinator struct {
	cfg      Config
	registry *Registry
	bus      *events.Bus
	clock    clockwork.Clock
	log      *slog.Logger
}

// New returns a coordinator over the given store.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(coordinatorCollectors...); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Coordinator{
		cfg:      cfg,
		registry: NewRegistry(cfg.Backend),
		bus:      events.NewBus(cfg.Backend),
		clock:    cfg.Clock,
		log:      slog.With(appproxy.ComponentKey, appproxy.ComponentCoordinator),
	}, nil
}

// Registry exposes the storage service, mainly to tests.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// IssueConfToken mints a single-use confirmation token for the
// Manager.
func (c *Coordinator) IssueConfToken(ctx context.Context, req types.ConfRequest) (*types.ConfirmationToken, error) {
	token, err := c.registry.CreateConfToken(ctx, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	confTokensIssued.Inc()
	return token, nil
}

// RedeemConfToken consumes a confirmation token and binds the caller's
// app request to a circuit, either reusing an equivalent live circuit
// or creating a fresh one. Creation is serialized per fingerprint so
// concurrent identical requests coalesce onto a single circuit.
func (c *Coordinator) RedeemConfToken(ctx context.Context, req types.ProxyAuthRequest) (*types.ProxyAuthResponse, error) {
	if err := req.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Protocol == types.ProtocolGRPC || req.Protocol == types.ProtocolH2 {
		return nil, apperr.WithCode(apperr.CodeProtocolMismatch,
			trace.BadParameter("interactive apps cannot be served over %v", req.Protocol))
	}
	token, err := c.registry.ConsumeConfToken(ctx, req.Token)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	spec := types.FingerprintSpec{
		UserID:           token.Session.UserUUID,
		App:              req.App,
		KernelHost:       token.KernelHost,
		KernelPort:       token.KernelPort,
		Protocol:         req.Protocol,
		Envs:             req.Envs,
		Arguments:        req.Arguments,
		OpenToPublic:     req.OpenToPublic,
		AllowedClientIPs: req.AllowedClientIPs,
		Port:             req.Port,
		Subdomain:        req.Subdomain,
	}
	digest := spec.Digest()

	var resp *types.ProxyAuthResponse
	err = c.registry.WithFingerprintLock(ctx, digest, defaults.FingerprintLockTTL, func(ctx context.Context) error {
		if !req.NoReuse {
			circuit, err := c.registry.FindReusable(ctx, digest)
			if err == nil {
				resp, err = c.reuseCircuit(ctx, circuit, req.SessionID)
				return trace.Wrap(err)
			}
			if !trace.IsNotFound(err) {
				return trace.Wrap(err)
			}
		}
		created, err := c.createInteractiveCircuit(ctx, token, req, digest)
		if err != nil {
			return trace.Wrap(err)
		}
		resp = created
		return nil
	})
	if err != nil {
		// A failed redemption leaves no partial state: the single-use
		// token goes back so the Manager can retry.
		if rerr := c.registry.RestoreConfToken(ctx, *token); rerr != nil {
			c.log.WarnContext(ctx, "Failed to restore confirmation token", "error", rerr)
		}
		return nil, trace.Wrap(err)
	}
	return resp, nil
}

// reuseCircuit attaches the session to an existing circuit and points
// the caller at it.
func (c *Coordinator) reuseCircuit(ctx context.Context, circuit *types.Circuit, sessionID string) (*types.ProxyAuthResponse, error) {
	if !circuit.HasSession(sessionID) {
		updated, err := c.registry.UpdateCircuit(ctx, circuit.ID, func(cc *types.Circuit) error {
			if !cc.HasSession(sessionID) {
				cc.SessionIDs = append(cc.SessionIDs, sessionID)
			}
			return nil
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		circuit = updated
		if err := c.bus.Publish(ctx, events.CircuitUpdated(*circuit)); err != nil {
			c.log.WarnContext(ctx, "Failed to publish circuit update", "circuit", circuit.ID, "error", err)
		}
	}
	worker, err := c.registry.GetWorker(ctx, circuit.Worker)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	circuitReuses.Inc()
	c.log.InfoContext(ctx, "Reusing circuit", "circuit", circuit.ID, "app", circuit.App, "worker", circuit.Worker)
	return &types.ProxyAuthResponse{
		RedirectURL: c.redirectURL(worker, circuit),
		Reuse:       true,
		CircuitID:   circuit.ID,
	}, nil
}

// createInteractiveCircuit selects a worker, reserves a slot, persists
// the circuit and provisions it.
func (c *Coordinator) createInteractiveCircuit(ctx context.Context, token *types.ConfirmationToken, req types.ProxyAuthRequest, digest string) (*types.ProxyAuthResponse, error) {
	statuses, err := c.registry.ListWorkerStatuses(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	selected, err := SelectWorker(statuses, req.App, types.AppModeInteractive, req.Protocol,
		SlotPreference{Port: req.Port, Subdomain: req.Subdomain})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var authSecret string
	if !req.OpenToPublic {
		if authSecret, err = secret.New(); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	circuit := types.Circuit{
		App:              req.App,
		Protocol:         req.Protocol,
		Worker:           selected.Authority,
		AppMode:          types.AppModeInteractive,
		Envs:             req.Envs,
		Arguments:        req.Arguments,
		OpenToPublic:     req.OpenToPublic,
		AllowedClientIPs: req.AllowedClientIPs,
		Port:             req.Port,
		Subdomain:        req.Subdomain,
		UserID:           token.Session.UserUUID,
		RouteInfo: []types.RouteInfo{{
			SessionID:    req.SessionID,
			KernelHost:   token.KernelHost,
			KernelPort:   token.KernelPort,
			Protocol:     req.Protocol,
			TrafficRatio: 1,
		}},
		SessionIDs:  []string{req.SessionID},
		AuthSecret:  authSecret,
		Fingerprint: digest,
	}
	created, err := c.registry.CreateCircuit(ctx, &selected.Worker, circuit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	circuitsCreated.WithLabelValues(string(types.AppModeInteractive)).Inc()
	c.log.InfoContext(ctx, "Created circuit",
		"circuit", created.ID, "app", created.App, "worker", created.Worker, "slot", created.SlotKey())

	if err := c.bus.Publish(ctx, events.CircuitCreated(*created)); err != nil {
		c.log.WarnContext(ctx, "Failed to publish circuit creation", "circuit", created.ID, "error", err)
	}
	if err := c.provision(ctx, &selected.Worker, created); err != nil {
		// The record stays: the worker converges from the bus and a
		// Manager retry lands on the reuse path.
		return nil, trace.Wrap(err)
	}
	return &types.ProxyAuthResponse{
		RedirectURL: c.redirectURL(&selected.Worker, created),
		Reuse:       false,
		CircuitID:   created.ID,
	}, nil
}

// provision pushes the circuit to the worker's live nodes. When the
// RPC fast path fails, the worker can still converge from the event
// stream; delivery only counts as failed once neither path produced an
// install acknowledgment within the delivery window.
func (c *Coordinator) provision(ctx context.Context, worker *types.Worker, circuit *types.Circuit) error {
	nodes, err := c.registry.ListNodes(ctx, worker.Authority)
	if err != nil {
		return trace.Wrap(err)
	}
	rpcErr := c.cfg.Provisioner.InstallCircuit(ctx, nodesOrWorker(nodes, worker), *circuit)
	if rpcErr == nil {
		return nil
	}
	provisionFailures.Inc()
	c.log.WarnContext(ctx, "Circuit install RPC failed, waiting for event delivery",
		"circuit", circuit.ID, "worker", worker.Authority, "error", rpcErr)
	if err := c.registry.WaitCircuitAck(ctx, circuit.ID, defaults.CircuitDeliveryWindow); err != nil {
		deliveryFailures.Inc()
		return apperr.WithCode(apperr.CodeEventNotDelivered,
			trace.ConnectionProblem(rpcErr, "worker %q did not install circuit %v within %v",
				worker.Authority, circuit.ID, defaults.CircuitDeliveryWindow))
	}
	c.log.InfoContext(ctx, "Circuit delivered over the event stream", "circuit", circuit.ID, "worker", worker.Authority)
	return nil
}

// RemoveCircuit tears a circuit down: records first, then the removal
// event, then best-effort uninstall RPCs.
func (c *Coordinator) RemoveCircuit(ctx context.Context, id, reason string) (*types.Circuit, error) {
	circuit, err := c.registry.RemoveCircuit(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	circuitsRemoved.WithLabelValues(reason).Inc()
	c.log.InfoContext(ctx, "Removed circuit", "circuit", id, "worker", circuit.Worker, "reason", reason)
	if err := c.bus.Publish(ctx, events.CircuitRemoved(*circuit)); err != nil {
		c.log.WarnContext(ctx, "Failed to publish circuit removal", "circuit", id, "error", err)
	}
	if reason == removeReasonWorker {
		// The worker is going away with its nodes, skip the RPCs.
		return circuit, nil
	}
	worker, err := c.registry.GetWorker(ctx, circuit.Worker)
	if err != nil {
		return circuit, nil
	}
	nodes, err := c.registry.ListNodes(ctx, circuit.Worker)
	if err != nil {
		return circuit, nil
	}
	if err := c.cfg.Provisioner.UninstallCircuit(ctx, nodesOrWorker(nodes, worker), id); err != nil {
		c.log.WarnContext(ctx, "Circuit uninstall RPC failed", "circuit", id, "error", err)
	}
	return circuit, nil
}

// BulkRemoveCircuits removes many circuits, skipping unknown ids.
func (c *Coordinator) BulkRemoveCircuits(ctx context.Context, ids []string) (int, error) {
	removed := 0
	var errs []error
	for _, id := range ids {
		if _, err := c.RemoveCircuit(ctx, id, removeReasonAPI); err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, trace.NewAggregate(errs...)
}

// UpsertEndpoint creates or replaces an inference endpoint and its
// circuit. The circuit's route table is replaced atomically with the
// flattened app routes of the request.
func (c *Coordinator) UpsertEndpoint(ctx context.Context, id string, req types.EndpointUpdateRequest) (*types.EndpointResponse, error) {
	if id == "" {
		return nil, trace.BadParameter("missing parameter id")
	}
	if err := req.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	endpoint, err := c.registry.GetEndpoint(ctx, id)
	if err != nil {
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		endpoint = &types.Endpoint{ID: id}
	}
	endpoint.ServiceName = req.ServiceName
	endpoint.Tags = req.Tags
	endpoint.OpenToPublic = req.OpenToPublic
	if req.Port != 0 {
		endpoint.Port = req.Port
	}
	if req.Subdomain != "" {
		endpoint.Subdomain = req.Subdomain
	}
	if req.TTLSeconds != nil {
		if *req.TTLSeconds > 0 {
			endpoint.TTLSeconds = req.TTLSeconds
		} else {
			endpoint.TTLSeconds = nil
		}
	}
	apps := make(map[string][]types.RouteInfo, len(req.Apps))
	for name, specs := range req.Apps {
		routes := make([]types.RouteInfo, 0, len(specs))
		for i := range specs {
			route := specs[i].RouteInfo()
			if err := route.CheckAndSetDefaults(); err != nil {
				return nil, trace.Wrap(err)
			}
			routes = append(routes, route)
		}
		apps[name] = routes
	}
	endpoint.Apps = apps
	routes := endpoint.Routes()

	var circuit *types.Circuit
	if endpoint.CircuitID != "" {
		circuit, err = c.registry.GetCircuit(ctx, endpoint.CircuitID)
		if err != nil && !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
	}

	var worker *types.Worker
	if circuit != nil {
		circuit, err = c.registry.UpdateCircuit(ctx, circuit.ID, func(cc *types.Circuit) error {
			cc.RouteInfo = routes
			cc.OpenToPublic = endpoint.OpenToPublic
			return nil
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if worker, err = c.registry.GetWorker(ctx, circuit.Worker); err != nil {
			return nil, trace.Wrap(err)
		}
		if endpoint, err = c.registry.PutEndpoint(ctx, *endpoint); err != nil {
			return nil, trace.Wrap(err)
		}
		if err := c.bus.Publish(ctx, events.CircuitUpdated(*circuit)); err != nil {
			c.log.WarnContext(ctx, "Failed to publish circuit update", "circuit", circuit.ID, "error", err)
		}
		if err := c.provision(ctx, worker, circuit); err != nil {
			return nil, trace.Wrap(err)
		}
	} else {
		protocol := types.ProtocolHTTP
		if len(routes) > 0 {
			protocol = routes[0].Protocol
		}
		statuses, err := c.registry.ListWorkerStatuses(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		selected, err := SelectWorker(statuses, endpoint.ServiceName, types.AppModeInference, protocol,
			SlotPreference{Port: endpoint.Port, Subdomain: endpoint.Subdomain})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		worker = &selected.Worker
		circuit, err = c.registry.CreateCircuit(ctx, worker, types.Circuit{
			Protocol:     protocol,
			Worker:       selected.Authority,
			AppMode:      types.AppModeInference,
			OpenToPublic: endpoint.OpenToPublic,
			Port:         endpoint.Port,
			Subdomain:    endpoint.Subdomain,
			EndpointID:   id,
			RouteInfo:    routes,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		circuitsCreated.WithLabelValues(string(types.AppModeInference)).Inc()
		c.log.InfoContext(ctx, "Created circuit",
			"circuit", circuit.ID, "endpoint", id, "worker", circuit.Worker, "slot", circuit.SlotKey())
		endpoint.CircuitID = circuit.ID
		if endpoint, err = c.registry.PutEndpoint(ctx, *endpoint); err != nil {
			return nil, trace.Wrap(err)
		}
		if err := c.bus.Publish(ctx, events.CircuitCreated(*circuit)); err != nil {
			c.log.WarnContext(ctx, "Failed to publish circuit creation", "circuit", circuit.ID, "error", err)
		}
		if err := c.provision(ctx, worker, circuit); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	return &types.EndpointResponse{
		Endpoint:  *endpoint,
		CircuitID: circuit.ID,
		AccessURL: c.circuitURL(worker, circuit),
	}, nil
}

// RemoveEndpoint deletes the endpoint, its circuit and every api token
// minted for it.
func (c *Coordinator) RemoveEndpoint(ctx context.Context, id string) error {
	endpoint, err := c.registry.GetEndpoint(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if endpoint.CircuitID != "" {
		if _, err := c.RemoveCircuit(ctx, endpoint.CircuitID, removeReasonEndpoint); err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
	}
	if err := c.registry.RemoveEndpoint(ctx, id); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	revoked, err := c.registry.RemoveEndpointTokens(ctx, id)
	if err != nil {
		c.log.WarnContext(ctx, "Failed to revoke endpoint tokens", "endpoint", id, "error", err)
	} else if revoked > 0 {
		c.log.InfoContext(ctx, "Revoked endpoint tokens", "endpoint", id, "count", revoked)
	}
	return nil
}

// MintEndpointToken signs a bearer token for a non-public endpoint and
// records it for revocation.
func (c *Coordinator) MintEndpointToken(ctx context.Context, endpointID string, req types.EndpointTokenRequest) (string, error) {
	if req.UserUUID == "" {
		return "", trace.BadParameter("missing parameter user_uuid")
	}
	if _, err := c.registry.GetEndpoint(ctx, endpointID); err != nil {
		return "", trace.Wrap(err)
	}
	now := c.clock.Now().UTC()
	exp := now.Add(defaults.EndpointTokenTTL)
	if req.Exp > 0 {
		exp = time.Unix(req.Exp, 0).UTC()
	}
	if !exp.After(now) {
		return "", trace.BadParameter("token expiry is in the past")
	}
	jti := uuid.NewString()
	signed, err := types.SignAPIToken(c.cfg.TokenSigningKey, types.APITokenClaims{
		EndpointID: endpointID,
		UserUUID:   req.UserUUID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   req.UserUUID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	if err := c.registry.CreateAPIToken(ctx, types.APIToken{
		ID:         jti,
		EndpointID: endpointID,
		UserUUID:   req.UserUUID,
		ExpiresAt:  exp,
		CreatedAt:  now,
	}); err != nil {
		return "", trace.Wrap(err)
	}
	return signed, nil
}

// CircuitStatistics merges the circuit record with its worker-flushed
// counters and the idle TTL of the owning endpoint.
func (c *Coordinator) CircuitStatistics(ctx context.Context, id string) (*types.CircuitStatisticsResponse, error) {
	circuit, err := c.registry.GetCircuit(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp := &types.CircuitStatisticsResponse{
		Circuit:    *circuit,
		LastAccess: circuit.CreatedAt,
	}
	stats, err := c.registry.GetCircuitStats(ctx, id)
	if err == nil {
		resp.Requests = stats.Requests
		if stats.LastAccess.After(resp.LastAccess) {
			resp.LastAccess = stats.LastAccess
		}
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	if circuit.EndpointID != "" {
		if endpoint, err := c.registry.GetEndpoint(ctx, circuit.EndpointID); err == nil {
			resp.TTLSeconds = endpoint.TTLSeconds
		}
	}
	return resp, nil
}

// RegisterWorker registers or refreshes a worker authority and
// announces it on the bus.
func (c *Coordinator) RegisterWorker(ctx context.Context, worker types.Worker) (*types.Worker, error) {
	registered, err := c.registry.UpsertWorker(ctx, worker)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.log.InfoContext(ctx, "Registered worker",
		"worker", registered.Authority, "mode", registered.FrontendMode, "protocol", registered.Protocol)
	if err := c.bus.Publish(ctx, events.WorkerRegistered(registered.Authority)); err != nil {
		c.log.WarnContext(ctx, "Failed to publish worker registration", "worker", registered.Authority, "error", err)
	}
	return registered, nil
}

// RemoveWorker unregisters a worker and removes every circuit bound to
// it.
func (c *Coordinator) RemoveWorker(ctx context.Context, idOrAuthority string) error {
	worker, err := c.registry.FindWorker(ctx, idOrAuthority)
	if err != nil {
		return trace.Wrap(err)
	}
	circuits, err := c.registry.ListWorkerCircuits(ctx, worker.Authority)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, circuit := range circuits {
		if _, err := c.RemoveCircuit(ctx, circuit.ID, removeReasonWorker); err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
	}
	if err := c.registry.RemoveWorker(ctx, worker.Authority); err != nil {
		return trace.Wrap(err)
	}
	c.log.InfoContext(ctx, "Removed worker", "worker", worker.Authority, "circuits", len(circuits))
	if err := c.bus.Publish(ctx, events.WorkerRemoved(worker.Authority)); err != nil {
		c.log.WarnContext(ctx, "Failed to publish worker removal", "worker", worker.Authority, "error", err)
	}
	return nil
}

// HealthStatus aggregates the live fleet for the Manager.
func (c *Coordinator) HealthStatus(ctx context.Context) (*types.HealthStatusResponse, error) {
	statuses, err := c.registry.ListWorkerStatuses(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	circuits, err := c.registry.ListCircuits(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &types.HealthStatusResponse{
		Status:   "ok",
		Version:  appproxy.Version,
		Workers:  statuses,
		Circuits: len(circuits),
	}, nil
}

// circuitURL is the client-facing base URL of a circuit.
func (c *Coordinator) circuitURL(worker *types.Worker, circuit *types.Circuit) string {
	scheme := "http"
	if worker.UseTLS {
		scheme = "https"
	}
	var host string
	var port int
	switch circuit.FrontendMode {
	case types.FrontendModeWildcard:
		host = circuit.Subdomain + "." + worker.WildcardDomain
		port = worker.WildcardTrafficPort
	default:
		host = worker.Hostname
		port = circuit.Port
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: "/"}
	if (scheme == "https" && port == 443) || (scheme == "http" && port == 80) {
		u.Host = host
	}
	return u.String()
}

// redirectURL is circuitURL plus the permit handoff for non-public
// interactive circuits: the query parameter is exchanged for the
// admission cookie on first contact with the worker.
func (c *Coordinator) redirectURL(worker *types.Worker, circuit *types.Circuit) string {
	base := c.circuitURL(worker, circuit)
	if circuit.AppMode != types.AppModeInteractive || circuit.OpenToPublic || circuit.AuthSecret == "" {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set(appproxy.PermitParam, circuit.AuthSecret)
	u.RawQuery = q.Encode()
	return u.String()
}
