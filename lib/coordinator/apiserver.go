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
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lablup/appproxy"
	"github.com/lablup/appproxy/lib/httplib"
	"github.com/lablup/appproxy/lib/secret"
	"github.com/lablup/appproxy/lib/types"
)

// APIServer is the REST surface of the coordinator, serving both the
// Manager (/v2) and the worker fleet (/api).
type APIServer struct {
	httprouter.Router

	c   *Coordinator
	log *slog.Logger
}

// NewAPIServer returns the coordinator API handler.
func NewAPIServer(c *Coordinator) *APIServer {
	s := &APIServer{
		c:   c,
		log: slog.With(appproxy.ComponentKey, appproxy.ComponentCoordinator),
	}

	// Manager surface.
	s.POST("/v2/conf", s.managerOnly(s.createConfToken))
	// The proxy subtree mixes a static path with the legacy tokenized
	// one, which httprouter cannot hold in one tree; dispatch manually.
	s.GET("/v2/proxy/*rest", httplib.MakeHandler(s.proxyDispatch))
	s.POST("/v2/endpoints/:id", s.managerOnly(s.upsertEndpoint))
	s.DELETE("/v2/endpoints/:id", s.managerOnly(s.deleteEndpoint))
	s.POST("/v2/endpoints/:id/token", s.managerOnly(s.mintEndpointToken))

	// Worker surface.
	s.GET("/api/circuit/:id", s.workerOnly(s.getCircuit))
	s.GET("/api/circuit/:id/statistics", s.workerOnly(s.circuitStatistics))
	s.DELETE("/api/circuit/:id", s.workerOnly(s.deleteCircuit))
	s.DELETE("/api/circuit/:id/bulk", s.workerOnly(s.bulkDeleteCircuits))
	s.GET("/api/slots", s.workerOnly(s.listSlots))
	s.PUT("/api/worker", s.workerOnly(s.registerWorker))
	s.GET("/api/worker", s.workerOnly(s.listWorkers))
	s.GET("/api/worker/:id", s.workerOnly(s.getWorker))
	s.PATCH("/api/worker/:id", s.workerOnly(s.patchWorker))
	s.DELETE("/api/worker/:id", s.workerOnly(s.deleteWorker))
	s.GET("/api/worker/:id/circuits", s.workerOnly(s.workerCircuits))

	s.GET("/health", httplib.MakeHandler(s.health))
	s.GET("/health/status", s.managerOnly(s.healthStatus))
	s.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	s.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httplib.ReplyError(w, trace.NotFound("path %v not found", r.URL.Path))
	})
	return s
}

// withAuth guards a handler with a shared-secret audience check.
func (s *APIServer) withAuth(audience, token string, fn httplib.HandlerFunc) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		presented := r.Header.Get(appproxy.TokenHeader)
		if presented == "" || !secret.Equal(presented, token) {
			return nil, trace.AccessDenied("invalid or missing %v api token", audience)
		}
		return fn(w, r, p)
	})
}

func (s *APIServer) managerOnly(fn httplib.HandlerFunc) httprouter.Handle {
	return s.withAuth("manager", s.c.cfg.ManagerToken, fn)
}

func (s *APIServer) workerOnly(fn httplib.HandlerFunc) httprouter.Handle {
	return s.withAuth("worker", s.c.cfg.WorkerToken, fn)
}

// createConfToken handles POST /v2/conf.
func (s *APIServer) createConfToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req types.ConfRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	token, err := s.c.IssueConfToken(r.Context(), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &types.ConfResponse{Token: token.Token}, nil
}

// proxyDispatch fans /v2/proxy/auth and the legacy
// /v2/proxy/{token}/{session_id}/add out of the catch-all route.
func (s *APIServer) proxyDispatch(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	rest := strings.Trim(p.ByName("rest"), "/")
	parts := strings.Split(rest, "/")
	switch {
	case rest == "auth":
		return s.proxyAuth(w, r)
	case len(parts) == 3 && parts[2] == "add":
		return s.legacyProxyAdd(r, parts[0], parts[1])
	}
	return nil, trace.NotFound("path %v not found", r.URL.Path)
}

// proxyAuth redeems a confirmation token. Browsers get a 302 onto the
// circuit, API clients asking for JSON get the access info.
func (s *APIServer) proxyAuth(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	req, err := parseProxyAuthRequest(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := s.c.RedeemConfToken(r.Context(), *req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !strings.Contains(r.Header.Get("Accept"), "application/json") {
		http.Redirect(w, r, resp.RedirectURL, http.StatusFound)
		return nil, nil
	}
	return resp, nil
}

// parseProxyAuthRequest reads the redemption request from the JSON
// body, or from query parameters when the caller came through the
// legacy add URL.
func parseProxyAuthRequest(r *http.Request) (*types.ProxyAuthRequest, error) {
	var req types.ProxyAuthRequest
	if r.ContentLength != 0 {
		if err := httplib.ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
		return &req, nil
	}
	q := r.URL.Query()
	req.App = q.Get("app")
	req.Protocol = types.Protocol(q.Get("protocol"))
	req.Token = q.Get("token")
	req.SessionID = q.Get("session_id")
	req.Subdomain = q.Get("subdomain")
	if v := q.Get("port"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, trace.BadParameter("invalid port %q", v)
		}
		req.Port = port
	}
	req.OpenToPublic = q.Get("open_to_public") == "true"
	req.NoReuse = q.Get("no_reuse") == "true"
	return &req, nil
}

// legacyProxyAdd answers the legacy add alias with the URL of the
// redemption endpoint, carrying the alias's own query through.
func (s *APIServer) legacyProxyAdd(r *http.Request, token, sessionID string) (interface{}, error) {
	if token == "" || sessionID == "" {
		return nil, trace.BadParameter("token and session_id are required")
	}
	q := url.Values{}
	for key, values := range r.URL.Query() {
		for _, value := range values {
			q.Add(key, value)
		}
	}
	q.Set("token", token)
	q.Set("session_id", sessionID)
	return &types.ProxyAddResponse{URL: "/v2/proxy/auth?" + q.Encode()}, nil
}

// upsertEndpoint handles POST /v2/endpoints/{id}.
func (s *APIServer) upsertEndpoint(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req types.EndpointUpdateRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := s.c.UpsertEndpoint(r.Context(), p.ByName("id"), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return resp, nil
}

// deleteEndpoint handles DELETE /v2/endpoints/{id}.
func (s *APIServer) deleteEndpoint(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if err := s.c.RemoveEndpoint(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "ok"}, nil
}

// mintEndpointToken handles POST /v2/endpoints/{id}/token.
func (s *APIServer) mintEndpointToken(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req types.EndpointTokenRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	token, err := s.c.MintEndpointToken(r.Context(), p.ByName("id"), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &types.EndpointTokenResponse{Token: token}, nil
}

// getCircuit handles GET /api/circuit/{id}.
func (s *APIServer) getCircuit(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	circuit, err := s.c.registry.GetCircuit(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return circuit, nil
}

// circuitStatistics handles GET /api/circuit/{id}/statistics.
func (s *APIServer) circuitStatistics(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	resp, err := s.c.CircuitStatistics(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return resp, nil
}

// deleteCircuit handles DELETE /api/circuit/{id}.
func (s *APIServer) deleteCircuit(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	circuit, err := s.c.RemoveCircuit(r.Context(), p.ByName("id"), removeReasonAPI)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return circuit, nil
}

// bulkDeleteCircuits handles DELETE /api/circuit/_/bulk.
func (s *APIServer) bulkDeleteCircuits(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if p.ByName("id") != "_" {
		return nil, trace.NotFound("path %v not found", r.URL.Path)
	}
	var req types.BulkRemoveRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	removed, err := s.c.BulkRemoveCircuits(r.Context(), req.IDs)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &types.BulkRemoveResponse{Removed: removed}, nil
}

// listSlots handles GET /api/slots with optional worker and in_use
// filters.
func (s *APIServer) listSlots(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	q := r.URL.Query()
	var workers []types.Worker
	if authority := q.Get("worker"); authority != "" {
		worker, err := s.c.registry.FindWorker(r.Context(), authority)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		workers = []types.Worker{*worker}
	} else {
		var err error
		if workers, err = s.c.registry.ListWorkers(r.Context()); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	slots := make([]types.Slot, 0)
	for i := range workers {
		workerSlots, err := s.c.registry.ListSlots(r.Context(), &workers[i])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		slots = append(slots, workerSlots...)
	}
	if v := q.Get("in_use"); v != "" {
		inUse, err := strconv.ParseBool(v)
		if err != nil {
			return nil, trace.BadParameter("invalid in_use %q", v)
		}
		filtered := slots[:0]
		for _, slot := range slots {
			if slot.InUse == inUse {
				filtered = append(filtered, slot)
			}
		}
		slots = filtered
	}
	return slots, nil
}

// registerWorker handles PUT /api/worker.
func (s *APIServer) registerWorker(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var worker types.Worker
	if err := httplib.ReadJSON(r, &worker); err != nil {
		return nil, trace.Wrap(err)
	}
	registered, err := s.c.RegisterWorker(r.Context(), worker)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return registered, nil
}

// listWorkers handles GET /api/worker.
func (s *APIServer) listWorkers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	statuses, err := s.c.registry.ListWorkerStatuses(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return statuses, nil
}

// getWorker handles GET /api/worker/{id}.
func (s *APIServer) getWorker(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	worker, err := s.c.registry.FindWorker(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	status, err := s.c.registry.WorkerStatus(r.Context(), *worker)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return status, nil
}

// patchWorker handles PATCH /api/worker/{id}.
func (s *APIServer) patchWorker(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var patch types.WorkerPatch
	if err := httplib.ReadJSON(r, &patch); err != nil {
		return nil, trace.Wrap(err)
	}
	worker, err := s.c.registry.FindWorker(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	patched, err := s.c.registry.PatchWorker(r.Context(), worker.Authority, patch)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return patched, nil
}

// deleteWorker handles DELETE /api/worker/{id}.
func (s *APIServer) deleteWorker(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if err := s.c.RemoveWorker(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "ok"}, nil
}

// workerCircuits handles GET /api/worker/{id}/circuits.
func (s *APIServer) workerCircuits(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	worker, err := s.c.registry.FindWorker(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	circuits, err := s.c.registry.ListWorkerCircuits(r.Context(), worker.Authority)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return circuits, nil
}

// health handles GET /health.
func (s *APIServer) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return &types.HealthResponse{Status: "ok", Version: appproxy.Version}, nil
}

// healthStatus handles GET /health/status.
func (s *APIServer) healthStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	resp, err := s.c.HealthStatus(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return resp, nil
}
