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
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lablup/appproxy"
	"github.com/lablup/appproxy/lib/httplib"
	"github.com/lablup/appproxy/lib/secret"
	"github.com/lablup/appproxy/lib/types"
)

// APIServer is the worker's provisioning surface, called by the
// coordinator to push circuit installs and removals ahead of the
// event bus.
type APIServer struct {
	httprouter.Router

	w   *Worker
	log *slog.Logger
}

// NewAPIServer returns the worker API handler.
func NewAPIServer(w *Worker) *APIServer {
	s := &APIServer{
		w:   w,
		log: slog.With(appproxy.ComponentKey, appproxy.ComponentWorker),
	}

	s.PUT("/circuits/:id", s.withAuth(s.installCircuit))
	s.DELETE("/circuits/:id", s.withAuth(s.uninstallCircuit))
	s.GET("/circuits", s.withAuth(s.listCircuits))

	s.GET("/healthz", httplib.MakeHandler(s.health))
	s.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	s.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httplib.ReplyError(w, trace.NotFound("path %v not found", r.URL.Path))
	})
	return s
}

// withAuth guards a handler with the shared worker secret.
func (s *APIServer) withAuth(fn httplib.HandlerFunc) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		presented := r.Header.Get(appproxy.TokenHeader)
		if presented == "" || !secret.Equal(presented, s.w.cfg.APISecret) {
			return nil, trace.AccessDenied("invalid or missing worker api token")
		}
		return fn(w, r, p)
	})
}

// installCircuit handles PUT /circuits/{id}.
func (s *APIServer) installCircuit(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var circuit types.Circuit
	if err := httplib.ReadJSON(r, &circuit); err != nil {
		return nil, trace.Wrap(err)
	}
	if id := p.ByName("id"); circuit.ID != id {
		return nil, trace.BadParameter("path id %q does not match circuit id %q", id, circuit.ID)
	}
	if err := s.w.InstallCircuit(r.Context(), circuit); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "ok"}, nil
}

// uninstallCircuit handles DELETE /circuits/{id}.
func (s *APIServer) uninstallCircuit(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if err := s.w.UninstallCircuit(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "ok"}, nil
}

// listCircuits handles GET /circuits, the installed view for
// operators and tests.
func (s *APIServer) listCircuits(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	handlers := s.w.frontend.handlers()
	circuits := make([]types.Circuit, 0, len(handlers))
	for _, h := range handlers {
		circuits = append(circuits, h.Circuit())
	}
	return circuits, nil
}

// health handles GET /healthz.
func (s *APIServer) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return &types.WorkerHealthResponse{
		Status:   "ok",
		Version:  appproxy.Version,
		Circuits: len(s.w.frontend.handlers()),
	}, nil
}
