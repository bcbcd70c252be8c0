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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/lablup/appproxy"
	"github.com/lablup/appproxy/lib/apperr"
	"github.com/lablup/appproxy/lib/defaults"
	"github.com/lablup/appproxy/lib/httplib"
	"github.com/lablup/appproxy/lib/types"
)

// Provisioner pushes circuit installs and uninstalls to worker nodes.
// It is the synchronous fast path; workers also converge from bus
// events, so a provisioning failure degrades latency, not correctness.
type Provisioner interface {
	// InstallCircuit installs or refreshes the circuit on the worker.
	// It succeeds when at least one node of the authority confirmed.
	InstallCircuit(ctx context.Context, nodes []types.WorkerNode, circuit types.Circuit) error
	// UninstallCircuit removes the circuit from every reachable node.
	UninstallCircuit(ctx context.Context, nodes []types.WorkerNode, circuitID string) error
}

// WorkerClient is the HTTP Provisioner speaking the worker's
// provisioning API.
type WorkerClient struct {
	client *http.Client
	secret string
	log    *slog.Logger
}

// NewWorkerClient returns a provisioner authenticating with the shared
// worker secret.
func NewWorkerClient(workerSecret string) *WorkerClient {
	return &WorkerClient{
		client: &http.Client{
			Timeout: defaults.ProvisionTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   defaults.DialTimeout,
					KeepAlive: defaults.KeepAlivePeriod,
				}).DialContext,
				MaxIdleConnsPerHost:   defaults.MaxIdleConnsPerHost,
				IdleConnTimeout:       defaults.IdleConnTimeout,
				ResponseHeaderTimeout: defaults.ReadHeadersTimeout,
			},
		},
		secret: workerSecret,
		log:    slog.With(appproxy.ComponentKey, appproxy.ComponentCoordinator),
	}
}

// InstallCircuit implements Provisioner. Nodes are tried in order
// until one confirms; with every node down the caller falls back to
// event-driven convergence and reports the worker unresponsive.
func (c *WorkerClient) InstallCircuit(ctx context.Context, nodes []types.WorkerNode, circuit types.Circuit) error {
	body, err := json.Marshal(circuit)
	if err != nil {
		return trace.Wrap(err)
	}
	var errors []error
	for _, node := range nodes {
		err := c.do(ctx, http.MethodPut, node, "/circuits/"+circuit.ID, body)
		if err == nil {
			return nil
		}
		c.log.WarnContext(ctx, "Circuit install RPC failed",
			"circuit", circuit.ID, "node", node.ID, "addr", nodeAddr(node), "error", err)
		errors = append(errors, err)
	}
	return apperr.WithCode(apperr.CodeWorkerNotResponding,
		trace.ConnectionProblem(trace.NewAggregate(errors...), "no node of worker %q confirmed circuit %v", circuit.Worker, circuit.ID))
}

// UninstallCircuit implements Provisioner. Unreachable nodes converge
// from the circuit.removed event, so individual failures are logged
// and swallowed.
func (c *WorkerClient) UninstallCircuit(ctx context.Context, nodes []types.WorkerNode, circuitID string) error {
	for _, node := range nodes {
		err := c.do(ctx, http.MethodDelete, node, "/circuits/"+circuitID, nil)
		if err != nil && !trace.IsNotFound(err) {
			c.log.WarnContext(ctx, "Circuit uninstall RPC failed",
				"circuit", circuitID, "node", node.ID, "addr", nodeAddr(node), "error", err)
		}
	}
	return nil
}

func (c *WorkerClient) do(ctx context.Context, method string, node types.WorkerNode, path string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, defaults.ProvisionTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("http://%s%s", nodeAddr(node), path), reader)
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set(appproxy.TokenHeader, c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "worker node %v is not responding", nodeAddr(node))
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return trace.Wrap(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return trace.Wrap(httplib.ErrorFromResponse(resp.StatusCode, payload))
	}
	return nil
}

func nodeAddr(node types.WorkerNode) string {
	return net.JoinHostPort(node.Hostname, strconv.Itoa(node.APIPort))
}

// nodesOrWorker falls back to the worker's registration address when
// no node heartbeat is live yet, which happens right after a fresh
// registration.
func nodesOrWorker(nodes []types.WorkerNode, worker *types.Worker) []types.WorkerNode {
	if len(nodes) > 0 {
		return nodes
	}
	return []types.WorkerNode{{
		ID:        worker.ID,
		Authority: worker.Authority,
		Hostname:  worker.Hostname,
		APIPort:   worker.APIPort,
	}}
}

// stubProvisioner drops provisioning RPCs on the floor; convergence is
// left entirely to the event path. Used by tests and by deployments
// where workers cannot be dialed back.
type stubProvisioner struct{}

func (stubProvisioner) InstallCircuit(ctx context.Context, nodes []types.WorkerNode, circuit types.Circuit) error {
	return nil
}

func (stubProvisioner) UninstallCircuit(ctx context.Context, nodes []types.WorkerNode, circuitID string) error {
	return nil
}

// NewEventOnlyProvisioner returns a Provisioner that skips the RPC
// fast path.
func NewEventOnlyProvisioner() Provisioner {
	return stubProvisioner{}
}
