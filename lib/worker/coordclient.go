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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gravitational/trace"

	"github.com/lablup/appproxy"
	"github.com/lablup/appproxy/lib/defaults"
	"github.com/lablup/appproxy/lib/httplib"
	"github.com/lablup/appproxy/lib/types"
)

// maxResponseBytes caps coordinator API response bodies.
const maxResponseBytes = 4 << 20

// CoordClient calls the coordinator's worker-facing REST API,
// authenticating with the shared worker secret.
type CoordClient struct {
	base   *url.URL
	secret string
	client *http.Client
}

// NewCoordClient returns a client for the coordinator at baseURL.
func NewCoordClient(baseURL, workerSecret string) (*CoordClient, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, trace.BadParameter("invalid coordinator url %q: %v", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, trace.BadParameter("coordinator url %q must be http or https", baseURL)
	}
	return &CoordClient{
		base:   base,
		secret: workerSecret,
		client: &http.Client{
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
	}, nil
}

// RegisterWorker announces this authority to the coordinator and
// returns the registered record carrying the assigned worker id.
func (c *CoordClient) RegisterWorker(ctx context.Context, worker types.Worker) (*types.Worker, error) {
	var registered types.Worker
	if err := c.do(ctx, http.MethodPut, "/api/worker", worker, &registered); err != nil {
		return nil, trace.Wrap(err)
	}
	return &registered, nil
}

// WorkerCircuits fetches every circuit bound to the authority, the
// reconciliation source of truth after event gaps.
func (c *CoordClient) WorkerCircuits(ctx context.Context, authority string) ([]types.Circuit, error) {
	var circuits []types.Circuit
	if err := c.do(ctx, http.MethodGet, "/api/worker/"+url.PathEscape(authority)+"/circuits", nil, &circuits); err != nil {
		return nil, trace.Wrap(err)
	}
	return circuits, nil
}

func (c *CoordClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return trace.Wrap(err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set(appproxy.TokenHeader, c.secret)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "coordinator at %v is not responding", c.base)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return trace.Wrap(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return trace.Wrap(httplib.ErrorFromResponse(resp.StatusCode, payload))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return trace.Wrap(err, "decoding coordinator response")
	}
	return nil
}
