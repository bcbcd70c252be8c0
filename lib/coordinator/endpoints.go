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
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/lablup/appproxy/lib/apperr"
	"github.com/lablup/appproxy/lib/backend"
	"github.com/lablup/appproxy/lib/types"
)

// GetEndpoint returns an inference endpoint by id.
func (r *Registry) GetEndpoint(ctx context.Context, id string) (*types.Endpoint, error) {
	if id == "" {
		return nil, trace.BadParameter("missing parameter id")
	}
	item, err := r.bk.Get(ctx, endpointKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, apperr.NotFound("endpoint %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	var endpoint types.Endpoint
	if err := json.Unmarshal(item.Value, &endpoint); err != nil {
		return nil, trace.Wrap(err)
	}
	return &endpoint, nil
}

// PutEndpoint overwrites the endpoint record.
func (r *Registry) PutEndpoint(ctx context.Context, endpoint types.Endpoint) (*types.Endpoint, error) {
	if endpoint.ID == "" {
		return nil, trace.BadParameter("missing parameter id")
	}
	endpoint.UpdatedAt = r.bk.Clock().Now().UTC()
	if endpoint.CreatedAt.IsZero() {
		endpoint.CreatedAt = endpoint.UpdatedAt
	}
	value, err := json.Marshal(endpoint)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := r.bk.Put(ctx, backend.Item{Key: endpointKey(endpoint.ID), Value: value}); err != nil {
		return nil, trace.Wrap(err)
	}
	return &endpoint, nil
}

// RemoveEndpoint deletes the endpoint record. Its circuit and tokens
// are removed by the caller.
func (r *Registry) RemoveEndpoint(ctx context.Context, id string) error {
	if err := r.bk.Delete(ctx, endpointKey(id)); err != nil {
		if trace.IsNotFound(err) {
			return apperr.NotFound("endpoint %q not found", id)
		}
		return trace.Wrap(err)
	}
	return nil
}
