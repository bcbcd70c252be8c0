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
	"github.com/lablup/appproxy/lib/defaults"
	"github.com/lablup/appproxy/lib/secret"
	"github.com/lablup/appproxy/lib/types"
)

// CreateConfToken mints a single-use confirmation token binding the
// kernel endpoint and user identity snapshot from the Manager. The
// record expires on its own if never redeemed.
func (r *Registry) CreateConfToken(ctx context.Context, req types.ConfRequest) (*types.ConfirmationToken, error) {
	if err := req.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	opaque, err := secret.New()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	token := types.ConfirmationToken{
		Token:      opaque,
		KernelHost: req.KernelHost,
		KernelPort: req.KernelPort,
		Session:    req.Session,
		CreatedAt:  r.bk.Clock().Now().UTC(),
	}
	value, err := json.Marshal(token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	_, err = r.bk.Create(ctx, backend.Item{
		Key:     confTokenKey(token.Token),
		Value:   value,
		Expires: r.bk.Clock().Now().UTC().Add(defaults.ConfirmationTokenTTL),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &token, nil
}

// ConsumeConfToken redeems a confirmation token, destroying it. The
// delete is the arbiter: whichever concurrent caller deletes the
// record wins, every other consumption of the same token reports not
// found. Expired tokens look the same as unknown ones.
func (r *Registry) ConsumeConfToken(ctx context.Context, opaque string) (*types.ConfirmationToken, error) {
	if opaque == "" {
		return nil, trace.BadParameter("missing parameter token")
	}
	item, err := r.bk.Get(ctx, confTokenKey(opaque))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, apperr.NotFound("token not found or already used")
		}
		return nil, trace.Wrap(err)
	}
	if err := r.bk.Delete(ctx, confTokenKey(opaque)); err != nil {
		if trace.IsNotFound(err) {
			return nil, apperr.NotFound("token not found or already used")
		}
		return nil, trace.Wrap(err)
	}
	var token types.ConfirmationToken
	if err := json.Unmarshal(item.Value, &token); err != nil {
		return nil, trace.Wrap(err)
	}
	return &token, nil
}

// RestoreConfToken re-creates a consumed confirmation token with its
// original expiry, undoing the consumption of a redemption that failed
// before a circuit bound to it. The failed consumer is the sole holder
// of the token, so the create only conflicts when the Manager already
// redeemed a restored copy.
func (r *Registry) RestoreConfToken(ctx context.Context, token types.ConfirmationToken) error {
	expires := token.CreatedAt.Add(defaults.ConfirmationTokenTTL)
	if !expires.After(r.bk.Clock().Now()) {
		return nil
	}
	value, err := json.Marshal(token)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = r.bk.Create(ctx, backend.Item{
		Key:     confTokenKey(token.Token),
		Value:   value,
		Expires: expires,
	})
	if err != nil && !trace.IsAlreadyExists(err) {
		return trace.Wrap(err)
	}
	return nil
}

// CreateAPIToken stores the revocable server-side record of an
// endpoint API token. The record expires with the token itself.
func (r *Registry) CreateAPIToken(ctx context.Context, record types.APIToken) error {
	if record.ID == "" {
		return trace.BadParameter("missing parameter id")
	}
	if record.EndpointID == "" {
		return trace.BadParameter("missing parameter endpoint_id")
	}
	value, err := json.Marshal(record)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = r.bk.Create(ctx, backend.Item{
		Key:     apiTokenKey(record.ID),
		Value:   value,
		Expires: record.ExpiresAt,
	})
	return trace.Wrap(err)
}

// GetAPIToken looks up the record of a token id. NotFound means the
// token was revoked or expired; the bearer JWT alone is not enough.
func (r *Registry) GetAPIToken(ctx context.Context, jti string) (*types.APIToken, error) {
	if jti == "" {
		return nil, trace.BadParameter("missing parameter jti")
	}
	item, err := r.bk.Get(ctx, apiTokenKey(jti))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, apperr.NotFound("api token %q not found", jti)
		}
		return nil, trace.Wrap(err)
	}
	var record types.APIToken
	if err := json.Unmarshal(item.Value, &record); err != nil {
		return nil, trace.Wrap(err)
	}
	return &record, nil
}

// RemoveEndpointTokens revokes every api token of an endpoint and
// returns how many were removed.
func (r *Registry) RemoveEndpointTokens(ctx context.Context, endpointID string) (int, error) {
	prefix := apiTokensPrefix()
	result, err := r.bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	removed := 0
	for _, item := range result.Items {
		var record types.APIToken
		if err := json.Unmarshal(item.Value, &record); err != nil {
			continue
		}
		if record.EndpointID != endpointID {
			continue
		}
		if err := r.bk.Delete(ctx, item.Key); err != nil && !trace.IsNotFound(err) {
			return removed, trace.Wrap(err)
		}
		removed++
	}
	return removed, nil
}
