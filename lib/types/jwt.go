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

package types

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
)

// APITokenClaims is the claim set of an endpoint API bearer token.
// Tokens are HS256-signed with the shared coordinator signing key so
// workers verify them without a coordinator round-trip; the jti claim
// points at the revocable server-side record.
type APITokenClaims struct {
	// EndpointID is the endpoint this token grants access to.
	EndpointID string `json:"endpoint_id"`
	// UserUUID is the user the token was minted for.
	UserUUID string `json:"user_uuid"`

	jwt.RegisteredClaims
}

// SignAPIToken signs the claims with the shared key.
func SignAPIToken(key []byte, claims APITokenClaims) (string, error) {
	if claims.ID == "" {
		return "", trace.BadParameter("missing token id")
	}
	if claims.EndpointID == "" {
		return "", trace.BadParameter("missing endpoint id")
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return signed, nil
}

// ParseAPIToken verifies the signature and expiry of a bearer token
// and returns its claims. The caller still has to check the jti record
// against the store to honor revocation.
func ParseAPIToken(key []byte, token string) (*APITokenClaims, error) {
	var claims APITokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, trace.AccessDenied("invalid api token: %v", err)
	}
	return &claims, nil
}
