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
	"time"

	"github.com/gravitational/trace"
)

// ConfRequest is the Manager request exchanging kernel and session
// info for a single-use confirmation token.
type ConfRequest struct {
	KernelHost string      `json:"kernel_host"`
	KernelPort int         `json:"kernel_port"`
	Session    SessionInfo `json:"session"`
}

// CheckAndSetDefaults validates the request.
func (r *ConfRequest) CheckAndSetDefaults() error {
	if r.KernelHost == "" {
		return trace.BadParameter("missing parameter kernel_host")
	}
	if r.KernelPort <= 0 || r.KernelPort > 65535 {
		return trace.BadParameter("invalid kernel_port %v", r.KernelPort)
	}
	if r.Session.UserUUID == "" {
		return trace.BadParameter("missing parameter session.user_uuid")
	}
	return nil
}

// ConfResponse returns the minted confirmation token.
type ConfResponse struct {
	Token string `json:"token"`
}

// ProxyAuthRequest redeems a confirmation token into an interactive
// circuit.
type ProxyAuthRequest struct {
	App              string            `json:"app"`
	Protocol         Protocol          `json:"protocol"`
	Token            string            `json:"token"`
	SessionID        string            `json:"session_id"`
	Envs             map[string]string `json:"envs,omitempty"`
	Arguments        *string           `json:"arguments,omitempty"`
	OpenToPublic     bool              `json:"open_to_public"`
	AllowedClientIPs []string          `json:"allowed_client_ips,omitempty"`
	// Port and Subdomain are optional preferred ingress keys.
	Port      int    `json:"port,omitempty"`
	Subdomain string `json:"subdomain,omitempty"`
	// NoReuse forces creation of a fresh circuit even when an
	// equivalent one exists.
	NoReuse bool `json:"no_reuse,omitempty"`
}

// CheckAndSetDefaults validates the request and fills defaults.
func (r *ProxyAuthRequest) CheckAndSetDefaults() error {
	if r.App == "" {
		return trace.BadParameter("missing parameter app")
	}
	if r.Token == "" {
		return trace.BadParameter("missing parameter token")
	}
	if r.SessionID == "" {
		return trace.BadParameter("missing parameter session_id")
	}
	if r.Protocol == "" {
		r.Protocol = ProtocolHTTP
	}
	if err := r.Protocol.Check(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// ProxyAuthResponse carries the access info of the created or reused
// circuit.
type ProxyAuthResponse struct {
	RedirectURL string `json:"redirect_url"`
	Reuse       bool   `json:"reuse"`
	CircuitID   string `json:"circuit_id"`
}

// ProxyAddResponse is the legacy add-endpoint reply pointing the
// client at the token redemption URL.
type ProxyAddResponse struct {
	URL string `json:"url"`
}

// EndpointUpdateRequest creates or replaces the state of an inference
// endpoint and its circuit.
type EndpointUpdateRequest struct {
	ServiceName string            `json:"service_name,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	// Apps maps app names to backend replicas. The whole route table
	// of the circuit is replaced atomically with the union of all
	// entries.
	Apps         map[string][]RouteSpec `json:"apps"`
	OpenToPublic bool                   `json:"open_to_public"`
	// Port and Subdomain are optional preferred ingress keys, honored
	// on circuit creation only.
	Port      int    `json:"port,omitempty"`
	Subdomain string `json:"subdomain,omitempty"`
	// TTLSeconds enables idle eviction of the circuit. Nil keeps the
	// previous value, zero and below clears it.
	TTLSeconds *int64 `json:"ttl_seconds,omitempty"`
}

// RouteSpec is one backend replica in an endpoint update.
type RouteSpec struct {
	SessionID   string   `json:"session_id,omitempty"`
	SessionName string   `json:"session_name,omitempty"`
	KernelHost  string   `json:"kernel_host"`
	KernelPort  int      `json:"kernel_port"`
	Protocol    Protocol `json:"protocol,omitempty"`
	// TrafficRatio defaults to 1 when omitted.
	TrafficRatio *float64 `json:"traffic_ratio,omitempty"`
}

// RouteInfo converts the spec into a route record, applying defaults.
func (r *RouteSpec) RouteInfo() RouteInfo {
	ratio := 1.0
	if r.TrafficRatio != nil {
		ratio = *r.TrafficRatio
	}
	return RouteInfo{
		SessionID:    r.SessionID,
		SessionName:  r.SessionName,
		KernelHost:   r.KernelHost,
		KernelPort:   r.KernelPort,
		Protocol:     r.Protocol,
		TrafficRatio: ratio,
	}
}

// CheckAndSetDefaults validates the update request.
func (r *EndpointUpdateRequest) CheckAndSetDefaults() error {
	for app, routes := range r.Apps {
		if app == "" {
			return trace.BadParameter("empty app name in apps")
		}
		for i := range routes {
			route := routes[i].RouteInfo()
			if err := route.CheckAndSetDefaults(); err != nil {
				return trace.Wrap(err, "app %q route %d", app, i)
			}
		}
	}
	return nil
}

// EndpointResponse carries the updated endpoint and its access point.
type EndpointResponse struct {
	Endpoint  Endpoint `json:"endpoint"`
	CircuitID string   `json:"circuit_id"`
	AccessURL string   `json:"access_url"`
}

// EndpointTokenRequest mints a bearer token for a non-public endpoint.
type EndpointTokenRequest struct {
	UserUUID string `json:"user_uuid"`
	// Exp is the expiry as unix seconds. Zero applies the default
	// token lifetime.
	Exp int64 `json:"exp,omitempty"`
}

// EndpointTokenResponse returns the signed bearer token.
type EndpointTokenResponse struct {
	Token string `json:"token"`
}

// CircuitStatisticsResponse is the circuit record merged with its
// worker-reported counters.
type CircuitStatisticsResponse struct {
	Circuit    Circuit   `json:"circuit"`
	Requests   int64     `json:"requests"`
	LastAccess time.Time `json:"last_access"`
	// TTLSeconds is the idle eviction TTL of the owning endpoint, nil
	// for interactive circuits and endpoints without one.
	TTLSeconds *int64 `json:"ttl_seconds,omitempty"`
}

// BulkRemoveRequest removes many circuits in one call.
type BulkRemoveRequest struct {
	IDs []string `json:"ids"`
}

// BulkRemoveResponse reports how many circuits were removed.
type BulkRemoveResponse struct {
	Removed int `json:"removed"`
}

// WorkerPatch is a partial worker update. Nil fields keep their
// current values.
type WorkerPatch struct {
	AcceptedTraffics []AppMode   `json:"accepted_traffics,omitempty"`
	AppFilters       []AppFilter `json:"app_filters,omitempty"`
	FilteredAppsOnly *bool       `json:"filtered_apps_only,omitempty"`
}

// HealthResponse is the liveness reply.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// WorkerHealthResponse is the worker liveness reply.
type WorkerHealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Circuits int    `json:"circuits"`
}

// HealthStatusResponse aggregates the live worker fleet.
type HealthStatusResponse struct {
	Status   string         `json:"status"`
	Version  string         `json:"version"`
	Workers  []WorkerStatus `json:"workers"`
	Circuits int            `json:"circuits"`
}
