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

// Package types defines the records shared between the AppProxy
// coordinator and workers: workers, slots, circuits, endpoints and
// tokens, plus the wire DTOs of the REST APIs.
//
// All records marshal to JSON both on the wire and in the store, so a
// record read back from the store equals the record written.
package types

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// FrontendMode selects how a worker exposes circuits to clients.
type FrontendMode string

const (
	// FrontendModePort assigns each circuit a TCP port out of the
	// worker's reserved port range.
	FrontendModePort FrontendMode = "port"
	// FrontendModeWildcard assigns each circuit a subdomain under the
	// worker's wildcard domain, all sharing one HTTPS listener.
	FrontendModeWildcard FrontendMode = "wildcard"
)

// Check validates the frontend mode.
func (m FrontendMode) Check() error {
	switch m {
	case FrontendModePort, FrontendModeWildcard:
		return nil
	}
	return trace.BadParameter("unsupported frontend mode %q", string(m))
}

// Protocol is the application protocol carried by a circuit.
type Protocol string

const (
	// ProtocolHTTP is plain HTTP/1.x reverse proxying.
	ProtocolHTTP Protocol = "http"
	// ProtocolGRPC is gRPC over HTTP/2.
	ProtocolGRPC Protocol = "grpc"
	// ProtocolH2 is generic HTTP/2.
	ProtocolH2 Protocol = "h2"
	// ProtocolTCP is a raw byte stream.
	ProtocolTCP Protocol = "tcp"
)

// Check validates the protocol.
func (p Protocol) Check() error {
	switch p {
	case ProtocolHTTP, ProtocolGRPC, ProtocolH2, ProtocolTCP:
		return nil
	}
	return trace.BadParameter("unsupported protocol %q", string(p))
}

// IsHTTP reports whether the protocol is reverse proxied at the HTTP
// layer rather than as a raw byte stream.
func (p Protocol) IsHTTP() bool {
	return p == ProtocolHTTP || p == ProtocolGRPC || p == ProtocolH2
}

// AppMode is the traffic class of a circuit.
type AppMode string

const (
	// AppModeInteractive serves one user's app session (Jupyter, SSH,
	// VNC) backed by a single kernel.
	AppModeInteractive AppMode = "interactive"
	// AppModeInference serves a model endpoint backed by one or more
	// kernel replicas with weighted traffic split.
	AppModeInference AppMode = "inference"
)

// Check validates the app mode.
func (m AppMode) Check() error {
	switch m {
	case AppModeInteractive, AppModeInference:
		return nil
	}
	return trace.BadParameter("unsupported app mode %q", string(m))
}

// AppFilter restricts a worker to apps carrying a matching key/value
// tag.
type AppFilter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Worker is the record of one logical data plane node. Multiple
// physical processes registering under the same Authority form an HA
// set and must agree on every capability field.
type Worker struct {
	// ID is assigned by the coordinator on first registration and
	// survives re-registrations of the same authority.
	ID string `json:"id"`
	// Authority is the unique logical name of the worker.
	Authority string `json:"authority"`
	// FrontendMode selects the port or the wildcard frontend.
	FrontendMode FrontendMode `json:"frontend_mode"`
	// Protocol is the single protocol this worker carries.
	Protocol Protocol `json:"protocol"`
	// Hostname is the address advertised to clients and used by the
	// coordinator for provisioning RPCs.
	Hostname string `json:"hostname"`
	// UseTLS reports whether traffic listeners terminate TLS.
	UseTLS bool `json:"use_tls"`
	// APIPort is the worker's provisioning API port.
	APIPort int `json:"api_port"`
	// PortRange is the pool of ingress ports, port mode only.
	PortRange []int `json:"port_range,omitempty"`
	// WildcardDomain is the domain suffix of generated subdomains,
	// wildcard mode only.
	WildcardDomain string `json:"wildcard_domain,omitempty"`
	// WildcardTrafficPort is the port of the wildcard HTTPS listener.
	WildcardTrafficPort int `json:"wildcard_traffic_port,omitempty"`
	// FilteredAppsOnly restricts this worker to apps matching one of
	// AppFilters.
	FilteredAppsOnly bool `json:"filtered_apps_only"`
	// AcceptedTraffics lists the traffic classes this worker takes.
	AcceptedTraffics []AppMode `json:"accepted_traffics"`
	// AppFilters holds the app tags matched when FilteredAppsOnly is
	// set, and raises scheduling priority for matching apps otherwise.
	AppFilters []AppFilter `json:"app_filters,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckAndSetDefaults validates the worker record and fills defaults.
func (w *Worker) CheckAndSetDefaults() error {
	if w.Authority == "" {
		return trace.BadParameter("missing parameter authority")
	}
	if err := w.FrontendMode.Check(); err != nil {
		return trace.Wrap(err)
	}
	if err := w.Protocol.Check(); err != nil {
		return trace.Wrap(err)
	}
	if w.Hostname == "" {
		return trace.BadParameter("missing parameter hostname")
	}
	if w.APIPort <= 0 || w.APIPort > 65535 {
		return trace.BadParameter("invalid api_port %v", w.APIPort)
	}
	switch w.FrontendMode {
	case FrontendModePort:
		if len(w.PortRange) == 0 {
			return trace.BadParameter("port frontend requires a non-empty port_range")
		}
		for _, port := range w.PortRange {
			if port <= 0 || port > 65535 {
				return trace.BadParameter("invalid port %v in port_range", port)
			}
		}
	case FrontendModeWildcard:
		if w.WildcardDomain == "" {
			return trace.BadParameter("wildcard frontend requires wildcard_domain")
		}
		if w.WildcardTrafficPort == 0 {
			w.WildcardTrafficPort = 443
		}
	}
	if len(w.AcceptedTraffics) == 0 {
		w.AcceptedTraffics = []AppMode{AppModeInteractive}
	}
	for _, mode := range w.AcceptedTraffics {
		if err := mode.Check(); err != nil {
			return trace.Wrap(err)
		}
	}
	if w.FilteredAppsOnly && len(w.AppFilters) == 0 {
		return trace.BadParameter("filtered_apps_only requires at least one app filter")
	}
	return nil
}

// AvailableSlots is the total slot capacity: the size of the port pool
// in port mode and -1 (unbounded) in wildcard mode.
func (w *Worker) AvailableSlots() int {
	if w.FrontendMode == FrontendModeWildcard {
		return -1
	}
	return len(w.PortRange)
}

// Accepts reports whether the worker takes the given traffic class.
func (w *Worker) Accepts(mode AppMode) bool {
	return slices.Contains(w.AcceptedTraffics, mode)
}

// MatchesApp reports whether the app name matches one of the worker's
// app filters.
func (w *Worker) MatchesApp(app string) bool {
	for _, filter := range w.AppFilters {
		if filter.Value == app {
			return true
		}
	}
	return false
}

// SameCapabilities reports whether another registration of this
// authority advertises an identical capability set. Nodes of one HA
// set must agree on everything but timestamps.
func (w *Worker) SameCapabilities(other *Worker) bool {
	return w.FrontendMode == other.FrontendMode &&
		w.Protocol == other.Protocol &&
		w.Hostname == other.Hostname &&
		w.UseTLS == other.UseTLS &&
		w.APIPort == other.APIPort &&
		slices.Equal(w.PortRange, other.PortRange) &&
		w.WildcardDomain == other.WildcardDomain &&
		w.WildcardTrafficPort == other.WildcardTrafficPort &&
		w.FilteredAppsOnly == other.FilteredAppsOnly &&
		slices.Equal(w.AcceptedTraffics, other.AcceptedTraffics) &&
		slices.Equal(w.AppFilters, other.AppFilters)
}

// WorkerStatus is a worker record together with its derived slot and
// node accounting.
type WorkerStatus struct {
	Worker
	// AvailableSlots is the total slot capacity, -1 when unbounded.
	AvailableSlots int `json:"available_slots"`
	// OccupiedSlots is the number of slots currently bound to circuits.
	OccupiedSlots int `json:"occupied_slots"`
	// Nodes is the number of live physical processes of this authority.
	Nodes int `json:"nodes"`
	// BoundKeys is the set of slot keys currently bound on the worker,
	// consulted for preferred-key placement. Not serialized.
	BoundKeys map[string]bool `json:"-"`
}

// OwnsFreeKey reports whether the worker owns the requested ingress
// key and has it unbound. A preferred port only makes sense on a port
// worker, a preferred subdomain only on a wildcard worker. No
// preference matches every worker.
func (s *WorkerStatus) OwnsFreeKey(port int, subdomain string) bool {
	switch {
	case port != 0:
		if s.FrontendMode == FrontendModeWildcard || !slices.Contains(s.PortRange, port) {
			return false
		}
		return !s.BoundKeys[FormatPortKey(port)]
	case subdomain != "":
		if s.FrontendMode != FrontendModeWildcard {
			return false
		}
		return !s.BoundKeys[subdomain]
	}
	return true
}

// WorkerNode is the heartbeat record of one physical worker process.
type WorkerNode struct {
	ID        string    `json:"id"`
	Authority string    `json:"authority"`
	Hostname  string    `json:"hostname"`
	APIPort   int       `json:"api_port"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RouteInfo identifies one live backend replica within a circuit.
type RouteInfo struct {
	SessionID   string   `json:"session_id,omitempty"`
	SessionName string   `json:"session_name,omitempty"`
	KernelHost  string   `json:"kernel_host"`
	KernelPort  int      `json:"kernel_port"`
	Protocol    Protocol `json:"protocol"`
	// TrafficRatio is the relative weight of this route. Zero excludes
	// the route from selection.
	TrafficRatio float64 `json:"traffic_ratio"`
}

// CheckAndSetDefaults validates the route and fills defaults.
func (r *RouteInfo) CheckAndSetDefaults() error {
	if r.KernelHost == "" {
		return trace.BadParameter("missing parameter kernel_host")
	}
	if r.KernelPort <= 0 || r.KernelPort > 65535 {
		return trace.BadParameter("invalid kernel_port %v", r.KernelPort)
	}
	if r.Protocol == "" {
		r.Protocol = ProtocolHTTP
	}
	if err := r.Protocol.Check(); err != nil {
		return trace.Wrap(err)
	}
	if r.TrafficRatio < 0 {
		return trace.BadParameter("traffic_ratio must not be negative")
	}
	return nil
}

// Circuit binds an external ingress key on one worker to one or more
// backend kernel routes, with attached authentication and routing
// policy.
type Circuit struct {
	// ID is the circuit identity, a UUID.
	ID string `json:"id"`
	// App is the app name served, empty for inference circuits.
	App string `json:"app"`
	// Protocol is the application protocol carried.
	Protocol Protocol `json:"protocol"`
	// Worker is the authority of the owning worker.
	Worker string `json:"worker"`
	// AppMode is the traffic class, driving admission and routing.
	AppMode AppMode `json:"app_mode"`
	// FrontendMode is the frontend this circuit is exposed on.
	FrontendMode FrontendMode `json:"frontend_mode"`
	// Envs holds app environment hints passed by the Manager.
	Envs map[string]string `json:"envs,omitempty"`
	// Arguments is an optional app argument string; nil and empty are
	// distinct values.
	Arguments *string `json:"arguments,omitempty"`
	// OpenToPublic disables per-request authentication.
	OpenToPublic bool `json:"open_to_public"`
	// AllowedClientIPs restricts admission to the listed CIDR blocks
	// when non-empty.
	AllowedClientIPs []string `json:"allowed_client_ips,omitempty"`
	// Port is the bound ingress port, port frontend only.
	Port int `json:"port,omitempty"`
	// Subdomain is the bound subdomain label, wildcard frontend only.
	Subdomain string `json:"subdomain,omitempty"`
	// UserID is the owning user, interactive circuits only.
	UserID string `json:"user_id,omitempty"`
	// EndpointID is the owning endpoint, inference circuits only.
	EndpointID string `json:"endpoint_id,omitempty"`
	// RouteInfo lists the live backend replicas. Interactive circuits
	// have exactly one route.
	RouteInfo []RouteInfo `json:"route_info"`
	// SessionIDs lists the kernel sessions attached to an interactive
	// circuit. All belong to UserID.
	SessionIDs []string `json:"session_ids,omitempty"`
	// AuthSecret is the confirmation-derived secret matched against
	// the permit cookie on non-public interactive circuits.
	AuthSecret string `json:"auth_secret,omitempty"`
	// Fingerprint is the reuse fingerprint digest of the creation
	// request, interactive circuits only.
	Fingerprint string `json:"fingerprint,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckAndSetDefaults validates the circuit record and fills defaults.
func (c *Circuit) CheckAndSetDefaults() error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, err := uuid.Parse(c.ID); err != nil {
		return trace.BadParameter("invalid circuit id %q", c.ID)
	}
	if c.Worker == "" {
		return trace.BadParameter("missing parameter worker")
	}
	if err := c.Protocol.Check(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.AppMode.Check(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.FrontendMode.Check(); err != nil {
		return trace.Wrap(err)
	}
	switch c.FrontendMode {
	case FrontendModePort:
		if c.Port <= 0 || c.Port > 65535 {
			return trace.BadParameter("port circuit requires a valid port, got %v", c.Port)
		}
	case FrontendModeWildcard:
		if c.Subdomain == "" {
			return trace.BadParameter("wildcard circuit requires a subdomain")
		}
	}
	switch c.AppMode {
	case AppModeInteractive:
		if c.UserID == "" {
			return trace.BadParameter("interactive circuit requires user_id")
		}
		if len(c.SessionIDs) == 0 {
			return trace.BadParameter("interactive circuit requires at least one session id")
		}
		if c.Protocol == ProtocolGRPC || c.Protocol == ProtocolH2 {
			return trace.BadParameter("interactive apps cannot be served over %v", c.Protocol)
		}
	case AppModeInference:
		if c.EndpointID == "" {
			return trace.BadParameter("inference circuit requires endpoint_id")
		}
	}
	for i := range c.RouteInfo {
		if err := c.RouteInfo[i].CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// SlotKey is the ingress key bound by this circuit: the decimal port in
// port mode, the subdomain label in wildcard mode.
func (c *Circuit) SlotKey() string {
	if c.FrontendMode == FrontendModeWildcard {
		return c.Subdomain
	}
	return FormatPortKey(c.Port)
}

// HasSession reports whether the session is already attached.
func (c *Circuit) HasSession(sessionID string) bool {
	return slices.Contains(c.SessionIDs, sessionID)
}

// Slot is an addressable ingress key on a worker, the unit of bounded
// capacity.
type Slot struct {
	// Worker is the owning authority.
	Worker string `json:"worker"`
	// FrontendMode tells whether Key is a port or a subdomain.
	FrontendMode FrontendMode `json:"frontend_mode"`
	// Key is the decimal port or the subdomain label.
	Key string `json:"key"`
	// CircuitID is the bound circuit when InUse.
	CircuitID string `json:"circuit_id,omitempty"`
	// InUse reports whether the slot is bound.
	InUse bool `json:"in_use"`
}

// Endpoint is the Manager-visible record of one inference service. An
// endpoint owns exactly one circuit.
type Endpoint struct {
	ID          string            `json:"id"`
	ServiceName string            `json:"service_name,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	// Apps maps app names to their backend replicas. The owned
	// circuit routes to the union of all entries.
	Apps map[string][]RouteInfo `json:"apps,omitempty"`
	// OpenToPublic disables API token checks on the owned circuit.
	OpenToPublic bool `json:"open_to_public"`
	// Port and Subdomain are the preferred ingress keys.
	Port      int    `json:"port,omitempty"`
	Subdomain string `json:"subdomain,omitempty"`
	// TTLSeconds evicts the owned circuit after this much idle time.
	// Nil means the circuit is never idle-evicted.
	TTLSeconds *int64 `json:"ttl_seconds,omitempty"`
	// CircuitID is the owned circuit.
	CircuitID string `json:"circuit_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Routes flattens the Apps map into the circuit route table, apps in
// sorted name order so the result is deterministic.
func (e *Endpoint) Routes() []RouteInfo {
	names := make([]string, 0, len(e.Apps))
	for name := range e.Apps {
		names = append(names, name)
	}
	slices.Sort(names)
	var routes []RouteInfo
	for _, name := range names {
		routes = append(routes, e.Apps[name]...)
	}
	return routes
}

// ConfirmationToken is a single-use credential binding a user identity
// and a preferred kernel endpoint. Redeeming it creates or reuses an
// interactive circuit and destroys the token.
type ConfirmationToken struct {
	// Token is the opaque token string handed to the client.
	Token string `json:"token"`
	// KernelHost and KernelPort point at the kernel app port.
	KernelHost string `json:"kernel_host"`
	KernelPort int    `json:"kernel_port"`
	// Session carries the user identity snapshot from the Manager.
	Session SessionInfo `json:"session"`

	CreatedAt time.Time `json:"created_at"`
}

// SessionInfo is the user identity snapshot attached to a confirmation
// token by the Manager.
type SessionInfo struct {
	UserUUID          string `json:"user_uuid"`
	GroupID           string `json:"group_id,omitempty"`
	AccessKey         string `json:"access_key,omitempty"`
	DomainName        string `json:"domain_name,omitempty"`
	LoginSessionToken string `json:"login_session_token,omitempty"`
}

// APIToken is the server-side record of an endpoint API token. The
// bearer JWT is verified offline by workers; deleting this record
// revokes the token.
type APIToken struct {
	// ID is the JWT ID (jti claim).
	ID string `json:"id"`
	// EndpointID is the endpoint this token grants access to.
	EndpointID string `json:"endpoint_id"`
	// UserUUID is the user the token was minted for.
	UserUUID string `json:"user_uuid"`
	// ExpiresAt is the exp claim.
	ExpiresAt time.Time `json:"expires_at"`

	CreatedAt time.Time `json:"created_at"`
}

// CircuitStats is the per-circuit counter record flushed by workers
// and read by the statistics API and the idle sweeper.
type CircuitStats struct {
	CircuitID  string    `json:"circuit_id"`
	Requests   int64     `json:"requests"`
	LastAccess time.Time `json:"last_access"`
}
