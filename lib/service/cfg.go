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

package service

import (
	"net"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/lablup/appproxy/lib/apperr"
	"github.com/lablup/appproxy/lib/certwatcher"
	"github.com/lablup/appproxy/lib/defaults"
	"github.com/lablup/appproxy/lib/types"
)

// Store backend types accepted by StoreConfig.Type.
const (
	// StoreMemory keeps all state in process memory. Single node only.
	StoreMemory = "memory"
	// StoreEtcd keeps state in an etcd cluster.
	StoreEtcd = "etcd"
	// StoreRedis keeps state in a Redis server.
	StoreRedis = "redis"
)

// Config is the full runtime configuration of one AppProxy process.
// Exactly one of Coordinator and Worker is enabled; the Store and Log
// sections are shared.
type Config struct {
	// Store configures the shared persistent store.
	Store StoreConfig

	// Log configures process logging.
	Log LogConfig

	// Coordinator configures the control plane service.
	Coordinator CoordinatorConfig

	// Worker configures the data plane service.
	Worker WorkerConfig

	// Clock overrides the process time source, for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Coordinator.Enabled == c.Worker.Enabled {
		return apperr.InvalidConfig("exactly one of the coordinator and worker services must be enabled")
	}
	if err := c.Store.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.Coordinator.Enabled {
		if err := c.Coordinator.CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	if c.Worker.Enabled {
		if err := c.Worker.CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// StoreConfig selects and configures the persistent store shared by
// the coordinator and every worker.
type StoreConfig struct {
	// Type is one of memory, etcd, redis.
	Type string
	// Endpoints are the store addresses. etcd takes several peers,
	// redis exactly one.
	Endpoints []string
	// Prefix namespaces every key.
	Prefix string
	// Username and Password authenticate against etcd or redis.
	Username string
	Password string
	// Database selects the redis logical database.
	Database int
	// TLSCertFile, TLSKeyFile and TLSCAFile enable etcd client TLS.
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
}

// CheckAndSetDefaults validates the store config and fills defaults.
func (c *StoreConfig) CheckAndSetDefaults() error {
	if c.Type == "" {
		c.Type = StoreMemory
	}
	if c.Prefix == "" {
		c.Prefix = defaults.StorePrefix
	}
	switch c.Type {
	case StoreMemory:
	case StoreEtcd:
		if len(c.Endpoints) == 0 {
			return apperr.InvalidConfig("the etcd store needs at least one endpoint")
		}
	case StoreRedis:
		if len(c.Endpoints) != 1 {
			return apperr.InvalidConfig("the redis store needs exactly one endpoint")
		}
	default:
		return apperr.InvalidConfig("unknown store type %q, expected one of memory, etcd, redis", c.Type)
	}
	return nil
}

// LogConfig controls process logging.
type LogConfig struct {
	// Severity is one of debug, info, warn, error. Defaults to info.
	Severity string
	// Format is text or json. Defaults to text.
	Format string
	// Output is stderr, stdout or a file path. Defaults to stderr.
	Output string
}

// CoordinatorConfig configures the control plane service.
type CoordinatorConfig struct {
	// Enabled runs the coordinator in this process.
	Enabled bool
	// ListenAddr is the REST API bind address.
	ListenAddr string
	// ManagerToken authenticates Manager API calls.
	ManagerToken string
	// WorkerToken authenticates worker API calls.
	WorkerToken string
	// TokenSigningKey signs endpoint api tokens. Defaults to the
	// worker token.
	TokenSigningKey string
}

// CheckAndSetDefaults validates the coordinator config and fills
// defaults.
func (c *CoordinatorConfig) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = net.JoinHostPort("", strconv.Itoa(defaults.CoordinatorAPIPort))
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return apperr.InvalidConfig("invalid coordinator listen address %q: %v", c.ListenAddr, err)
	}
	if c.ManagerToken == "" {
		return apperr.InvalidConfig("missing manager api token")
	}
	if c.WorkerToken == "" {
		return apperr.InvalidConfig("missing worker api token")
	}
	return nil
}

// WorkerConfig configures the data plane service. It mirrors the
// worker package config with file paths in place of runtime handles.
type WorkerConfig struct {
	// Enabled runs a worker in this process.
	Enabled bool
	// Authority is the unique logical name of this worker.
	Authority string
	// FrontendMode selects the port or the wildcard frontend.
	FrontendMode types.FrontendMode
	// Protocol is the single application protocol this worker carries.
	Protocol types.Protocol
	// Hostname is the address advertised to clients and the
	// coordinator.
	Hostname string
	// BindAddr is the local address listeners bind on.
	BindAddr string
	// APIPort is the provisioning API port.
	APIPort int
	// PortRange is the ingress port pool, port mode only.
	PortRange []int
	// WildcardDomain is the subdomain suffix, wildcard mode only.
	WildcardDomain string
	// WildcardTrafficPort is the shared wildcard listener port.
	WildcardTrafficPort int
	// UseTLS terminates TLS on traffic listeners.
	UseTLS bool
	// KeyPairs are the TLS keypair paths served when UseTLS is set,
	// hot-reloaded on rotation.
	KeyPairs []certwatcher.KeyPairPath
	// AcceptedTraffics lists the traffic classes this worker takes.
	AcceptedTraffics []types.AppMode
	// AppFilters raises scheduling priority for matching apps.
	AppFilters []types.AppFilter
	// FilteredAppsOnly restricts this worker to filter matches.
	FilteredAppsOnly bool
	// TrustForwarded believes X-Forwarded-For from a fronting load
	// balancer.
	TrustForwarded bool
	// Coordinator is the base URL of the coordinator REST API.
	Coordinator string
	// APISecret is the shared worker token.
	APISecret string
	// TokenSigningKey verifies endpoint api tokens. Defaults to
	// APISecret.
	TokenSigningKey string
}

// CheckAndSetDefaults validates the worker config. The deeper
// capability checks live in the worker package; this covers what the
// process needs before constructing it.
func (c *WorkerConfig) CheckAndSetDefaults() error {
	if c.Authority == "" {
		return apperr.InvalidConfig("missing worker authority")
	}
	if c.Coordinator == "" {
		return apperr.InvalidConfig("missing coordinator url")
	}
	if c.APISecret == "" {
		return apperr.InvalidConfig("missing worker api secret")
	}
	if c.UseTLS && len(c.KeyPairs) == 0 {
		return apperr.InvalidConfig("tls is enabled but no keypair is configured")
	}
	return nil
}
