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

// Package defaults holds the default values and limits shared by the
// coordinator and worker services.
package defaults

import "time"

const (
	// CoordinatorAPIPort is the default REST API port of the coordinator.
	CoordinatorAPIPort = 10200

	// WorkerAPIPort is the default provisioning API port of a worker.
	WorkerAPIPort = 10201

	// WildcardFrontendPort is the default port of the wildcard HTTPS
	// listener.
	WildcardFrontendPort = 10443

	// StorePrefix is the root prefix of all AppProxy keys in the store.
	StorePrefix = "appproxy"
)

const (
	// ConfirmationTokenTTL bounds the lifetime of a single-use
	// confirmation token minted by POST /v2/conf.
	ConfirmationTokenTTL = 10 * time.Minute

	// EndpointTokenTTL is the default lifetime of an endpoint API token
	// when the mint request does not carry an explicit expiry.
	EndpointTokenTTL = 30 * 24 * time.Hour

	// FingerprintLockTTL bounds the advisory lock held while creating an
	// interactive circuit for one fingerprint.
	FingerprintLockTTL = 30 * time.Second

	// ProvisionTimeout bounds the coordinator-to-worker provisioning RPC.
	ProvisionTimeout = 30 * time.Second

	// FrontendSetupTimeout bounds how long traffic waits for a circuit
	// handler that has been assigned but not yet installed.
	FrontendSetupTimeout = 30 * time.Second

	// CircuitDeliveryWindow bounds how long the coordinator waits for a
	// worker install acknowledgment after the provisioning RPC failed,
	// before the circuit delivery is reported as failed.
	CircuitDeliveryWindow = 10 * time.Second

	// CircuitAckTTL is the lifetime of a worker's install
	// acknowledgment record. It only needs to outlive
	// CircuitDeliveryWindow.
	CircuitAckTTL = time.Minute

	// AckPollInterval is how often the coordinator re-checks for an
	// install acknowledgment within the delivery window.
	AckPollInterval = 500 * time.Millisecond

	// NodeTTL is the lifetime of a worker node heartbeat record.
	NodeTTL = 30 * time.Second

	// NodeHeartbeatInterval is how often a worker refreshes its node
	// record. Must be well below NodeTTL.
	NodeHeartbeatInterval = 10 * time.Second

	// StatFlushInterval is how often a worker flushes last-access
	// counters to the store.
	StatFlushInterval = time.Second

	// SweepInterval is how often the coordinator scans inference
	// circuits for idle eviction.
	SweepInterval = 30 * time.Second

	// EventTTL is the lifetime of an event record on the bus. Consumers
	// that miss events within this window reconcile over the REST API.
	EventTTL = 30 * time.Second

	// ShutdownTimeout bounds graceful drain of frontends and API
	// listeners on termination.
	ShutdownTimeout = 30 * time.Second

	// DialTimeout is the default dial timeout for outbound connections
	// to kernels, workers and the store.
	DialTimeout = 30 * time.Second

	// KeepAlivePeriod is the TCP keepalive period of proxied backend
	// connections.
	KeepAlivePeriod = 30 * time.Second

	// ReadHeadersTimeout is a default TCP timeout when we wait
	// for the response headers to arrive.
	ReadHeadersTimeout = 10 * time.Second

	// IdleConnTimeout defines how long an idle backend connection is
	// kept in a transport pool.
	IdleConnTimeout = 90 * time.Second
)

const (
	// TransportCacheSize caps the number of per-circuit backend
	// transports a worker keeps alive. Evicted transports close their
	// idle connections.
	TransportCacheSize = 512

	// MaxIdleConnsPerHost caps idle backend connections per kernel
	// within one circuit transport.
	MaxIdleConnsPerHost = 16

	// TokenCacheTTL is how long a worker caches a positive endpoint API
	// token verification.
	TokenCacheTTL = 30 * time.Second

	// SubdomainLength is the length of generated wildcard subdomain
	// labels.
	SubdomainLength = 16

	// SubdomainRetries bounds collision retries when generating a
	// random subdomain label.
	SubdomainRetries = 10

	// TokenLenBytes is the byte length of generated opaque secrets
	// before hex encoding.
	TokenLenBytes = 16

	// EventQueueSize is the default buffered queue size of a bus
	// subscriber. Subscribers falling behind are closed and expected to
	// resynchronize.
	EventQueueSize = 1024
)

const (
	// MetricsNamespace is the prometheus namespace of all AppProxy
	// metric series.
	MetricsNamespace = "appproxy"
)

// Environment variables recognized by both services. Values from the
// environment fill credentials the config file leaves empty, keeping
// secrets out of files in containerized deployments.
const (
	// EnvConfigFile points at the YAML configuration file.
	EnvConfigFile = "APPPROXY_CONFIG_FILE"

	// EnvManagerToken overrides the coordinator's manager api token.
	EnvManagerToken = "APPPROXY_MANAGER_TOKEN"

	// EnvWorkerToken overrides the coordinator's worker api token.
	EnvWorkerToken = "APPPROXY_WORKER_TOKEN"

	// EnvAPISecret overrides the worker's shared api secret.
	EnvAPISecret = "APPPROXY_API_SECRET"

	// EnvStorePassword overrides the store password.
	EnvStorePassword = "APPPROXY_STORE_PASSWORD"
)

// Exit codes of the coordinator and worker commands.
const (
	// ExitCodeOK marks normal termination.
	ExitCodeOK = 0

	// ExitCodeConfig marks an invalid or unreadable configuration.
	ExitCodeConfig = 64

	// ExitCodeRuntime marks a fatal runtime failure.
	ExitCodeRuntime = 70
)
