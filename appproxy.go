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

// Package appproxy defines constants shared by the AppProxy coordinator
// and worker services.
package appproxy

// Version is the semantic version of this AppProxy release.
const Version = "1.0.0-dev"

const (
	// ComponentKey is the log field holding the component name.
	ComponentKey = "component"

	// ComponentCoordinator is the control plane service owning circuits,
	// slots, tokens and worker assignment.
	ComponentCoordinator = "coordinator"

	// ComponentWorker is the data plane service terminating user traffic.
	ComponentWorker = "worker"

	// ComponentFrontend is the traffic-terminating part of a worker.
	ComponentFrontend = "frontend"

	// ComponentBackend tags storage backend messages.
	ComponentBackend = "backend"

	// ComponentEvents tags event bus messages.
	ComponentEvents = "events"

	// ComponentSweeper tags the idle circuit sweeper.
	ComponentSweeper = "sweeper"

	// ComponentCertWatcher tags TLS keypair reload messages.
	ComponentCertWatcher = "certwatcher"

	// ComponentProcess tags service lifecycle messages.
	ComponentProcess = "process"
)

const (
	// TokenHeader carries the manager or worker bearer secret on API calls.
	TokenHeader = "X-BackendAI-Token"

	// AuthorizationScheme is the scheme expected in Authorization headers
	// sent to non-public inference circuits.
	AuthorizationScheme = "BackendAI"

	// PermitCookieName is the cookie binding a browser session to an
	// interactive circuit.
	PermitCookieName = "appproxy_permit"

	// PermitParam is the query parameter exchanged for the permit cookie
	// on the first redirect into an interactive circuit.
	PermitParam = "permit"
)
