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

	"github.com/lablup/appproxy/lib/backend"
)

// Store layout. Node and slot records nest under their worker key, so
// listings of direct children must skip nested ranges.
//
//	coordinator/workers/{authority}
//	coordinator/workers/{authority}/nodes/{node_id}
//	coordinator/workers/{authority}/slots/{key}
//	coordinator/circuits/{id}
//	coordinator/circuits-by-worker/{authority}/{id}
//	coordinator/endpoints/{id}
//	coordinator/tokens/conf/{token}
//	coordinator/tokens/api/{jti}
//	coordinator/stats/{circuit_id}
//	coordinator/acks/{circuit_id}
//	coordinator/locks/fp/{fingerprint}
const coordinatorPrefix = "coordinator"

func workersPrefix() []byte {
	return backend.ExactKey(coordinatorPrefix, "workers")
}

func workerKey(authority string) []byte {
	return backend.Key(coordinatorPrefix, "workers", authority)
}

func nodesPrefix(authority string) []byte {
	return backend.ExactKey(coordinatorPrefix, "workers", authority, "nodes")
}

func nodeKey(authority, nodeID string) []byte {
	return backend.Key(coordinatorPrefix, "workers", authority, "nodes", nodeID)
}

func slotsPrefix(authority string) []byte {
	return backend.ExactKey(coordinatorPrefix, "workers", authority, "slots")
}

func slotKey(authority, key string) []byte {
	return backend.Key(coordinatorPrefix, "workers", authority, "slots", key)
}

func circuitsPrefix() []byte {
	return backend.ExactKey(coordinatorPrefix, "circuits")
}

func circuitKey(id string) []byte {
	return backend.Key(coordinatorPrefix, "circuits", id)
}

func circuitsByWorkerPrefix(authority string) []byte {
	return backend.ExactKey(coordinatorPrefix, "circuits-by-worker", authority)
}

func circuitByWorkerKey(authority, id string) []byte {
	return backend.Key(coordinatorPrefix, "circuits-by-worker", authority, id)
}

func endpointKey(id string) []byte {
	return backend.Key(coordinatorPrefix, "endpoints", id)
}

func confTokenKey(token string) []byte {
	return backend.Key(coordinatorPrefix, "tokens", "conf", token)
}

func apiTokensPrefix() []byte {
	return backend.ExactKey(coordinatorPrefix, "tokens", "api")
}

func apiTokenKey(jti string) []byte {
	return backend.Key(coordinatorPrefix, "tokens", "api", jti)
}

func statsKey(circuitID string) []byte {
	return backend.Key(coordinatorPrefix, "stats", circuitID)
}

func ackKey(circuitID string) []byte {
	return backend.Key(coordinatorPrefix, "acks", circuitID)
}

func fingerprintLockKey(digest string) []byte {
	return backend.Key(coordinatorPrefix, "locks", "fp", digest)
}

// isDirectChild reports whether key names a record directly under
// prefix, skipping nested ranges such as a worker's nodes and slots.
func isDirectChild(key, prefix []byte) bool {
	if !backend.HasPrefix(key, prefix) {
		return false
	}
	rest := key[len(prefix):]
	return len(rest) > 0 && !bytes.ContainsRune(rest, backend.Separator)
}

// lastSegment returns the final path segment of a key.
func lastSegment(key []byte) string {
	idx := bytes.LastIndexByte(key, backend.Separator)
	return string(key[idx+1:])
}
