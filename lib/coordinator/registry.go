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

// Package coordinator implements the AppProxy control plane: the
// circuit registry, the slot ledger, the worker registry, the token
// vault and the REST API gluing them to the Manager and the workers.
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/lablup/appproxy"
	"github.com/lablup/appproxy/lib/apperr"
	"github.com/lablup/appproxy/lib/backend"
	"github.com/lablup/appproxy/lib/defaults"
	"github.com/lablup/appproxy/lib/types"
)

// casRetries bounds optimistic concurrency retries on record updates.
const casRetries = 5

// Registry is the storage service of the control plane. All circuit,
// worker, slot, endpoint and token records go through it; it owns the
// key layout and the transactional create/remove paths. Workers use a
// Registry over their own store handle for the few records they write
// directly (node heartbeats, circuit statistics, install
// acknowledgments) and read directly (api token revocation records).
type Registry struct {
	bk  backend.Backend
	log *slog.Logger
}

// NewRegistry returns a registry over the given backend.
func NewRegistry(bk backend.Backend) *Registry {
	return &Registry{
		bk:  bk,
		log: slog.With(appproxy.ComponentKey, appproxy.ComponentCoordinator),
	}
}

// Clock returns the clock of the underlying backend.
func (r *Registry) Clock() clockwork.Clock {
	return r.bk.Clock()
}

// GetCircuit returns a circuit by id.
func (r *Registry) GetCircuit(ctx context.Context, id string) (*types.Circuit, error) {
	if id == "" {
		return nil, trace.BadParameter("missing parameter id")
	}
	item, err := r.bk.Get(ctx, circuitKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, apperr.NotFound("circuit %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return unmarshalCircuit(item.Value)
}

// ListCircuits returns all live circuits.
func (r *Registry) ListCircuits(ctx context.Context) ([]types.Circuit, error) {
	start := circuitsPrefix()
	result, err := r.bk.GetRange(ctx, start, backend.RangeEnd(start), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	circuits := make([]types.Circuit, 0, len(result.Items))
	for _, item := range result.Items {
		circuit, err := unmarshalCircuit(item.Value)
		if err != nil {
			r.log.WarnContext(ctx, "Skipping undecodable circuit record", "key", string(item.Key), "error", err)
			continue
		}
		circuits = append(circuits, *circuit)
	}
	return circuits, nil
}

// ListWorkerCircuits returns the circuits bound to one authority,
// resolved through the circuits-by-worker index.
func (r *Registry) ListWorkerCircuits(ctx context.Context, authority string) ([]types.Circuit, error) {
	start := circuitsByWorkerPrefix(authority)
	result, err := r.bk.GetRange(ctx, start, backend.RangeEnd(start), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	circuits := make([]types.Circuit, 0, len(result.Items))
	for _, item := range result.Items {
		circuit, err := r.GetCircuit(ctx, lastSegment(item.Key))
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		circuits = append(circuits, *circuit)
	}
	return circuits, nil
}

// FindReusable returns the live interactive circuit carrying the given
// reuse fingerprint, or NotFound.
func (r *Registry) FindReusable(ctx context.Context, fingerprint string) (*types.Circuit, error) {
	if fingerprint == "" {
		return nil, trace.BadParameter("missing parameter fingerprint")
	}
	circuits, err := r.ListCircuits(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range circuits {
		if circuits[i].AppMode == types.AppModeInteractive && circuits[i].Fingerprint == fingerprint {
			return &circuits[i], nil
		}
	}
	return nil, trace.NotFound("no circuit with fingerprint %v", fingerprint)
}

// CreateCircuit reserves a slot on the worker and writes the circuit
// record plus its by-worker index entry. Any failure rolls the
// reservation and partial writes back, so the store never holds a
// half-created circuit.
func (r *Registry) CreateCircuit(ctx context.Context, worker *types.Worker, circuit types.Circuit) (*types.Circuit, error) {
	if worker.Authority != circuit.Worker {
		return nil, trace.BadParameter("circuit bound to worker %q, got record of %q", circuit.Worker, worker.Authority)
	}
	// The slot reservation references the circuit id, so assign it up
	// front rather than in CheckAndSetDefaults.
	if circuit.ID == "" {
		circuit.ID = uuid.NewString()
	}
	circuit.FrontendMode = worker.FrontendMode
	bound, err := r.reserveSlot(ctx, worker, &circuit)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	now := r.bk.Clock().Now().UTC()
	circuit.CreatedAt = now
	circuit.UpdatedAt = now
	if err := circuit.CheckAndSetDefaults(); err != nil {
		r.rollbackSlot(ctx, circuit.Worker, bound, circuit.ID)
		return nil, trace.Wrap(err)
	}

	value, err := json.Marshal(circuit)
	if err != nil {
		r.rollbackSlot(ctx, circuit.Worker, bound, circuit.ID)
		return nil, trace.Wrap(err)
	}
	if _, err := r.bk.Create(ctx, backend.Item{Key: circuitKey(circuit.ID), Value: value}); err != nil {
		r.rollbackSlot(ctx, circuit.Worker, bound, circuit.ID)
		return nil, trace.Wrap(err)
	}
	if _, err := r.bk.Put(ctx, backend.Item{
		Key:   circuitByWorkerKey(circuit.Worker, circuit.ID),
		Value: []byte(bound),
	}); err != nil {
		if derr := r.bk.Delete(ctx, circuitKey(circuit.ID)); derr != nil && !trace.IsNotFound(derr) {
			r.log.WarnContext(ctx, "Failed to roll back circuit record", "circuit", circuit.ID, "error", derr)
		}
		r.rollbackSlot(ctx, circuit.Worker, bound, circuit.ID)
		return nil, trace.Wrap(err)
	}
	return &circuit, nil
}

// UpdateCircuit applies fn to the circuit record under optimistic
// concurrency. The stored updated_at never goes backwards.
func (r *Registry) UpdateCircuit(ctx context.Context, id string, fn func(*types.Circuit) error) (*types.Circuit, error) {
	for i := 0; i < casRetries; i++ {
		item, err := r.bk.Get(ctx, circuitKey(id))
		if err != nil {
			if trace.IsNotFound(err) {
				return nil, apperr.NotFound("circuit %q not found", id)
			}
			return nil, trace.Wrap(err)
		}
		circuit, err := unmarshalCircuit(item.Value)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := fn(circuit); err != nil {
			return nil, trace.Wrap(err)
		}
		if now := r.bk.Clock().Now().UTC(); now.After(circuit.UpdatedAt) {
			circuit.UpdatedAt = now
		}
		if err := circuit.CheckAndSetDefaults(); err != nil {
			return nil, trace.Wrap(err)
		}
		value, err := json.Marshal(circuit)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		_, err = r.bk.CompareAndSwap(ctx, *item, backend.Item{Key: item.Key, Value: value, Expires: item.Expires})
		if err == nil {
			return circuit, nil
		}
		if !trace.IsCompareFailed(err) {
			return nil, trace.Wrap(err)
		}
	}
	return nil, trace.CompareFailed("too many concurrent updates of circuit %q", id)
}

// RemoveCircuit deletes the circuit record, its index entry and stats,
// and releases its slot. The record delete is the arbiter: a second
// removal of the same id reports not found and releases nothing.
func (r *Registry) RemoveCircuit(ctx context.Context, id string) (*types.Circuit, error) {
	circuit, err := r.GetCircuit(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := r.bk.Delete(ctx, circuitKey(id)); err != nil {
		if trace.IsNotFound(err) {
			return nil, apperr.NotFound("circuit %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	if err := r.bk.Delete(ctx, circuitByWorkerKey(circuit.Worker, id)); err != nil && !trace.IsNotFound(err) {
		r.log.WarnContext(ctx, "Failed to delete circuit index entry", "circuit", id, "error", err)
	}
	if err := r.bk.Delete(ctx, statsKey(id)); err != nil && !trace.IsNotFound(err) {
		r.log.WarnContext(ctx, "Failed to delete circuit stats", "circuit", id, "error", err)
	}
	if err := r.releaseSlot(ctx, circuit.Worker, circuit.SlotKey(), id); err != nil {
		r.log.WarnContext(ctx, "Failed to release slot", "circuit", id, "slot", circuit.SlotKey(), "error", err)
	}
	return circuit, nil
}

// WithFingerprintLock serializes circuit creation per reuse
// fingerprint so concurrent identical requests coalesce onto one
// circuit.
func (r *Registry) WithFingerprintLock(ctx context.Context, digest string, ttl time.Duration, fn func(context.Context) error) error {
	return backend.RunWhileLocked(ctx, r.bk, fingerprintLockKey(digest), ttl, fn)
}

// GetCircuitStats returns the worker-flushed counters of a circuit, or
// NotFound when no traffic was recorded yet.
func (r *Registry) GetCircuitStats(ctx context.Context, circuitID string) (*types.CircuitStats, error) {
	item, err := r.bk.Get(ctx, statsKey(circuitID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("no stats for circuit %q", circuitID)
		}
		return nil, trace.Wrap(err)
	}
	var stats types.CircuitStats
	if err := json.Unmarshal(item.Value, &stats); err != nil {
		return nil, trace.Wrap(err)
	}
	return &stats, nil
}

// PutCircuitStats overwrites the counter record of a circuit. Called
// by workers on their flush interval.
func (r *Registry) PutCircuitStats(ctx context.Context, stats types.CircuitStats) error {
	if stats.CircuitID == "" {
		return trace.BadParameter("missing parameter circuit_id")
	}
	value, err := json.Marshal(stats)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = r.bk.Put(ctx, backend.Item{Key: statsKey(stats.CircuitID), Value: value})
	return trace.Wrap(err)
}

// AckCircuit records that a worker node installed the circuit. The
// record is TTL'd: it only needs to outlive the delivery window the
// coordinator waits on when the provisioning RPC fails.
func (r *Registry) AckCircuit(ctx context.Context, circuitID, nodeID string) error {
	if circuitID == "" {
		return trace.BadParameter("missing parameter circuit_id")
	}
	_, err := r.bk.Put(ctx, backend.Item{
		Key:     ackKey(circuitID),
		Value:   []byte(nodeID),
		Expires: r.bk.Clock().Now().UTC().Add(defaults.CircuitAckTTL),
	})
	return trace.Wrap(err)
}

// GetCircuitAck returns the id of the node that acknowledged the
// circuit install, or NotFound when no node has yet.
func (r *Registry) GetCircuitAck(ctx context.Context, circuitID string) (string, error) {
	item, err := r.bk.Get(ctx, ackKey(circuitID))
	if err != nil {
		if trace.IsNotFound(err) {
			return "", trace.NotFound("no install acknowledgment for circuit %q", circuitID)
		}
		return "", trace.Wrap(err)
	}
	return string(item.Value), nil
}

// WaitCircuitAck blocks until a worker node acknowledges the circuit
// install, the window elapses or ctx ends.
func (r *Registry) WaitCircuitAck(ctx context.Context, circuitID string, window time.Duration) error {
	timeout := r.bk.Clock().NewTimer(window)
	defer timeout.Stop()
	ticker := r.bk.Clock().NewTicker(defaults.AckPollInterval)
	defer ticker.Stop()
	for {
		_, err := r.GetCircuitAck(ctx, circuitID)
		if err == nil {
			return nil
		}
		if !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
		select {
		case <-ticker.Chan():
		case <-timeout.Chan():
			return trace.ConnectionProblem(nil, "no install acknowledgment for circuit %v within %v", circuitID, window)
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
}

func unmarshalCircuit(value []byte) (*types.Circuit, error) {
	var circuit types.Circuit
	if err := json.Unmarshal(value, &circuit); err != nil {
		return nil, trace.Wrap(err)
	}
	return &circuit, nil
}
