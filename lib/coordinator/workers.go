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

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/lablup/appproxy/lib/apperr"
	"github.com/lablup/appproxy/lib/backend"
	"github.com/lablup/appproxy/lib/defaults"
	"github.com/lablup/appproxy/lib/types"
)

// UpsertWorker registers a worker authority or refreshes an existing
// registration. The worker id and creation time survive
// re-registrations. Nodes of one authority form an HA set and must
// advertise identical capabilities; a conflicting registration is
// rejected rather than silently merged.
func (r *Registry) UpsertWorker(ctx context.Context, worker types.Worker) (*types.Worker, error) {
	if err := worker.CheckAndSetDefaults(); err != nil {
		return nil, apperr.WithCode(apperr.CodeWorkerRegistrationFailed, trace.Wrap(err))
	}
	now := r.bk.Clock().Now().UTC()
	for i := 0; i < casRetries; i++ {
		item, err := r.bk.Get(ctx, workerKey(worker.Authority))
		if err != nil && !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		if trace.IsNotFound(err) {
			worker.ID = uuid.NewString()
			worker.CreatedAt = now
			worker.UpdatedAt = now
			value, err := json.Marshal(worker)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			_, err = r.bk.Create(ctx, backend.Item{Key: workerKey(worker.Authority), Value: value})
			if err == nil {
				return &worker, nil
			}
			if trace.IsAlreadyExists(err) {
				// Another node of the same authority registered first.
				continue
			}
			return nil, trace.Wrap(err)
		}

		prev, err := unmarshalWorker(item.Value)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if !prev.SameCapabilities(&worker) {
			return nil, apperr.WithCode(apperr.CodeWorkerRegistrationFailed,
				trace.AlreadyExists("worker %q is already registered with different capabilities", worker.Authority))
		}
		worker.ID = prev.ID
		worker.CreatedAt = prev.CreatedAt
		worker.UpdatedAt = now
		value, err := json.Marshal(worker)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		_, err = r.bk.CompareAndSwap(ctx, *item, backend.Item{Key: item.Key, Value: value})
		if err == nil {
			return &worker, nil
		}
		if !trace.IsCompareFailed(err) {
			return nil, trace.Wrap(err)
		}
	}
	return nil, trace.CompareFailed("too many concurrent registrations of worker %q", worker.Authority)
}

// GetWorker returns a worker by authority.
func (r *Registry) GetWorker(ctx context.Context, authority string) (*types.Worker, error) {
	if authority == "" {
		return nil, trace.BadParameter("missing parameter authority")
	}
	item, err := r.bk.Get(ctx, workerKey(authority))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, apperr.NotFound("worker %q not found", authority)
		}
		return nil, trace.Wrap(err)
	}
	return unmarshalWorker(item.Value)
}

// FindWorker resolves a worker by authority or by its assigned id, so
// API callers can address workers either way.
func (r *Registry) FindWorker(ctx context.Context, idOrAuthority string) (*types.Worker, error) {
	worker, err := r.GetWorker(ctx, idOrAuthority)
	if err == nil {
		return worker, nil
	}
	if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	workers, err := r.ListWorkers(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range workers {
		if workers[i].ID == idOrAuthority {
			return &workers[i], nil
		}
	}
	return nil, apperr.NotFound("worker %q not found", idOrAuthority)
}

// ListWorkers returns all registered workers.
func (r *Registry) ListWorkers(ctx context.Context) ([]types.Worker, error) {
	prefix := workersPrefix()
	result, err := r.bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	workers := make([]types.Worker, 0, len(result.Items))
	for _, item := range result.Items {
		// Node and slot records nest under the worker key.
		if !isDirectChild(item.Key, prefix) {
			continue
		}
		worker, err := unmarshalWorker(item.Value)
		if err != nil {
			r.log.WarnContext(ctx, "Skipping undecodable worker record", "key", string(item.Key), "error", err)
			continue
		}
		workers = append(workers, *worker)
	}
	return workers, nil
}

// PatchWorker applies a partial update to scheduling-relevant worker
// fields. Capability fields are immutable; re-register to change them.
func (r *Registry) PatchWorker(ctx context.Context, authority string, patch types.WorkerPatch) (*types.Worker, error) {
	for i := 0; i < casRetries; i++ {
		item, err := r.bk.Get(ctx, workerKey(authority))
		if err != nil {
			if trace.IsNotFound(err) {
				return nil, apperr.NotFound("worker %q not found", authority)
			}
			return nil, trace.Wrap(err)
		}
		worker, err := unmarshalWorker(item.Value)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if patch.AcceptedTraffics != nil {
			worker.AcceptedTraffics = patch.AcceptedTraffics
		}
		if patch.AppFilters != nil {
			worker.AppFilters = patch.AppFilters
		}
		if patch.FilteredAppsOnly != nil {
			worker.FilteredAppsOnly = *patch.FilteredAppsOnly
		}
		if err := worker.CheckAndSetDefaults(); err != nil {
			return nil, trace.Wrap(err)
		}
		worker.UpdatedAt = r.bk.Clock().Now().UTC()
		value, err := json.Marshal(worker)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		_, err = r.bk.CompareAndSwap(ctx, *item, backend.Item{Key: item.Key, Value: value})
		if err == nil {
			return worker, nil
		}
		if !trace.IsCompareFailed(err) {
			return nil, trace.Wrap(err)
		}
	}
	return nil, trace.CompareFailed("too many concurrent updates of worker %q", authority)
}

// RemoveWorker deletes the worker record with its nested node and slot
// records. Circuit cascade is the caller's business: records under
// circuits/ and circuits-by-worker/ are owned by the circuit registry.
func (r *Registry) RemoveWorker(ctx context.Context, authority string) error {
	if err := r.bk.Delete(ctx, workerKey(authority)); err != nil {
		if trace.IsNotFound(err) {
			return apperr.NotFound("worker %q not found", authority)
		}
		return trace.Wrap(err)
	}
	// Nested nodes and slots.
	nested := backend.ExactKey(coordinatorPrefix, "workers", authority)
	if err := r.bk.DeleteRange(ctx, nested, backend.RangeEnd(nested)); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return nil
}

// HeartbeatNode refreshes the TTL'd liveness record of one physical
// worker process. Records of processes that stop heartbeating expire
// on their own.
func (r *Registry) HeartbeatNode(ctx context.Context, node types.WorkerNode) error {
	if node.ID == "" || node.Authority == "" {
		return trace.BadParameter("node id and authority are required")
	}
	node.UpdatedAt = r.bk.Clock().Now().UTC()
	value, err := json.Marshal(node)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = r.bk.Put(ctx, backend.Item{
		Key:     nodeKey(node.Authority, node.ID),
		Value:   value,
		Expires: r.bk.Clock().Now().UTC().Add(defaults.NodeTTL),
	})
	return trace.Wrap(err)
}

// RemoveNode deletes a node liveness record, used on graceful worker
// shutdown so the fleet view converges faster than the TTL.
func (r *Registry) RemoveNode(ctx context.Context, authority, nodeID string) error {
	err := r.bk.Delete(ctx, nodeKey(authority, nodeID))
	if trace.IsNotFound(err) {
		return nil
	}
	return trace.Wrap(err)
}

// ListNodes returns the live nodes of an authority.
func (r *Registry) ListNodes(ctx context.Context, authority string) ([]types.WorkerNode, error) {
	start := nodesPrefix(authority)
	result, err := r.bk.GetRange(ctx, start, backend.RangeEnd(start), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	nodes := make([]types.WorkerNode, 0, len(result.Items))
	for _, item := range result.Items {
		var node types.WorkerNode
		if err := json.Unmarshal(item.Value, &node); err != nil {
			r.log.WarnContext(ctx, "Skipping undecodable node record", "key", string(item.Key), "error", err)
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// WorkerStatus derives the slot and node accounting of one worker.
func (r *Registry) WorkerStatus(ctx context.Context, worker types.Worker) (*types.WorkerStatus, error) {
	occupied, err := r.occupiedSlots(ctx, worker.Authority)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	nodes, err := r.ListNodes(ctx, worker.Authority)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	bound := make(map[string]bool, len(occupied))
	for key := range occupied {
		bound[key] = true
	}
	return &types.WorkerStatus{
		Worker:         worker,
		AvailableSlots: worker.AvailableSlots(),
		OccupiedSlots:  len(occupied),
		Nodes:          len(nodes),
		BoundKeys:      bound,
	}, nil
}

// ListWorkerStatuses returns the status of every registered worker.
func (r *Registry) ListWorkerStatuses(ctx context.Context) ([]types.WorkerStatus, error) {
	workers, err := r.ListWorkers(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	statuses := make([]types.WorkerStatus, 0, len(workers))
	for _, worker := range workers {
		status, err := r.WorkerStatus(ctx, worker)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		statuses = append(statuses, *status)
	}
	return statuses, nil
}

func unmarshalWorker(value []byte) (*types.Worker, error) {
	var worker types.Worker
	if err := json.Unmarshal(value, &worker); err != nil {
		return nil, trace.Wrap(err)
	}
	return &worker, nil
}
