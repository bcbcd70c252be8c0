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
	"slices"

	"github.com/gravitational/trace"

	"github.com/lablup/appproxy/lib/backend"
	"github.com/lablup/appproxy/lib/defaults"
	"github.com/lablup/appproxy/lib/types"
	"github.com/lablup/appproxy/lib/utils"
)

// The slot ledger binds ingress keys (ports or subdomain labels) to
// circuits. A reservation is a Create of the slot key with the circuit
// id as value: the store's create-if-absent is the only arbiter, so
// two coordinators can never hand out the same key.

// ErrNoSlotAvailable is returned when a worker's slot universe is
// exhausted.
var ErrNoSlotAvailable = &trace.LimitExceededError{Message: "no slot available on worker"}

// reserveSlot binds a free slot on the worker to the circuit and
// stamps the bound port or subdomain into the circuit record. The
// returned string is the bound slot key.
func (r *Registry) reserveSlot(ctx context.Context, worker *types.Worker, circuit *types.Circuit) (string, error) {
	switch worker.FrontendMode {
	case types.FrontendModeWildcard:
		return r.reserveSubdomain(ctx, worker, circuit)
	default:
		return r.reservePort(ctx, worker, circuit)
	}
}

// reservePort picks the lowest free port of the worker's range. A
// preferred port is tried first when it belongs to the range; if it is
// taken the scan continues with the remaining candidates.
func (r *Registry) reservePort(ctx context.Context, worker *types.Worker, circuit *types.Circuit) (string, error) {
	occupied, err := r.occupiedSlots(ctx, worker.Authority)
	if err != nil {
		return "", trace.Wrap(err)
	}

	candidates := slices.Clone(worker.PortRange)
	slices.Sort(candidates)
	if circuit.Port != 0 {
		if !slices.Contains(candidates, circuit.Port) {
			return "", trace.BadParameter("preferred port %v is outside the range of worker %q", circuit.Port, worker.Authority)
		}
		candidates = slices.Concat([]int{circuit.Port}, slices.DeleteFunc(candidates, func(p int) bool {
			return p == circuit.Port
		}))
	}

	for _, port := range candidates {
		key := types.FormatPortKey(port)
		if _, taken := occupied[key]; taken {
			continue
		}
		_, err := r.bk.Create(ctx, backend.Item{Key: slotKey(worker.Authority, key), Value: []byte(circuit.ID)})
		if err == nil {
			circuit.Port = port
			return key, nil
		}
		if trace.IsAlreadyExists(err) {
			// Lost the race for this port, try the next one.
			continue
		}
		return "", trace.Wrap(err)
	}
	return "", trace.Wrap(ErrNoSlotAvailable, "no slot available on worker %q", worker.Authority)
}

// reserveSubdomain binds the preferred subdomain or generates a random
// label. A preferred label owned by someone else is a hard conflict:
// subdomains are externally visible names, silently substituting one
// would strand the caller's DNS records.
func (r *Registry) reserveSubdomain(ctx context.Context, worker *types.Worker, circuit *types.Circuit) (string, error) {
	if circuit.Subdomain != "" {
		_, err := r.bk.Create(ctx, backend.Item{Key: slotKey(worker.Authority, circuit.Subdomain), Value: []byte(circuit.ID)})
		if err != nil {
			if trace.IsAlreadyExists(err) {
				return "", trace.AlreadyExists("subdomain %q is already bound on worker %q", circuit.Subdomain, worker.Authority)
			}
			return "", trace.Wrap(err)
		}
		return circuit.Subdomain, nil
	}
	for i := 0; i < defaults.SubdomainRetries; i++ {
		label, err := utils.CryptoRandomLabel(defaults.SubdomainLength)
		if err != nil {
			return "", trace.Wrap(err)
		}
		_, err = r.bk.Create(ctx, backend.Item{Key: slotKey(worker.Authority, label), Value: []byte(circuit.ID)})
		if err == nil {
			circuit.Subdomain = label
			return label, nil
		}
		if !trace.IsAlreadyExists(err) {
			return "", trace.Wrap(err)
		}
	}
	return "", trace.Wrap(ErrNoSlotAvailable, "could not find a free subdomain on worker %q", worker.Authority)
}

// releaseSlot frees the slot bound to the circuit. Releases are keyed
// on the circuit id so a stale release can never free a slot that was
// already rebound to another circuit.
func (r *Registry) releaseSlot(ctx context.Context, authority, key, circuitID string) error {
	item, err := r.bk.Get(ctx, slotKey(authority, key))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	if string(item.Value) != circuitID {
		return nil
	}
	if err := r.bk.Delete(ctx, slotKey(authority, key)); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return nil
}

// rollbackSlot is releaseSlot for failed creation transactions, where
// the error is only worth a log line.
func (r *Registry) rollbackSlot(ctx context.Context, authority, key, circuitID string) {
	if err := r.releaseSlot(ctx, authority, key, circuitID); err != nil {
		r.log.WarnContext(ctx, "Failed to roll back slot reservation", "worker", authority, "slot", key, "error", err)
	}
}

// occupiedSlots maps bound slot keys to circuit ids for one authority.
func (r *Registry) occupiedSlots(ctx context.Context, authority string) (map[string]string, error) {
	start := slotsPrefix(authority)
	result, err := r.bk.GetRange(ctx, start, backend.RangeEnd(start), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	occupied := make(map[string]string, len(result.Items))
	for _, item := range result.Items {
		occupied[lastSegment(item.Key)] = string(item.Value)
	}
	return occupied, nil
}

// ListSlots renders the full slot table of a worker: every port of the
// range with its binding in port mode, bound subdomains only in
// wildcard mode.
func (r *Registry) ListSlots(ctx context.Context, worker *types.Worker) ([]types.Slot, error) {
	occupied, err := r.occupiedSlots(ctx, worker.Authority)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if worker.FrontendMode == types.FrontendModeWildcard {
		keys := make([]string, 0, len(occupied))
		for key := range occupied {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		slots := make([]types.Slot, 0, len(keys))
		for _, key := range keys {
			slots = append(slots, types.Slot{
				Worker:       worker.Authority,
				FrontendMode: worker.FrontendMode,
				Key:          key,
				CircuitID:    occupied[key],
				InUse:        true,
			})
		}
		return slots, nil
	}
	ports := slices.Clone(worker.PortRange)
	slices.Sort(ports)
	slots := make([]types.Slot, 0, len(ports))
	for _, port := range ports {
		key := types.FormatPortKey(port)
		circuitID, inUse := occupied[key]
		slots = append(slots, types.Slot{
			Worker:       worker.Authority,
			FrontendMode: worker.FrontendMode,
			Key:          key,
			CircuitID:    circuitID,
			InUse:        inUse,
		})
	}
	return slots, nil
}
