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
	"math"
	"slices"
	"strings"

	"github.com/gravitational/trace"

	"github.com/lablup/appproxy/lib/types"
)

// ErrNoWorkerAvailable is returned when no registered worker can take
// a circuit.
var ErrNoWorkerAvailable = &trace.NotFoundError{Message: "no eligible worker available"}

// SlotPreference narrows selection to workers that can bind a caller
// requested ingress key: a specific port in port mode, a specific
// subdomain label in wildcard mode.
type SlotPreference struct {
	Port      int
	Subdomain string
}

// SelectWorker picks the worker a new circuit lands on. Eligibility
// first: the worker must take the traffic class, speak the circuit's
// protocol, pass its app filter, own the preferred ingress key free
// when one is requested, and have a free slot. Ties break
// deterministically: app-filter matches win, then more free slots,
// then the lexicographically smaller authority, so concurrent
// coordinators make the same choice from the same view.
func SelectWorker(statuses []types.WorkerStatus, app string, mode types.AppMode, protocol types.Protocol, pref SlotPreference) (*types.WorkerStatus, error) {
	type candidate struct {
		status      types.WorkerStatus
		filterMatch bool
		free        int
	}
	var candidates []candidate
	exhausted := 0
	prefMissed := 0
	for _, status := range statuses {
		if !status.Accepts(mode) {
			continue
		}
		if status.Protocol != protocol {
			continue
		}
		match := status.MatchesApp(app)
		if status.FilteredAppsOnly && !match {
			continue
		}
		if !status.OwnsFreeKey(pref.Port, pref.Subdomain) {
			prefMissed++
			continue
		}
		free := math.MaxInt
		if status.AvailableSlots >= 0 {
			free = status.AvailableSlots - status.OccupiedSlots
		}
		if free <= 0 {
			exhausted++
			continue
		}
		candidates = append(candidates, candidate{status: status, filterMatch: match, free: free})
	}
	if len(candidates) == 0 {
		// Full workers, unsatisfiable preferences and missing workers
		// fail differently: capacity exhaustion is retryable, the other
		// two are not.
		if prefMissed > 0 {
			if pref.Port != 0 {
				return nil, trace.BadParameter("no eligible worker owns port %v free", pref.Port)
			}
			return nil, trace.BadParameter("no eligible worker owns subdomain %q free", pref.Subdomain)
		}
		if exhausted > 0 {
			return nil, trace.LimitExceeded("no slot available: all %d eligible workers are full", exhausted)
		}
		return nil, trace.Wrap(ErrNoWorkerAvailable, "no worker accepts %v %v traffic for app %q", protocol, mode, app)
	}
	slices.SortFunc(candidates, func(a, b candidate) int {
		if a.filterMatch != b.filterMatch {
			if a.filterMatch {
				return -1
			}
			return 1
		}
		if a.free != b.free {
			return b.free - a.free
		}
		return strings.Compare(a.status.Authority, b.status.Authority)
	})
	return &candidates[0].status, nil
}
