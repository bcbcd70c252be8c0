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
	"log/slog"
	"time"

	"github.com/gravitational/trace"

	"github.com/lablup/appproxy"
	"github.com/lablup/appproxy/lib/defaults"
	"github.com/lablup/appproxy/lib/types"
)

// RunSweeper evicts idle inference circuits until the context ends.
func (c *Coordinator) RunSweeper(ctx context.Context) {
	log := slog.With(appproxy.ComponentKey, appproxy.ComponentSweeper)
	ticker := c.clock.NewTicker(defaults.SweepInterval)
	defer ticker.Stop()
	log.InfoContext(ctx, "Idle circuit sweeper started", "interval", defaults.SweepInterval)
	for {
		select {
		case <-ticker.Chan():
			if err := c.Sweep(ctx); err != nil {
				log.WarnContext(ctx, "Sweep pass failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one eviction pass: every inference circuit whose endpoint
// sets an idle TTL is removed once no traffic was seen for that long.
// Circuits of endpoints without a TTL are never idle-evicted, as are
// interactive circuits.
func (c *Coordinator) Sweep(ctx context.Context) error {
	circuits, err := c.registry.ListCircuits(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	now := c.clock.Now()
	var errs []error
	for _, circuit := range circuits {
		if circuit.AppMode != types.AppModeInference || circuit.EndpointID == "" {
			continue
		}
		endpoint, err := c.registry.GetEndpoint(ctx, circuit.EndpointID)
		if err != nil {
			if !trace.IsNotFound(err) {
				errs = append(errs, err)
			}
			continue
		}
		if endpoint.TTLSeconds == nil || *endpoint.TTLSeconds <= 0 {
			continue
		}
		// Circuits that never served traffic idle from their creation.
		lastAccess := circuit.CreatedAt
		if stats, err := c.registry.GetCircuitStats(ctx, circuit.ID); err == nil && stats.LastAccess.After(lastAccess) {
			lastAccess = stats.LastAccess
		}
		ttl := time.Duration(*endpoint.TTLSeconds) * time.Second
		if now.Sub(lastAccess) < ttl {
			continue
		}
		c.log.InfoContext(ctx, "Evicting idle circuit",
			"circuit", circuit.ID, "endpoint", circuit.EndpointID, "idle", now.Sub(lastAccess), "ttl", ttl)
		if _, err := c.RemoveCircuit(ctx, circuit.ID, removeReasonIdle); err != nil && !trace.IsNotFound(err) {
			errs = append(errs, err)
			continue
		}
		endpoint.CircuitID = ""
		if _, err := c.registry.PutEndpoint(ctx, *endpoint); err != nil {
			errs = append(errs, err)
		}
	}
	return trace.NewAggregate(errs...)
}
