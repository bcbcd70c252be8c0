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

package worker

import (
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/lablup/appproxy/lib/apperr"
	"github.com/lablup/appproxy/lib/types"
)

// Router picks a backend route for each proxied request or connection.
// Interactive circuits carry a single route; inference circuits carry
// one route per live replica, selected by weighted random draw over
// traffic ratios.
type Router struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRouter returns a router seeded from the wall clock.
func NewRouter() *Router {
	return newSeededRouter(time.Now().UnixNano())
}

// newSeededRouter returns a router with a fixed seed so tests can
// assert distributions.
func newSeededRouter(seed int64) *Router {
	return &Router{rng: rand.New(rand.NewSource(seed))}
}

// Pick selects one route. Routes with a zero traffic ratio are excluded
// unless every ratio is zero, in which case the draw is uniform. An
// empty route table means the endpoint has no live replicas and the
// caller must reject the request as retryable.
func (rt *Router) Pick(routes []types.RouteInfo) (*types.RouteInfo, error) {
	if len(routes) == 0 {
		return nil, apperr.WithCode(apperr.CodeBackendDied,
			trace.LimitExceeded("no live routes to serve this circuit"))
	}
	var total float64
	for i := range routes {
		total += routes[i].TrafficRatio
	}
	if total <= 0 {
		rt.mu.Lock()
		i := rt.rng.Intn(len(routes))
		rt.mu.Unlock()
		return &routes[i], nil
	}
	rt.mu.Lock()
	x := rt.rng.Float64() * total
	rt.mu.Unlock()
	for i := range routes {
		if routes[i].TrafficRatio <= 0 {
			continue
		}
		x -= routes[i].TrafficRatio
		if x < 0 {
			return &routes[i], nil
		}
	}
	// Floating point drift can leave x at a hair above zero; fall back
	// to the last weighted route.
	for i := len(routes) - 1; i >= 0; i-- {
		if routes[i].TrafficRatio > 0 {
			return &routes[i], nil
		}
	}
	return &routes[len(routes)-1], nil
}
