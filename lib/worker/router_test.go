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
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/lablup/appproxy/lib/apperr"
	"github.com/lablup/appproxy/lib/types"
)

func route(sessionID string, ratio float64) types.RouteInfo {
	return types.RouteInfo{
		SessionID:    sessionID,
		KernelHost:   "10.0.0.7",
		KernelPort:   30080,
		Protocol:     types.ProtocolHTTP,
		TrafficRatio: ratio,
	}
}

func drawCounts(t *testing.T, rt *Router, routes []types.RouteInfo, draws int) map[string]int {
	t.Helper()
	counts := make(map[string]int, len(routes))
	for i := 0; i < draws; i++ {
		picked, err := rt.Pick(routes)
		require.NoError(t, err)
		counts[picked.SessionID]++
	}
	return counts
}

func TestPickFollowsTrafficRatios(t *testing.T) {
	rt := newSeededRouter(1)
	routes := []types.RouteInfo{route("r1", 3), route("r2", 1)}

	const draws = 8000
	counts := drawCounts(t, rt, routes, draws)

	// Expect roughly 3:1. The seed is fixed, the tolerance covers the
	// variance of the draw, not flakiness.
	require.InDelta(t, draws*3/4, counts["r1"], draws/20)
	require.InDelta(t, draws/4, counts["r2"], draws/20)
}

func TestPickExcludesZeroRatioRoutes(t *testing.T) {
	rt := newSeededRouter(2)
	routes := []types.RouteInfo{route("drained", 0), route("live", 1), route("also-drained", 0)}

	counts := drawCounts(t, rt, routes, 500)
	require.Equal(t, map[string]int{"live": 500}, counts)
}

func TestPickUniformWhenAllRatiosAreZero(t *testing.T) {
	rt := newSeededRouter(3)
	routes := []types.RouteInfo{route("r1", 0), route("r2", 0)}

	counts := drawCounts(t, rt, routes, 2000)
	require.Greater(t, counts["r1"], 500)
	require.Greater(t, counts["r2"], 500)
}

func TestPickSingleRoute(t *testing.T) {
	rt := newSeededRouter(4)
	routes := []types.RouteInfo{route("only", 1)}

	picked, err := rt.Pick(routes)
	require.NoError(t, err)
	require.Equal(t, "only", picked.SessionID)
}

func TestPickNoRoutes(t *testing.T) {
	rt := newSeededRouter(5)

	_, err := rt.Pick(nil)
	require.True(t, trace.IsLimitExceeded(err), "expected limit exceeded, got %v", err)
	require.Equal(t, apperr.CodeBackendDied, apperr.CodeOf(err))
}
