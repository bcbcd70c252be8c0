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

package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDigest(t *testing.T) {
	base := func() FingerprintSpec {
		return FingerprintSpec{
			UserID:     "u1",
			App:        "jupyter",
			KernelHost: "10.0.0.7",
			KernelPort: 30080,
			Protocol:   ProtocolHTTP,
			Envs:       map[string]string{"A": "1", "B": "2"},
		}
	}

	spec := base()
	digest := spec.Digest()
	require.Len(t, digest, 64)

	// Digest is stable across env map iteration orders.
	again := base()
	again.Envs = map[string]string{"B": "2", "A": "1"}
	require.Equal(t, digest, again.Digest())

	tests := []struct {
		name   string
		mutate func(*FingerprintSpec)
	}{
		{"user", func(s *FingerprintSpec) { s.UserID = "u2" }},
		{"app", func(s *FingerprintSpec) { s.App = "vscode" }},
		{"kernel host", func(s *FingerprintSpec) { s.KernelHost = "10.0.0.8" }},
		{"kernel port", func(s *FingerprintSpec) { s.KernelPort = 30081 }},
		{"protocol", func(s *FingerprintSpec) { s.Protocol = ProtocolTCP }},
		{"envs", func(s *FingerprintSpec) { s.Envs["A"] = "9" }},
		{"arguments nil vs empty", func(s *FingerprintSpec) { empty := ""; s.Arguments = &empty }},
		{"public", func(s *FingerprintSpec) { s.OpenToPublic = true }},
		{"cidrs", func(s *FingerprintSpec) { s.AllowedClientIPs = []string{"10.0.0.0/8"} }},
		{"preferred port", func(s *FingerprintSpec) { s.Port = 10205 }},
		{"preferred subdomain", func(s *FingerprintSpec) { s.Subdomain = "abc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := base()
			tt.mutate(&mutated)
			require.NotEqual(t, digest, mutated.Digest())
		})
	}

	// CIDR order does not matter.
	one := base()
	one.AllowedClientIPs = []string{"10.0.0.0/8", "192.168.0.0/16"}
	two := base()
	two.AllowedClientIPs = []string{"192.168.0.0/16", "10.0.0.0/8"}
	require.Equal(t, one.Digest(), two.Digest())
}

func TestCircuitCheckAndSetDefaults(t *testing.T) {
	valid := func() Circuit {
		return Circuit{
			App:          "jupyter",
			Protocol:     ProtocolHTTP,
			Worker:       "worker1",
			AppMode:      AppModeInteractive,
			FrontendMode: FrontendModePort,
			Port:         10205,
			UserID:       "u1",
			SessionIDs:   []string{"s1"},
			RouteInfo: []RouteInfo{
				{KernelHost: "10.0.0.7", KernelPort: 30080, Protocol: ProtocolHTTP, TrafficRatio: 1},
			},
		}
	}

	circuit := valid()
	require.NoError(t, circuit.CheckAndSetDefaults())
	_, err := uuid.Parse(circuit.ID)
	require.NoError(t, err, "id must be assigned")
	require.Equal(t, "10205", circuit.SlotKey())

	tests := []struct {
		name   string
		mutate func(*Circuit)
	}{
		{"missing worker", func(c *Circuit) { c.Worker = "" }},
		{"bad protocol", func(c *Circuit) { c.Protocol = "spdy" }},
		{"bad mode", func(c *Circuit) { c.AppMode = "batch" }},
		{"port missing", func(c *Circuit) { c.Port = 0 }},
		{"interactive without user", func(c *Circuit) { c.UserID = "" }},
		{"interactive without sessions", func(c *Circuit) { c.SessionIDs = nil }},
		{"interactive over grpc", func(c *Circuit) { c.Protocol = ProtocolGRPC }},
		{"negative ratio", func(c *Circuit) { c.RouteInfo[0].TrafficRatio = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			circuit := valid()
			tt.mutate(&circuit)
			require.Error(t, circuit.CheckAndSetDefaults())
		})
	}

	t.Run("inference requires endpoint", func(t *testing.T) {
		circuit := valid()
		circuit.AppMode = AppModeInference
		circuit.UserID = ""
		circuit.SessionIDs = nil
		require.Error(t, circuit.CheckAndSetDefaults())
		circuit.EndpointID = "e1"
		require.NoError(t, circuit.CheckAndSetDefaults())
	})

	t.Run("wildcard requires subdomain", func(t *testing.T) {
		circuit := valid()
		circuit.FrontendMode = FrontendModeWildcard
		circuit.Port = 0
		require.Error(t, circuit.CheckAndSetDefaults())
		circuit.Subdomain = "abcdefgh"
		require.NoError(t, circuit.CheckAndSetDefaults())
		require.Equal(t, "abcdefgh", circuit.SlotKey())
	})
}

func TestCircuitRoundTrip(t *testing.T) {
	args := "--port 8080"
	circuit := Circuit{
		ID:               uuid.NewString(),
		App:              "jupyter",
		Protocol:         ProtocolHTTP,
		Worker:           "worker1",
		AppMode:          AppModeInteractive,
		FrontendMode:     FrontendModePort,
		Envs:             map[string]string{"LANG": "C.UTF-8"},
		Arguments:        &args,
		OpenToPublic:     false,
		AllowedClientIPs: []string{"10.0.0.0/8"},
		Port:             10205,
		UserID:           "u1",
		RouteInfo: []RouteInfo{
			{SessionID: "s1", KernelHost: "10.0.0.7", KernelPort: 30080, Protocol: ProtocolHTTP, TrafficRatio: 1},
		},
		SessionIDs:  []string{"s1"},
		AuthSecret:  "secret",
		Fingerprint: "fp",
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		UpdatedAt:   time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
	}

	data, err := json.Marshal(circuit)
	require.NoError(t, err)

	var out Circuit
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, circuit, out)
}

func TestWorkerCheckAndSetDefaults(t *testing.T) {
	worker := Worker{
		Authority:    "worker1",
		FrontendMode: FrontendModePort,
		Protocol:     ProtocolHTTP,
		Hostname:     "worker1",
		APIPort:      10201,
		PortRange:    []int{10205, 10206},
	}
	require.NoError(t, worker.CheckAndSetDefaults())
	// Interactive is the default traffic class.
	require.Equal(t, []AppMode{AppModeInteractive}, worker.AcceptedTraffics)
	require.Equal(t, 2, worker.AvailableSlots())

	t.Run("wildcard defaults traffic port", func(t *testing.T) {
		worker := Worker{
			Authority:      "wc1",
			FrontendMode:   FrontendModeWildcard,
			Protocol:       ProtocolHTTP,
			Hostname:       "wc1",
			APIPort:        10201,
			WildcardDomain: "apps.example.dev",
		}
		require.NoError(t, worker.CheckAndSetDefaults())
		require.Equal(t, 443, worker.WildcardTrafficPort)
		require.Equal(t, -1, worker.AvailableSlots())
	})

	t.Run("port mode requires range", func(t *testing.T) {
		worker := Worker{
			Authority:    "w",
			FrontendMode: FrontendModePort,
			Protocol:     ProtocolHTTP,
			Hostname:     "w",
			APIPort:      10201,
		}
		require.Error(t, worker.CheckAndSetDefaults())
	})

	t.Run("filtered apps require filters", func(t *testing.T) {
		worker := Worker{
			Authority:        "w",
			FrontendMode:     FrontendModePort,
			Protocol:         ProtocolHTTP,
			Hostname:         "w",
			APIPort:          10201,
			PortRange:        []int{10205},
			FilteredAppsOnly: true,
		}
		require.Error(t, worker.CheckAndSetDefaults())
	})
}

func TestWorkerSameCapabilities(t *testing.T) {
	worker := Worker{
		Authority:    "worker1",
		FrontendMode: FrontendModePort,
		Protocol:     ProtocolHTTP,
		Hostname:     "worker1",
		APIPort:      10201,
		PortRange:    []int{10205, 10206},
	}
	require.NoError(t, worker.CheckAndSetDefaults())

	same := worker
	same.UpdatedAt = time.Now()
	require.True(t, worker.SameCapabilities(&same))

	diff := worker
	diff.PortRange = []int{10205}
	require.False(t, worker.SameCapabilities(&diff))

	diff = worker
	diff.Protocol = ProtocolTCP
	require.False(t, worker.SameCapabilities(&diff))
}

func TestEndpointRoutes(t *testing.T) {
	endpoint := Endpoint{
		ID: "e1",
		Apps: map[string][]RouteInfo{
			"zeta": {{KernelHost: "k3", KernelPort: 8080, Protocol: ProtocolHTTP, TrafficRatio: 1}},
			"api": {
				{KernelHost: "k1", KernelPort: 8080, Protocol: ProtocolHTTP, TrafficRatio: 3},
				{KernelHost: "k2", KernelPort: 8080, Protocol: ProtocolHTTP, TrafficRatio: 1},
			},
		},
	}
	routes := endpoint.Routes()
	require.Len(t, routes, 3)
	// Apps are flattened in sorted name order.
	require.Equal(t, "k1", routes[0].KernelHost)
	require.Equal(t, "k2", routes[1].KernelHost)
	require.Equal(t, "k3", routes[2].KernelHost)
}

func TestRouteSpecDefaults(t *testing.T) {
	spec := RouteSpec{KernelHost: "k1", KernelPort: 8080}
	route := spec.RouteInfo()
	require.Equal(t, 1.0, route.TrafficRatio)
	require.NoError(t, route.CheckAndSetDefaults())
	require.Equal(t, ProtocolHTTP, route.Protocol)

	zero := 0.0
	spec.TrafficRatio = &zero
	require.Equal(t, 0.0, spec.RouteInfo().TrafficRatio)
}

func TestParsePortKey(t *testing.T) {
	port, ok := ParsePortKey("10205")
	require.True(t, ok)
	require.Equal(t, 10205, port)

	for _, bad := range []string{"", "abc", "-1", "0", "70000"} {
		_, ok := ParsePortKey(bad)
		require.False(t, ok, "key %q should not parse", bad)
	}
}
