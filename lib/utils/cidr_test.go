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

package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCIDRMatcher(t *testing.T) {
	tests := []struct {
		name   string
		blocks []string
		ip     string
		match  bool
	}{
		{
			name:   "ipv4 inside block",
			blocks: []string{"10.0.0.0/8"},
			ip:     "10.1.2.3",
			match:  true,
		},
		{
			name:   "ipv4 outside block",
			blocks: []string{"10.0.0.0/8"},
			ip:     "192.168.0.1",
			match:  false,
		},
		{
			name:   "bare address",
			blocks: []string{"192.168.0.7"},
			ip:     "192.168.0.7",
			match:  true,
		},
		{
			name:   "ipv6 block",
			blocks: []string{"2001:db8::/32"},
			ip:     "2001:db8::1",
			match:  true,
		},
		{
			name:   "mixed families, v4 client",
			blocks: []string{"2001:db8::/32", "172.16.0.0/12"},
			ip:     "172.20.0.5",
			match:  true,
		},
		{
			name:   "v4-mapped v6 client",
			blocks: []string{"10.0.0.0/8"},
			ip:     "::ffff:10.0.0.9",
			match:  true,
		},
		{
			name:   "garbage client ip",
			blocks: []string{"10.0.0.0/8"},
			ip:     "not-an-ip",
			match:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewCIDRMatcher(tt.blocks)
			require.NoError(t, err)
			require.Equal(t, tt.match, m.Match(tt.ip))
		})
	}
}

func TestNewCIDRMatcherRejectsGarbage(t *testing.T) {
	_, err := NewCIDRMatcher([]string{"10.0.0.0/8", "bogus"})
	require.Error(t, err)
}
