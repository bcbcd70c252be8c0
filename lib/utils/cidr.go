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
	"net/netip"

	"github.com/gravitational/trace"
)

// CIDRMatcher matches IP addresses against a fixed set of IPv4/IPv6
// networks. A bare address in the set matches exactly that address.
type CIDRMatcher struct {
	prefixes []netip.Prefix
}

// NewCIDRMatcher parses CIDR blocks (or bare IPs) into a matcher.
func NewCIDRMatcher(blocks []string) (*CIDRMatcher, error) {
	m := &CIDRMatcher{}
	for _, block := range blocks {
		prefix, err := netip.ParsePrefix(block)
		if err != nil {
			addr, addrErr := netip.ParseAddr(block)
			if addrErr != nil {
				return nil, trace.BadParameter("invalid CIDR block %q", block)
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		m.prefixes = append(m.prefixes, prefix)
	}
	return m, nil
}

// Match reports whether ip belongs to any of the configured networks.
// IPv4-mapped IPv6 addresses are unmapped before matching.
func (m *CIDRMatcher) Match(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range m.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Len returns the number of configured networks.
func (m *CIDRMatcher) Len() int {
	return len(m.prefixes)
}
