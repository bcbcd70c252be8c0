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
	"net"
	"strconv"

	"github.com/gravitational/trace"
)

// ParseHostPort splits addr into a host and a numeric port.
func ParseHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, trace.BadParameter("invalid address %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, trace.BadParameter("invalid port in address %q", addr)
	}
	return host, port, nil
}

// ClientIPFromAddr extracts the bare IP out of a network address of the
// "host:port" form used by http.Request.RemoteAddr.
func ClientIPFromAddr(addr string) (string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		// Some listeners hand over a bare IP.
		if ip := net.ParseIP(addr); ip != nil {
			return addr, nil
		}
		return "", trace.BadParameter("invalid remote address %q", addr)
	}
	return host, nil
}
