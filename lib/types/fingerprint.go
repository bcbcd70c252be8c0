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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"strconv"
)

// FingerprintSpec collects the request fields deciding whether an
// interactive circuit request can reuse an existing circuit. Two
// requests with equal digests are interchangeable.
type FingerprintSpec struct {
	UserID           string
	App              string
	KernelHost       string
	KernelPort       int
	Protocol         Protocol
	Envs             map[string]string
	Arguments        *string
	OpenToPublic     bool
	AllowedClientIPs []string
	Port             int
	Subdomain        string
}

// Digest returns the canonical sha256 hex digest of the spec. Map keys
// and CIDR lists are sorted first, and a nil Arguments is distinct
// from an empty string.
func (s *FingerprintSpec) Digest() string {
	h := sha256.New()
	writeField(h, "user", s.UserID)
	writeField(h, "app", s.App)
	writeField(h, "kernel", s.KernelHost+":"+strconv.Itoa(s.KernelPort))
	writeField(h, "protocol", string(s.Protocol))

	keys := make([]string, 0, len(s.Envs))
	for key := range s.Envs {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		writeField(h, "env:"+key, s.Envs[key])
	}

	if s.Arguments != nil {
		writeField(h, "args", *s.Arguments)
	}
	writeField(h, "public", strconv.FormatBool(s.OpenToPublic))

	cidrs := slices.Clone(s.AllowedClientIPs)
	slices.Sort(cidrs)
	for _, cidr := range cidrs {
		writeField(h, "cidr", cidr)
	}
	if s.Port != 0 {
		writeField(h, "port", strconv.Itoa(s.Port))
	}
	if s.Subdomain != "" {
		writeField(h, "subdomain", s.Subdomain)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField writes a length-prefixed name/value pair so adjacent
// fields cannot collide into the same byte stream.
func writeField(w io.Writer, name, value string) {
	fmt.Fprintf(w, "%d:%s=%d:%s;", len(name), name, len(value), value)
}

// FormatPortKey renders a port number as a slot key.
func FormatPortKey(port int) string {
	return strconv.Itoa(port)
}

// ParsePortKey parses a slot key back into a port number.
func ParsePortKey(key string) (int, bool) {
	port, err := strconv.Atoi(key)
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}
