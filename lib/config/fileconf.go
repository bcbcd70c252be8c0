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

package config

import (
	"errors"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/lablup/appproxy/lib/apperr"
)

// FileConfig is the on-disk YAML configuration of an AppProxy process
// (usually /etc/appproxy.yaml). The appproxy section is shared; the
// coordinator and worker sections configure their respective services
// and a single file may carry both.
type FileConfig struct {
	Global      `yaml:"appproxy,omitempty"`
	Coordinator CoordinatorSection `yaml:"coordinator,omitempty"`
	Worker      WorkerSection      `yaml:"worker,omitempty"`
}

// Global holds settings shared by both services.
type Global struct {
	Store StoreSection `yaml:"store,omitempty"`
	Log   LogSection   `yaml:"log,omitempty"`
}

// StoreSection configures the shared persistent store.
type StoreSection struct {
	// Type is one of memory, etcd, redis.
	Type string `yaml:"type,omitempty"`
	// Endpoints are the store addresses.
	Endpoints []string `yaml:"endpoints,omitempty"`
	// Prefix namespaces every key.
	Prefix string `yaml:"prefix,omitempty"`
	// Username and Password authenticate against etcd or redis.
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	// Database selects the redis logical database.
	Database int `yaml:"database,omitempty"`
	// Client TLS for etcd.
	TLSCertFile string `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile  string `yaml:"tls_key_file,omitempty"`
	TLSCAFile   string `yaml:"tls_ca_file,omitempty"`
}

// LogSection configures process logging.
type LogSection struct {
	// Severity is one of debug, info, warn, error.
	Severity string `yaml:"severity,omitempty"`
	// Format is text or json.
	Format string `yaml:"format,omitempty"`
	// Output is stderr, stdout or a file path.
	Output string `yaml:"output,omitempty"`
}

// CoordinatorSection configures the control plane service.
type CoordinatorSection struct {
	ListenAddress   string `yaml:"listen_addr,omitempty"`
	ManagerToken    string `yaml:"manager_token,omitempty"`
	WorkerToken     string `yaml:"worker_token,omitempty"`
	TokenSigningKey string `yaml:"token_signing_key,omitempty"`
}

// WorkerSection configures the data plane service.
type WorkerSection struct {
	Authority           string      `yaml:"authority,omitempty"`
	FrontendMode        string      `yaml:"frontend_mode,omitempty"`
	Protocol            string      `yaml:"protocol,omitempty"`
	Hostname            string      `yaml:"hostname,omitempty"`
	BindAddr            string      `yaml:"bind_addr,omitempty"`
	APIPort             int         `yaml:"api_port,omitempty"`
	PortRange           PortRange   `yaml:"port_range,omitempty"`
	WildcardDomain      string      `yaml:"wildcard_domain,omitempty"`
	WildcardTrafficPort int         `yaml:"wildcard_traffic_port,omitempty"`
	UseTLS              bool        `yaml:"use_tls,omitempty"`
	TLSKeyPairs         []KeyPair   `yaml:"tls_keypairs,omitempty"`
	AcceptedTraffics    []string    `yaml:"accepted_traffics,omitempty"`
	FilteredAppsOnly    bool        `yaml:"filtered_apps_only,omitempty"`
	AppFilters          []AppFilter `yaml:"app_filters,omitempty"`
	TrustForwarded      bool        `yaml:"trust_forwarded,omitempty"`
	Coordinator         string      `yaml:"coordinator,omitempty"`
	APISecret           string      `yaml:"api_secret,omitempty"`
	TokenSigningKey     string      `yaml:"token_signing_key,omitempty"`
}

// KeyPair locates a TLS certificate and its private key on disk.
type KeyPair struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AppFilter matches one app attribute, raising scheduling priority on
// the workers that carry it.
type AppFilter struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// PortRange is a pool of ingress ports, written in YAML either as a
// list of integers or as a string of comma-separated ports and lo-hi
// spans ("10205-10210,10500").
type PortRange []int

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *PortRange) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var ports []int
		if err := node.Decode(&ports); err != nil {
			return trace.Wrap(err)
		}
		for _, port := range ports {
			if port <= 0 || port > 65535 {
				return trace.BadParameter("invalid port %v in port_range", port)
			}
		}
		*p = ports
		return nil
	case yaml.ScalarNode:
		var spec string
		if err := node.Decode(&spec); err != nil {
			return trace.Wrap(err)
		}
		ports, err := ParsePortRange(spec)
		if err != nil {
			return trace.Wrap(err)
		}
		*p = ports
		return nil
	}
	return trace.BadParameter("port_range must be a list of ports or a range string")
}

// ParsePortRange expands a port range spec into the sorted,
// deduplicated list of ports it names. The spec is a comma-separated
// mix of single ports and inclusive lo-hi spans.
func ParsePortRange(spec string) ([]int, error) {
	seen := make(map[int]struct{})
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, err := parsePortSpan(part)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for port := lo; port <= hi; port++ {
			seen[port] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil, trace.BadParameter("empty port range %q", spec)
	}
	ports := make([]int, 0, len(seen))
	for port := range seen {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports, nil
}

func parsePortSpan(part string) (int, int, error) {
	loStr, hiStr, isSpan := strings.Cut(part, "-")
	lo, err := parsePort(loStr)
	if err != nil {
		return 0, 0, trace.Wrap(err)
	}
	if !isSpan {
		return lo, lo, nil
	}
	hi, err := parsePort(hiStr)
	if err != nil {
		return 0, 0, trace.Wrap(err)
	}
	if hi < lo {
		return 0, 0, trace.BadParameter("inverted port span %q", part)
	}
	return lo, hi, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port <= 0 || port > 65535 {
		return 0, trace.BadParameter("invalid port %q", s)
	}
	return port, nil
}

// ReadFromFile reads and parses the YAML config at path.
func ReadFromFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.WithCode(apperr.CodeInvalidConfig, trace.ConvertSystemError(err))
	}
	defer f.Close()
	fc, err := ReadConfig(f)
	if err != nil {
		return nil, trace.Wrap(err, "reading config file %v", path)
	}
	return fc, nil
}

// ReadConfig parses a YAML config from reader. Unknown fields are
// rejected so typos fail loudly instead of silently using defaults.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	var fc FileConfig
	if err := decoder.Decode(&fc); err != nil {
		if errors.Is(err, io.EOF) {
			return &FileConfig{}, nil
		}
		return nil, apperr.InvalidConfig("parsing YAML config: %v", err)
	}
	return &fc, nil
}
