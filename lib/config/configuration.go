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

// Package config turns YAML files, environment variables and command
// line flags into the runtime configuration of an AppProxy process.
// Flags override the file; the environment fills credentials the file
// leaves empty.
package config

import (
	"os"

	"github.com/gravitational/trace"

	"github.com/lablup/appproxy/lib/certwatcher"
	"github.com/lablup/appproxy/lib/defaults"
	"github.com/lablup/appproxy/lib/service"
	"github.com/lablup/appproxy/lib/types"
)

// CommandLineFlags is the subset of configuration expressible on the
// command line. Everything else lives in the YAML file.
type CommandLineFlags struct {
	// ConfigFile is the --config flag.
	ConfigFile string
	// Debug is the -d/--debug flag.
	Debug bool
	// ListenAddr is the coordinator --listen-addr flag.
	ListenAddr string
	// Authority is the worker --authority flag.
	Authority string
	// CoordinatorURL is the worker --coordinator flag.
	CoordinatorURL string
	// StoreType is the --store flag.
	StoreType string
	// StoreEndpoints is the repeatable --store-endpoint flag.
	StoreEndpoints []string
}

// Configure merges the YAML file named by clf (or the environment)
// with command line flags and applies the result onto cfg. The caller
// pre-selects the service by setting cfg.Coordinator.Enabled or
// cfg.Worker.Enabled.
func Configure(clf *CommandLineFlags, cfg *service.Config) error {
	path := clf.ConfigFile
	if path == "" {
		path = os.Getenv(defaults.EnvConfigFile)
	}
	fc := &FileConfig{}
	if path != "" {
		var err error
		fc, err = ReadFromFile(path)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	if err := ApplyFileConfig(fc, cfg); err != nil {
		return trace.Wrap(err)
	}
	applyEnv(cfg)

	if clf.Debug {
		cfg.Log.Severity = "debug"
	}
	if clf.ListenAddr != "" {
		cfg.Coordinator.ListenAddr = clf.ListenAddr
	}
	if clf.Authority != "" {
		cfg.Worker.Authority = clf.Authority
	}
	if clf.CoordinatorURL != "" {
		cfg.Worker.Coordinator = clf.CoordinatorURL
	}
	if clf.StoreType != "" {
		cfg.Store.Type = clf.StoreType
	}
	if len(clf.StoreEndpoints) > 0 {
		cfg.Store.Endpoints = clf.StoreEndpoints
	}
	return nil
}

// ApplyFileConfig copies the parsed YAML onto the runtime config,
// leaving cfg untouched where the file says nothing.
func ApplyFileConfig(fc *FileConfig, cfg *service.Config) error {
	if fc == nil {
		return nil
	}
	applyStoreConfig(fc.Store, &cfg.Store)
	applyLogConfig(fc.Log, &cfg.Log)
	if cfg.Coordinator.Enabled {
		applyCoordinatorConfig(fc.Coordinator, &cfg.Coordinator)
	}
	if cfg.Worker.Enabled {
		if err := applyWorkerConfig(fc.Worker, &cfg.Worker); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func applyStoreConfig(fs StoreSection, cfg *service.StoreConfig) {
	applyString(fs.Type, &cfg.Type)
	if len(fs.Endpoints) > 0 {
		cfg.Endpoints = fs.Endpoints
	}
	applyString(fs.Prefix, &cfg.Prefix)
	applyString(fs.Username, &cfg.Username)
	applyString(fs.Password, &cfg.Password)
	if fs.Database != 0 {
		cfg.Database = fs.Database
	}
	applyString(fs.TLSCertFile, &cfg.TLSCertFile)
	applyString(fs.TLSKeyFile, &cfg.TLSKeyFile)
	applyString(fs.TLSCAFile, &cfg.TLSCAFile)
}

func applyLogConfig(fl LogSection, cfg *service.LogConfig) {
	applyString(fl.Severity, &cfg.Severity)
	applyString(fl.Format, &cfg.Format)
	applyString(fl.Output, &cfg.Output)
}

func applyCoordinatorConfig(fcc CoordinatorSection, cfg *service.CoordinatorConfig) {
	applyString(fcc.ListenAddress, &cfg.ListenAddr)
	applyString(fcc.ManagerToken, &cfg.ManagerToken)
	applyString(fcc.WorkerToken, &cfg.WorkerToken)
	applyString(fcc.TokenSigningKey, &cfg.TokenSigningKey)
}

func applyWorkerConfig(fw WorkerSection, cfg *service.WorkerConfig) error {
	applyString(fw.Authority, &cfg.Authority)
	if fw.FrontendMode != "" {
		cfg.FrontendMode = types.FrontendMode(fw.FrontendMode)
	}
	if fw.Protocol != "" {
		cfg.Protocol = types.Protocol(fw.Protocol)
	}
	applyString(fw.Hostname, &cfg.Hostname)
	applyString(fw.BindAddr, &cfg.BindAddr)
	if fw.APIPort != 0 {
		cfg.APIPort = fw.APIPort
	}
	if len(fw.PortRange) > 0 {
		cfg.PortRange = fw.PortRange
	}
	applyString(fw.WildcardDomain, &cfg.WildcardDomain)
	if fw.WildcardTrafficPort != 0 {
		cfg.WildcardTrafficPort = fw.WildcardTrafficPort
	}
	if fw.UseTLS {
		cfg.UseTLS = true
	}
	for _, pair := range fw.TLSKeyPairs {
		if pair.CertFile == "" || pair.KeyFile == "" {
			return trace.BadParameter("a tls keypair needs both cert_file and key_file")
		}
		cfg.KeyPairs = append(cfg.KeyPairs, certwatcher.KeyPairPath{
			Certificate: pair.CertFile,
			PrivateKey:  pair.KeyFile,
		})
	}
	for _, mode := range fw.AcceptedTraffics {
		cfg.AcceptedTraffics = append(cfg.AcceptedTraffics, types.AppMode(mode))
	}
	if fw.FilteredAppsOnly {
		cfg.FilteredAppsOnly = true
	}
	for _, filter := range fw.AppFilters {
		cfg.AppFilters = append(cfg.AppFilters, types.AppFilter{
			Key:   filter.Key,
			Value: filter.Value,
		})
	}
	if fw.TrustForwarded {
		cfg.TrustForwarded = true
	}
	applyString(fw.Coordinator, &cfg.Coordinator)
	applyString(fw.APISecret, &cfg.APISecret)
	applyString(fw.TokenSigningKey, &cfg.TokenSigningKey)
	return nil
}

// applyEnv fills credentials from the environment when the file left
// them empty.
func applyEnv(cfg *service.Config) {
	applyEnvString(defaults.EnvManagerToken, &cfg.Coordinator.ManagerToken)
	applyEnvString(defaults.EnvWorkerToken, &cfg.Coordinator.WorkerToken)
	applyEnvString(defaults.EnvAPISecret, &cfg.Worker.APISecret)
	applyEnvString(defaults.EnvStorePassword, &cfg.Store.Password)
}

func applyEnvString(name string, target *string) {
	if *target == "" {
		if v := os.Getenv(name); v != "" {
			*target = v
		}
	}
}

// applyString overwrites target with src unless src is empty.
func applyString(src string, target *string) bool {
	if src != "" {
		*target = src
		return true
	}
	return false
}
