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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lablup/appproxy/lib/service"
	"github.com/lablup/appproxy/lib/types"
)

const sampleConfig = `
appproxy:
  store:
    type: redis
    endpoints: ["127.0.0.1:6379"]
    prefix: appproxy-test
    password: hunter2
    database: 3
  log:
    severity: debug
    format: json
coordinator:
  listen_addr: "0.0.0.0:10200"
  manager_token: mgr-secret
  worker_token: wrk-secret
worker:
  authority: proxy-1.example.com
  frontend_mode: port
  protocol: http
  hostname: proxy-1.example.com
  api_port: 10201
  port_range: "10205-10207,10300"
  accepted_traffics: [interactive, inference]
  app_filters:
    - key: app
      value: jupyter
  trust_forwarded: true
  coordinator: http://127.0.0.1:10200
  api_secret: wrk-secret
`

func TestReadConfig(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	require.Equal(t, "redis", fc.Store.Type)
	require.Equal(t, []string{"127.0.0.1:6379"}, fc.Store.Endpoints)
	require.Equal(t, 3, fc.Store.Database)
	require.Equal(t, "debug", fc.Log.Severity)
	require.Equal(t, "mgr-secret", fc.Coordinator.ManagerToken)
	require.Equal(t, "proxy-1.example.com", fc.Worker.Authority)
	require.Equal(t, PortRange{10205, 10206, 10207, 10300}, fc.Worker.PortRange)
	require.Equal(t, []string{"interactive", "inference"}, fc.Worker.AcceptedTraffics)
}

func TestReadConfigRejectsUnknownFields(t *testing.T) {
	_, err := ReadConfig(strings.NewReader(`
worker:
  authority: w1
  frontend_moed: port
`))
	require.Error(t, err)
}

func TestReadConfigEmpty(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, &FileConfig{}, fc)
}

func TestPortRangeYAMLList(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(`
worker:
  port_range: [10205, 10210]
`))
	require.NoError(t, err)
	require.Equal(t, PortRange{10205, 10210}, fc.Worker.PortRange)
}

func TestParsePortRange(t *testing.T) {
	tests := []struct {
		spec    string
		want    []int
		wantErr bool
	}{
		{spec: "10205", want: []int{10205}},
		{spec: "10205-10208", want: []int{10205, 10206, 10207, 10208}},
		{spec: "10206,10205,10206", want: []int{10205, 10206}},
		{spec: " 10205 - 10206 , 10300 ", want: []int{10205, 10206, 10300}},
		{spec: "", wantErr: true},
		{spec: "10210-10205", wantErr: true},
		{spec: "0", wantErr: true},
		{spec: "70000", wantErr: true},
		{spec: "abc", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.spec, func(t *testing.T) {
			got, err := ParsePortRange(tc.spec)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestConfigureMergesFileFlagsAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "appproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	t.Setenv("APPPROXY_MANAGER_TOKEN", "env-mgr")

	cfg := service.Config{}
	cfg.Worker.Enabled = true
	clf := CommandLineFlags{
		ConfigFile:     path,
		Debug:          false,
		Authority:      "flag-authority",
		StoreType:      "memory",
		StoreEndpoints: []string{"flag:1"},
	}
	require.NoError(t, Configure(&clf, &cfg))

	// Flags win over the file.
	require.Equal(t, "flag-authority", cfg.Worker.Authority)
	require.Equal(t, "memory", cfg.Store.Type)
	require.Equal(t, []string{"flag:1"}, cfg.Store.Endpoints)
	// File values survive where no flag overrides.
	require.Equal(t, types.FrontendModePort, cfg.Worker.FrontendMode)
	require.Equal(t, []int{10205, 10206, 10207, 10300}, cfg.Worker.PortRange)
	require.True(t, cfg.Worker.TrustForwarded)
	require.Equal(t, "wrk-secret", cfg.Worker.APISecret)
	// The worker section is enabled so the file's coordinator section is
	// skipped, which leaves the manager token open for the environment.
	require.Equal(t, "env-mgr", cfg.Coordinator.ManagerToken)
}

func TestConfigureEnvFillsEmptyCredentials(t *testing.T) {
	t.Setenv("APPPROXY_WORKER_TOKEN", "env-wrk")
	t.Setenv("APPPROXY_API_SECRET", "env-api")

	cfg := service.Config{}
	cfg.Coordinator.Enabled = true
	require.NoError(t, Configure(&CommandLineFlags{}, &cfg))
	require.Equal(t, "env-wrk", cfg.Coordinator.WorkerToken)
	require.Equal(t, "env-api", cfg.Worker.APISecret)
}

func TestConfigureMissingFile(t *testing.T) {
	cfg := service.Config{}
	cfg.Coordinator.Enabled = true
	err := Configure(&CommandLineFlags{ConfigFile: "/nonexistent/appproxy.yaml"}, &cfg)
	require.Error(t, err)
}

func TestApplyWorkerKeyPairs(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(`
worker:
  authority: w1
  use_tls: true
  tls_keypairs:
    - cert_file: /etc/appproxy/tls.crt
      key_file: /etc/appproxy/tls.key
`))
	require.NoError(t, err)

	cfg := service.Config{}
	cfg.Worker.Enabled = true
	require.NoError(t, ApplyFileConfig(fc, &cfg))
	require.True(t, cfg.Worker.UseTLS)
	require.Len(t, cfg.Worker.KeyPairs, 1)
	require.Equal(t, "/etc/appproxy/tls.crt", cfg.Worker.KeyPairs[0].Certificate)

	_, err = ReadConfig(strings.NewReader(`
worker:
  tls_keypairs:
    - cert_file: /only/cert.pem
`))
	require.NoError(t, err)
	cfg = service.Config{}
	cfg.Worker.Enabled = true
	require.Error(t, ApplyFileConfig(&FileConfig{
		Worker: WorkerSection{TLSKeyPairs: []KeyPair{{CertFile: "/only/cert.pem"}}},
	}, &cfg))
}
