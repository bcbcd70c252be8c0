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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/lablup/appproxy"
	"github.com/lablup/appproxy/lib/config"
	"github.com/lablup/appproxy/lib/defaults"
	"github.com/lablup/appproxy/lib/service"
)

func main() {
	app := kingpin.New("appproxy-coordinator", "Backend.AI AppProxy control plane.")
	app.Command("version", "Print the version and exit.")

	var clf config.CommandLineFlags
	startCmd := app.Command("start-server", "Start the coordinator service.")
	startCmd.Flag("config", "Path to the YAML configuration file ($APPPROXY_CONFIG_FILE).").
		Short('c').
		StringVar(&clf.ConfigFile)
	startCmd.Flag("debug", "Enable verbose logging to stderr.").
		Short('d').
		BoolVar(&clf.Debug)
	startCmd.Flag("listen-addr", "Address for the coordinator API to listen on.").
		StringVar(&clf.ListenAddr)
	startCmd.Flag("store", "Store backend type (memory, etcd or redis).").
		StringVar(&clf.StoreType)
	startCmd.Flag("store-endpoint", "Store endpoint, may be repeated.").
		StringsVar(&clf.StoreEndpoints)

	selectedCmd, err := app.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		app.Usage(os.Args[1:])
		os.Exit(defaults.ExitCodeConfig)
	}

	switch selectedCmd {
	case "version":
		fmt.Printf("%v v%v\n", app.Name, appproxy.Version)
	case "start-server":
		if err := run(clf); err != nil {
			slog.ErrorContext(context.Background(), "Coordinator terminated", "error", err)
			os.Exit(service.ExitCode(err))
		}
		slog.InfoContext(context.Background(), "Successfully shut down")
	}
}

func run(clf config.CommandLineFlags) error {
	cfg := service.Config{}
	cfg.Coordinator.Enabled = true
	if err := config.Configure(&clf, &cfg); err != nil {
		return trace.Wrap(err)
	}

	ctx := context.Background()
	process, err := service.NewProcess(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(process.Run(ctx))
}
