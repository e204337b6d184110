// main.go - Veilvpn client daemon binary.
// Copyright (C) 2026  Veilvpn Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/veilvpn/veilvpn/config"
	"github.com/veilvpn/veilvpn/daemon"
)

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "veilvpnd",
		Short: "Veilvpn client daemon",
		Long: `The veilvpn daemon drives the client side of a privacy VPN: it selects
an entry and exit gateway from the cached directory, brings the tunnel
up over the mixnet or over WireGuard, applies routes, DNS and firewall
policy through the platform handlers, and keeps the connection state
machine running until told to stop.

Persistent state (WireGuard keys, bandwidth tickets, the gateway
directory cache) lives under the configured data directory.  Platform
data plane integrations register their capabilities with the daemon
package; without them the daemon still runs, reporting connection
attempts as failed.`,
		Example: `  # Start the daemon with the default configuration file
  veilvpnd

  # Start the daemon with a custom configuration file
  veilvpnd --config /etc/veilvpn/veilvpnd.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configFile)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "f", "veilvpnd.toml",
		"path to the daemon configuration file (TOML format)")

	return cmd
}

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func runDaemon(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}

	// Halt the daemon gracefully on SIGINT/SIGTERM.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	d, err := daemon.New(cfg, &daemon.Capabilities{})
	if err != nil {
		return fmt.Errorf("failed to spawn daemon instance: %v", err)
	}
	defer d.Shutdown()

	d.Connect()

	go func() {
		<-haltCh
		d.Shutdown()
	}()

	d.Wait()
	return nil
}
