// daemon.go - Veilvpn client daemon.
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

// Package daemon assembles the tunnel state machine, the gateway
// directory, bandwidth credentials and metrics into a long lived
// process.  Platform specific capabilities are injected so the control
// core stays portable.
package daemon

import (
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilvpn/veilvpn/authenticator"
	"github.com/veilvpn/veilvpn/bandwidth"
	"github.com/veilvpn/veilvpn/config"
	"github.com/veilvpn/veilvpn/gateway"
	"github.com/veilvpn/veilvpn/log"
	"github.com/veilvpn/veilvpn/tunnel"
	"github.com/veilvpn/veilvpn/tunnel/connector"
)

// gatewayCacheFile is the cached descriptor set under the data
// directory.
const gatewayCacheFile = "gateways.toml"

// Capabilities are the platform integrations the daemon cannot provide
// itself.  Capabilities left nil disable the tunnel types that need
// them; connecting with such a type parks the machine in the error
// state instead of failing startup.
type Capabilities struct {
	// NewMixClient creates a mixnet client, one per connection attempt.
	NewMixClient func() connector.MixClient

	// AuthTransport reaches gateway authenticator services.
	AuthTransport authenticator.Transport

	// TunProvider realizes WireGuard device configurations.
	TunProvider connector.TunProvider

	// NewRouteHandler, NewDNSHandler and NewFirewallHandler create the
	// host network handlers.  Nil constructors fall back to no-ops.
	NewRouteHandler    func() (tunnel.RouteHandler, error)
	NewDNSHandler      func() (tunnel.DnsHandler, error)
	NewFirewallHandler func() (tunnel.FirewallHandler, error)
}

// Daemon is the assembled veilvpn client daemon.
type Daemon struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	machine     *tunnel.Machine
	directory   *gateway.StaticDirectory
	ticketStore *bandwidth.BoltStore
	registry    *prometheus.Registry

	metricsListener net.Listener

	haltedCh chan interface{}
	haltOnce sync.Once
}

// New constructs and starts a Daemon from a validated configuration.
func New(cfg *config.Config, caps *Capabilities) (*Daemon, error) {
	d := &Daemon{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		haltedCh: make(chan interface{}),
	}
	if caps == nil {
		caps = &Capabilities{}
	}

	var err error
	if d.logBackend, err = log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable); err != nil {
		return nil, err
	}
	d.log = d.logBackend.GetLogger("daemon")

	if err = d.initDirectory(); err != nil {
		return nil, err
	}

	var credentials *bandwidth.Controller
	if cfg.Tunnel.EnableCredentialsMode {
		if cfg.Daemon.DataDir == "" {
			return nil, errors.New("daemon: credentials mode requires a data directory")
		}
		d.ticketStore, err = bandwidth.NewBoltStore(filepath.Join(cfg.Daemon.DataDir, "tickets.db"))
		if err != nil {
			return nil, err
		}
		credentials = bandwidth.NewController(d.ticketStore, cfg.Tunnel.TicketType, d.logBackend)
	}

	connectors := make(map[config.TunnelType]tunnel.Connector)
	if caps.NewMixClient != nil {
		connectors[config.TunnelTypeMixnet] = connector.NewMixnetConnector(caps.NewMixClient, cfg.Debug, d.logBackend)
	}
	if caps.AuthTransport != nil && caps.TunProvider != nil {
		connectors[config.TunnelTypeWireGuard] = connector.NewWireGuardConnector(&connector.WireGuardConfig{
			Directory:    d.directory,
			Transport:    caps.AuthTransport,
			TunProvider:  caps.TunProvider,
			Credentials:  credentials,
			DataDir:      cfg.Daemon.DataDir,
			Registry:     d.registry,
			PollInterval: time.Duration(cfg.Debug.BandwidthPollInterval) * time.Second,
		}, d.logBackend)
	}
	if len(connectors) == 0 {
		d.log.Warning("No data plane capabilities provided, all connection attempts will fail")
	}

	d.machine, err = tunnel.NewMachine(cfg, &tunnel.Deps{
		Selector:           gateway.NewSelector(d.directory),
		Connectors:         connectors,
		NewRouteHandler:    caps.NewRouteHandler,
		NewDNSHandler:      caps.NewDNSHandler,
		NewFirewallHandler: caps.NewFirewallHandler,
		Registry:           d.registry,
	}, d.logBackend)
	if err != nil {
		d.cleanup()
		return nil, err
	}

	go d.eventWorker()

	if cfg.Daemon.MetricsAddress != "" {
		if err = d.initMetrics(); err != nil {
			d.Shutdown()
			return nil, err
		}
	}

	d.log.Noticef("Veilvpn daemon is up, tunnel type %v", cfg.Tunnel.Type)
	return d, nil
}

// initDirectory loads the cached gateway descriptor set from the data
// directory.  A missing cache is not fatal: selection simply has no
// candidates until the cache is provisioned.
func (d *Daemon) initDirectory() error {
	d.directory = gateway.NewStaticDirectory(nil)
	if d.cfg.Daemon.DataDir == "" {
		d.log.Warning("No data directory, gateway directory is empty")
		return nil
	}

	f := filepath.Join(d.cfg.Daemon.DataDir, gatewayCacheFile)
	dir, err := gateway.LoadCacheFile(f)
	switch {
	case err == nil:
		d.directory = dir
	case os.IsNotExist(err):
		d.log.Warningf("Gateway cache '%v' not found, directory is empty", f)
	default:
		return err
	}
	return nil
}

func (d *Daemon) initMetrics() error {
	ln, err := net.Listen("tcp", d.cfg.Daemon.MetricsAddress)
	if err != nil {
		return err
	}
	d.metricsListener = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.Serve(ln, mux); err != nil && !errors.Is(err, net.ErrClosed) {
			d.log.Warningf("Metrics listener failure: %v", err)
		}
	}()
	d.log.Noticef("Metrics endpoint on %v", ln.Addr())
	return nil
}

// eventWorker is the daemon's view of the machine's status stream; it
// runs until the machine halts and closes the stream.
func (d *Daemon) eventWorker() {
	for ev := range d.machine.Events() {
		d.log.Noticef("Tunnel status: %v", ev)
	}
}

// Connect requests the tunnel be brought up.
func (d *Daemon) Connect() {
	d.machine.Connect()
}

// Disconnect requests the tunnel be torn down.
func (d *Daemon) Disconnect() {
	d.machine.Disconnect()
}

// SetTunnelSettings replaces the tunnel settings used by subsequent
// connection attempts.
func (d *Daemon) SetTunnelSettings(settings *config.Tunnel) {
	d.machine.SetTunnelSettings(settings)
}

// Events subscribes to tunnel status change events.  Embedding
// surfaces (IPC, UI bridges) consume this stream; the daemon keeps its
// own subscription for logging.
func (d *Daemon) Events() <-chan tunnel.Event {
	return d.machine.Events()
}

// Shutdown gracefully halts the daemon.  Safe to call multiple times
// and from any goroutine.
func (d *Daemon) Shutdown() {
	d.haltOnce.Do(d.halt)
}

// Wait blocks until the daemon has halted.
func (d *Daemon) Wait() {
	<-d.haltedCh
}

func (d *Daemon) halt() {
	d.log.Notice("Shutting down")
	d.machine.Disconnect()
	d.machine.Halt()
	d.cleanup()
	close(d.haltedCh)
	d.log.Notice("Shutdown complete")
}

func (d *Daemon) cleanup() {
	if d.metricsListener != nil {
		d.metricsListener.Close()
		d.metricsListener = nil
	}
	if d.ticketStore != nil {
		d.ticketStore.Close()
		d.ticketStore = nil
	}
}
