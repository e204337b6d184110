// wireguard.go - WireGuard data plane connector.
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

package connector

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilvpn/veilvpn/authenticator"
	"github.com/veilvpn/veilvpn/bandwidth"
	"github.com/veilvpn/veilvpn/config"
	"github.com/veilvpn/veilvpn/gateway"
	"github.com/veilvpn/veilvpn/log"
	"github.com/veilvpn/veilvpn/tunnel"
)

const wireguardTunDevice = "veil-wg0"

// PeerConfig is one WireGuard peer of the device configuration.
type PeerConfig struct {
	PublicKey  []byte
	Endpoint   *net.UDPAddr
	AllowedIPs []*net.IPNet
}

// DeviceConfig is handed to the platform tunnel implementation.
type DeviceConfig struct {
	// PrivateKey is the device key, which doubles as the entry peer
	// identity.
	PrivateKey []byte

	// Addresses are the tunnel interface addresses assigned by the entry
	// gateway.
	Addresses []net.IP

	// Peers lists the entry and exit peers of the two-hop topology.
	Peers []PeerConfig
}

// TunDevice is a live platform tunnel device.
type TunDevice interface {
	// Done yields the device's terminal error when it dies on its own.
	Done() <-chan error

	// Close destroys the device.  Idempotent.
	Close() error
}

// TunProvider is the platform capability that realizes a device
// configuration.  Injected at construction, per platform.
type TunProvider interface {
	CreateTun(cfg *DeviceConfig) (TunDevice, error)
}

// WireGuardConfig carries the WireGuard connector's collaborators.
type WireGuardConfig struct {
	// Directory resolves gateway identities to public addresses.
	Directory gateway.Directory

	// Transport reaches the gateways' authenticator services.
	Transport authenticator.Transport

	// TunProvider realizes device configurations.
	TunProvider TunProvider

	// Credentials spends bandwidth tickets; required when credentials
	// mode is enabled in the tunnel settings.
	Credentials *bandwidth.Controller

	// DataDir persists the per-role WireGuard keypairs; empty means
	// ephemeral keys.
	DataDir string

	// Registry receives the session's bandwidth metrics.
	Registry *prometheus.Registry

	// PollInterval is the bandwidth monitor interval.
	PollInterval time.Duration
}

// WireGuardConnector registers the client as a WireGuard peer with the
// entry and exit gateways and hands the resulting endpoints to the
// platform tunnel implementation.
type WireGuardConnector struct {
	cfg        *WireGuardConfig
	logBackend *log.Backend
	log        *logging.Logger
}

// NewWireGuardConnector creates a WireGuardConnector.
func NewWireGuardConnector(cfg *WireGuardConfig, logBackend *log.Backend) *WireGuardConnector {
	return &WireGuardConnector{
		cfg:        cfg,
		logBackend: logBackend,
		log:        logBackend.GetLogger("connector/wireguard"),
	}
}

// Establish implements tunnel.Connector.  Registration runs per peer;
// with credentials mode on, each registration consumes one ticket.
func (c *WireGuardConnector) Establish(ctx context.Context, gws *gateway.SelectedGateways, settings *config.Tunnel) (tunnel.Session, error) {
	entryKeys, err := loadOrGenerateKeypair(c.cfg.DataDir, "entry")
	if err != nil {
		return nil, c.failure(ctx, err)
	}
	exitKeys, err := loadOrGenerateKeypair(c.cfg.DataDir, "exit")
	if err != nil {
		return nil, c.failure(ctx, err)
	}

	entryData, entryClient, err := c.registerPeer(ctx, gws.Entry, entryKeys, settings)
	if err != nil {
		return nil, c.failure(ctx, err)
	}
	exitData, exitClient, err := c.registerPeer(ctx, gws.Exit, exitKeys, settings)
	if err != nil {
		return nil, c.failure(ctx, err)
	}

	device := deviceConfig(entryKeys, entryData, exitData)
	tun, err := c.cfg.TunProvider.CreateTun(device)
	if err != nil {
		return nil, c.failure(ctx, err)
	}

	sess := &wireguardSession{
		tun:       tun,
		entryHost: entryData.Endpoint.IP,
	}
	if settings.EnableCredentialsMode && c.cfg.Credentials != nil {
		registry := c.cfg.Registry
		if registry == nil {
			registry = prometheus.NewRegistry()
		}
		sess.monitor = bandwidth.NewMonitor(
			[]*authenticator.Client{entryClient, exitClient},
			c.cfg.Credentials, c.cfg.PollInterval, registry, c.logBackend)
	}

	// Cancelled after everything came up: tear the session down rather
	// than hand a live device to a caller that believes nothing
	// happened.
	if err := ctx.Err(); err != nil {
		sess.Close(context.Background())
		return nil, c.failure(ctx, err)
	}
	c.log.Noticef("WireGuard peers registered, device up via %s and %s", gws.Entry.Name, gws.Exit.Name)
	return sess, nil
}

func (c *WireGuardConnector) registerPeer(ctx context.Context, g *gateway.Gateway, keys *authenticator.Keypair, settings *config.Tunnel) (*authenticator.GatewayData, *authenticator.Client, error) {
	client := authenticator.NewClient(c.cfg.Transport, g.AuthenticatorAddr, keys, c.logBackend)

	var credential []byte
	if settings.EnableCredentialsMode {
		if c.cfg.Credentials == nil {
			return nil, nil, fmt.Errorf("connector: credentials mode enabled without a bandwidth controller")
		}
		prepared, err := c.cfg.Credentials.PrepareTicket(ctx, client.Recipient())
		if err != nil {
			return nil, nil, err
		}
		if credential, err = prepared.Spend(); err != nil {
			return nil, nil, err
		}
	}

	host := g.Host
	if host == nil {
		var err error
		if host, err = c.cfg.Directory.LookupGatewayIP(ctx, g.IdentityKey); err != nil {
			return nil, nil, err
		}
	}

	data, err := client.RegisterPeer(ctx, host, credential)
	if err != nil {
		return nil, nil, err
	}
	c.log.Debugf("Registered peer with %s, endpoint %v", g.Name, data.Endpoint)
	return data, client, nil
}

func (c *WireGuardConnector) failure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return tunnel.WrapError(tunnel.KindTunDevice, err)
}

// deviceConfig builds the two-hop device configuration: the exit peer
// carries all traffic, reachable only through the entry peer.
func deviceConfig(entryKeys *authenticator.Keypair, entry, exit *authenticator.GatewayData) *DeviceConfig {
	addrs := make([]net.IP, 0, 2)
	if entry.PrivateIPv4 != nil {
		addrs = append(addrs, entry.PrivateIPv4)
	}
	if entry.PrivateIPv6 != nil {
		addrs = append(addrs, entry.PrivateIPv6)
	}

	_, allV4, _ := net.ParseCIDR("0.0.0.0/0")
	_, allV6, _ := net.ParseCIDR("::/0")
	return &DeviceConfig{
		PrivateKey: entryKeys.Private.Bytes(),
		Addresses:  addrs,
		Peers: []PeerConfig{
			{
				PublicKey:  entry.PublicKey,
				Endpoint:   entry.Endpoint,
				AllowedIPs: []*net.IPNet{hostPrefix(exit.Endpoint.IP)},
			},
			{
				PublicKey:  exit.PublicKey,
				Endpoint:   exit.Endpoint,
				AllowedIPs: []*net.IPNet{allV4, allV6},
			},
		},
	}
}

func hostPrefix(ip net.IP) *net.IPNet {
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}
}

type wireguardSession struct {
	tun       TunDevice
	monitor   *bandwidth.Monitor
	entryHost net.IP
	closeOnce sync.Once
	closeErr  error
}

// Routes sends everything through the tunnel device except the entry
// gateway endpoint, which must stay reachable on the physical link.
func (s *wireguardSession) Routes() []tunnel.Route {
	routes := tunnel.DefaultRoutes(wireguardTunDevice)
	return append(routes, tunnel.Route{Prefix: hostPrefix(s.entryHost)})
}

func (s *wireguardSession) Done() <-chan error {
	return s.tun.Done()
}

func (s *wireguardSession) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if s.monitor != nil {
			s.monitor.Halt()
		}
		s.closeErr = s.tun.Close()
	})
	return s.closeErr
}
