// config.go - Veilvpn client configuration.
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

// Package config implements the configuration for the veilvpn client
// daemon and the tunnel state machine.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel = "NOTICE"

	// defaultMinGatewayPerformance is the minimum advertised performance
	// score (percent) a gateway must have to be eligible for selection.
	defaultMinGatewayPerformance = 50

	defaultConnectTimeoutSecs  = 30
	defaultSelfPingTimeoutSecs = 30
	defaultBandwidthPollSecs   = 300
)

// TunnelType selects the data plane used once gateways are selected.
type TunnelType string

const (
	// TunnelTypeMixnet routes all traffic through the multi-hop mixnet.
	TunnelTypeMixnet TunnelType = "mixnet"

	// TunnelTypeWireGuard routes traffic through a two-hop WireGuard
	// tunnel negotiated with the gateway authenticators.
	TunnelTypeWireGuard TunnelType = "wireguard"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// GatewaySpec describes how an entry or exit gateway is to be chosen:
// by explicit identity, by country, or any eligible gateway.  At most one
// of ID and Country may be set; both empty means "any".
type GatewaySpec struct {
	// ID is the base64 encoded ed25519 identity of a specific gateway.
	ID string

	// Country is a two-letter country code.
	Country string
}

// IsAny returns true when the spec places no constraint on the gateway.
func (g *GatewaySpec) IsAny() bool {
	return g.ID == "" && g.Country == ""
}

func (g *GatewaySpec) validate(which string) error {
	if g.ID != "" && g.Country != "" {
		return fmt.Errorf("config: Tunnel: %s gateway spec sets both ID and Country", which)
	}
	if g.ID != "" {
		raw, err := base64.StdEncoding.DecodeString(g.ID)
		if err != nil {
			return fmt.Errorf("config: Tunnel: %s gateway ID is not valid base64: %v", which, err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("config: Tunnel: %s gateway ID has invalid length %d", which, len(raw))
		}
	}
	if g.Country != "" && len(g.Country) != 2 {
		return fmt.Errorf("config: Tunnel: %s gateway country code '%s' is invalid", which, g.Country)
	}
	g.Country = strings.ToUpper(g.Country)
	return nil
}

// Tunnel contains the runtime tunnel settings.  This section may be
// replaced at runtime via the SetTunnelSettings command.
type Tunnel struct {
	// Type selects the mixnet or wireguard data plane.
	Type TunnelType

	// Entry specifies how the entry gateway is chosen.
	Entry GatewaySpec

	// Exit specifies how the exit gateway is chosen.
	Exit GatewaySpec

	// MinMixnetPerformance is the minimum gateway performance score in
	// percent for mixnet tunnels.
	MinMixnetPerformance int

	// MinVPNPerformance is the minimum gateway performance score in
	// percent for wireguard tunnels.
	MinVPNPerformance int

	// EnableCredentialsMode attaches a bandwidth credential to gateway
	// registration and enables top-ups.
	EnableCredentialsMode bool

	// TicketType names the ticketbook the bandwidth controller spends
	// from when credentials mode is enabled.
	TicketType string

	// DNS is the list of DNS servers applied while the tunnel is up.
	DNS []string
}

func (tCfg *Tunnel) validate() error {
	switch tCfg.Type {
	case TunnelTypeMixnet, TunnelTypeWireGuard:
	case "":
		tCfg.Type = TunnelTypeMixnet
	default:
		return fmt.Errorf("config: Tunnel: Type '%v' is invalid", tCfg.Type)
	}
	if err := tCfg.Entry.validate("entry"); err != nil {
		return err
	}
	if err := tCfg.Exit.validate("exit"); err != nil {
		return err
	}
	if tCfg.MinMixnetPerformance == 0 {
		tCfg.MinMixnetPerformance = defaultMinGatewayPerformance
	}
	if tCfg.MinVPNPerformance == 0 {
		tCfg.MinVPNPerformance = defaultMinGatewayPerformance
	}
	if tCfg.MinMixnetPerformance < 0 || tCfg.MinMixnetPerformance > 100 {
		return fmt.Errorf("config: Tunnel: MinMixnetPerformance %d out of range", tCfg.MinMixnetPerformance)
	}
	if tCfg.MinVPNPerformance < 0 || tCfg.MinVPNPerformance > 100 {
		return fmt.Errorf("config: Tunnel: MinVPNPerformance %d out of range", tCfg.MinVPNPerformance)
	}
	if tCfg.EnableCredentialsMode && tCfg.TicketType == "" {
		return errors.New("config: Tunnel: credentials mode requires a TicketType")
	}
	for _, s := range tCfg.DNS {
		if ip := net.ParseIP(s); ip == nil {
			return fmt.Errorf("config: Tunnel: DNS server '%s' is not an IP address", s)
		}
	}
	return nil
}

// DNSAddrs returns the configured DNS servers parsed into IPs.  Validate
// must have been called first.
func (tCfg *Tunnel) DNSAddrs() []net.IP {
	addrs := make([]net.IP, 0, len(tCfg.DNS))
	for _, s := range tCfg.DNS {
		addrs = append(addrs, net.ParseIP(s))
	}
	return addrs
}

// Daemon is the daemon level configuration.
type Daemon struct {
	// DataDir is where persistent state lives: wireguard keys and the
	// bandwidth ticket store.  Empty means fully ephemeral operation.
	DataDir string

	// MetricsAddress is the optional listener address for the prometheus
	// metrics endpoint.
	MetricsAddress string
}

func (dCfg *Daemon) validate() error {
	if dCfg.DataDir != "" {
		fi, err := os.Stat(dCfg.DataDir)
		if err != nil {
			return fmt.Errorf("config: Daemon: DataDir '%v': %v", dCfg.DataDir, err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("config: Daemon: DataDir '%v' is not a directory", dCfg.DataDir)
		}
	}
	return nil
}

// Debug holds the tweakables nobody should need to touch in production.
type Debug struct {
	// ConnectTimeout is the mixnet client startup timeout in seconds.
	ConnectTimeout int

	// SelfPingTimeout is the number of seconds to wait for the
	// self-addressed ping echo before the mixnet path is declared dead.
	SelfPingTimeout int

	// BandwidthPollInterval is the bandwidth monitor poll interval in
	// seconds.
	BandwidthPollInterval int
}

func (d *Debug) applyDefaults() {
	if d.ConnectTimeout == 0 {
		d.ConnectTimeout = defaultConnectTimeoutSecs
	}
	if d.SelfPingTimeout == 0 {
		d.SelfPingTimeout = defaultSelfPingTimeoutSecs
	}
	if d.BandwidthPollInterval == 0 {
		d.BandwidthPollInterval = defaultBandwidthPollSecs
	}
}

// Config is the top level configuration.
type Config struct {
	Logging *Logging
	Tunnel  *Tunnel
	Daemon  *Daemon
	Debug   *Debug
}

// FixupAndValidate applies defaults to missing sections and validates
// the configuration.
func (c *Config) FixupAndValidate() error {
	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	if c.Tunnel == nil {
		c.Tunnel = &Tunnel{}
	}
	if c.Daemon == nil {
		c.Daemon = &Daemon{}
	}
	if c.Debug == nil {
		c.Debug = &Debug{}
	}
	c.Debug.applyDefaults()

	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Tunnel.validate(); err != nil {
		return err
	}
	return c.Daemon.validate()
}

// Load parses and validates the provided buffer b as a config body.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
