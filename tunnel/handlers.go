// handlers.go - Resource handler capability interfaces.
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

package tunnel

import "net"

// Route is a single route to install while a tunnel session is up.
type Route struct {
	// Prefix is the destination prefix.
	Prefix *net.IPNet

	// Device is the tunnel device carrying the prefix, empty for the
	// session's default device.
	Device string
}

// DefaultRoutes returns the routes that send all traffic through the
// tunnel.
func DefaultRoutes(device string) []Route {
	_, v4, _ := net.ParseCIDR("0.0.0.0/0")
	_, v6, _ := net.ParseCIDR("::/0")
	return []Route{
		{Prefix: v4, Device: device},
		{Prefix: v6, Device: device},
	}
}

// RouteHandler owns the routing table entries of a tunnel session.  The
// machine calls Stop exactly once, as the very last act of its control
// loop, regardless of the state it terminated in.
type RouteHandler interface {
	AddRoutes(routes []Route) error
	RemoveRoutes() error
	Stop()
}

// DnsHandler owns the system DNS configuration.  Reset of an already
// reset handler is a no-op, not an error.
type DnsHandler interface {
	Set(servers []net.IP) error
	Reset() error
}

// FirewallHandler owns the firewall policy protecting against traffic
// leaks.  ResetPolicy of an already reset policy is a no-op.
type FirewallHandler interface {
	ApplyPolicy() error
	ResetPolicy() error
}

// NoopRouteHandler is a RouteHandler that touches nothing.  Platforms
// without route management and tests use it.
type NoopRouteHandler struct{}

func (NoopRouteHandler) AddRoutes(routes []Route) error { return nil }
func (NoopRouteHandler) RemoveRoutes() error            { return nil }
func (NoopRouteHandler) Stop()                          {}

// NoopDnsHandler is a DnsHandler that touches nothing.
type NoopDnsHandler struct{}

func (NoopDnsHandler) Set(servers []net.IP) error { return nil }
func (NoopDnsHandler) Reset() error               { return nil }

// NoopFirewallHandler is a FirewallHandler that touches nothing.
type NoopFirewallHandler struct{}

func (NoopFirewallHandler) ApplyPolicy() error { return nil }
func (NoopFirewallHandler) ResetPolicy() error { return nil }
