// directory.go - Gateway directory client interface.
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

package gateway

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"

	eddsa "github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/veilvpn/veilvpn/config"
)

var (
	// ErrNotFound is returned when no gateway matches the lookup.
	ErrNotFound = errors.New("gateway: not found")

	// ErrMalformedID is returned when a gateway identity fails to parse.
	ErrMalformedID = errors.New("gateway: malformed identity")
)

// Directory is the gateway directory service consumed by the selector.
// Implementations may fail with network errors in addition to ErrNotFound
// and ErrMalformedID.
type Directory interface {
	// ListGateways returns all candidate gateways known to the
	// directory.
	ListGateways(ctx context.Context) ([]*Gateway, error)

	// LookupGatewayIP resolves a gateway identity to its public address.
	LookupGatewayIP(ctx context.Context, identity *eddsa.PublicKey) (net.IP, error)

	// ListCountries returns the countries with at least one gateway
	// capable of carrying the given tunnel type.
	ListCountries(ctx context.Context, tunnelType config.TunnelType) ([]string, error)
}

// StaticDirectory is a Directory backed by a fixed descriptor set.  It
// serves as the offline directory cache and as the test fixture.
type StaticDirectory struct {
	sync.RWMutex

	gateways []*Gateway
}

// NewStaticDirectory creates a StaticDirectory over the given descriptor
// set.
func NewStaticDirectory(gateways []*Gateway) *StaticDirectory {
	return &StaticDirectory{gateways: gateways}
}

// Update replaces the descriptor set.
func (d *StaticDirectory) Update(gateways []*Gateway) {
	d.Lock()
	defer d.Unlock()
	d.gateways = gateways
}

// ListGateways implements Directory.
func (d *StaticDirectory) ListGateways(ctx context.Context) ([]*Gateway, error) {
	d.RLock()
	defer d.RUnlock()
	out := make([]*Gateway, len(d.gateways))
	copy(out, d.gateways)
	return out, nil
}

// LookupGatewayIP implements Directory.
func (d *StaticDirectory) LookupGatewayIP(ctx context.Context, identity *eddsa.PublicKey) (net.IP, error) {
	d.RLock()
	defer d.RUnlock()
	for _, g := range d.gateways {
		if g.IdentityKey.Equal(identity) {
			return g.Host, nil
		}
	}
	return nil, ErrNotFound
}

// ListCountries implements Directory.
func (d *StaticDirectory) ListCountries(ctx context.Context, tunnelType config.TunnelType) ([]string, error) {
	d.RLock()
	defer d.RUnlock()
	seen := make(map[string]bool)
	for _, g := range d.gateways {
		if !hasCapability(g, tunnelType) {
			continue
		}
		seen[g.CountryCode] = true
	}
	countries := make([]string, 0, len(seen))
	for c := range seen {
		countries = append(countries, c)
	}
	sort.Strings(countries)
	return countries, nil
}

func hasCapability(g *Gateway, tunnelType config.TunnelType) bool {
	switch tunnelType {
	case config.TunnelTypeMixnet:
		return g.SupportsIPR
	case config.TunnelTypeWireGuard:
		return g.SupportsAuthenticator
	default:
		return false
	}
}
