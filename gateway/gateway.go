// gateway.go - Gateway descriptors and selection specifications.
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

// Package gateway provides gateway descriptors, the directory client
// interface and entry/exit gateway pair selection.
package gateway

import (
	"encoding/base64"
	"fmt"
	"net"

	eddsa "github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/veilvpn/veilvpn/config"
)

// Gateway describes a single gateway node as advertised by the
// directory service.
type Gateway struct {
	// IdentityKey is the gateway's ed25519 identity.
	IdentityKey *eddsa.PublicKey

	// Name is the gateway's human readable moniker.
	Name string

	// CountryCode is the two-letter country the gateway reports.
	CountryCode string

	// Host is the gateway's public address.
	Host net.IP

	// Performance is the advertised performance score in percent.
	Performance int

	// SupportsIPR indicates a running IP packet router, required for
	// mixnet tunnels.
	SupportsIPR bool

	// SupportsAuthenticator indicates a running authenticator service,
	// required for wireguard tunnels.
	SupportsAuthenticator bool

	// AuthenticatorAddr is the mixnet recipient address of the gateway's
	// authenticator service, empty when SupportsAuthenticator is false.
	AuthenticatorAddr string

	// IPRAddr is the mixnet recipient address of the gateway's IP packet
	// router, empty when SupportsIPR is false.
	IPRAddr string
}

// ID returns the base64 identity string used to refer to the gateway in
// configuration and logs.
func (g *Gateway) ID() string {
	return base64.StdEncoding.EncodeToString(g.IdentityKey.Bytes())
}

// SameIdentity reports whether two descriptors name the same gateway.
func (g *Gateway) SameIdentity(other *Gateway) bool {
	return g.IdentityKey.Equal(other.IdentityKey)
}

// SelectedGateways is the immutable entry/exit pair chosen for one
// connection attempt.
type SelectedGateways struct {
	Entry *Gateway
	Exit  *Gateway
}

// ParseSpecID decodes the base64 gateway identity of a config spec into
// a public key.
func ParseSpecID(spec config.GatewaySpec) (*eddsa.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(spec.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedID, err)
	}
	pk := new(eddsa.PublicKey)
	if err := pk.FromBytes(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedID, err)
	}
	return pk, nil
}
