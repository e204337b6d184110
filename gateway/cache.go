// cache.go - Cached gateway directory file.
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
	"encoding/base64"
	"fmt"
	"net"
	"os"

	"github.com/BurntSushi/toml"
	eddsa "github.com/katzenpost/hpqc/sign/ed25519"
)

// cachedGateway is the on-disk TOML form of a gateway descriptor.
type cachedGateway struct {
	// Identity is the base64 encoded ed25519 identity key.
	Identity string

	// Name is the gateway's moniker.
	Name string

	// Country is the two-letter country code.
	Country string

	// Host is the gateway's public IP address, optional.
	Host string

	// Performance is the advertised performance score in percent.
	Performance int

	// SupportsIPR indicates a running IP packet router.
	SupportsIPR bool

	// SupportsAuthenticator indicates a running authenticator service.
	SupportsAuthenticator bool

	// AuthenticatorAddr is the authenticator recipient address.
	AuthenticatorAddr string

	// IPRAddr is the IP packet router recipient address.
	IPRAddr string
}

type cacheFile struct {
	Gateways []cachedGateway
}

func (cg *cachedGateway) toGateway() (*Gateway, error) {
	raw, err := base64.StdEncoding.DecodeString(cg.Identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedID, err)
	}
	identity := new(eddsa.PublicKey)
	if err := identity.FromBytes(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedID, err)
	}

	var host net.IP
	if cg.Host != "" {
		if host = net.ParseIP(cg.Host); host == nil {
			return nil, fmt.Errorf("host '%v' is not an IP address", cg.Host)
		}
	}
	if len(cg.Country) != 2 {
		return nil, fmt.Errorf("country code '%v' is invalid", cg.Country)
	}
	if cg.Performance < 0 || cg.Performance > 100 {
		return nil, fmt.Errorf("performance %d out of range", cg.Performance)
	}

	return &Gateway{
		IdentityKey:           identity,
		Name:                  cg.Name,
		CountryCode:           cg.Country,
		Host:                  host,
		Performance:           cg.Performance,
		SupportsIPR:           cg.SupportsIPR,
		SupportsAuthenticator: cg.SupportsAuthenticator,
		AuthenticatorAddr:     cg.AuthenticatorAddr,
		IPRAddr:               cg.IPRAddr,
	}, nil
}

// LoadCache parses a cached gateway descriptor set from b.
func LoadCache(b []byte) (*StaticDirectory, error) {
	var cache cacheFile
	md, err := toml.Decode(string(b), &cache)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("gateway: undecoded keys in cache file: %v", undecoded)
	}

	gateways := make([]*Gateway, 0, len(cache.Gateways))
	for i, cg := range cache.Gateways {
		g, err := cg.toGateway()
		if err != nil {
			return nil, fmt.Errorf("gateway: cache entry %d: %w", i, err)
		}
		gateways = append(gateways, g)
	}
	return NewStaticDirectory(gateways), nil
}

// LoadCacheFile loads a cached gateway descriptor set, serving as the
// offline directory.
func LoadCacheFile(f string) (*StaticDirectory, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return LoadCache(b)
}
