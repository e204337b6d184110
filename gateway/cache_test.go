// cache_test.go - Cached gateway directory file tests.
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
	"fmt"
	mrand "math/rand"
	"testing"

	eddsa "github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/stretchr/testify/require"

	"github.com/veilvpn/veilvpn/config"
)

func testIdentity(t *testing.T, seed int64) *eddsa.PublicKey {
	t.Helper()
	_, pub, err := eddsa.NewKeypair(mrand.New(mrand.NewSource(seed)))
	require.NoError(t, err)
	return pub
}

func TestLoadCache(t *testing.T) {
	require := require.New(t)

	entry := testIdentity(t, 1)
	exit := testIdentity(t, 2)
	blob := fmt.Sprintf(`
[[Gateways]]
  Identity = "%s"
  Name = "alpha"
  Country = "DE"
  Host = "192.0.2.10"
  Performance = 92
  SupportsIPR = true
  SupportsAuthenticator = true
  AuthenticatorAddr = "alpha-auth"
  IPRAddr = "alpha-ipr"

[[Gateways]]
  Identity = "%s"
  Name = "bravo"
  Country = "NL"
  Performance = 80
  SupportsIPR = true
`, base64Key(entry), base64Key(exit))

	dir, err := LoadCache([]byte(blob))
	require.NoError(err)

	gws, err := dir.ListGateways(context.Background())
	require.NoError(err)
	require.Len(gws, 2)
	require.Equal("alpha", gws[0].Name)
	require.Equal("DE", gws[0].CountryCode)
	require.Equal(92, gws[0].Performance)
	require.True(gws[0].IdentityKey.Equal(entry))
	require.NotNil(gws[0].Host)
	require.Nil(gws[1].Host)

	ip, err := dir.LookupGatewayIP(context.Background(), entry)
	require.NoError(err)
	require.Equal("192.0.2.10", ip.String())

	countries, err := dir.ListCountries(context.Background(), config.TunnelTypeMixnet)
	require.NoError(err)
	require.Equal([]string{"DE", "NL"}, countries)
}

func TestLoadCacheRejectsGarbage(t *testing.T) {
	require := require.New(t)

	_, err := LoadCache([]byte(`[[Gateways]]
  Identity = "not base64!"
  Country = "DE"`))
	require.ErrorIs(err, ErrMalformedID)

	blob := fmt.Sprintf(`[[Gateways]]
  Identity = "%s"
  Country = "Germany"`, base64Key(testIdentity(t, 3)))
	_, err = LoadCache([]byte(blob))
	require.Error(err)

	_, err = LoadCache([]byte(`[[Gateways]]
  Bogus = true`))
	require.Error(err)
}

func base64Key(k *eddsa.PublicKey) string {
	return (&Gateway{IdentityKey: k}).ID()
}
