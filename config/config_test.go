// config_test.go - Client configuration tests.
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

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(``))
	require.NoError(err)

	require.Equal("NOTICE", cfg.Logging.Level)
	require.Equal(TunnelTypeMixnet, cfg.Tunnel.Type)
	require.Equal(defaultMinGatewayPerformance, cfg.Tunnel.MinMixnetPerformance)
	require.Equal(defaultConnectTimeoutSecs, cfg.Debug.ConnectTimeout)
	require.True(cfg.Tunnel.Entry.IsAny())
	require.True(cfg.Tunnel.Exit.IsAny())
}

func TestLoadTunnelSection(t *testing.T) {
	require := require.New(t)

	const raw = `
[Tunnel]
Type = "wireguard"
MinVPNPerformance = 75
EnableCredentialsMode = true
TicketType = "standard"
DNS = ["1.1.1.1", "9.9.9.9"]

[Tunnel.Exit]
Country = "ch"
`
	cfg, err := Load([]byte(raw))
	require.NoError(err)

	require.Equal(TunnelTypeWireGuard, cfg.Tunnel.Type)
	require.Equal(75, cfg.Tunnel.MinVPNPerformance)
	require.Equal("CH", cfg.Tunnel.Exit.Country)
	require.Len(cfg.Tunnel.DNSAddrs(), 2)
}

func TestLoadRejectsBadValues(t *testing.T) {
	require := require.New(t)

	cases := []string{
		"[Logging]\nLevel = \"LOUD\"\n",
		"[Tunnel]\nType = \"carrier-pigeon\"\n",
		"[Tunnel]\nDNS = [\"not-an-ip\"]\n",
		"[Tunnel]\nEnableCredentialsMode = true\n",
		"[Tunnel.Entry]\nID = \"bm90LWEta2V5\"\n",
		"[Tunnel.Entry]\nID = \"x\"\nCountry = \"CH\"\n",
		"[Bogus]\nKey = 1\n",
	}
	for _, raw := range cases {
		_, err := Load([]byte(raw))
		require.Error(err, "config: %s", raw)
	}
}
