// mixnet.go - Mixnet data plane connector.
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

// Package connector turns selected gateways into live data plane
// sessions, over the mixnet or over WireGuard.
package connector

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilvpn/veilvpn/config"
	"github.com/veilvpn/veilvpn/gateway"
	"github.com/veilvpn/veilvpn/log"
	"github.com/veilvpn/veilvpn/tunnel"
)

const (
	mixnetTunDevice = "veil-mix0"

	pingNonceSize = 16
)

// ErrSelfPingTimeout is returned when the self-addressed ping's echo
// does not come back within the monitor window.  Mixnet routing
// failures are otherwise silent, so no echo means no usable path.
var ErrSelfPingTimeout = errors.New("connector: no self ping echo within the monitor window")

// IPPair is the tunnel address assignment obtained from the exit
// gateway's IP packet router.
type IPPair struct {
	IPv4 net.IP
	IPv6 net.IP
}

// MixClient is the mixnet client capability consumed by the connector.
// Disconnect is idempotent and must release everything Start allocated.
type MixClient interface {
	// Start brings the mixnet client session up through the entry
	// gateway.
	Start(ctx context.Context, entry *gateway.Gateway) error

	// ConnectIPR connects to the exit gateway's IP packet router and
	// returns the assigned tunnel addresses.
	ConnectIPR(ctx context.Context, exit *gateway.Gateway) (*IPPair, error)

	// SendPing sends a self-addressed message through the mixnet.
	SendPing(ctx context.Context, payload []byte) error

	// PingEchoes yields self-addressed messages as they come back.
	PingEchoes() <-chan []byte

	// Done yields the client's terminal error when the session dies.
	Done() <-chan error

	// Disconnect tears the client down.
	Disconnect()
}

type pingPayload struct {
	Nonce []byte `cbor:"nonce"`
}

// MixnetConnector establishes mixnet sessions: client startup bounded by
// a timeout, IPR connect, then a self-ping round trip before the path is
// declared usable.
type MixnetConnector struct {
	newClient      func() MixClient
	connectTimeout time.Duration
	pingTimeout    time.Duration
	log            *logging.Logger
}

// NewMixnetConnector creates a MixnetConnector.  newClient is invoked
// once per connection attempt.
func NewMixnetConnector(newClient func() MixClient, dCfg *config.Debug, logBackend *log.Backend) *MixnetConnector {
	return &MixnetConnector{
		newClient:      newClient,
		connectTimeout: time.Duration(dCfg.ConnectTimeout) * time.Second,
		pingTimeout:    time.Duration(dCfg.SelfPingTimeout) * time.Second,
		log:            logBackend.GetLogger("connector/mixnet"),
	}
}

// Establish implements tunnel.Connector.  On every failure or
// cancellation path the partially established client is disconnected
// before the error is returned.
func (c *MixnetConnector) Establish(ctx context.Context, gws *gateway.SelectedGateways, settings *config.Tunnel) (tunnel.Session, error) {
	client := c.newClient()

	startCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	err := client.Start(startCtx, gws.Entry)
	cancel()
	if err != nil {
		client.Disconnect()
		return nil, c.failure(ctx, err)
	}
	c.log.Debugf("Mixnet client started via %s", gws.Entry.Name)

	ips, err := client.ConnectIPR(ctx, gws.Exit)
	if err != nil {
		client.Disconnect()
		return nil, c.failure(ctx, err)
	}
	c.log.Debugf("IPR assigned %v / %v via %s", ips.IPv4, ips.IPv6, gws.Exit.Name)

	if err := c.selfPing(ctx, client); err != nil {
		client.Disconnect()
		return nil, c.failure(ctx, err)
	}
	c.log.Noticef("Mixnet path verified, tunnel addresses %v / %v", ips.IPv4, ips.IPv6)

	return &mixnetSession{client: client, ips: ips}, nil
}

// selfPing sends a nonce through the mixnet addressed to ourselves and
// waits for it to come back, proving full round-trip reachability and
// not just local socket setup.
func (c *MixnetConnector) selfPing(ctx context.Context, client MixClient) error {
	nonce := make([]byte, pingNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	payload, err := cbor.Marshal(&pingPayload{Nonce: nonce})
	if err != nil {
		return err
	}
	if err := client.SendPing(ctx, payload); err != nil {
		return err
	}

	timer := time.NewTimer(c.pingTimeout)
	defer timer.Stop()
	for {
		select {
		case echo := <-client.PingEchoes():
			var p pingPayload
			if err := cbor.Unmarshal(echo, &p); err != nil {
				c.log.Debugf("Discarding malformed echo: %v", err)
				continue
			}
			if !bytes.Equal(p.Nonce, nonce) {
				c.log.Debugf("Discarding echo with foreign nonce")
				continue
			}
			return nil
		case <-timer.C:
			return ErrSelfPingTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// failure classifies err, letting a parent cancellation take precedence
// over whatever the aborted operation reported.
func (c *MixnetConnector) failure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return tunnel.WrapError(tunnel.KindMixnetConnection, err)
}

type mixnetSession struct {
	client    MixClient
	ips       *IPPair
	closeOnce sync.Once
}

func (s *mixnetSession) Routes() []tunnel.Route {
	return tunnel.DefaultRoutes(mixnetTunDevice)
}

func (s *mixnetSession) Done() <-chan error {
	return s.client.Done()
}

func (s *mixnetSession) Close(ctx context.Context) error {
	s.closeOnce.Do(s.client.Disconnect)
	return nil
}
