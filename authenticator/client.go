// client.go - Authenticator protocol client.
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

package authenticator

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilvpn/veilvpn/log"
)

const (
	// retryBudget bounds the wall clock spent resending a wasteful
	// message that keeps timing out.
	retryBudget = 30 * time.Second

	// lowBandwidthThreshold is the remaining balance below which the
	// client warns about imminent suspension.
	lowBandwidthThreshold = 1 << 20 // 1 MiB
)

var (
	// ErrTimeout is the transient error a Transport returns when no
	// reply arrives in time.  It is the only error that triggers a
	// resend of wasteful messages.
	ErrTimeout = errors.New("authenticator: timed out waiting for reply")

	// ErrNoRetryLeft is returned when the retry budget for a wasteful
	// message is exhausted.
	ErrNoRetryLeft = errors.New("authenticator: retry budget exhausted")

	// ErrVerificationFailed is returned when the gateway's registration
	// proof does not verify.  Never retried.
	ErrVerificationFailed = errors.New("authenticator: gateway proof verification failed")
)

// Transport carries serialized protocol messages to a gateway's
// authenticator and returns the serialized reply.  Implementations ride
// the mixnet or a direct connection; they must be safe for concurrent
// use.
type Transport interface {
	RoundTrip(ctx context.Context, recipient string, payload []byte) ([]byte, error)
}

// Keypair is the client's x25519 keypair used both as the WireGuard
// peer identity and for the registration proof DH.
type Keypair struct {
	Private nike.PrivateKey
	Public  nike.PublicKey
}

// Scheme returns the x25519 scheme all authenticator keys use.
func Scheme() nike.Scheme {
	return x25519.Scheme(rand.Reader)
}

// GenerateKeypair creates a fresh keypair from the given entropy source.
func GenerateKeypair(rng io.Reader) (*Keypair, error) {
	pub, priv, err := Scheme().GenerateKeyPairFromEntropy(rng)
	if err != nil {
		return nil, err
	}
	return &Keypair{Private: priv, Public: pub}, nil
}

// GatewayData describes the WireGuard peer obtained from a successful
// registration.  Immutable; lives for one tunnel session.
type GatewayData struct {
	// PublicKey is the gateway's WireGuard public key.
	PublicKey []byte

	// Endpoint is the gateway's WireGuard socket address.
	Endpoint *net.UDPAddr

	// PrivateIPv4 and PrivateIPv6 are the client's tunnel addresses.
	PrivateIPv4 net.IP
	PrivateIPv6 net.IP
}

// Client is the protocol client handle.  It carries no exclusive
// mutable state and may be copied and used concurrently, e.g. by a
// background bandwidth monitor alongside an active connector.
type Client struct {
	transport Transport
	recipient string
	keys      *Keypair
	budget    time.Duration
	log       *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRetryBudget overrides the wasteful-message retry budget.  Tests
// use this to avoid waiting out the full 30 seconds.
func WithRetryBudget(d time.Duration) Option {
	return func(c *Client) {
		c.budget = d
	}
}

// NewClient creates a protocol client bound to one gateway's
// authenticator recipient address.
func NewClient(transport Transport, recipient string, keys *Keypair, logBackend *log.Backend, opts ...Option) *Client {
	c := &Client{
		transport: transport,
		recipient: recipient,
		keys:      keys,
		budget:    retryBudget,
		log:       logBackend.GetLogger("authenticator/client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Recipient returns the authenticator address this client talks to.
func (c *Client) Recipient() string {
	return c.recipient
}

// PublicKey returns the client's peer public key bytes.
func (c *Client) PublicKey() []byte {
	return c.keys.Public.Bytes()
}

func (c *Client) roundTrip(ctx context.Context, t MessageType, payload interface{}) (*Message, error) {
	blob, err := EncodeMessage(t, payload)
	if err != nil {
		return nil, err
	}

	if !t.wasteful() {
		reply, err := c.transport.RoundTrip(ctx, c.recipient, blob)
		if err != nil {
			return nil, err
		}
		return DecodeMessage(reply)
	}

	// Wasteful messages are deduplicated gateway-side, so a reply
	// timeout is worth a resend until the budget runs out.  Any other
	// error aborts immediately.
	start := time.Now()
	for time.Since(start) < c.budget {
		reply, err := c.transport.RoundTrip(ctx, c.recipient, blob)
		switch {
		case err == nil:
			return DecodeMessage(reply)
		case errors.Is(err, ErrTimeout):
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.log.Debugf("%s timed out, retrying", t)
			continue
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoRetryLeft, t)
}

func decodePayload(m *Message, want MessageType, v interface{}) error {
	if m.Type != want {
		return fmt.Errorf("%w: got %s, want %s", ErrInvalidResponse, m.Type, want)
	}
	if err := cbor.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// RegisterPeer runs the registration handshake and returns the
// negotiated peer data.  credential may be nil when credentials mode is
// off; when set it is consumed by this registration.
//
// The gateway may short-circuit straight to Registered when it already
// holds pending state for this key; both reply shapes produce identical
// observable behavior.
func (c *Client) RegisterPeer(ctx context.Context, gatewayHost net.IP, credential []byte) (*GatewayData, error) {
	c.log.Debugf("Registering with gateway authenticator %s", c.recipient)

	reply, err := c.roundTrip(ctx, TypeInitial, &InitialMessage{PubKey: c.PublicKey()})
	if err != nil {
		return nil, err
	}

	var registered RegisteredData
	switch reply.Type {
	case TypePendingRegistration:
		var pending RegistrationData
		if err := decodePayload(reply, TypePendingRegistration, &pending); err != nil {
			return nil, err
		}
		finalMsg, err := c.finalizeRegistration(&pending, credential)
		if err != nil {
			return nil, err
		}
		reply, err = c.roundTrip(ctx, TypeFinal, finalMsg)
		if err != nil {
			return nil, err
		}
		if err := decodePayload(reply, TypeRegistered, &registered); err != nil {
			return nil, err
		}
	case TypeRegistered:
		if err := decodePayload(reply, TypeRegistered, &registered); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: got %s during registration", ErrInvalidResponse, reply.Type)
	}

	return &GatewayData{
		PublicKey: registered.PubKey,
		Endpoint: &net.UDPAddr{
			IP:   gatewayHost,
			Port: int(registered.WireGuardPort),
		},
		PrivateIPv4: registered.PrivateIPv4,
		PrivateIPv6: registered.PrivateIPv6,
	}, nil
}

// finalizeRegistration verifies the gateway's challenge and builds the
// Final message.  Verification failure is fatal for the attempt.
func (c *Client) finalizeRegistration(pending *RegistrationData, credential []byte) (*FinalMessage, error) {
	gatewayPub := Scheme().NewEmptyPublicKey()
	if err := gatewayPub.FromBytes(pending.GatewayPubKey); err != nil {
		return nil, fmt.Errorf("%w: bad gateway public key: %v", ErrInvalidResponse, err)
	}
	shared := Scheme().DeriveSecret(c.keys.Private, gatewayPub)

	expected, err := registrationProof(shared, pending.Nonce, c.PublicKey())
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(expected, pending.GatewayProof) {
		return nil, ErrVerificationFailed
	}

	clientProof, err := registrationProof(shared, pending.Nonce, pending.GatewayPubKey)
	if err != nil {
		return nil, err
	}
	return &FinalMessage{
		PubKey:      c.PublicKey(),
		ClientProof: clientProof,
		Credential:  credential,
	}, nil
}

// QueryBandwidth returns the peer's remaining bandwidth in bytes.  A
// reply without payload means the peer is suspended for the current
// entitlement period and maps to zero.
//
// The return is a pointer so that Suspended can be expressed as a nil
// check, mirroring the documented protocol model.  As implemented no
// code path produces nil: the empty-payload case yields zero instead.
// Known modeling gap, kept deliberately pending a product decision.
func (c *Client) QueryBandwidth(ctx context.Context) (*int64, error) {
	reply, err := c.roundTrip(ctx, TypeQuery, &QueryMessage{PubKey: c.PublicKey()})
	if err != nil {
		return nil, err
	}
	var data RemainingBandwidthData
	if err := decodePayload(reply, TypeRemainingBandwidth, &data); err != nil {
		return nil, err
	}
	if data.Reply == nil {
		zero := int64(0)
		return &zero, nil
	}

	available := data.Reply.AvailableBytes
	if available > 0 {
		c.log.Infof("Remaining bandwidth with gateway %s: %d bytes", c.recipient, available)
	} else {
		c.log.Infof("Out of bandwidth with gateway %s", c.recipient)
	}
	if available < lowBandwidthThreshold {
		c.log.Warningf("Remaining bandwidth is under 1 MiB; tunnel will be suspended once it runs out")
	}
	return &available, nil
}

// Suspended reports whether the peer is suspended.  See QueryBandwidth
// for why this is unreachable as currently modeled.
func (c *Client) Suspended(ctx context.Context) (bool, error) {
	bw, err := c.QueryBandwidth(ctx)
	if err != nil {
		return false, err
	}
	return bw == nil, nil
}

// TopUp spends a prepared credential and returns the new balance.  The
// message is sent exactly once: replaying a spent credential is
// rejected by the gateway, so a transport timeout here is surfaced
// rather than retried.
func (c *Client) TopUp(ctx context.Context, credential []byte) (int64, error) {
	reply, err := c.roundTrip(ctx, TypeTopUp, &TopUpMessage{
		PubKey:     c.PublicKey(),
		Credential: credential,
	})
	if err != nil {
		return 0, err
	}
	var data TopUpBandwidthData
	if err := decodePayload(reply, TypeTopUpBandwidth, &data); err != nil {
		return 0, err
	}
	return data.AvailableBytes, nil
}
