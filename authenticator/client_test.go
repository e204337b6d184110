// client_test.go - Authenticator protocol client tests.
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
	"net"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/veilvpn/veilvpn/log"
)

// fakeGateway speaks the gateway side of the protocol in-process.
type fakeGateway struct {
	t    *testing.T
	keys *Keypair

	nonce   uint64
	wgPort  uint16
	balance int64

	// timeoutsBefore[t] timeouts are injected before a message of type t
	// gets a real reply.  TypeTopUp entries of -1 time out forever.
	timeoutsBefore map[MessageType]int

	shortCircuit bool
	badProof     bool
	badVersion   bool
	emptyQuery   bool

	calls         map[MessageType]int
	gotCredential []byte
}

func newFakeGateway(t *testing.T) *fakeGateway {
	keys, err := GenerateKeypair(rand.Reader)
	require.NoError(t, err)
	return &fakeGateway{
		t:              t,
		keys:           keys,
		nonce:          7,
		wgPort:         51822,
		balance:        5 << 20,
		timeoutsBefore: make(map[MessageType]int),
		calls:          make(map[MessageType]int),
	}
}

func (f *fakeGateway) reply(t MessageType, payload interface{}) ([]byte, error) {
	if !f.badVersion {
		return EncodeMessage(t, payload)
	}
	raw, err := cbor.Marshal(payload)
	require.NoError(f.t, err)
	return cbor.Marshal(&Message{Version: ProtocolVersion + 1, Type: t, Payload: raw})
}

func (f *fakeGateway) RoundTrip(ctx context.Context, recipient string, payload []byte) ([]byte, error) {
	msg, err := DecodeMessage(payload)
	require.NoError(f.t, err)

	f.calls[msg.Type]++
	if n := f.timeoutsBefore[msg.Type]; n != 0 {
		if n > 0 {
			f.timeoutsBefore[msg.Type] = n - 1
		}
		return nil, ErrTimeout
	}

	switch msg.Type {
	case TypeInitial:
		var initial InitialMessage
		require.NoError(f.t, cbor.Unmarshal(msg.Payload, &initial))
		if f.shortCircuit {
			return f.reply(TypeRegistered, f.registered(initial.PubKey))
		}
		proof := f.proofFor(initial.PubKey, initial.PubKey)
		if f.badProof {
			proof[0] ^= 0xff
		}
		return f.reply(TypePendingRegistration, &RegistrationData{
			Nonce:         f.nonce,
			GatewayPubKey: f.keys.Public.Bytes(),
			GatewayProof:  proof,
			WireGuardPort: f.wgPort,
			PrivateIPv4:   net.ParseIP("10.1.0.2"),
			PrivateIPv6:   net.ParseIP("fc00::2"),
		})

	case TypeFinal:
		var final FinalMessage
		require.NoError(f.t, cbor.Unmarshal(msg.Payload, &final))
		want := f.proofFor(final.PubKey, f.keys.Public.Bytes())
		require.True(f.t, hmac.Equal(want, final.ClientProof))
		f.gotCredential = final.Credential
		return f.reply(TypeRegistered, f.registered(final.PubKey))

	case TypeQuery:
		if f.emptyQuery {
			return f.reply(TypeRemainingBandwidth, &RemainingBandwidthData{})
		}
		return f.reply(TypeRemainingBandwidth, &RemainingBandwidthData{
			Reply: &BandwidthData{AvailableBytes: f.balance},
		})

	case TypeTopUp:
		var topUp TopUpMessage
		require.NoError(f.t, cbor.Unmarshal(msg.Payload, &topUp))
		f.gotCredential = topUp.Credential
		f.balance += 10 << 20
		return f.reply(TypeTopUpBandwidth, &TopUpBandwidthData{AvailableBytes: f.balance})

	default:
		f.t.Fatalf("unexpected message type %s", msg.Type)
		return nil, nil
	}
}

func (f *fakeGateway) registered(clientPub []byte) *RegisteredData {
	return &RegisteredData{
		PubKey:        f.keys.Public.Bytes(),
		WireGuardPort: f.wgPort,
		PrivateIPv4:   net.ParseIP("10.1.0.2"),
		PrivateIPv6:   net.ParseIP("fc00::2"),
	}
}

func (f *fakeGateway) proofFor(clientPub, body []byte) []byte {
	pub := Scheme().NewEmptyPublicKey()
	require.NoError(f.t, pub.FromBytes(clientPub))
	shared := Scheme().DeriveSecret(f.keys.Private, pub)
	proof, err := registrationProof(shared, f.nonce, body)
	require.NoError(f.t, err)
	return proof
}

func testClient(t *testing.T, gw *fakeGateway, opts ...Option) *Client {
	t.Helper()
	keys, err := GenerateKeypair(rand.Reader)
	require.NoError(t, err)
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return NewClient(gw, "gw0-auth", keys, logBackend, opts...)
}

func TestRegisterPeer(t *testing.T) {
	require := require.New(t)

	gw := newFakeGateway(t)
	c := testClient(t, gw)

	credential := []byte("opaque-ticket")
	data, err := c.RegisterPeer(context.Background(), net.ParseIP("192.0.2.7"), credential)
	require.NoError(err)
	require.Equal(gw.keys.Public.Bytes(), data.PublicKey)
	require.Equal(int(gw.wgPort), data.Endpoint.Port)
	require.True(data.Endpoint.IP.Equal(net.ParseIP("192.0.2.7")))
	require.NotNil(data.PrivateIPv4)
	require.NotNil(data.PrivateIPv6)
	require.Equal(credential, gw.gotCredential)
	require.Equal(1, gw.calls[TypeInitial])
	require.Equal(1, gw.calls[TypeFinal])
}

func TestRegisterPeerShortCircuit(t *testing.T) {
	require := require.New(t)

	gw := newFakeGateway(t)
	gw.shortCircuit = true
	c := testClient(t, gw)

	data, err := c.RegisterPeer(context.Background(), net.ParseIP("192.0.2.7"), nil)
	require.NoError(err)
	require.Equal(gw.keys.Public.Bytes(), data.PublicKey)
	require.Zero(gw.calls[TypeFinal])
}

func TestRegisterPeerRetriesOnTimeout(t *testing.T) {
	require := require.New(t)

	gw := newFakeGateway(t)
	gw.timeoutsBefore[TypeInitial] = 2
	gw.timeoutsBefore[TypeFinal] = 1
	c := testClient(t, gw, WithRetryBudget(2*time.Second))

	_, err := c.RegisterPeer(context.Background(), net.ParseIP("192.0.2.7"), nil)
	require.NoError(err)
	require.Equal(3, gw.calls[TypeInitial])
	require.Equal(2, gw.calls[TypeFinal])
}

func TestRegisterPeerNoRetryLeft(t *testing.T) {
	require := require.New(t)

	gw := newFakeGateway(t)
	gw.timeoutsBefore[TypeInitial] = -1
	c := testClient(t, gw, WithRetryBudget(20*time.Millisecond))

	_, err := c.RegisterPeer(context.Background(), net.ParseIP("192.0.2.7"), nil)
	require.ErrorIs(err, ErrNoRetryLeft)
	require.NotErrorIs(err, ErrTimeout)
}

func TestRegisterPeerBadProof(t *testing.T) {
	require := require.New(t)

	gw := newFakeGateway(t)
	gw.badProof = true
	c := testClient(t, gw)

	_, err := c.RegisterPeer(context.Background(), net.ParseIP("192.0.2.7"), nil)
	require.ErrorIs(err, ErrVerificationFailed)
	require.Zero(gw.calls[TypeFinal])
}

func TestRegisterPeerVersionMismatch(t *testing.T) {
	require := require.New(t)

	gw := newFakeGateway(t)
	gw.badVersion = true
	c := testClient(t, gw)

	_, err := c.RegisterPeer(context.Background(), net.ParseIP("192.0.2.7"), nil)
	require.ErrorIs(err, ErrVersionMismatch)
	// A version mismatch is a hard failure, never retried.
	require.Equal(1, gw.calls[TypeInitial])
}

func TestQueryBandwidth(t *testing.T) {
	require := require.New(t)

	gw := newFakeGateway(t)
	c := testClient(t, gw)

	bw, err := c.QueryBandwidth(context.Background())
	require.NoError(err)
	require.NotNil(bw)
	require.Equal(gw.balance, *bw)

	suspended, err := c.Suspended(context.Background())
	require.NoError(err)
	require.False(suspended)
}

func TestQueryBandwidthEmptyReply(t *testing.T) {
	require := require.New(t)

	gw := newFakeGateway(t)
	gw.emptyQuery = true
	c := testClient(t, gw)

	bw, err := c.QueryBandwidth(context.Background())
	require.NoError(err)
	require.NotNil(bw)
	require.Zero(*bw)
}

func TestQueryBandwidthNotRetried(t *testing.T) {
	require := require.New(t)

	gw := newFakeGateway(t)
	gw.timeoutsBefore[TypeQuery] = -1
	c := testClient(t, gw)

	_, err := c.QueryBandwidth(context.Background())
	require.ErrorIs(err, ErrTimeout)
	require.Equal(1, gw.calls[TypeQuery])
}

func TestTopUp(t *testing.T) {
	require := require.New(t)

	gw := newFakeGateway(t)
	c := testClient(t, gw)

	credential := []byte("one-shot-ticket")
	balance, err := c.TopUp(context.Background(), credential)
	require.NoError(err)
	require.Equal(gw.balance, balance)
	require.Equal(credential, gw.gotCredential)
}

func TestTopUpSentExactlyOnce(t *testing.T) {
	require := require.New(t)

	gw := newFakeGateway(t)
	gw.timeoutsBefore[TypeTopUp] = -1
	c := testClient(t, gw)

	_, err := c.TopUp(context.Background(), []byte("one-shot-ticket"))
	require.ErrorIs(err, ErrTimeout)
	// The credential is gone either way; resending would double-spend.
	require.Equal(1, gw.calls[TypeTopUp])
}
