// messages.go - Authenticator wire protocol messages.
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

// Package authenticator implements the request/response protocol spoken
// with a gateway's authenticator service: WireGuard peer registration,
// bandwidth queries and bandwidth top-ups.
package authenticator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// ProtocolVersion is the authenticator protocol version spoken by this
// client.  A reply carrying any other version is rejected and never
// retried.
const ProtocolVersion = 4

var (
	// ErrVersionMismatch is returned when the gateway speaks a different
	// protocol version.
	ErrVersionMismatch = errors.New("authenticator: protocol version mismatch")

	// ErrInvalidResponse is returned when a reply has an unexpected type
	// or malformed payload.
	ErrInvalidResponse = errors.New("authenticator: invalid gateway response")
)

// MessageType discriminates protocol messages.
type MessageType uint8

const (
	// TypeInitial opens a registration handshake.
	TypeInitial MessageType = iota

	// TypePendingRegistration is the gateway's challenge carrying the
	// nonce and gateway data to be verified.
	TypePendingRegistration

	// TypeFinal completes a registration handshake.
	TypeFinal

	// TypeRegistered confirms a peer assignment.
	TypeRegistered

	// TypeQuery asks for the remaining bandwidth of a registered peer.
	TypeQuery

	// TypeRemainingBandwidth answers a TypeQuery.
	TypeRemainingBandwidth

	// TypeTopUp spends a credential to add bandwidth.
	TypeTopUp

	// TypeTopUpBandwidth answers a TypeTopUp.
	TypeTopUpBandwidth
)

func (t MessageType) String() string {
	switch t {
	case TypeInitial:
		return "Initial"
	case TypePendingRegistration:
		return "PendingRegistration"
	case TypeFinal:
		return "Final"
	case TypeRegistered:
		return "Registered"
	case TypeQuery:
		return "Query"
	case TypeRemainingBandwidth:
		return "RemainingBandwidth"
	case TypeTopUp:
		return "TopUp"
	case TypeTopUpBandwidth:
		return "TopUpBandwidth"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// wasteful reports whether resending the message mutates nothing on the
// gateway side.  The registration handshake is deduplicated by public
// key and nonce, so Initial and Final are safe to resend on a timeout.
// TopUp spends a credential and must never be resent; Query is sent
// once and simply retried at a higher level if the caller cares.
func (t MessageType) wasteful() bool {
	return t == TypeInitial || t == TypeFinal
}

// Message is the versioned envelope every protocol message travels in.
type Message struct {
	Version uint8           `cbor:"version"`
	Type    MessageType     `cbor:"type"`
	Payload cbor.RawMessage `cbor:"payload"`
}

// EncodeMessage wraps payload into a versioned envelope and serializes
// it.
func EncodeMessage(t MessageType, payload interface{}) ([]byte, error) {
	raw, err := cbor.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(&Message{
		Version: ProtocolVersion,
		Type:    t,
		Payload: raw,
	})
}

// DecodeMessage parses an envelope and enforces the protocol version.
func DecodeMessage(b []byte) (*Message, error) {
	m := new(Message)
	if err := cbor.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if m.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: got version %d, want %d", ErrVersionMismatch, m.Version, ProtocolVersion)
	}
	return m, nil
}

// InitialMessage opens registration for the given client public key.
type InitialMessage struct {
	PubKey []byte `cbor:"pub_key"`
}

// RegistrationData is the gateway's registration challenge.  The proof
// binds the nonce to the client key under the shared secret and must be
// verified before the handshake proceeds.
type RegistrationData struct {
	Nonce         uint64 `cbor:"nonce"`
	GatewayPubKey []byte `cbor:"gateway_pub_key"`
	GatewayProof  []byte `cbor:"gateway_proof"`
	WireGuardPort uint16 `cbor:"wg_port"`
	PrivateIPv4   net.IP `cbor:"private_ipv4"`
	PrivateIPv6   net.IP `cbor:"private_ipv6"`
}

// FinalMessage completes registration.  Credential, when present, is an
// opaque prepared bandwidth credential spent on this registration.
type FinalMessage struct {
	PubKey      []byte `cbor:"pub_key"`
	ClientProof []byte `cbor:"client_proof"`
	Credential  []byte `cbor:"credential,omitempty"`
}

// RegisteredData is the gateway's peer assignment.
type RegisteredData struct {
	PubKey        []byte `cbor:"pub_key"`
	WireGuardPort uint16 `cbor:"wg_port"`
	PrivateIPv4   net.IP `cbor:"private_ipv4"`
	PrivateIPv6   net.IP `cbor:"private_ipv6"`
}

// QueryMessage asks for the remaining bandwidth of a registered peer.
type QueryMessage struct {
	PubKey []byte `cbor:"pub_key"`
}

// BandwidthData carries a bandwidth figure in bytes.
type BandwidthData struct {
	AvailableBytes int64 `cbor:"available_bandwidth"`
}

// RemainingBandwidthData answers a query.  A nil Reply means the gateway
// sent no payload, which the client maps to zero available bandwidth.
type RemainingBandwidthData struct {
	Reply *BandwidthData `cbor:"reply,omitempty"`
}

// TopUpMessage spends a prepared credential to add bandwidth.
type TopUpMessage struct {
	PubKey     []byte `cbor:"pub_key"`
	Credential []byte `cbor:"credential"`
}

// TopUpBandwidthData answers a top-up with the new balance.
type TopUpBandwidthData struct {
	AvailableBytes int64 `cbor:"available_bandwidth"`
}

// registrationProof computes the keyed hash binding a nonce and message
// body to the handshake's shared secret.  Both sides derive the same key
// via DH, so either can verify the other's proof.
func registrationProof(sharedSecret []byte, nonce uint64, body []byte) ([]byte, error) {
	h, err := blake2b.New256(sharedSecret)
	if err != nil {
		return nil, err
	}
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	h.Write(nonceBytes[:])
	h.Write(body)
	return h.Sum(nil), nil
}
