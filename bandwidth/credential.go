// credential.go - Bandwidth credential preparation and spending.
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

// Package bandwidth manages the client's bandwidth entitlement: the
// local credential (ticket) store, one-shot credential preparation, and
// a background monitor that keeps an eye on the remaining balance.
package bandwidth

import (
	"context"
	"errors"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilvpn/veilvpn/authenticator"
	"github.com/veilvpn/veilvpn/log"
)

var (
	// ErrNoCredential is returned when the store holds no tickets of the
	// requested type.
	ErrNoCredential = errors.New("bandwidth: no credential available")

	// ErrStorage is returned when the underlying store fails.
	ErrStorage = errors.New("bandwidth: storage failure")

	// ErrSigning is returned when a withdrawn ticket cannot be bound to
	// the recipient.
	ErrSigning = errors.New("bandwidth: credential signing failure")

	// ErrCredentialSpent is returned on a second Spend of the same
	// prepared credential.  Spending is strictly one-shot; hitting this
	// is a programming error, not a recoverable condition.
	ErrCredentialSpent = errors.New("bandwidth: credential already spent")
)

// ticketBundle is the serialized form of a prepared credential: one or
// more withdrawn tickets bound to a single recipient.
type ticketBundle struct {
	TicketType string   `cbor:"ticket_type"`
	Recipient  string   `cbor:"recipient"`
	Tickets    [][]byte `cbor:"tickets"`
}

// PreparedCredential is a credential withdrawn from the store and ready
// to be attached to a registration or top-up.  The backing tickets are
// already consumed, so it can be spent exactly once.
type PreparedCredential struct {
	sync.Mutex

	ticketType string
	blob       []byte
	spent      bool
}

// TicketType returns the ticketbook this credential was drawn from.
func (c *PreparedCredential) TicketType() string {
	return c.ticketType
}

// Spend consumes the credential and returns the serialized blob to put
// on the wire.  Subsequent calls return ErrCredentialSpent.
func (c *PreparedCredential) Spend() ([]byte, error) {
	c.Lock()
	defer c.Unlock()
	if c.spent {
		return nil, ErrCredentialSpent
	}
	c.spent = true
	return c.blob, nil
}

// CredentialStore is the local ticket storage the controller draws
// from.  PrepareTicket withdraws count tickets of the given type, binds
// them to recipient and removes them from the store.
type CredentialStore interface {
	PrepareTicket(ctx context.Context, ticketType, recipient string, count int) (*PreparedCredential, error)
}

// Controller binds a credential store to the configured ticket type and
// drives at-most-once top-ups.
type Controller struct {
	store      CredentialStore
	ticketType string
	log        *logging.Logger
}

// NewController creates a Controller spending from the given store.
func NewController(store CredentialStore, ticketType string, logBackend *log.Backend) *Controller {
	return &Controller{
		store:      store,
		ticketType: ticketType,
		log:        logBackend.GetLogger("bandwidth/controller"),
	}
}

// PrepareTicket withdraws a single credential for the given recipient.
func (c *Controller) PrepareTicket(ctx context.Context, recipient string) (*PreparedCredential, error) {
	return c.store.PrepareTicket(ctx, c.ticketType, recipient, 1)
}

// TopUp withdraws a credential and spends it against the gateway behind
// client.  The top-up message is sent exactly once; see
// authenticator.Client.TopUp for why a timeout is not retried.  Either
// way the credential is gone.
func (c *Controller) TopUp(ctx context.Context, client *authenticator.Client) (int64, error) {
	prepared, err := c.PrepareTicket(ctx, client.Recipient())
	if err != nil {
		return 0, err
	}
	blob, err := prepared.Spend()
	if err != nil {
		return 0, err
	}
	c.log.Noticef("Topping up bandwidth with gateway %s", client.Recipient())
	balance, err := client.TopUp(ctx, blob)
	if err != nil {
		return 0, err
	}
	c.log.Noticef("Top-up complete, balance is %d bytes", balance)
	return balance, nil
}

func encodeBundle(ticketType, recipient string, tickets [][]byte) (*PreparedCredential, error) {
	blob, err := cbor.Marshal(&ticketBundle{
		TicketType: ticketType,
		Recipient:  recipient,
		Tickets:    tickets,
	})
	if err != nil {
		return nil, errors.Join(ErrSigning, err)
	}
	return &PreparedCredential{ticketType: ticketType, blob: blob}, nil
}
