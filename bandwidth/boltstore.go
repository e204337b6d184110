// boltstore.go - BoltDB backed bandwidth ticket store.
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

package bandwidth

import (
	"context"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"
	ticketsBucket  = "tickets"
)

// BoltStore is a CredentialStore holding withdrawn tickets in a boltdb
// file, one nested bucket per ticket type, consumed oldest-first.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates (or loads) a ticket store with the given file
// name f.
func NewBoltStore(f string) (*BoltStore, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(ticketsBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			// Well it looks like we loaded as opposed to created.
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("incompatible version: %d", uint(b[0]))
			}
			return nil
		}

		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		// The struct isn't getting returned so clean up the database.
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	return &BoltStore{db: db}, nil
}

// DepositTickets appends tickets of the given type to the store.  The
// account controller calls this after a ticketbook withdrawal.
func (s *BoltStore) DepositTickets(ticketType string, tickets [][]byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket([]byte(ticketsBucket)).CreateBucketIfNotExists([]byte(ticketType))
		if err != nil {
			return err
		}
		for _, ticket := range tickets {
			seq, err := bkt.NextSequence()
			if err != nil {
				return err
			}
			var k [8]byte
			binary.BigEndian.PutUint64(k[:], seq)
			if err := bkt.Put(k[:], ticket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// TicketCount returns the number of stored tickets of the given type.
func (s *BoltStore) TicketCount(ticketType string) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(ticketsBucket)).Bucket([]byte(ticketType))
		if bkt == nil {
			return nil
		}
		n = bkt.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return n, nil
}

// PrepareTicket implements CredentialStore.  The oldest count tickets of
// the given type are removed from the store and bundled; if fewer are
// present nothing is consumed and ErrNoCredential is returned.
func (s *BoltStore) PrepareTicket(ctx context.Context, ticketType, recipient string, count int) (*PreparedCredential, error) {
	tickets := make([][]byte, 0, count)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(ticketsBucket)).Bucket([]byte(ticketType))
		if bkt == nil || bkt.Stats().KeyN < count {
			return ErrNoCredential
		}
		c := bkt.Cursor()
		for k, v := c.First(); k != nil && len(tickets) < count; k, v = c.Next() {
			ticket := make([]byte, len(v))
			copy(ticket, v)
			tickets = append(tickets, ticket)
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	switch {
	case err == nil:
	case err == ErrNoCredential:
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return encodeBundle(ticketType, recipient, tickets)
}

// Close flushes and closes the underlying database.
func (s *BoltStore) Close() {
	s.db.Sync()
	s.db.Close()
}
