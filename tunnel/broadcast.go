// broadcast.go - Best-effort event fan-out.
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

package tunnel

import (
	"sync"

	"github.com/veilvpn/veilvpn/worker"
)

// broadcaster fans events out to subscribers.  Each subscriber gets its
// own unbounded queue, so a slow or absent consumer never stalls the
// control loop; a subscriber that joins late misses earlier events.
type broadcaster struct {
	worker.Worker
	sync.Mutex

	subscribers []*fifo[Event]
}

// subscribe registers a new listener.  The returned channel is closed
// when the broadcaster halts.
func (b *broadcaster) subscribe() <-chan Event {
	q := newFifo[Event]()
	b.Go(func() {
		q.run(b.HaltCh())
	})

	b.Lock()
	defer b.Unlock()
	b.subscribers = append(b.subscribers, q)
	return q.out
}

// publish delivers ev to every subscriber, in subscription order.
// Per-subscriber ordering matches publish order.
func (b *broadcaster) publish(ev Event) {
	b.Lock()
	defer b.Unlock()
	for _, q := range b.subscribers {
		q.push(ev, b.HaltCh())
	}
}
