// queue.go - Unbounded FIFO channel.
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

// fifo is an unbounded channel: push never blocks, items come out of
// Out in push order.  run must be driven by a goroutine owned by a
// Worker whose halt channel is passed in.
type fifo[T any] struct {
	in  chan T
	out chan T
}

func newFifo[T any]() *fifo[T] {
	return &fifo[T]{
		in:  make(chan T),
		out: make(chan T),
	}
}

// push enqueues v.  It only blocks when the queue is already halted.
func (q *fifo[T]) push(v T, haltCh <-chan interface{}) {
	select {
	case q.in <- v:
	case <-haltCh:
	}
}

// run shuttles items from in to out until haltCh closes, buffering
// without bound in between.  Out is closed on halt.
func (q *fifo[T]) run(haltCh <-chan interface{}) {
	defer close(q.out)

	var buf []T
	for {
		if len(buf) == 0 {
			select {
			case v := <-q.in:
				buf = append(buf, v)
			case <-haltCh:
				return
			}
			continue
		}
		select {
		case v := <-q.in:
			buf = append(buf, v)
		case q.out <- buf[0]:
			buf = buf[1:]
		case <-haltCh:
			return
		}
	}
}
