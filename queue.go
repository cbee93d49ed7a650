package macdivert

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// packetQueue hands packets from the engine callback to Read callers. The
// producer side never blocks (the callback holds up the engine's loop), the
// consumer side blocks until a packet arrives or its context is done.
// Multiple consumers compete for, but never reorder, entries.
type packetQueue struct {
	mu   sync.Mutex
	pkts []Packet

	notify chan struct{} // cap 1
	sealed chan struct{} // closed by seal
	seal1  sync.Once
}

func newPacketQueue() *packetQueue {
	return &packetQueue{
		notify: make(chan struct{}, 1),
		sealed: make(chan struct{}),
	}
}

func (q *packetQueue) push(p Packet) {
	q.mu.Lock()
	q.pkts = append(q.pkts, p)
	q.mu.Unlock()
	q.wake()
}

func (q *packetQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop dequeues in FIFO order. Once the queue is sealed and drained it
// returns sentinel packets instead of blocking.
func (q *packetQueue) pop(ctx context.Context) (Packet, error) {
	for {
		q.mu.Lock()
		if len(q.pkts) > 0 {
			p := q.pkts[0]
			q.pkts = q.pkts[1:]
			more := len(q.pkts) > 0
			q.mu.Unlock()
			if more {
				q.wake() // other consumers may still be waiting
			}
			return p, nil
		}
		q.mu.Unlock()

		select {
		case <-q.sealed:
			return Packet{}, nil
		default:
		}

		select {
		case <-q.notify:
		case <-q.sealed:
		case <-ctx.Done():
			return Packet{}, errors.WithStack(ctx.Err())
		}
	}
}

// seal marks the end of the stream: already queued packets still drain in
// order, afterwards pop stops blocking and reports sentinels.
func (q *packetQueue) seal() {
	q.seal1.Do(func() { close(q.sealed) })
}

func (q *packetQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pkts)
}
