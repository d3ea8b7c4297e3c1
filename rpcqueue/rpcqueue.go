// Package rpcqueue implements the asynchronous kernel->host RPC queue of
// spec.md §2/§4.5/§4.6: a bounded queue of length-prefixed blobs the
// kernel CPU posts outside the synchronous mailbox handshake, so an async
// RpcSend does not have to wait for the mailbox's own lockstep exchange.
package rpcqueue

import "errors"

var ErrFull = errors.New("rpcqueue: full")

// Queue is safe for concurrent use by one producer (the kernel-CPU side,
// simulated in tests) and one consumer (the worker's drain step).
type Queue struct {
	ch chan []byte
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{ch: make(chan []byte, capacity)}
}

// Enqueue posts a length-prefixed blob. It never blocks: a full queue
// returns ErrFull, matching the fire-and-forget nature of async RPC.
func (q *Queue) Enqueue(blob []byte) error {
	select {
	case q.ch <- blob:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue removes and returns one blob, if any is pending.
func (q *Queue) Dequeue() ([]byte, bool) {
	select {
	case b := <-q.ch:
		return b, true
	default:
		return nil, false
	}
}

// Empty reports whether the queue currently holds nothing.
func (q *Queue) Empty() bool {
	return len(q.ch) == 0
}
