// Package mailbox implements the Kernel Mailbox Facade of spec.md §4.1: a
// one-slot shared-memory channel between the communication CPU and the
// kernel CPU, used strictly half-duplex (spec §5) — only one message is
// ever in flight in a given direction, and each send is matched by
// exactly one acknowledge before the next.
//
// A real device backs this with a pair of memory locations (posted
// address, ack flag) per direction with release/acquire ordering on each
// transition. This package models the same two independent one-slot
// channels as one buffered channel of capacity 1 per direction, each
// posted message carrying its own ack channel, since there is no real
// second CPU core to share memory with in this process — tests drive the
// kernel side through the Kernel* methods below.
package mailbox

import "context"

// Message is the payload carried by a mailbox slot: a tagged kernel
// message (see package kernmsg). The "pointer" alongside it stands in for
// the shared-memory address a real kernel CPU would post; Validate uses
// it to catch a corrupted or unexpected mailbox slot the way
// kernel::validate does on real hardware.
type Message = interface{}

type posted struct {
	ptr uintptr
	msg Message
}

// Mailbox is safe for concurrent use by exactly one comm-side caller and
// exactly one kernel-side caller, matching the single active worker /
// single kernel CPU invariant.
type Mailbox struct {
	toKernel   directionState
	fromKernel directionState
}

type directionState struct {
	ch chan postedAck
}

// postedAck is pushed through a direction's channel as the single
// in-flight message; the embedded ack channel is closed by whichever side
// consumes it, waking the poster.
type postedAck struct {
	posted
	ack chan struct{}
}

func New() *Mailbox {
	return &Mailbox{
		toKernel:   directionState{ch: make(chan postedAck, 1)},
		fromKernel: directionState{ch: make(chan postedAck, 1)},
	}
}

// ---- communication-CPU side: Send / Receive / Acknowledge (spec §4.1) ----

// Send stores ptr/msg into the mailbox slot bound for the kernel CPU and
// suspends the caller until the kernel CPU acknowledges it, or ctx is
// done. The message must remain valid (referenced only, never mutated by
// the caller) until acknowledgement.
func (m *Mailbox) Send(ctx context.Context, ptr uintptr, msg Message) error {
	ack := make(chan struct{})
	select {
	case m.toKernel.ch <- postedAck{posted: posted{ptr: ptr, msg: msg}, ack: ack}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive is a non-blocking check of the kernel-bound-to-comm slot. It
// returns ok=false if the kernel CPU has posted nothing.
func (m *Mailbox) Receive() (ptr uintptr, msg Message, ok bool) {
	select {
	case pa := <-m.fromKernel.ch:
		// Put it back unconsumed: Receive is a peek, not a take — the
		// kernel message is only removed by Acknowledge (which the
		// handler's reply path calls before each reply Send), per the
		// "reply-or-acknowledge" contract of spec §4.1.
		m.fromKernel.ch <- pa
		return pa.ptr, pa.msg, true
	default:
		return 0, nil, false
	}
}

// ReceiveBlocking waits until the kernel CPU has posted a message (or ctx
// is done) and then peeks it, without acknowledging. Used by the
// higher-level KernRecv helper (package handler), which must suspend the
// caller until a message appears rather than polling the worker's own
// per-iteration check.
func (m *Mailbox) ReceiveBlocking(ctx context.Context) (ptr uintptr, msg Message, err error) {
	select {
	case pa := <-m.fromKernel.ch:
		m.fromKernel.ch <- pa
		return pa.ptr, pa.msg, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Acknowledge clears the posted-message slot from the kernel CPU,
// releasing it to continue. It is a no-op if nothing is posted.
func (m *Mailbox) Acknowledge() {
	select {
	case pa := <-m.fromKernel.ch:
		close(pa.ack)
	default:
	}
}

// ---- kernel-CPU side, used by the in-process kernel simulator in tests ----

// KernelSend posts ptr/msg toward the communication CPU and blocks until
// Acknowledge consumes it, mirroring the kernel CPU's own half of the
// protocol. Like the comm side's reply path, posting acknowledges
// whatever the communication CPU had posted first, so a kernel reply
// releases the Send it answers.
func (m *Mailbox) KernelSend(ctx context.Context, ptr uintptr, msg Message) error {
	m.KernelAcknowledge()
	ack := make(chan struct{})
	m.fromKernel.ch <- postedAck{posted: posted{ptr: ptr, msg: msg}, ack: ack}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// KernelReceive blocks until the communication CPU posts a message (via
// Send), then returns it without acknowledging — the kernel side
// acknowledges explicitly via KernelAcknowledge once it has consumed the
// payload, exactly like the comm side's own contract.
func (m *Mailbox) KernelReceive(ctx context.Context) (ptr uintptr, msg Message, err error) {
	select {
	case pa := <-m.toKernel.ch:
		m.toKernel.ch <- pa
		return pa.ptr, pa.msg, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// KernelAcknowledge releases whatever the communication CPU posted.
func (m *Mailbox) KernelAcknowledge() {
	select {
	case pa := <-m.toKernel.ch:
		close(pa.ack)
	default:
	}
}
