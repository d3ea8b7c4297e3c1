// Package rpcproto packs and unpacks the payloads carried alongside
// RpcRequest/RpcReply host traffic (spec.md §4.3.1, §4.4 RpcSend). The
// exact argument marshaling format is this module's own choice — spec.md
// explicitly leaves message framing external — but the slot-at-a-time
// return-value negotiation of §4.3.1 is preserved exactly: the kernel CPU
// doesn't know the size of a returned string/array ahead of time, so the
// comm CPU decodes the value from the host one slot at a time, asking the
// kernel CPU (via RpcRecvRequest/RpcRecvReply) for a buffer of the right
// size before each slot, and terminates the chain with a zero-size slot.
package rpcproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SendArgs writes service, tag, and the kernel-packed argument bytes to
// w, following the RpcRequest reply that announces the call.
func SendArgs(w io.Writer, service uint32, tag string, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, service); err != nil {
		return err
	}
	if err := writeString(w, tag); err != nil {
		return err
	}
	return writeBytes(w, data)
}

// NextSlot is called once per chunk of the return value; it must ask the
// kernel CPU for a size-byte buffer and return it. The caller (package
// handler) implements this via RpcRecvReply{Size}/RpcRecvRequest
// round-trips through the mailbox.
type NextSlot func(size int) ([]byte, error)

// RecvReturn decodes one RPC return value of the given tag from r,
// copying it into kernel-provided slots obtained via next, and returns
// the final concatenated bytes (used only for tests/diagnostics — the
// real kernel CPU has already received the data by the time this
// returns). tag follows a tiny scheme: "n" none, "b" bool, "i" int32,
// "s" string, "a" byte array — sufficient to exercise the slot
// negotiation without redefining ARTIQ's actual RPC type tag grammar.
func RecvReturn(r io.Reader, tag string, next NextSlot) ([]byte, error) {
	switch tag {
	case "n":
		return nil, nil
	case "b":
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		slot, err := next(1)
		if err != nil {
			return nil, err
		}
		copy(slot, b[:])
		return slot, nil
	case "i":
		var v int32
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return nil, err
		}
		slot, err := next(4)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(slot, uint32(v))
		return slot, nil
	case "s", "a":
		data, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		slot, err := next(len(data))
		if err != nil {
			return nil, err
		}
		copy(slot, data)
		return slot, nil
	default:
		return nil, fmt.Errorf("rpcproto: unknown return tag %q", tag)
	}
}

func writeBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	_, err := io.ReadFull(r, b)
	return b, err
}

func writeString(w io.Writer, s string) error { return writeBytes(w, []byte(s)) }
