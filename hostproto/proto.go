// Package hostproto implements the host request/reply schema of
// spec.md §4.3/§4.4/§6: a message stream in network byte order. The exact
// bit layout is this module's own choice — spec.md explicitly leaves host
// wire framing external — and follows the manual tag-then-fields binary
// style the example pack's low-level network code uses: each message is
// one tag byte followed by its fields (fixed-width integers in network
// order, variable-length data behind a uint32 length prefix). A message
// carries no overall length frame of its own.
package hostproto

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/m-labs/artiq-coredevice-session/kernmsg"
)

type RequestTag byte

const (
	TagIdent RequestTag = iota
	TagLog
	TagLogClear
	TagFlashRead
	TagFlashWrite
	TagFlashRemove
	TagFlashErase
	TagSwitchClock
	TagLoadKernel
	TagRunKernel
	TagRpcReply
	TagRpcException
)

// Request is one decoded host request, spec.md §4.3.
type Request struct {
	Tag RequestTag

	Key      string // FlashRead/FlashWrite/FlashRemove
	Value    []byte // FlashWrite
	Clk      uint8  // SwitchClock
	Image    []byte // LoadKernel
	RpcTag   string // RpcReply
	Exn      kernmsg.Exception // RpcException
}

func (r Request) String() string {
	switch r.Tag {
	case TagLoadKernel:
		return "LoadKernel(...)"
	default:
		type plain Request
		return fmt.Sprintf("%+v", plain(r))
	}
}

type ReplyTag byte

const (
	TagReplyIdent ReplyTag = iota
	TagReplyLog
	TagReplyFlashRead
	TagReplyFlashOk
	TagReplyFlashError
	TagReplyClockSwitchCompleted
	TagReplyClockSwitchFailed
	TagReplyLoadCompleted
	TagReplyLoadFailed
	TagReplyKernelStartupFailed
	TagReplyRpcRequest
	TagReplyKernelFinished
	TagReplyKernelException
	TagReplyWatchdogExpired
	TagReplyClockFailure
)

// Reply is one host reply, spec.md §4.3/§4.4.
type Reply struct {
	Tag ReplyTag

	Bytes   []byte // Ident, FlashRead
	Text    string // Log
	Async   bool   // RpcRequest
	Exn     kernmsg.Exception
	Backtrace []uint32
}

func ReplyIdent(b [64]byte) Reply    { return Reply{Tag: TagReplyIdent, Bytes: b[:]} }
func ReplyLog(text string) Reply     { return Reply{Tag: TagReplyLog, Text: text} }
func ReplyFlashRead(b []byte) Reply  { return Reply{Tag: TagReplyFlashRead, Bytes: b} }
func ReplyFlashOk() Reply            { return Reply{Tag: TagReplyFlashOk} }
func ReplyFlashError() Reply         { return Reply{Tag: TagReplyFlashError} }
func ReplyClockSwitchCompleted() Reply { return Reply{Tag: TagReplyClockSwitchCompleted} }
func ReplyClockSwitchFailed() Reply    { return Reply{Tag: TagReplyClockSwitchFailed} }
func ReplyLoadCompleted() Reply       { return Reply{Tag: TagReplyLoadCompleted} }
func ReplyLoadFailed() Reply          { return Reply{Tag: TagReplyLoadFailed} }
func ReplyKernelStartupFailed() Reply { return Reply{Tag: TagReplyKernelStartupFailed} }
func ReplyRpcRequest(async bool) Reply { return Reply{Tag: TagReplyRpcRequest, Async: async} }
func ReplyKernelFinished() Reply      { return Reply{Tag: TagReplyKernelFinished} }
func ReplyWatchdogExpired() Reply     { return Reply{Tag: TagReplyWatchdogExpired} }
func ReplyClockFailure() Reply        { return Reply{Tag: TagReplyClockFailure} }
func ReplyKernelException(exn kernmsg.Exception, backtrace []uint32) Reply {
	return Reply{Tag: TagReplyKernelException, Exn: exn, Backtrace: backtrace}
}

// ---- framing helpers ----

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
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeString(w io.Writer, s string) error { return writeBytes(w, []byte(s)) }
func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

func writeExn(w io.Writer, e kernmsg.Exception) error {
	if err := writeString(w, e.Name); err != nil {
		return err
	}
	if err := writeString(w, e.Message); err != nil {
		return err
	}
	for _, p := range e.Param {
		if err := binary.Write(w, binary.BigEndian, p); err != nil {
			return err
		}
	}
	if err := writeString(w, e.File); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, e.Line); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, e.Column); err != nil {
		return err
	}
	return writeString(w, e.Function)
}

func readExn(r io.Reader) (kernmsg.Exception, error) {
	var e kernmsg.Exception
	var err error
	if e.Name, err = readString(r); err != nil {
		return e, err
	}
	if e.Message, err = readString(r); err != nil {
		return e, err
	}
	for i := range e.Param {
		if err = binary.Read(r, binary.BigEndian, &e.Param[i]); err != nil {
			return e, err
		}
	}
	if e.File, err = readString(r); err != nil {
		return e, err
	}
	if err = binary.Read(r, binary.BigEndian, &e.Line); err != nil {
		return e, err
	}
	if err = binary.Read(r, binary.BigEndian, &e.Column); err != nil {
		return e, err
	}
	e.Function, err = readString(r)
	return e, err
}

// ReadRequest decodes one request from r.
func ReadRequest(r io.Reader) (Request, error) {
	var tagByte [1]byte
	if _, err := io.ReadFull(r, tagByte[:]); err != nil {
		return Request{}, err
	}
	req := Request{Tag: RequestTag(tagByte[0])}
	var err error
	switch req.Tag {
	case TagIdent, TagLog, TagLogClear, TagFlashErase, TagRunKernel:
		// no payload
	case TagFlashRead, TagFlashRemove:
		req.Key, err = readString(r)
	case TagFlashWrite:
		if req.Key, err = readString(r); err != nil {
			break
		}
		req.Value, err = readBytes(r)
	case TagSwitchClock:
		var b [1]byte
		_, err = io.ReadFull(r, b[:])
		req.Clk = b[0]
	case TagLoadKernel:
		req.Image, err = readBytes(r)
	case TagRpcReply:
		req.RpcTag, err = readString(r)
	case TagRpcException:
		req.Exn, err = readExn(r)
	default:
		return Request{}, fmt.Errorf("hostproto: unknown request tag %d", req.Tag)
	}
	if err != nil {
		return Request{}, err
	}
	return req, nil
}

// WriteTo encodes the reply to w.
func (rep Reply) WriteTo(w io.Writer) error {
	if _, err := w.Write([]byte{byte(rep.Tag)}); err != nil {
		return err
	}
	switch rep.Tag {
	case TagReplyIdent, TagReplyFlashRead:
		return writeBytes(w, rep.Bytes)
	case TagReplyLog:
		return writeString(w, rep.Text)
	case TagReplyFlashOk, TagReplyFlashError,
		TagReplyClockSwitchCompleted, TagReplyClockSwitchFailed,
		TagReplyLoadCompleted, TagReplyLoadFailed, TagReplyKernelStartupFailed,
		TagReplyKernelFinished, TagReplyWatchdogExpired, TagReplyClockFailure:
		return nil
	case TagReplyRpcRequest:
		var b byte
		if rep.Async {
			b = 1
		}
		_, err := w.Write([]byte{b})
		return err
	case TagReplyKernelException:
		if err := writeExn(w, rep.Exn); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint32(len(rep.Backtrace))); err != nil {
			return err
		}
		for _, pc := range rep.Backtrace {
			if err := binary.Write(w, binary.BigEndian, pc); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("hostproto: unknown reply tag %d", rep.Tag)
	}
}
