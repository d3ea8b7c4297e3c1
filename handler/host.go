// Package handler implements the Host Message Handler and Kernel Message
// Handler of spec.md §4.3/§4.4: interpreting one decoded request/message
// at a time and driving the kernel mailbox, Congress, and the host
// stream accordingly.
package handler

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/m-labs/artiq-coredevice-session/board"
	"github.com/m-labs/artiq-coredevice-session/configstore"
	"github.com/m-labs/artiq-coredevice-session/corelog"
	"github.com/m-labs/artiq-coredevice-session/hostproto"
	"github.com/m-labs/artiq-coredevice-session/kernelcpu"
	"github.com/m-labs/artiq-coredevice-session/kernmsg"
	"github.com/m-labs/artiq-coredevice-session/mailbox"
	"github.com/m-labs/artiq-coredevice-session/rpcproto"
	"github.com/m-labs/artiq-coredevice-session/rtioclock"
	"github.com/m-labs/artiq-coredevice-session/session"
	"github.com/m-labs/artiq-coredevice-session/sessionerr"
)

// Deps bundles the external collaborators named by spec.md §1/§6, which
// this package only ever reaches through their interfaces.
type Deps struct {
	Store   *configstore.Store
	Logger  *corelog.Logger
	Clock   rtioclock.Clock
	Ident   board.Identer
	CPU     kernelcpu.CPU
	Mailbox *mailbox.Mailbox
}

// Host drives the host message side of the protocol multiplexer.
type Host struct {
	deps Deps
	ptr  atomic.Uint64
}

func NewHost(deps Deps) *Host {
	return &Host{deps: deps}
}

// nextPtr hands out a fresh "address" for each message the comm CPU
// posts, standing in for the shared-memory address a real build would
// post (see package mailbox).
func (h *Host) nextPtr() uintptr {
	return uintptr(h.ptr.Add(1))
}

// kernSend replies to the kernel CPU. On real hardware the mailbox is one
// physical register pair shared by both directions, so posting a reply
// implicitly clears whatever the kernel CPU had posted inbound; our
// two-channel model (package mailbox) needs that made explicit, so every
// reply acknowledges the pending inbound message first.
func (h *Host) kernSend(ctx context.Context, msg kernmsg.Message) error {
	h.deps.Mailbox.Acknowledge()
	if err := h.deps.Mailbox.Send(ctx, h.nextPtr(), msg); err != nil {
		return sessionerr.Wrap(sessionerr.Cancellation, err)
	}
	return nil
}

func (h *Host) kernAcknowledge() {
	h.deps.Mailbox.Acknowledge()
}

// kernRecv blocks until the kernel CPU posts a message, validates its
// pointer, and invokes f — mirroring session.rs's kern_recv. It does NOT
// acknowledge; the caller must do so explicitly or reply via kernSend.
func (h *Host) kernRecv(ctx context.Context, f func(kernmsg.Message) error) error {
	ptr, msg, err := h.deps.Mailbox.ReceiveBlocking(ctx)
	if err != nil {
		return sessionerr.Wrap(sessionerr.Cancellation, err)
	}
	if !h.deps.CPU.Validate(ptr) {
		return sessionerr.New(sessionerr.Protocol, fmt.Sprintf("invalid kernel CPU pointer 0x%x", ptr))
	}
	return f(msg)
}

// KernLoad starts the kernel CPU and pushes a kernel image to it,
// transitioning the session to Loaded on success.
func (h *Host) KernLoad(ctx context.Context, sess *session.Session, image []byte) error {
	if sess.Running() {
		return sessionerr.New(sessionerr.Protocol, "attempted to load a new kernel while a kernel was running")
	}

	h.deps.CPU.Start()

	if err := h.kernSend(ctx, kernmsg.LoadRequest{Image: image}); err != nil {
		return err
	}
	return h.kernRecv(ctx, func(msg kernmsg.Message) error {
		reply, ok := msg.(kernmsg.LoadReply)
		if !ok {
			return sessionerr.New(sessionerr.Protocol, fmt.Sprintf("unexpected reply from kernel CPU: %#v", msg))
		}
		if reply.Err != "" {
			return sessionerr.New(sessionerr.Protocol, "cannot load kernel: "+reply.Err)
		}
		sess.KernelState = session.Loaded
		return nil
	})
}

// KernRun transitions Loaded -> Running and acknowledges the mailbox.
// The source marks this acknowledge as "make this a separate request" in
// a TODO; the observable contract is unchanged here (spec.md §9 open
// question).
func (h *Host) KernRun(sess *session.Session) error {
	if sess.KernelState != session.Loaded {
		return sessionerr.New(sessionerr.Protocol, "attempted to run a kernel while not in Loaded state")
	}
	sess.KernelState = session.Running
	h.kernAcknowledge()
	return nil
}

// HandleRequest interprets one decoded host request (spec.md §4.3),
// writing zero or more replies to rw and driving the mailbox as needed.
func (h *Host) HandleRequest(ctx context.Context, rw io.ReadWriter, sess *session.Session, req hostproto.Request) error {
	switch req.Tag {
	case hostproto.TagIdent:
		id := h.deps.Ident.Ident()
		return hostproto.ReplyIdent(id).WriteTo(rw)

	case hostproto.TagLog:
		return hostproto.ReplyLog(h.deps.Logger.Extract()).WriteTo(rw)

	case hostproto.TagLogClear:
		h.deps.Logger.Clear()
		return hostproto.ReplyLog("").WriteTo(rw)

	case hostproto.TagFlashRead:
		value := h.deps.Store.ReadToEnd(req.Key)
		return hostproto.ReplyFlashRead(value).WriteTo(rw)

	case hostproto.TagFlashWrite:
		if err := h.deps.Store.Write(req.Key, req.Value); err != nil {
			return hostproto.ReplyFlashError().WriteTo(rw)
		}
		return hostproto.ReplyFlashOk().WriteTo(rw)

	case hostproto.TagFlashRemove:
		h.deps.Store.Remove(req.Key)
		return hostproto.ReplyFlashOk().WriteTo(rw)

	case hostproto.TagFlashErase:
		h.deps.Store.Erase()
		return hostproto.ReplyFlashOk().WriteTo(rw)

	case hostproto.TagSwitchClock:
		if sess.Running() {
			return sessionerr.New(sessionerr.Protocol, "attempted to switch RTIO clock while a kernel was running")
		}
		if h.deps.Clock.Switch(req.Clk) {
			return hostproto.ReplyClockSwitchCompleted().WriteTo(rw)
		}
		return hostproto.ReplyClockSwitchFailed().WriteTo(rw)

	case hostproto.TagLoadKernel:
		if err := h.KernLoad(ctx, sess, req.Image); err != nil {
			h.kernAcknowledge()
			return hostproto.ReplyLoadFailed().WriteTo(rw)
		}
		return hostproto.ReplyLoadCompleted().WriteTo(rw)

	case hostproto.TagRunKernel:
		if err := h.KernRun(sess); err != nil {
			return hostproto.ReplyKernelStartupFailed().WriteTo(rw)
		}
		return nil

	case hostproto.TagRpcReply:
		if sess.KernelState != session.RpcWait {
			return sessionerr.New(sessionerr.Protocol, "unsolicited RPC reply")
		}
		return h.handleRpcReply(ctx, rw, sess, req.RpcTag)

	case hostproto.TagRpcException:
		if sess.KernelState != session.RpcWait {
			return sessionerr.New(sessionerr.Protocol, "unsolicited RPC reply")
		}
		return h.handleRpcException(ctx, sess, req.Exn)

	default:
		return sessionerr.New(sessionerr.Protocol, fmt.Sprintf("unexpected request %#v in state %s", req, sess.KernelState))
	}
}

// handleRpcReply implements spec.md §4.3.1.
func (h *Host) handleRpcReply(ctx context.Context, rw io.ReadWriter, sess *session.Session, tag string) error {
	slot, err := h.awaitRpcRecvRequest(ctx)
	if err != nil {
		return err
	}
	_ = slot

	next := func(size int) ([]byte, error) {
		buf := make([]byte, size)
		if err := h.kernSend(ctx, kernmsg.RpcRecvReply{Size: size}); err != nil {
			return nil, err
		}
		if _, err := h.awaitRpcRecvRequest(ctx); err != nil {
			return nil, err
		}
		return buf, nil
	}
	if _, err := rpcproto.RecvReturn(rw, tag, next); err != nil {
		return sessionerr.Wrap(sessionerr.Protocol, err)
	}
	if err := h.kernSend(ctx, kernmsg.RpcRecvReply{Size: 0}); err != nil {
		return err
	}

	sess.KernelState = session.Running
	return nil
}

func (h *Host) awaitRpcRecvRequest(ctx context.Context) (int, error) {
	var slot int
	err := h.kernRecv(ctx, func(msg kernmsg.Message) error {
		req, ok := msg.(kernmsg.RpcRecvRequest)
		if !ok {
			return sessionerr.New(sessionerr.Protocol, fmt.Sprintf("unexpected reply from kernel CPU: %#v", msg))
		}
		slot = req.Slot
		return nil
	})
	return slot, err
}

// handleRpcException implements spec.md §4.3.2.
func (h *Host) handleRpcException(ctx context.Context, sess *session.Session, exn kernmsg.Exception) error {
	if err := h.kernRecv(ctx, func(msg kernmsg.Message) error {
		if _, ok := msg.(kernmsg.RpcRecvRequest); !ok {
			return sessionerr.New(sessionerr.Protocol, fmt.Sprintf("unexpected reply from kernel CPU: %#v", msg))
		}
		return nil
	}); err != nil {
		return err
	}

	interned := kernmsg.Exception{
		Name:     sess.Interner.Intern(exn.Name),
		Message:  sess.Interner.Intern(exn.Message),
		Param:    exn.Param,
		File:     sess.Interner.Intern(exn.File),
		Line:     exn.Line,
		Column:   exn.Column,
		Function: sess.Interner.Intern(exn.Function),
	}
	if err := h.kernSend(ctx, kernmsg.RpcRecvReply{Err: &interned}); err != nil {
		return err
	}

	sess.KernelState = session.Running
	return nil
}
