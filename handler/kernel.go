package handler

import (
	"context"
	"fmt"
	"io"

	logrus "github.com/sirupsen/logrus"

	"github.com/m-labs/artiq-coredevice-session/hostproto"
	"github.com/m-labs/artiq-coredevice-session/kernmsg"
	"github.com/m-labs/artiq-coredevice-session/rpcproto"
	"github.com/m-labs/artiq-coredevice-session/session"
	"github.com/m-labs/artiq-coredevice-session/sessionerr"
)

// HandleKernelMessage interprets one pending kernel-CPU message
// (spec.md §4.4). hostW is nil when running an autonomous flash kernel
// with no host attached. It returns terminate=true when the kernel
// message signals the worker should exit (RunFinished/RunException).
//
// Gating: LoadReply is expected only in Loaded; RpcRecvRequest only in
// RpcWait. Receiving either while standing by in that state is not an
// error — it is left on the mailbox for the synchronous caller that is
// actually waiting for it (kern_load, or the RpcReply/RpcException
// handler) to consume. Every other message is valid only in Running.
func (h *Host) HandleKernelMessage(ctx context.Context, hostW io.Writer, sess *session.Session) (terminate bool, err error) {
	ptr, msg, ok := h.deps.Mailbox.Receive()
	if !ok {
		return false, nil
	}
	if !h.deps.CPU.Validate(ptr) {
		return false, sessionerr.New(sessionerr.Protocol, fmt.Sprintf("invalid kernel CPU pointer 0x%x", ptr))
	}

	switch msg.(type) {
	case kernmsg.LoadReply:
		if sess.KernelState == session.Loaded {
			return false, nil // standing by
		}
		return false, sessionerr.New(sessionerr.Protocol, fmt.Sprintf("unexpected request %#v from kernel CPU in %s state", msg, sess.KernelState))
	case kernmsg.RpcRecvRequest:
		if sess.KernelState == session.RpcWait {
			return false, nil // standing by
		}
	}
	if sess.KernelState != session.Running {
		return false, sessionerr.New(sessionerr.Protocol, fmt.Sprintf("unexpected request %#v from kernel CPU in %s state", msg, sess.KernelState))
	}

	switch m := msg.(type) {
	case kernmsg.Log:
		sess.AppendLog(m.Text)
		h.kernAcknowledge()
		return false, nil

	case kernmsg.LogSlice:
		sess.AppendLog(m.Text)
		h.kernAcknowledge()
		return false, nil

	case kernmsg.NowInitRequest:
		return false, h.kernSend(ctx, kernmsg.NowInitReply{Now: sess.Congress.Now()})

	case kernmsg.NowSave:
		sess.Congress.SetNow(m.Now)
		h.kernAcknowledge()
		return false, nil

	case kernmsg.WatchdogSetRequest:
		id, werr := sess.Watchdogs.SetMs(m.Ms)
		if werr != nil {
			return false, sessionerr.Wrap(sessionerr.Resource, werr)
		}
		return false, h.kernSend(ctx, kernmsg.WatchdogSetReply{ID: id})

	case kernmsg.WatchdogClear:
		sess.Watchdogs.Clear(m.ID)
		h.kernAcknowledge()
		return false, nil

	case kernmsg.RpcSend:
		if hostW == nil {
			return false, sessionerr.New(sessionerr.Protocol, "unexpected RPC in flash kernel")
		}
		if werr := hostproto.ReplyRpcRequest(m.Async).WriteTo(hostW); werr != nil {
			return false, werr
		}
		if werr := rpcproto.SendArgs(hostW, m.Service, m.Tag, m.Data); werr != nil {
			return false, werr
		}
		if !m.Async {
			sess.KernelState = session.RpcWait
		}
		h.kernAcknowledge()
		return false, nil

	case kernmsg.CacheGetRequest:
		value := sess.Congress.Cache.Get(m.Key)
		return false, h.kernSend(ctx, kernmsg.CacheGetReply{Value: value})

	case kernmsg.CachePutRequest:
		succeeded := sess.Congress.Cache.Put(m.Key, m.Value)
		return false, h.kernSend(ctx, kernmsg.CachePutReply{Succeeded: succeeded})

	case kernmsg.RunFinished:
		h.deps.CPU.Stop()
		h.kernAcknowledge()
		sess.KernelState = session.Absent
		sess.Congress.Cache.Unborrow()
		if hostW == nil {
			return true, nil
		}
		return false, hostproto.ReplyKernelFinished().WriteTo(hostW)

	case kernmsg.RunException:
		h.deps.CPU.Stop()
		h.kernAcknowledge()
		sess.KernelState = session.Absent
		sess.Congress.Cache.Unborrow()
		if hostW == nil {
			logrus.Errorf("exception in flash kernel: %s: %s at %s:%d:%d in %s",
				m.Exception.Name, m.Exception.Message, m.Exception.File, m.Exception.Line, m.Exception.Column, m.Exception.Function)
			return true, nil
		}
		return false, hostproto.ReplyKernelException(m.Exception, m.Backtrace).WriteTo(hostW)

	default:
		return false, sessionerr.New(sessionerr.Protocol, fmt.Sprintf("unexpected request %#v from kernel CPU", msg))
	}
}
