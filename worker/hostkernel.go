// Package worker implements the Host-Kernel Worker and Flash Kernel
// Worker of spec.md §4.5/§4.6: the multiplexed loops that drive a host
// session or an autonomous flash kernel.
package worker

import (
	"context"
	"io"
	"time"

	"github.com/m-labs/artiq-coredevice-session/congress"
	"github.com/m-labs/artiq-coredevice-session/handler"
	"github.com/m-labs/artiq-coredevice-session/hostproto"
	"github.com/m-labs/artiq-coredevice-session/kernelcpu"
	"github.com/m-labs/artiq-coredevice-session/mailbox"
	"github.com/m-labs/artiq-coredevice-session/rpcqueue"
	"github.com/m-labs/artiq-coredevice-session/rtioclock"
	"github.com/m-labs/artiq-coredevice-session/session"
	"github.com/m-labs/artiq-coredevice-session/sessionerr"
)

// relinquishInterval is the cooperative yield point's wake cadence: short
// enough that watchdog expiry and RTIO clock checks run promptly, long
// enough not to spin the CPU. The loop sleeps the full interval between
// iterations; only cancellation wakes it earlier.
const relinquishInterval = 2 * time.Millisecond

type hostReq struct {
	req hostproto.Request
	err error
}

// HostKernelWorker runs the multiplexed loop for one active host
// connection (spec.md §4.5). It owns a fresh Session for the connection's
// lifetime and unconditionally stops the kernel CPU on every exit path
// (Session.Close, deferred).
func HostKernelWorker(
	ctx context.Context,
	stream io.ReadWriter,
	cong *congress.Congress,
	host *handler.Host,
	cpu kernelcpu.CPU,
	mb *mailbox.Mailbox,
	rq *rpcqueue.Queue,
	clock rtioclock.Clock,
	watchdogCapacity int,
) error {
	sess := session.New(cong, cpu, watchdogCapacity)
	defer sess.Close()

	reqCh := make(chan hostReq, 1)
	go func() {
		for {
			req, err := hostproto.ReadRequest(stream)
			select {
			case reqCh <- hostReq{req: req, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		for {
			blob, ok := rq.Dequeue()
			if !ok {
				break
			}
			if err := hostproto.ReplyRpcRequest(true).WriteTo(stream); err != nil {
				return sessionerr.Wrap(sessionerr.Transport, err)
			}
			if _, err := stream.Write(blob); err != nil {
				return sessionerr.Wrap(sessionerr.Transport, err)
			}
		}

		select {
		case hr := <-reqCh:
			if hr.err != nil {
				// EOF is a normal disconnect, not a failure; both are
				// wrapped as Transport and the supervisor distinguishes
				// them with errors.Is(err, io.EOF) when logging.
				return sessionerr.Wrap(sessionerr.Transport, hr.err)
			}
			if err := host.HandleRequest(ctx, stream, sess, hr.req); err != nil {
				return err
			}
		default:
		}

		if _, _, ok := mb.Receive(); ok {
			terminate, err := host.HandleKernelMessage(ctx, stream, sess)
			if err != nil {
				return err
			}
			if terminate {
				return nil
			}
		}

		if sess.KernelState == session.Running {
			if sess.Watchdogs.Expired() {
				_ = hostproto.ReplyWatchdogExpired().WriteTo(stream)
				return sessionerr.New(sessionerr.Deadline, "watchdog expired")
			}
			if !clock.Check() {
				_ = hostproto.ReplyClockFailure().WriteTo(stream)
				return sessionerr.New(sessionerr.Deadline, "RTIO clock failure")
			}
		}

		select {
		case <-ctx.Done():
			return sessionerr.Wrap(sessionerr.Cancellation, ctx.Err())
		case <-time.After(relinquishInterval):
		}
	}
}
