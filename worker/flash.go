package worker

import (
	"context"
	"time"

	"github.com/m-labs/artiq-coredevice-session/configstore"
	"github.com/m-labs/artiq-coredevice-session/congress"
	"github.com/m-labs/artiq-coredevice-session/handler"
	"github.com/m-labs/artiq-coredevice-session/kernelcpu"
	"github.com/m-labs/artiq-coredevice-session/mailbox"
	"github.com/m-labs/artiq-coredevice-session/rpcqueue"
	"github.com/m-labs/artiq-coredevice-session/rtioclock"
	"github.com/m-labs/artiq-coredevice-session/session"
	"github.com/m-labs/artiq-coredevice-session/sessionerr"
)

// FlashKernelWorker runs an autonomous kernel with no host attached
// (spec.md §4.6): the startup kernel at boot, or the idle kernel between
// host sessions. configKey names the blob to load from the config store;
// a missing key is reported as NotFound, not an error.
func FlashKernelWorker(
	ctx context.Context,
	configKey string,
	store *configstore.Store,
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

	kernel := store.ReadToEnd(configKey)
	if len(kernel) == 0 {
		return sessionerr.New(sessionerr.NotFound, "kernel not found: "+configKey)
	}

	if err := host.KernLoad(ctx, sess, kernel); err != nil {
		return err
	}
	if err := host.KernRun(sess); err != nil {
		return err
	}

	for {
		if !rq.Empty() {
			return sessionerr.New(sessionerr.Protocol, "unexpected background RPC in flash kernel")
		}

		if _, _, ok := mb.Receive(); ok {
			terminate, err := host.HandleKernelMessage(ctx, nil, sess)
			if err != nil {
				return err
			}
			if terminate {
				return nil
			}
		}

		if sess.Watchdogs.Expired() {
			return sessionerr.New(sessionerr.Deadline, "watchdog expired")
		}
		if !clock.Check() {
			return sessionerr.New(sessionerr.Deadline, "RTIO clock failure")
		}

		select {
		case <-ctx.Done():
			return sessionerr.Wrap(sessionerr.Cancellation, ctx.Err())
		case <-time.After(relinquishInterval):
		}
	}
}
