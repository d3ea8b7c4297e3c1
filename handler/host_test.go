package handler

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/m-labs/artiq-coredevice-session/board"
	"github.com/m-labs/artiq-coredevice-session/configstore"
	"github.com/m-labs/artiq-coredevice-session/corelog"
	"github.com/m-labs/artiq-coredevice-session/hostproto"
	"github.com/m-labs/artiq-coredevice-session/kernmsg"
	"github.com/m-labs/artiq-coredevice-session/mailbox"
	"github.com/m-labs/artiq-coredevice-session/rtioclock"
	"github.com/m-labs/artiq-coredevice-session/session"
	"github.com/m-labs/artiq-coredevice-session/sessionerr"
)

type fakeCPU struct{ validates bool }

func (f *fakeCPU) Start()                    {}
func (f *fakeCPU) Stop()                     {}
func (f *fakeCPU) Validate(ptr uintptr) bool { return ptr != 0 }

func newTestHost(t *testing.T) (*Host, *mailbox.Mailbox) {
	t.Helper()
	mb := mailbox.New()
	h := NewHost(Deps{
		Store:   configstore.New(t.TempDir()),
		Logger:  corelog.New(100),
		Clock:   rtioclock.Always(),
		Ident:   board.NewStatic("coredev-test"),
		CPU:     &fakeCPU{},
		Mailbox: mb,
	})
	return h, mb
}

// kernelAnswer runs f against the kernel side of mb once: it waits for a
// posted message, and lets f decide how to answer it (reply via
// KernelSend, or just acknowledge via KernelAcknowledge).
func kernelAnswer(t *testing.T, mb *mailbox.Mailbox, f func(ptr uintptr, msg mailbox.Message)) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ptr, msg, err := mb.KernelReceive(ctx)
	require.NoError(t, err)
	f(ptr, msg)
}

func TestKernLoadSucceeds(t *testing.T) {
	h, mb := newTestHost(t)
	sess := session.New(nil, &fakeCPU{}, 4)

	done := make(chan struct{})
	go func() {
		defer close(done)
		kernelAnswer(t, mb, func(ptr uintptr, msg mailbox.Message) {
			_, ok := msg.(kernmsg.LoadRequest)
			require.True(t, ok)
			require.NoError(t, mb.KernelSend(context.Background(), ptr, kernmsg.LoadReply{}))
		})
	}()

	err := h.KernLoad(context.Background(), sess, []byte("image"))
	require.NoError(t, err)
	require.Equal(t, session.Loaded, sess.KernelState)
	// KernLoad leaves LoadReply posted for KernRun to acknowledge; release
	// it here so the kernel side's KernelSend returns.
	mb.Acknowledge()
	<-done
}

func TestKernLoadFailsOnLoadError(t *testing.T) {
	h, mb := newTestHost(t)
	sess := session.New(nil, &fakeCPU{}, 4)

	done := make(chan struct{})
	go func() {
		defer close(done)
		kernelAnswer(t, mb, func(ptr uintptr, msg mailbox.Message) {
			require.NoError(t, mb.KernelSend(context.Background(), ptr, kernmsg.LoadReply{Err: "bad elf"}))
		})
	}()

	err := h.KernLoad(context.Background(), sess, []byte("image"))
	require.Error(t, err)
	require.True(t, sessionerr.Is(err, sessionerr.Protocol))
	require.Equal(t, session.Absent, sess.KernelState)
	// The failed LoadReply stays posted until HandleRequest's LoadFailed
	// path acknowledges it; release it here so KernelSend returns.
	mb.Acknowledge()
	<-done
}

func TestKernLoadRejectedWhileRunning(t *testing.T) {
	h, _ := newTestHost(t)
	sess := session.New(nil, &fakeCPU{}, 4)
	sess.KernelState = session.Running

	err := h.KernLoad(context.Background(), sess, []byte("image"))
	require.True(t, sessionerr.Is(err, sessionerr.Protocol))
}

func TestKernRunRequiresLoaded(t *testing.T) {
	h, _ := newTestHost(t)
	sess := session.New(nil, &fakeCPU{}, 4)

	err := h.KernRun(sess)
	require.True(t, sessionerr.Is(err, sessionerr.Protocol))

	sess.KernelState = session.Loaded
	require.NoError(t, h.KernRun(sess))
	require.Equal(t, session.Running, sess.KernelState)
}

func TestHandleRequestIdent(t *testing.T) {
	h, _ := newTestHost(t)
	sess := session.New(nil, &fakeCPU{}, 4)

	var buf bytes.Buffer
	err := h.HandleRequest(context.Background(), &buf, sess, hostproto.Request{Tag: hostproto.TagIdent})
	require.NoError(t, err)
	require.Equal(t, byte(hostproto.TagReplyIdent), buf.Bytes()[0])
}

func TestHandleRequestFlashWriteReadRoundTrip(t *testing.T) {
	h, _ := newTestHost(t)
	sess := session.New(nil, &fakeCPU{}, 4)

	var buf bytes.Buffer
	err := h.HandleRequest(context.Background(), &buf, sess, hostproto.Request{
		Tag:   hostproto.TagFlashWrite,
		Key:   "foo",
		Value: []byte("bar"),
	})
	require.NoError(t, err)
	require.Equal(t, byte(hostproto.TagReplyFlashOk), buf.Bytes()[0])

	buf.Reset()
	err = h.HandleRequest(context.Background(), &buf, sess, hostproto.Request{Tag: hostproto.TagFlashRead, Key: "foo"})
	require.NoError(t, err)
	require.Equal(t, byte(hostproto.TagReplyFlashRead), buf.Bytes()[0])
}

func TestHandleRequestSwitchClockRejectedWhileRunning(t *testing.T) {
	h, _ := newTestHost(t)
	sess := session.New(nil, &fakeCPU{}, 4)
	sess.KernelState = session.Running

	err := h.HandleRequest(context.Background(), &bytes.Buffer{}, sess, hostproto.Request{Tag: hostproto.TagSwitchClock, Clk: 1})
	require.True(t, sessionerr.Is(err, sessionerr.Protocol))
}

func TestHandleRequestLoadKernelCatchesFailureIntoReply(t *testing.T) {
	h, mb := newTestHost(t)
	sess := session.New(nil, &fakeCPU{}, 4)

	done := make(chan struct{})
	go func() {
		defer close(done)
		kernelAnswer(t, mb, func(ptr uintptr, msg mailbox.Message) {
			require.NoError(t, mb.KernelSend(context.Background(), ptr, kernmsg.LoadReply{Err: "nope"}))
		})
	}()

	var buf bytes.Buffer
	err := h.HandleRequest(context.Background(), &buf, sess, hostproto.Request{Tag: hostproto.TagLoadKernel, Image: []byte("x")})
	// LoadKernel failure is caught into a reply, not propagated.
	require.NoError(t, err)
	require.Equal(t, byte(hostproto.TagReplyLoadFailed), buf.Bytes()[0])
	<-done
}
