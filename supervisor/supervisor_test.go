package supervisor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/m-labs/artiq-coredevice-session/board"
	"github.com/m-labs/artiq-coredevice-session/configstore"
	"github.com/m-labs/artiq-coredevice-session/congress"
	"github.com/m-labs/artiq-coredevice-session/corelog"
	"github.com/m-labs/artiq-coredevice-session/handler"
	"github.com/m-labs/artiq-coredevice-session/kernelcpu"
	"github.com/m-labs/artiq-coredevice-session/mailbox"
	"github.com/m-labs/artiq-coredevice-session/rpcqueue"
	"github.com/m-labs/artiq-coredevice-session/rtioclock"
)

func TestCheckMagicAcceptsExactLiteral(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte("ARTIQ coredev\n"))
	}()

	require.True(t, checkMagic(server))
}

func TestCheckMagicRejectsMismatch(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte("not the right magic"))
		client.Close()
	}()

	require.False(t, checkMagic(server))
}

func TestCheckMagicRejectsShortRead(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte("ARTIQ"))
		client.Close()
	}()

	require.False(t, checkMagic(server))
}

// TestRespawnInterruptsPriorWorker exercises the at-most-one-worker
// invariant of spec.md §4.7: starting a new worker while one is running
// interrupts and joins it first.
func TestRespawnInterruptsPriorWorker(t *testing.T) {
	s := &Supervisor{}

	firstCancelled := make(chan struct{})
	s.respawn(func(ctx context.Context) error {
		<-ctx.Done()
		close(firstCancelled)
		return ctx.Err()
	}, func(error) {})

	secondStarted := make(chan struct{})
	s.respawn(func(ctx context.Context) error {
		close(secondStarted)
		<-ctx.Done()
		return ctx.Err()
	}, func(error) {})

	select {
	case <-firstCancelled:
	case <-time.After(time.Second):
		t.Fatal("respawn did not interrupt the prior worker")
	}
	select {
	case <-secondStarted:
	case <-time.After(time.Second):
		t.Fatal("respawn did not start the replacement worker")
	}

	require.False(t, s.wk.terminated())
	s.wk.interrupt()
	s.wk.join()
	require.True(t, s.wk.terminated())
}

// TestIdleBodyParksWithoutIdleKernel exercises scenario S6 (spec.md §4.7,
// §233): with no idle_kernel key configured, the idle worker must park by
// blocking rather than returning NotFound, so the accept loop never
// observes it as terminated and never respawns it. Before the fix this
// busy-looped, respawning every relinquishInterval.
func TestIdleBodyParksWithoutIdleKernel(t *testing.T) {
	deps := Deps{
		Congress: congress.New(),
		Store:    configstore.New(t.TempDir()),
		Logger:   corelog.New(100),
		Clock:    rtioclock.Always(),
		Ident:    board.NewStatic("test"),
		CPU:      kernelcpu.NullCPU{},
		Mailbox:  mailbox.New(),
		RPCQueue: rpcqueue.New(8),

		WatchdogCapacity: 4,
	}
	s := &Supervisor{
		deps: deps,
		host: handler.NewHost(handler.Deps{
			Store:   deps.Store,
			Logger:  deps.Logger,
			Clock:   deps.Clock,
			Ident:   deps.Ident,
			CPU:     deps.CPU,
			Mailbox: deps.Mailbox,
		}),
	}

	s.respawn(s.idleBody, func(error) {})
	handle := s.wk

	for i := 0; i < 10; i++ {
		time.Sleep(relinquishInterval)
		require.False(t, handle.terminated(), "idle worker must stay parked, not busy-respawn")
		require.Same(t, handle, s.wk, "idle worker must not be replaced while parked")
	}

	handle.interrupt()
	handle.join()
	require.True(t, handle.terminated(), "parked idle worker must still be interruptible")
}
