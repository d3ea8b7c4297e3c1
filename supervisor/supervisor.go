// Package supervisor implements spec.md §4.7: the accept loop that owns
// the single Congress, binds the host TCP listener, and respawns the one
// active worker task on connection and disconnection — running the idle
// kernel in the gaps. Shaped after the teacher repo's sol.Manager:
// StartSession/StopSession/RestartSession there become respawn here, and
// its health-check ticker becomes the idle-staleness notice below.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	logrus "github.com/sirupsen/logrus"

	"github.com/m-labs/artiq-coredevice-session/board"
	"github.com/m-labs/artiq-coredevice-session/config"
	"github.com/m-labs/artiq-coredevice-session/configstore"
	"github.com/m-labs/artiq-coredevice-session/congress"
	"github.com/m-labs/artiq-coredevice-session/corelog"
	"github.com/m-labs/artiq-coredevice-session/handler"
	"github.com/m-labs/artiq-coredevice-session/kernelcpu"
	"github.com/m-labs/artiq-coredevice-session/mailbox"
	"github.com/m-labs/artiq-coredevice-session/rpcqueue"
	"github.com/m-labs/artiq-coredevice-session/rtioclock"
	"github.com/m-labs/artiq-coredevice-session/sessionerr"
	"github.com/m-labs/artiq-coredevice-session/worker"
)

// magic is the 14-byte literal every connection must present before
// anything else, spec.md §6. A mismatch drops the connection silently —
// an explicit open question in spec.md §9 that we preserve as-is.
var magic = []byte("ARTIQ coredev\n")

// relinquishInterval is the cooperative yield cadence of the supervisor's
// own accept loop (the workers use their own, shorter, interval).
const relinquishInterval = 5 * time.Millisecond

type Deps struct {
	Congress *congress.Congress
	Store    *configstore.Store
	Logger   *corelog.Logger
	Clock    rtioclock.Clock
	Ident    board.Identer
	CPU      kernelcpu.CPU
	Mailbox  *mailbox.Mailbox
	RPCQueue *rpcqueue.Queue

	WatchdogCapacity int
}

type Supervisor struct {
	deps Deps
	host *handler.Host

	listener net.Listener
	wk       *workerHandle

	idleStaleSince  time.Time
	idleStaleLogged bool
}

func New(deps Deps) *Supervisor {
	return &Supervisor{
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
}

// workerHandle tracks exactly one running worker task, standing in for
// the original's ThreadHandle: cancel+join interrupts it, done reports
// whether it has terminated.
type workerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *workerHandle) terminated() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *workerHandle) interrupt() { h.cancel() }
func (h *workerHandle) join()      { <-h.done }

// respawn interrupts and joins whatever worker is currently running, then
// starts a fresh one running body. This guarantees at most one worker
// task exists, and a new host connection always displaces whatever idle
// kernel was running — spec.md §4.7.
func (s *Supervisor) respawn(body func(ctx context.Context) error, onDone func(error)) {
	if s.wk != nil && !s.wk.terminated() {
		logrus.Info("terminating running kernel")
		s.wk.interrupt()
		s.wk.join()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.wk = &workerHandle{cancel: cancel, done: done}

	go func() {
		defer close(done)
		err := body(ctx)
		onDone(err)
	}()
}

// idleBody runs the idle flash kernel in the gap between host sessions. If
// no idle_kernel is configured, it parks by blocking on ctx.Done() instead
// of returning immediately — matching session.rs's
// `while waiter.relinquish().is_ok() {}` and spec.md's "idle-less devices
// stay quiet until a host arrives" (spec.md §4.7, Testable Scenario S6).
// Returning NotFound here instead would make the accept loop observe the
// worker as terminated and respawn it every relinquishInterval, busy-looping
// instead of parking.
func (s *Supervisor) idleBody(ctx context.Context) error {
	err := worker.FlashKernelWorker(ctx, configstore.KeyIdleKernel,
		s.deps.Store, s.deps.Congress, s.host, s.deps.CPU, s.deps.Mailbox, s.deps.RPCQueue, s.deps.Clock, s.deps.WatchdogCapacity)
	if sessionerr.Is(err, sessionerr.NotFound) {
		logrus.Info("no idle kernel found, parking until a host connects")
		<-ctx.Done()
		return sessionerr.Wrap(sessionerr.Cancellation, ctx.Err())
	}
	return err
}

// Run executes the startup kernel, then the accept loop, forever.
func (s *Supervisor) Run(ctx context.Context, listenPort int) error {
	logrus.Info("running startup kernel")
	startupErr := worker.FlashKernelWorker(ctx, configstore.KeyStartupKernel,
		s.deps.Store, s.deps.Congress, s.host, s.deps.CPU, s.deps.Mailbox, s.deps.RPCQueue, s.deps.Clock, s.deps.WatchdogCapacity)
	logFlashResult("startup kernel", startupErr)

	s.deps.Logger.DisableTraceToUART()

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(listenPort)))
	if err != nil {
		return err
	}
	s.listener = ln
	logrus.Infof("accepting network sessions on port %d", listenPort)

	connCh := make(chan net.Conn)
	go s.acceptLoop(ctx, connCh)

	for {
		select {
		case <-ctx.Done():
			s.listener.Close()
			if s.wk != nil {
				s.wk.interrupt()
				s.wk.join()
			}
			return ctx.Err()
		case conn := <-connCh:
			if !checkMagic(conn) {
				conn.Close()
				continue
			}
			traceID := uuid.NewString()
			logrus.WithField("session", traceID).Infof("new connection from %s", conn.RemoteAddr())
			s.respawn(func(ctx context.Context) error {
				defer conn.Close()
				return worker.HostKernelWorker(ctx, conn, s.deps.Congress, s.host, s.deps.CPU,
					s.deps.Mailbox, s.deps.RPCQueue, s.deps.Clock, s.deps.WatchdogCapacity)
			}, func(err error) { logHostSessionResult(traceID, err) })
			s.idleStaleSince = time.Time{}
			s.idleStaleLogged = false
		default:
		}

		if s.wk == nil || s.wk.terminated() {
			logrus.Info("no connection, starting idle kernel")
			if s.idleStaleSince.IsZero() {
				s.idleStaleSince = time.Now()
			}
			s.respawn(s.idleBody, func(err error) { logIdleResult(err) })
		}

		if !s.idleStaleSince.IsZero() && !s.idleStaleLogged && time.Since(s.idleStaleSince) > config.IdleStaleAfter {
			logrus.Infof("no host connection for over %s; idle kernel still standing by", config.IdleStaleAfter)
			s.idleStaleLogged = true
		}

		select {
		case <-ctx.Done():
		case <-time.After(relinquishInterval):
		}
	}
}

func (s *Supervisor) acceptLoop(ctx context.Context, out chan<- net.Conn) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			logrus.Warnf("accept error: %v", err)
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(true)
		}
		select {
		case out <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func checkMagic(conn net.Conn) bool {
	buf := make([]byte, len(magic))
	if _, err := readFull(conn, buf); err != nil {
		return false
	}
	return bytes.Equal(buf, magic)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func logFlashResult(label string, err error) {
	switch {
	case err == nil:
		logrus.Infof("%s finished", label)
	case sessionerr.Is(err, sessionerr.NotFound):
		logrus.Infof("no %s found", label)
	default:
		logrus.Errorf("%s aborted: %v", label, err)
	}
}

func logIdleResult(err error) {
	switch {
	case err == nil:
		logrus.Info("idle kernel finished, standing by")
	case sessionerr.Is(err, sessionerr.Cancellation):
		logrus.Info("idle kernel interrupted")
	default:
		logrus.Errorf("idle kernel aborted: %v", err)
	}
}

func logHostSessionResult(traceID string, err error) {
	log := logrus.WithField("session", traceID)
	switch {
	case err == nil:
		log.Info("connection closed")
	case errors.Is(err, io.EOF):
		log.Info("connection closed")
	default:
		log.Errorf("session aborted: %v", err)
	}
}
