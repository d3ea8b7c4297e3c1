// Package session implements the per-connection Session state of
// spec.md §3/§4.2: kernel phase, watchdog set, log buffer, and the
// exception-string interner, all tied to one Congress borrowed for the
// session's entire lifetime.
package session

import (
	"strings"

	logrus "github.com/sirupsen/logrus"

	"github.com/m-labs/artiq-coredevice-session/congress"
	"github.com/m-labs/artiq-coredevice-session/corelog"
	"github.com/m-labs/artiq-coredevice-session/kernelcpu"
	"github.com/m-labs/artiq-coredevice-session/watchdog"
)

// KernelState is the state-machine position of spec.md §3/§8 invariant 4:
// Absent -> Loaded -> Running -> RpcWait -> Running -> Absent.
type KernelState int

const (
	Absent KernelState = iota
	Loaded
	Running
	RpcWait
)

func (s KernelState) String() string {
	switch s {
	case Absent:
		return "Absent"
	case Loaded:
		return "Loaded"
	case Running:
		return "Running"
	case RpcWait:
		return "RpcWait"
	default:
		return "Unknown"
	}
}

// Session holds state for a single host connection or a single flash
// kernel run. It borrows exactly one Congress for its entire lifetime.
type Session struct {
	Congress *congress.Congress
	cpu      kernelcpu.CPU

	KernelState KernelState
	Watchdogs   *watchdog.Set
	Interner    *Interner

	logBuffer strings.Builder
}

func New(cong *congress.Congress, cpu kernelcpu.CPU, watchdogCapacity int) *Session {
	return &Session{
		Congress:    cong,
		cpu:         cpu,
		KernelState: Absent,
		Watchdogs:   watchdog.NewSet(watchdogCapacity),
		Interner:    NewInterner(),
	}
}

// Running reports whether the kernel CPU is executing code or suspended
// awaiting an RPC return — i.e. a kernel is loaded and in flight.
func (s *Session) Running() bool {
	return s.KernelState == Running || s.KernelState == RpcWait
}

// AppendLog appends text to the kernel log buffer and, whenever the buffer
// then ends in a newline, flushes all of it line by line to the system
// logger under the "kernel" target, matching spec.md §4.4's line-wise
// flush. A buffer ending in a partial line is held back whole, including
// any complete lines before it.
func (s *Session) AppendLog(text string) {
	s.logBuffer.WriteString(text)
	s.flushLogBuffer()
}

func (s *Session) flushLogBuffer() {
	buf := s.logBuffer.String()
	if buf == "" || !strings.HasSuffix(buf, "\n") {
		return
	}
	for _, line := range strings.Split(strings.TrimSuffix(buf, "\n"), "\n") {
		logrus.WithField("target", "kernel").Info(line)
	}
	s.logBuffer.Reset()
}

// Close stops the kernel CPU unconditionally, matching the Rust
// Session's Drop impl — every worker exit path (normal, error,
// cancellation) stops the kernel.
func (s *Session) Close() {
	s.cpu.Stop()
}

// Interner owns the NUL-terminated string copies handed back to the
// kernel CPU in exception records, so their storage survives until the
// kernel consumes the reply. A Go string is already immutable and
// garbage-collected, so pointer validity is not at stake the way it is in
// the original C/Rust implementation; this type is kept to preserve the
// documented invariant (spec.md §3, §9) that interned copies are owned by
// the session and deduplicated like the original BTreeSet<String>.
type Interner struct {
	seen map[string]string
}

func NewInterner() *Interner {
	return &Interner{seen: make(map[string]string)}
}

// Intern returns a NUL-terminated copy of s, owned by the session for as
// long as the session lives.
func (in *Interner) Intern(s string) string {
	key := s + "\x00"
	if existing, ok := in.seen[key]; ok {
		return existing
	}
	in.seen[key] = key
	return key
}
