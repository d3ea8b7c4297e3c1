// Package kernelcpu declares the external collaborator interface for the
// kernel-CPU lifecycle primitives named out of scope by spec.md §1: the
// loader/lifecycle operations start, stop, and validate. The real
// implementation lives in firmware this module does not build; this
// package exists only so the session state machine can depend on an
// interface rather than a concrete board driver.
package kernelcpu

// CPU is the kernel CPU's lifecycle surface as seen from the
// communication CPU.
type CPU interface {
	// Start begins loading a kernel image onto the kernel CPU.
	Start()
	// Stop halts whatever the kernel CPU is running. It is always safe to
	// call, including when nothing is running; Session.Close calls it
	// unconditionally.
	Stop()
	// Validate reports whether ptr is a pointer the kernel CPU could have
	// legitimately posted into the mailbox slot. Any invalid pointer is a
	// fatal protocol error (spec.md §3).
	Validate(ptr uintptr) bool
}

// NullCPU is the composition-root default: a board with no real kernel
// core wired in has nothing to start or stop, and Validate rejects only a
// zero pointer. It exists so
// main can bring up the rest of the session controller without a
// firmware binding; a real board replaces it with a driver that talks
// to the actual kernel core.
type NullCPU struct{}

func (NullCPU) Start()                    {}
func (NullCPU) Stop()                     {}
func (NullCPU) Validate(ptr uintptr) bool { return ptr != 0 }
