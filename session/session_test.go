package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/m-labs/artiq-coredevice-session/congress"
)

type fakeCPU struct {
	started, stopped int
}

func (f *fakeCPU) Start()                    { f.started++ }
func (f *fakeCPU) Stop()                     { f.stopped++ }
func (f *fakeCPU) Validate(ptr uintptr) bool { return ptr != 0 }

func TestCloseAlwaysStopsKernelCPU(t *testing.T) {
	cpu := &fakeCPU{}
	sess := New(congress.New(), cpu, 4)

	sess.Close()
	require.Equal(t, 1, cpu.stopped)
}

func TestRunningReflectsKernelState(t *testing.T) {
	sess := New(congress.New(), &fakeCPU{}, 4)
	require.False(t, sess.Running())

	sess.KernelState = Loaded
	require.False(t, sess.Running())

	sess.KernelState = Running
	require.True(t, sess.Running())

	sess.KernelState = RpcWait
	require.True(t, sess.Running())
}

func TestInternerDeduplicatesStrings(t *testing.T) {
	in := NewInterner()

	a := in.Intern("RTIOUnderflow")
	b := in.Intern("RTIOUnderflow")
	require.Equal(t, a, b)
	require.Equal(t, "RTIOUnderflow\x00", a)

	c := in.Intern("RTIOOverflow")
	require.NotEqual(t, a, c)
}

func TestKernelStateString(t *testing.T) {
	require.Equal(t, "Absent", Absent.String())
	require.Equal(t, "Loaded", Loaded.String())
	require.Equal(t, "Running", Running.String())
	require.Equal(t, "RpcWait", RpcWait.String())
}
