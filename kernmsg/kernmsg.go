// Package kernmsg defines the kernel-CPU message envelope kinds named by
// spec.md §4.4 and §6. Bit-exact wire framing of these messages is out of
// scope (spec.md §1); only the kinds and their fields, which the state
// machine inspects, are modeled here.
package kernmsg

// Exception mirrors the four-string exception record of spec.md §3.
// Name/Message/File/Function are interned by the session (package
// session) before being handed back to the kernel CPU in a reply.
type Exception struct {
	Name     string
	Message  string
	Param    [3]int64
	File     string
	Line     int32
	Column   int32
	Function string
}

// LoadRequest carries a kernel image to the kernel CPU.
type LoadRequest struct{ Image []byte }

// LoadReply reports whether the load succeeded.
type LoadReply struct{ Err string } // "" on success

// Log carries pre-formatted kernel log text.
type Log struct{ Text string }

// LogSlice carries a literal string appended to the log buffer.
type LogSlice struct{ Text string }

type NowInitRequest struct{}

type NowInitReply struct{ Now uint64 }

type NowSave struct{ Now uint64 }

type WatchdogSetRequest struct{ Ms uint64 }

type WatchdogSetReply struct{ ID int }

type WatchdogClear struct{ ID int }

// RpcSend is a kernel-initiated RPC call. Async calls do not suspend the
// kernel for a reply; synchronous ones do (kernel_state -> RpcWait).
type RpcSend struct {
	Async   bool
	Service uint32
	Tag     string
	Data    []byte
}

// RpcRecvRequest is how the kernel CPU asks the comm CPU for (more)
// buffer space to receive an RPC return value into, slot-at-a-time.
type RpcRecvRequest struct{ Slot int }

// RpcRecvReply answers an RpcRecvRequest: either Size bytes were prepared
// (kernel should expect another RpcRecvRequest unless Size==0, which ends
// the exchange), or Err carries an exception to raise in the kernel.
type RpcRecvReply struct {
	Size int
	Err  *Exception
}

type CacheGetRequest struct{ Key string }

// CacheGetReply carries a view into Congress's cache, valid until
// Unborrow (package cache).
type CacheGetReply struct{ Value []int32 }

type CachePutRequest struct {
	Key   string
	Value []int32
}

type CachePutReply struct{ Succeeded bool }

type RunFinished struct{}

type RunException struct {
	Exception Exception
	Backtrace []uint32
}
