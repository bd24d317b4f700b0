package engine

import (
	"sync"
	"sync/atomic"

	"github.com/behrlich/mfcache/mapping"
)

// State is the explicit state-machine value standing in for the
// source's chain of nested callbacks (spec §9, "callback chains →
// explicit request state machine").
type State int32

const (
	StateEntered State = iota
	StateMappingWait
	StateSubmittedCache
	StateSubmittedCore
	StateCompletedOK
	StateCompletedErr
	StateBackfilled
)

// Request (R) is one in-flight read. It is ephemeral: created by
// ReadEngine.Serve, destroyed once its reference count reaches zero.
type Request struct {
	Dir  Direction
	Addr uint64
	Len  int
	Buf  []byte // caller-owned destination buffer for a read

	dataAdmitAllowed bool
	loadAdmitAllowed bool

	hit      bool
	dirtyAny bool
	rePart   bool

	lineAddrs []uint64
	lines     []*mapping.Line
	lockType  mapping.LockType

	remaining atomic.Int32
	refCount  atomic.Int32

	errMu    sync.Mutex
	firstErr error

	promoBuf []byte

	state atomic.Int32

	onDone func(error)

	completedOnce sync.Once
}

// Direction mirrors device.Direction without importing the device
// package, keeping engine's public surface independent of how a given
// cache/core volume is reached.
type Direction = uint32

const (
	DirRead  Direction = 0
	DirWrite Direction = 1
)

func newRequest(dir Direction, addr uint64, buf []byte, onDone func(error)) *Request {
	r := &Request{Dir: dir, Addr: addr, Buf: buf, Len: len(buf), onDone: onDone}
	r.refCount.Store(1)
	r.state.Store(int32(StateEntered))
	return r
}

// NewWriteRequest constructs a write request for a WritePolicy's Write
// method. Exported for Cache.Write, which sits outside the read path
// ReadEngine.Serve otherwise owns.
func NewWriteRequest(addr uint64, buf []byte, onDone func(error)) *Request {
	return newRequest(DirWrite, addr, buf, onDone)
}

func (r *Request) setState(s State) { r.state.Store(int32(s)) }
func (r *Request) getState() State  { return State(r.state.Load()) }

// addErr OR-accumulates an error into R per spec §7 propagation
// policy: the first non-nil error wins for reporting, inspected only
// by the last completer.
func (r *Request) addErr(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.firstErr == nil {
		r.firstErr = err
	}
	r.errMu.Unlock()
}

func (r *Request) err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.firstErr
}

// hold/release implement R's reference count (spec §3: "reference
// count governing lifetime"). The last release runs no code itself —
// callers decide what "last" means at their call site — but release
// reports whether this was the final reference so callers can guard
// one-time cleanup.
func (r *Request) hold() { r.refCount.Add(1) }

func (r *Request) release() (wasLast bool) {
	return r.refCount.Add(-1) == 0
}

// complete fires the caller's completion callback exactly once (spec
// §3 invariant: "only one terminal transition occurs").
func (r *Request) complete(err error) {
	r.completedOnce.Do(func() {
		if err != nil {
			r.setState(StateCompletedErr)
		} else {
			r.setState(StateCompletedOK)
		}
		if r.onDone != nil {
			r.onDone(err)
		}
	})
}
