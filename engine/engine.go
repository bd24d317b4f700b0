// Package engine implements the multi-factor read path shared by the
// MFWA, MFWB and MFWT cache modes (spec §4.3): per-request admission
// capture, cache-line mapping, routing between cache and core, and
// the promote/backfill/pass-through completion paths.
//
// Grounded on engine_mfwa.c's callback-chain read path, re-expressed
// as an explicit request state machine (spec §9), and on go-ublk's
// internal/queue.Runner idiom of one atomic counter gating a single
// terminal completion per in-flight unit of work.
package engine

import (
	"errors"
	"sync/atomic"

	"github.com/behrlich/mfcache/admission"
	"github.com/behrlich/mfcache/device"
	"github.com/behrlich/mfcache/internal/logging"
	"github.com/behrlich/mfcache/internal/metrics"
	"github.com/behrlich/mfcache/mapping"
)

// LineSize is the cache's line granularity in bytes. A request spans
// ceil((addr%LineSize+len)/LineSize) lines.
const LineSize = 4096

// Variant names which base write policy a read engine is paired with.
// The read path is identical across all three (spec §4.3 preamble);
// Variant exists purely for stats labeling.
type Variant int

const (
	MFWA Variant = iota
	MFWB
	MFWT
)

func (v Variant) String() string {
	switch v {
	case MFWA:
		return "mfwa"
	case MFWB:
		return "mfwb"
	case MFWT:
		return "mfwt"
	default:
		return "unknown"
	}
}

var (
	// ErrNoMem is the synthesised allocation failure of spec §4.3.5 /
	// §4.3.6 ("Allocation failure of promotion buffer").
	ErrNoMem = errors.New("engine: promotion buffer allocation failed")
	// ErrMapping reports a mapping-layer failure (spec §7, "Mapping
	// error").
	ErrMapping = errors.New("engine: mapping error")
	// ErrLock reports a lock-acquisition failure surfaced to the
	// caller without retry (spec §7, "Lock error").
	ErrLock = errors.New("engine: lock error")
)

// ReadEngine wires the mapping table, the cache and core submission
// queues, the admission state and a pass-through fallback into the
// read path described by spec §4.3.
type ReadEngine struct {
	variant Variant

	mapping     *mapping.Table
	admission   *admission.State
	cacheQueue  *device.Queue
	coreQueue   *device.Queue
	passThrough *PassThrough
	metrics     *metrics.Metrics
	logger      *logging.Logger

	bypassed atomic.Bool
}

// NewReadEngine constructs a read engine for the given variant.
func NewReadEngine(variant Variant, mapTable *mapping.Table, adm *admission.State, cacheQueue, coreQueue *device.Queue, m *metrics.Metrics, logger *logging.Logger) *ReadEngine {
	if logger == nil {
		logger = logging.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &ReadEngine{
		variant:     variant,
		mapping:     mapTable,
		admission:   adm,
		cacheQueue:  cacheQueue,
		coreQueue:   coreQueue,
		passThrough: NewPassThrough(coreQueue),
		metrics:     m,
		logger:      logger,
	}
}

// SetBypassed sets or clears the "pending read-misses blocked" signal
// (spec §4.3.1 step 1, and §7 "Transient bypass"). The cache layer
// that would normally own this flag has no analogue here, so the
// engine exposes it directly to whatever component (tests, the
// monitor, a saturation detector) needs to raise it.
func (e *ReadEngine) SetBypassed(v bool) { e.bypassed.Store(v) }

// maxLockRetries bounds how many times acquireAndRoute will resume and
// retry a request stuck behind contended lines before giving up with a
// hard Lock error. Guards against a request starving forever behind an
// adversarial pattern of other requests repeatedly re-taking the same
// line (spec §4.3.1 step 5's "Lock error (negative return) → complete
// with error, no retry" path, distinct from the retryable WouldBlock
// path of step 3).
const maxLockRetries = 64

// Serve is the entry point for one read request (spec §4.3.1).
func (e *ReadEngine) Serve(addr uint64, buf []byte, onDone func(error)) {
	r := newRequest(DirRead, addr, buf, onDone)

	if e.bypassed.Load() {
		e.metrics.PassThroughs.Add(1)
		e.passThrough.Read(r)
		return
	}

	r.dataAdmitAllowed = e.admission.QueryDataAdmit()
	r.loadAdmitAllowed = e.admission.SampleLoadAdmitAllowed()

	r.lineAddrs = lineAddrs(addr, len(buf))
	r.hit = e.lookupHit(r.lineAddrs)
	r.lockType = requiredLockType(r.hit, r.loadAdmitAllowed, r.dataAdmitAllowed)

	r.setState(StateMappingWait)

	e.acquireAndRoute(r, 0)
}

// acquireAndRoute attempts to acquire every line lock R's routing
// decision requires, in address order, and on success hands the
// request to do(R). Spec §4.3.1 distinguishes two outcomes when a
// line can't be locked immediately: a contended line suspends R and
// resumes it once the line frees up (step 3), while a request that
// has exhausted maxLockRetries surfaces a hard Lock error with no
// further retry (step 5) — collapsing both into one failure would
// lose that distinction.
//
// On contention, any lines already acquired this attempt are released
// before suspending, and a goroutine waits on the contended line's
// resume channel (mapping.Line.WaitUnlocked, spec §4.6: "WouldBlock
// queues a resume... delivered via a channel rather than a C callback
// pointer") before re-entering acquireAndRoute from scratch.
func (e *ReadEngine) acquireAndRoute(r *Request, attempt int) {
	if r.lockType == mapping.LockNone {
		e.do(r)
		return
	}

	lines := make([]*mapping.Line, 0, len(r.lineAddrs))
	for _, a := range r.lineAddrs {
		line, hit, res := e.mapping.Prepare(a, r.lockType)
		if res == mapping.WouldBlock {
			e.unlockAll(lines, r.lockType)

			if attempt >= maxLockRetries {
				r.addErr(ErrLock)
				r.complete(ErrLock)
				r.release()
				return
			}

			resume := line.WaitUnlocked()
			go func() {
				<-resume
				e.acquireAndRoute(r, attempt+1)
			}()
			return
		}
		r.hit = r.hit && hit
		lines = append(lines, line)
	}
	r.lines = lines

	e.do(r)
}

func requiredLockType(hit, loadAdmitAllowed, dataAdmitAllowed bool) mapping.LockType {
	switch {
	case hit && loadAdmitAllowed:
		return mapping.LockRead
	case hit && !loadAdmitAllowed:
		return mapping.LockNone
	case !hit && dataAdmitAllowed:
		return mapping.LockWrite
	default:
		return mapping.LockNone
	}
}

func (e *ReadEngine) lookupHit(addrs []uint64) bool {
	for _, a := range addrs {
		if !e.mapping.Lookup(a) {
			return false
		}
	}
	return len(addrs) > 0
}

func (e *ReadEngine) unlockAll(lines []*mapping.Line, lockType mapping.LockType) {
	for _, l := range lines {
		switch lockType {
		case mapping.LockRead:
			l.UnlockRead()
		case mapping.LockWrite:
			l.UnlockWrite()
		}
	}
}

// do routes a request once its lock (if any) is held, per spec §4.3.3.
func (e *ReadEngine) do(r *Request) {
	if r.rePart {
		// Re-partition: acquire write hash-lock, move lines, release.
		// No partitions are modeled in this engine (single flat line
		// table), so the move is a no-op; the lock round-trip is kept
		// because future partitioning would need exactly this shape.
		e.partMove(r)
	}

	switch {
	case r.hit && r.loadAdmitAllowed:
		e.submitToCache(r)

	case r.hit && !r.loadAdmitAllowed:
		e.metrics.SpilledHits.Add(1)
		e.submitToCore(r, false)

	case !r.hit && r.dataAdmitAllowed:
		if e.anyRdLocked(r.lines) {
			// Open question (spec §9): switching to PT mid-flight must
			// not leak the partially-acquired mapping. Resolved here by
			// unlocking every line this request holds before handing
			// off to pass-through.
			e.unlockAll(r.lines, r.lockType)
			e.passThrough.Read(r)
			return
		}
		if r.dirtyAny {
			// Open question (spec §9): treated as an assertion target,
			// not a reachable path in the multi-factor engine — MFWA
			// never marks a missed line dirty. If it is ever observed,
			// clean defensively and drop the reference so the caller
			// re-drives the request rather than serving stale data.
			e.logger.Warnf("engine: miss with dirty_any asserted impossible, addr=%d", r.Addr)
			e.clean(r)
			e.unlockAll(r.lines, r.lockType)
			r.complete(errors.New("engine: dirty miss, retry"))
			r.release()
			return
		}
		e.submitToCore(r, true)

	default: // miss, !dataAdmitAllowed
		e.submitToCore(r, false)
	}
}

func (e *ReadEngine) partMove(r *Request) {}

func (e *ReadEngine) clean(r *Request) {}

func (e *ReadEngine) invalidate(r *Request) {
	for _, a := range r.lineAddrs {
		e.mapping.Invalidate(a)
	}
}

func (e *ReadEngine) anyRdLocked(lines []*mapping.Line) bool {
	for _, l := range lines {
		if l.RdLocked() {
			return true
		}
	}
	return false
}

// submitToCache serves a hit from the cache device (spec §4.3.4),
// fanning R out into one sub-request per cache line.
func (e *ReadEngine) submitToCache(r *Request) {
	r.setState(StateSubmittedCache)
	count := len(r.lineAddrs)
	if count == 0 {
		count = 1
	}
	r.remaining.Store(int32(count))

	chunk := len(r.Buf) / count
	if chunk == 0 {
		chunk = len(r.Buf)
	}

	for i := 0; i < count; i++ {
		i := i
		start := i * chunk
		end := start + chunk
		if i == count-1 {
			end = len(r.Buf)
		}
		var addr uint64
		if i < len(r.lineAddrs) {
			addr = r.lineAddrs[i]
		} else {
			addr = r.Addr
		}
		e.cacheQueue.Submit(&device.IO{
			Dir:  DirRead,
			Addr: addr,
			Buf:  r.Buf[start:end],
			Done: func(err error) { e.onCacheDone(r, err) },
		})
	}
}

func (e *ReadEngine) onCacheDone(r *Request, err error) {
	r.addErr(err)
	if err != nil {
		e.metrics.PassThroughs.Add(1) // fallback-PT mark for stats
	}
	if r.remaining.Add(-1) != 0 {
		return
	}

	if rerr := r.err(); rerr != nil {
		e.metrics.CacheIOErrors.Add(1)
		// Cache submission error → retry via pass-through (spec §4.3.6).
		// Resolves the open question on PT-retry state explicitly: the
		// request has not yet been handed to the caller and still holds
		// no device-owned resources at this point (the cache IOs have
		// already completed, in error, and released nothing external),
		// so re-driving it through PassThrough.Read is safe.
		e.unlockAll(r.lines, r.lockType)
		e.passThrough.Read(r)
		return
	}

	e.unlockAll(r.lines, r.lockType)
	e.metrics.RecordRead(uint64(len(r.Buf)), 0)
	e.metrics.CacheHits.Add(1)
	r.complete(nil)
	r.release()
}

// submitToCore routes R to the core device, optionally promoting the
// result into the cache (spec §4.3.5).
func (e *ReadEngine) submitToCore(r *Request, promote bool) {
	r.setState(StateSubmittedCore)
	r.remaining.Store(1)

	if !promote {
		e.coreQueue.Submit(&device.IO{
			Dir:  DirRead,
			Addr: r.Addr,
			Buf:  r.Buf,
			Done: func(err error) { e.onCoreDoneNoPromote(r, err) },
		})
		return
	}

	buf, err := allocPromotionBuffer(len(r.Buf))
	if err != nil {
		e.metrics.NoMemErrors.Add(1)
		e.onCoreDonePromote(r, ErrNoMem)
		return
	}
	r.promoBuf = buf

	e.coreQueue.Submit(&device.IO{
		Dir:  DirRead,
		Addr: r.Addr,
		Buf:  r.Buf,
		Done: func(err error) { e.onCoreDonePromote(r, err) },
	})
}

func (e *ReadEngine) onCoreDoneNoPromote(r *Request, err error) {
	r.addErr(err)
	if r.remaining.Add(-1) != 0 {
		return
	}

	e.unlockAll(r.lines, r.lockType)

	if rerr := r.err(); rerr != nil {
		e.metrics.CoreIOErrors.Add(1)
		e.invalidate(r)
		r.complete(rerr)
		r.release()
		return
	}

	e.metrics.RecordRead(uint64(len(r.Buf)), 0)
	e.metrics.CacheMisses.Add(1)
	r.complete(nil)
	r.release()
}

func (e *ReadEngine) onCoreDonePromote(r *Request, err error) {
	r.addErr(err)
	if r.remaining.Add(-1) != 0 {
		return
	}

	e.unlockAll(r.lines, r.lockType)

	if rerr := r.err(); rerr != nil {
		e.metrics.CoreIOErrors.Add(1)
		freePromotionBuffer(r.promoBuf)
		r.promoBuf = nil
		e.invalidate(r)
		r.complete(rerr)
		r.release()
		return
	}

	e.metrics.RecordRead(uint64(len(r.Buf)), 0)
	e.metrics.CacheMisses.Add(1)
	e.metrics.Promotions.Add(1)
	copy(r.promoBuf, r.Buf)

	// Hold an extra reference for the backfill goroutine before
	// completing and releasing the synchronous reference, so R's
	// lifetime extends past the caller's completion as spec §3
	// describes; scheduleBackfill releases this held reference when
	// backfill finishes.
	r.hold()
	r.complete(nil)
	r.release()

	e.scheduleBackfill(r)
}

// scheduleBackfill hands the promotion buffer to a backfill worker
// (spec §4.3.5's "external: the backfill worker"). R's reference stays
// held until backfill finishes, extending its lifetime past the
// caller's completion as spec §3 describes.
func (e *ReadEngine) scheduleBackfill(r *Request) {
	r.setState(StateBackfilled)
	go func() {
		for _, addr := range r.lineAddrs {
			line, _, res := e.mapping.Prepare(addr, mapping.LockWrite)
			if res != mapping.Acquired {
				continue
			}
			line.SetValid(true)
			line.UnlockWrite()
		}
		e.metrics.Backfills.Add(1)
		freePromotionBuffer(r.promoBuf)
		r.promoBuf = nil
		r.release()
	}()
}

func lineAddrs(addr uint64, length int) []uint64 {
	if length == 0 {
		return []uint64{addr}
	}
	start := addr / LineSize
	end := (addr + uint64(length) - 1) / LineSize
	addrs := make([]uint64, 0, end-start+1)
	for l := start; l <= end; l++ {
		addrs = append(addrs, l*LineSize)
	}
	return addrs
}

