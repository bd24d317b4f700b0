package engine

import (
	"github.com/behrlich/mfcache/device"
	"github.com/behrlich/mfcache/internal/metrics"
	"github.com/behrlich/mfcache/mapping"
)

// WritePolicy routes one write request to the core and/or cache
// devices. Per spec.md's Non-goal ("not a write-path optimiser...
// writes follow the chosen base policy unchanged"), each variant below
// is the minimum routing its classical policy needs, not an optimised
// write path: no write-allocate, no background flush worker, no
// partial-line handling — a write is treated as addressing one line.
type WritePolicy interface {
	Write(r *Request)
}

type writeBase struct {
	mapping    *mapping.Table
	cacheQueue *device.Queue
	coreQueue  *device.Queue
	metrics    *metrics.Metrics
}

func (p *writeBase) finish(r *Request, err error) {
	if err != nil {
		p.metrics.CoreIOErrors.Add(1)
	} else {
		p.metrics.RecordWrite(uint64(len(r.Buf)), 0)
	}
	r.complete(err)
	r.release()
}

// WriteAround sends every write straight to core and drops any cached
// copy of the line rather than keeping it consistent — the classical
// write-around policy paired with MFWA's read path.
type WriteAround struct{ writeBase }

// NewWriteAround constructs a write-around policy over the given
// mapping table and core queue.
func NewWriteAround(mapTable *mapping.Table, cacheQueue, coreQueue *device.Queue, m *metrics.Metrics) *WriteAround {
	return &WriteAround{writeBase{mapTable, cacheQueue, coreQueue, m}}
}

func (p *WriteAround) Write(r *Request) {
	r.setState(StateSubmittedCore)
	p.coreQueue.Submit(&device.IO{
		Dir:  DirWrite,
		Addr: r.Addr,
		Buf:  r.Buf,
		Done: func(err error) {
			p.mapping.Invalidate(r.Addr)
			p.finish(r, err)
		},
	})
}

// WriteThrough writes core and, if the line is already cached, the
// cache copy too, so a resident line is never left stale — the
// classical write-through policy paired with MFWT's read path.
type WriteThrough struct{ writeBase }

// NewWriteThrough constructs a write-through policy.
func NewWriteThrough(mapTable *mapping.Table, cacheQueue, coreQueue *device.Queue, m *metrics.Metrics) *WriteThrough {
	return &WriteThrough{writeBase{mapTable, cacheQueue, coreQueue, m}}
}

func (p *WriteThrough) Write(r *Request) {
	r.setState(StateSubmittedCore)

	hit := p.mapping.Lookup(r.Addr)
	r.remaining.Store(1)
	if hit {
		r.remaining.Store(2)
		p.cacheQueue.Submit(&device.IO{
			Dir:  DirWrite,
			Addr: r.Addr,
			Buf:  r.Buf,
			Done: func(err error) {
				r.addErr(err)
				if r.remaining.Add(-1) == 0 {
					p.finish(r, r.err())
				}
			},
		})
	}

	p.coreQueue.Submit(&device.IO{
		Dir:  DirWrite,
		Addr: r.Addr,
		Buf:  r.Buf,
		Done: func(err error) {
			r.addErr(err)
			if r.remaining.Add(-1) == 0 {
				p.finish(r, r.err())
			}
		},
	})
}

// WriteBack writes a resident line in place and marks it dirty,
// deferring the core write — the classical write-back policy paired
// with MFWB's read path. A miss falls back to writing core directly:
// this engine has no background flush worker to later drain a line
// dirtied without ever being promoted, so write-allocate is out of
// scope (spec.md's write Non-goal).
type WriteBack struct{ writeBase }

// NewWriteBack constructs a write-back policy.
func NewWriteBack(mapTable *mapping.Table, cacheQueue, coreQueue *device.Queue, m *metrics.Metrics) *WriteBack {
	return &WriteBack{writeBase{mapTable, cacheQueue, coreQueue, m}}
}

func (p *WriteBack) Write(r *Request) {
	line, hit, res := p.mapping.Prepare(r.Addr, mapping.LockWrite)
	if res != mapping.Acquired || !hit {
		if res == mapping.Acquired {
			line.UnlockWrite()
		}
		r.setState(StateSubmittedCore)
		p.coreQueue.Submit(&device.IO{
			Dir:  DirWrite,
			Addr: r.Addr,
			Buf:  r.Buf,
			Done: func(err error) { p.finish(r, err) },
		})
		return
	}

	r.setState(StateSubmittedCache)
	p.cacheQueue.Submit(&device.IO{
		Dir:  DirWrite,
		Addr: r.Addr,
		Buf:  r.Buf,
		Done: func(err error) {
			if err == nil {
				line.SetDirty(true)
			}
			line.UnlockWrite()
			p.finish(r, err)
		},
	})
}
