package engine

import (
	"github.com/behrlich/mfcache/device"
)

// PassThrough is the cache-mode-registry fallback named in spec §6:
// "Looked up via the cache-mode registry as ocf_cache_mode_pt; its
// .read(R) is invoked to bypass the cache." Here it is a concrete
// collaborator rather than a registry lookup: a direct route to the
// core volume's queue that never touches cache-line mapping.
type PassThrough struct {
	coreQueue *device.Queue
}

// NewPassThrough builds a pass-through fallback bound to the core
// device's submission queue.
func NewPassThrough(coreQueue *device.Queue) *PassThrough {
	return &PassThrough{coreQueue: coreQueue}
}

// Read bypasses the cache entirely, serving r straight from core.
func (p *PassThrough) Read(r *Request) {
	r.setState(StateSubmittedCore)
	p.coreQueue.Submit(&device.IO{
		Dir:  r.Dir,
		Addr: r.Addr,
		Buf:  r.Buf,
		Done: func(err error) {
			r.complete(err)
			r.release()
		},
	})
}
