package device

import (
	"sync"
	"time"

	"github.com/behrlich/mfcache/internal/logging"
	"github.com/behrlich/mfcache/throughput"
)

// IO is one pending submission: a direction, address, buffer, and a
// completion callback. Grounded on cache-vol.c's req_entry plus
// go-ublk's per-tag completion dispatch.
type IO struct {
	Dir     Direction
	Addr    uint64
	Buf     []byte
	StartMs float64
	Done    func(err error)
}

// Queue is a per-device FIFO submission worker (spec §4.5): a mutex
// guards the pending list, a buffered channel acts as the counting
// semaphore signalling "work available", and a single dedicated
// goroutine drains the queue, runs the device protocol, sleeps the
// reported latency, and invokes each IO's completion callback.
//
// A dedicated worker exists because device latency is blocking and
// must not run on submitter goroutines; FIFO order preserves
// per-device causality; the channel gives correct wake-up without
// busy polling. Grounded on go-ublk's internal/queue.Runner ioLoop.
type Queue struct {
	vol    Volume
	log    *throughput.Log
	logger *logging.Logger

	mu      sync.Mutex
	pending []*IO

	sem     chan struct{}
	stopped chan struct{}
	done    chan struct{}
}

// NewQueue creates a submission queue for one device. depth bounds how
// many pending entries may be buffered before Submit blocks.
func NewQueue(vol Volume, log *throughput.Log, logger *logging.Logger, depth int) *Queue {
	if logger == nil {
		logger = logging.Default()
	}
	return &Queue{
		vol:     vol,
		log:     log,
		logger:  logger,
		sem:     make(chan struct{}, depth),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (q *Queue) Start() {
	go q.loop()
}

// Submit enqueues an I/O for processing. Safe for concurrent callers.
func (q *Queue) Submit(io *IO) {
	q.mu.Lock()
	q.pending = append(q.pending, io)
	q.mu.Unlock()

	select {
	case q.sem <- struct{}{}:
	case <-q.stopped:
	}
}

// ForceStop drains the queue under the lock (dropping pending entries
// silently — the shutdown path), then signals the worker to exit. It
// does not wait for in-flight I/O to finish.
func (q *Queue) ForceStop() {
	q.mu.Lock()
	q.pending = nil
	q.mu.Unlock()

	select {
	case <-q.stopped:
		// already stopped
	default:
		close(q.stopped)
	}

	select {
	case q.sem <- struct{}{}:
	default:
	}
}

// Wait blocks until the worker goroutine has exited.
func (q *Queue) Wait() {
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)

	for {
		select {
		case <-q.sem:
		case <-q.stopped:
			return
		}

		select {
		case <-q.stopped:
			return
		default:
		}

		entry := q.pop()
		if entry == nil {
			continue
		}

		q.process(entry)
	}
}

func (q *Queue) pop() *IO {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	e := q.pending[0]
	q.pending = q.pending[1:]
	return e
}

func (q *Queue) process(e *IO) {
	latencyUs, err := q.vol.Do(e.Dir, e.Addr, e.Buf)
	if err != nil {
		q.logger.Debugf("device: I/O error addr=%d dir=%d: %v", e.Addr, e.Dir, err)
		e.Done(err)
		return
	}

	time.Sleep(time.Duration(latencyUs) * time.Microsecond)

	if q.log != nil {
		q.log.Push(nowMs(), uint32(len(e.Buf)))
	}

	e.Done(nil)
}

func nowMs() float64 {
	return float64(time.Now().UnixNano()) / 1e6
}
