package device

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/mfcache/throughput"
)

func TestQueueProcessesInFIFOOrder(t *testing.T) {
	vol := NewMemVolume(1<<20, 0, 0)
	log := throughput.New(16)
	q := NewQueue(vol, log, nil, 64)
	q.Start()
	defer q.ForceStop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		i := i
		q.Submit(&IO{
			Dir:  DirWrite,
			Addr: uint64(i * 4096),
			Buf:  []byte("x"),
			Done: func(err error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				wg.Done()
			},
		})
	}

	wg.Wait()
	require.Len(t, order, 10)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestQueuePushesThroughputLog(t *testing.T) {
	vol := NewMemVolume(1<<20, 0, 0)
	log := throughput.New(16)
	q := NewQueue(vol, log, nil, 8)
	q.Start()
	defer q.ForceStop()

	done := make(chan struct{})
	q.Submit(&IO{
		Dir:  DirRead,
		Addr: 0,
		Buf:  make([]byte, 4096),
		Done: func(err error) { close(done) },
	})
	<-done

	assert.Equal(t, 1, log.Len())
}

func TestForceStopDropsPending(t *testing.T) {
	vol := NewMemVolume(1<<20, 1, 100*time.Millisecond) // slow device
	q := NewQueue(vol, nil, nil, 64)
	q.Start()

	var called int32
	for i := 0; i < 5; i++ {
		q.Submit(&IO{Dir: DirRead, Addr: 0, Buf: make([]byte, 1), Done: func(error) {
			called++
		}})
	}
	q.ForceStop()
	q.Wait()
	// At most the one in-flight I/O completes; the rest are dropped.
	assert.LessOrEqual(t, int(called), 1)
}
