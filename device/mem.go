package device

import (
	"os"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"
)

// shardSize mirrors go-ublk's backend.Memory sharding: 64KB shards
// balance lock granularity against per-I/O locking overhead.
const shardSize = 64 * 1024

// MemVolume is an in-process Volume backed by a memory-mapped,
// sharded-locked region, for benchmarking and tests that don't need a
// real simulator process. Storage is mmap'd over a temp file rather
// than a plain Go slice — grounded on cchirag-mint/internal/diskview's
// Pager, which maps file pages with edsrzf/mmap-go instead of holding
// page contents in the Go heap — so a multi-gigabyte simulated device
// doesn't have to live in GC-scanned memory. Latency is simulated from
// a configured device bandwidth rather than measured, so MemVolume(s)
// can stand in for either the cache or the core device by giving each
// a different BytesPerSec.
type MemVolume struct {
	file        *os.File
	region      mmap.MMap
	size        int64
	shards      []sync.RWMutex
	bytesPerSec float64 // simulated device bandwidth
	minLatency  time.Duration
}

// NewMemVolume creates a zeroed MemVolume of the given size, simulating
// a device of the given sustained bandwidth (bytes/sec). minLatency is
// a floor applied to every I/O regardless of size (seek/command
// overhead). Panics if the backing temp file cannot be created or
// mapped — this mirrors the source's fatal allocation-failure handling
// for a device that exists only for benchmarking.
func NewMemVolume(size int64, bytesPerSec float64, minLatency time.Duration) *MemVolume {
	if size <= 0 {
		size = 1
	}

	f, err := os.CreateTemp("", "mfcache-memvol-*")
	if err != nil {
		panic("device: failed to create backing file for MemVolume: " + err.Error())
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(f.Name())
		panic("device: failed to size backing file for MemVolume: " + err.Error())
	}

	region, err := mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		panic("device: failed to mmap backing file for MemVolume: " + err.Error())
	}

	numShards := (size + shardSize - 1) / shardSize
	if numShards < 1 {
		numShards = 1
	}
	return &MemVolume{
		file:        f,
		region:      region,
		size:        size,
		shards:      make([]sync.RWMutex, numShards),
		bytesPerSec: bytesPerSec,
		minLatency:  minLatency,
	}
}

func (m *MemVolume) shardRange(off, length int64) (start, end int) {
	start = int(off / shardSize)
	end = int((off + length - 1) / shardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	if start > end {
		start = end
	}
	return start, end
}

func (m *MemVolume) Size() int64 { return m.size }

// Close unmaps and removes the backing temp file. Safe to call once.
func (m *MemVolume) Close() error {
	name := m.file.Name()
	unmapErr := m.region.Unmap()
	closeErr := m.file.Close()
	os.Remove(name)
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}

// Do implements Volume. It performs the byte copy synchronously and
// returns a simulated latency derived from the volume's configured
// bandwidth; it does not sleep itself (the device.Queue worker owns
// the sleep, and logs the I/O once the simulated delay has passed).
func (m *MemVolume) Do(dir Direction, addr uint64, buf []byte) (uint64, error) {
	off := int64(addr)
	n := int64(len(buf))

	if off >= m.size {
		if dir == DirRead {
			return 0, nil
		}
		return 0, ErrBeyondDevice
	}
	if off+n > m.size {
		n = m.size - off
		buf = buf[:n]
	}

	startShard, endShard := m.shardRange(off, n)

	switch dir {
	case DirRead:
		for i := startShard; i <= endShard; i++ {
			m.shards[i].RLock()
		}
		copy(buf, m.region[off:off+n])
		for i := startShard; i <= endShard; i++ {
			m.shards[i].RUnlock()
		}
	case DirWrite:
		for i := startShard; i <= endShard; i++ {
			m.shards[i].Lock()
		}
		copy(m.region[off:off+n], buf)
		for i := startShard; i <= endShard; i++ {
			m.shards[i].Unlock()
		}
	}

	latency := m.minLatency
	if m.bytesPerSec > 0 {
		latency += time.Duration(float64(n) / m.bytesPerSec * float64(time.Second))
	}
	return uint64(latency.Microseconds()), nil
}
