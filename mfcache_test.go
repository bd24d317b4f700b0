package mfcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/mfcache/config"
	"github.com/behrlich/mfcache/device"
)

func newTestCache(t *testing.T, mode config.Mode) *Cache {
	t.Helper()
	cfg := config.Default()
	cfg.Mode = mode
	cfg.CacheSizeBytes = 1 << 20
	cfg.LogCapacity = 1024
	cfg.QueueDepth = 256

	cacheVol := device.NewMemVolume(1<<24, 0, 0)
	coreVol := device.NewMemVolume(1<<24, 0, 0)

	c, err := Open(cfg, cacheVol, coreVol, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpenAndCloseIsIdempotent(t *testing.T) {
	c := newTestCache(t, ModeMFWA)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestPassThroughModeNeverTouchesCache(t *testing.T) {
	c := newTestCache(t, ModePT)

	done := make(chan error, 1)
	c.Read(0, make([]byte, 4096), func(err error) { done <- err })
	require.NoError(t, <-done)

	assert.Equal(t, uint64(0), c.Metrics().CacheHits.Load())
	assert.Equal(t, uint64(0), c.Metrics().CacheMisses.Load())
	assert.Equal(t, uint64(1), c.Metrics().PassThroughs.Load())
}

func TestMonitorRunsForMultiFactorModes(t *testing.T) {
	c := newTestCache(t, ModeMFWA)
	assert.NotNil(t, c.monitorCancel)

	cNoMon := newTestCache(t, ModeWA)
	assert.Nil(t, cNoMon.monitorCancel)
}

// End-to-end smoke test exercising a mix of hits and misses through a
// live Cache, checking the universal completion invariants hold under
// concurrency.
func TestReadMixCompletesExactlyOnce(t *testing.T) {
	c := newTestCache(t, ModeMFWA)
	c.SetStaticAdmission(true, 1.0)

	const n = 200
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		addr := uint64(i%20) * 4096
		c.Read(addr, make([]byte, 4096), func(err error) { results <- err })
	}

	timeout := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case err := <-results:
			assert.NoError(t, err)
		case <-timeout:
			t.Fatal("timed out waiting for completions")
		}
	}
}

func TestWriteAroundModeInvalidatesCacheOnWrite(t *testing.T) {
	c := newTestCache(t, ModeMFWA)
	c.SetStaticAdmission(true, 1.0)

	readDone := make(chan error, 1)
	c.Read(0, make([]byte, 4096), func(err error) { readDone <- err })
	require.NoError(t, <-readDone)
	assert.Equal(t, uint64(1), c.Metrics().CacheMisses.Load())

	readDone = make(chan error, 1)
	c.Read(0, make([]byte, 4096), func(err error) { readDone <- err })
	require.NoError(t, <-readDone)
	assert.Equal(t, uint64(1), c.Metrics().CacheHits.Load())

	writeDone := make(chan error, 1)
	c.Write(0, make([]byte, 4096), func(err error) { writeDone <- err })
	require.NoError(t, <-writeDone)

	readDone = make(chan error, 1)
	c.Read(0, make([]byte, 4096), func(err error) { readDone <- err })
	require.NoError(t, <-readDone)
	assert.Equal(t, uint64(2), c.Metrics().CacheMisses.Load(), "write-around must invalidate so the next read misses again")
}

func TestWriteBackModeHoldsDirtyLineInCache(t *testing.T) {
	c := newTestCache(t, ModeMFWB)
	c.SetStaticAdmission(true, 1.0)

	readDone := make(chan error, 1)
	c.Read(4096, make([]byte, 4096), func(err error) { readDone <- err })
	require.NoError(t, <-readDone)

	writeDone := make(chan error, 1)
	c.Write(4096, make([]byte, 4096), func(err error) { writeDone <- err })
	require.NoError(t, <-writeDone)

	readDone = make(chan error, 1)
	c.Read(4096, make([]byte, 4096), func(err error) { readDone <- err })
	require.NoError(t, <-readDone)
	assert.Equal(t, uint64(1), c.Metrics().CacheHits.Load(), "write-back keeps the line resident in cache after the write")
}
