package main

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/mfcache"
	"github.com/behrlich/mfcache/config"
	"github.com/behrlich/mfcache/device"
)

func TestOpenVolumesMemBackend(t *testing.T) {
	cfg := config.Default()
	cfg.CacheSizeBytes = 1 << 20
	cfg.CoreSizeBytes = 1 << 20

	cacheVol, coreVol, closeFn, err := openVolumes("mem", cfg, "", "")
	require.NoError(t, err)
	defer closeFn()

	require.IsType(t, &device.MemVolume{}, cacheVol)
	require.IsType(t, &device.MemVolume{}, coreVol)
}

func TestOpenVolumesSocketBackendRequiresAddrs(t *testing.T) {
	cfg := config.Default()
	_, _, _, err := openVolumes("socket", cfg, "", "/tmp/core.sock")
	require.Error(t, err)
}

func TestOpenVolumesUnknownBackend(t *testing.T) {
	cfg := config.Default()
	_, _, _, err := openVolumes("nope", cfg, "", "")
	require.Error(t, err)
}

// fakeSimulator repeatedly serves the wire protocol's read reply over
// every connection it accepts, standing in for a long-running
// simulated-SSD process across many requests (unlike device package's
// single-shot fakeSSD helper, which only needs one round trip per
// test).
func fakeSimulator(t *testing.T, sockPath string) {
	t.Helper()
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				for {
					var header [24]byte
					if _, err := readFullTest(c, header[:]); err != nil {
						return
					}
					size := binary.LittleEndian.Uint32(header[12:16])
					dir := binary.LittleEndian.Uint32(header[0:4])

					if dir == 0 { // read
						c.Write(make([]byte, size))
					} else {
						buf := make([]byte, size)
						readFullTest(c, buf)
					}

					var latBuf [8]byte
					binary.LittleEndian.PutUint64(latBuf[:], 1)
					c.Write(latBuf[:])
				}
			}(conn)
		}
	}()
}

func readFullTest(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestOpenVolumesSocketBackendDialsAndServes(t *testing.T) {
	dir := t.TempDir()
	cacheSock := dir + "/cache.sock"
	coreSock := dir + "/core.sock"
	fakeSimulator(t, cacheSock)
	fakeSimulator(t, coreSock)

	cfg := config.Default()
	cfg.CacheSizeBytes = 1 << 20
	cfg.CoreSizeBytes = 1 << 20

	cacheVol, coreVol, closeFn, err := openVolumes("socket", cfg, cacheSock, coreSock)
	require.NoError(t, err)
	defer closeFn()

	_, err = cacheVol.Do(device.DirRead, 0, make([]byte, 64))
	require.NoError(t, err)
	_, err = coreVol.Do(device.DirRead, 0, make([]byte, 64))
	require.NoError(t, err)
}

func TestRunWorkloadRespectsRateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = config.ModeMFWA
	cfg.CacheSizeBytes = 1 << 20
	cfg.CoreSizeBytes = 1 << 20
	cfg.LogCapacity = 1024
	cfg.QueueDepth = 64

	cacheVol := device.NewMemVolume(cfg.CacheSizeBytes, 0, 0)
	coreVol := device.NewMemVolume(cfg.CoreSizeBytes, 0, 0)
	cache, err := mfcache.Open(cfg, cacheVol, coreVol, nil)
	require.NoError(t, err)
	defer cache.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	runWorkload(ctx, cache, 1, 0.1, 5) // 5 req/sec, one submitter

	// At 5 req/sec (200ms between ticks) over a 150ms window, at most
	// one request can have been issued.
	require.LessOrEqual(t, cache.Metrics().ReadOps.Load(), uint64(1))
}
