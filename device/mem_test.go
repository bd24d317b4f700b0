package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemVolumeReadWrite(t *testing.T) {
	v := NewMemVolume(1<<20, 100*1024*1024, 0)
	defer v.Close()

	data := []byte("hello world")
	_, err := v.Do(DirWrite, 0, data)
	require.NoError(t, err)

	out := make([]byte, len(data))
	_, err = v.Do(DirRead, 0, out)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestMemVolumeBeyondDevice(t *testing.T) {
	v := NewMemVolume(1024, 0, 0)
	_, err := v.Do(DirWrite, 2048, []byte("x"))
	assert.ErrorIs(t, err, ErrBeyondDevice)

	n, err := v.Do(DirRead, 2048, make([]byte, 4))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}

func TestMemVolumeLatencyScalesWithBandwidth(t *testing.T) {
	v := NewMemVolume(1<<20, 1024*1024, 5*time.Millisecond) // 1MB/s, 5ms floor
	buf := make([]byte, 1024*1024)                          // 1MB -> ~1s + floor
	latencyUs, err := v.Do(DirRead, 0, buf)
	require.NoError(t, err)
	assert.Greater(t, latencyUs, uint64(900_000))
}
