package device

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// reqHeaderLen is the exact wire size of the request header (spec
// §6.1): direction:u32, addr:u64, size:u32, start_time_us:u64.
const reqHeaderLen = 24

// SocketVolume is a client for the simulated-SSD wire protocol: a
// Unix-domain stream socket per device. Each I/O sends a 24-byte
// little-endian header, optionally transfers size bytes of data, and
// receives an 8-byte latency reply in microseconds.
//
// Grounded on cache-vol.c/core-vol.c's _submit_read_io/_submit_write_io.
type SocketVolume struct {
	conn       net.Conn
	size       int64
	enableData bool
}

// DialSocketVolume connects to a simulated-SSD listener at addr (a
// Unix-domain socket path). enableData controls whether I/O payloads
// are transferred over the wire or only headers/latency replies
// (spec §6.1 step 2 is conditional on "data transfer enabled").
func DialSocketVolume(addr string, size int64, enableData bool) (*SocketVolume, error) {
	conn, err := net.Dial("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("device: dial simulated SSD at %s: %w", addr, err)
	}
	return &SocketVolume{conn: conn, size: size, enableData: enableData}, nil
}

// NewSocketVolume wraps an already-connected net.Conn, e.g. one side of
// a net.Pipe or a listener's Accept result in tests.
func NewSocketVolume(conn net.Conn, size int64, enableData bool) *SocketVolume {
	return &SocketVolume{conn: conn, size: size, enableData: enableData}
}

func (v *SocketVolume) Size() int64  { return v.size }
func (v *SocketVolume) Close() error { return v.conn.Close() }

// Do implements Volume over the wire protocol described in spec §6.1.
func (v *SocketVolume) Do(dir Direction, addr uint64, buf []byte) (uint64, error) {
	var header [reqHeaderLen]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(dir))
	binary.LittleEndian.PutUint64(header[4:12], addr)
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(buf)))
	binary.LittleEndian.PutUint64(header[16:24], uint64(time.Now().UnixMicro()))

	if _, err := v.conn.Write(header[:]); err != nil {
		return 0, fmt.Errorf("device: send request header: %w", err)
	}

	if v.enableData {
		switch dir {
		case DirWrite:
			if _, err := v.conn.Write(buf); err != nil {
				return 0, fmt.Errorf("device: send write data: %w", err)
			}
		case DirRead:
			if _, err := readFull(v.conn, buf); err != nil {
				return 0, fmt.Errorf("device: recv read data: %w", err)
			}
		}
	}

	var latencyBuf [8]byte
	if _, err := readFull(v.conn, latencyBuf[:]); err != nil {
		return 0, fmt.Errorf("device: recv latency reply: %w", err)
	}

	return binary.LittleEndian.Uint64(latencyBuf[:]), nil
}

// readFull reads exactly len(buf) bytes, since net.Conn.Read may return
// a short read even over a stream socket.
func readFull(conn net.Conn, buf []byte) (int, error) {
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
