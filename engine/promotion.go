package engine

import "golang.org/x/sys/unix"

// allocPromotionBuffer allocates and mlocks a buffer big enough to hold
// a promoting miss's data, mirroring the source's malloc+mlock pairing
// (spec §4.3.5) so the backfill path never pages the buffer out from
// under a concurrent writer. mlock failure is treated exactly like an
// allocation failure: the caller synthesises NO_MEM.
func allocPromotionBuffer(size int) ([]byte, error) {
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	if err := unix.Mlock(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// freePromotionBuffer unlocks a buffer allocated by allocPromotionBuffer.
// Safe to call on a nil or empty buffer.
func freePromotionBuffer(buf []byte) {
	if len(buf) == 0 {
		return
	}
	_ = unix.Munlock(buf)
}
