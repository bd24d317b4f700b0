package mfcache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatsWithOp(t *testing.T) {
	e := NewError("submit_to_core", CodeCoreIO, "device closed")
	assert.Equal(t, "mfcache: submit_to_core: device closed", e.Error())
}

func TestErrorFormatsWithoutMsgFallsBackToCode(t *testing.T) {
	e := NewError("submit_to_cache", CodeCacheIO, "")
	assert.Equal(t, "mfcache: submit_to_cache: cache I/O error", e.Error())
}

func TestWrapErrorPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	e := WrapError("read", CodeCoreIO, cause)
	assert.ErrorIs(t, e, cause)
	assert.Equal(t, cause, errors.Unwrap(e))
}

func TestWrapErrorOfNilIsNil(t *testing.T) {
	assert.Nil(t, WrapError("read", CodeCoreIO, nil))
}

func TestIsCodeMatchesByCodeNotInstance(t *testing.T) {
	e1 := NewError("a", CodeNoMem, "")
	e2 := NewError("b", CodeNoMem, "different op")
	assert.True(t, errors.Is(e1, e2))
	assert.True(t, IsCode(e1, CodeNoMem))
	assert.False(t, IsCode(e1, CodeLock))
}
