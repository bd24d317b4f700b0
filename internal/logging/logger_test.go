package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	l.Debug("should not appear")
	l.Info("should not appear either")
	l.Warn("should appear")

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "[WARN] should appear")
}

func TestFormatArgsPairsUpKeysAndValues(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	l.Info("starting", "size", 64, "mode", "mfwa")

	out := buf.String()
	assert.Contains(t, out, "size=64")
	assert.Contains(t, out, "mode=mfwa")
}

func TestPrintfStyleHelpers(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	l.Errorf("addr=%d failed: %v", 4096, "boom")
	assert.Contains(t, buf.String(), "[ERROR] addr=4096 failed: boom")
}

func TestDefaultLoggerIsSettable(t *testing.T) {
	var buf bytes.Buffer
	custom := NewLogger(&Config{Level: LevelDebug, Output: &buf})
	SetDefault(custom)
	t.Cleanup(func() { SetDefault(NewLogger(nil)) })

	Info("via package-level helper")
	assert.True(t, strings.Contains(buf.String(), "via package-level helper"))
}
