package logger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	NoOpLogger
	lines []string
}

func (c *captureLogger) Debug(format string, args ...interface{}) {
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"trace", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"error", LevelError},
		{"fatal", LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestComponent(t *testing.T) {
	base := NewDefaultLogger(LevelWarn)
	tagged, ok := Component(base, "entity").(*DefaultLogger)
	require.True(t, ok)
	assert.Equal(t, "entity", tagged.entry.Data["component"])
	assert.Same(t, base.base, tagged.base)

	assert.IsType(t, &NoOpLogger{}, Component(nil, "x"))

	c := &captureLogger{}
	assert.Same(t, c, Component(c, "x"))
}

func TestDumpPDU(t *testing.T) {
	defer SetFrameDebug(false)
	c := &captureLogger{}

	SetFrameDebug(false)
	DumpPDU(c, "TX", []byte{1, 2, 3})
	assert.Empty(t, c.lines)

	SetFrameDebug(true)
	assert.True(t, FrameDebug())
	DumpPDU(c, "RX", []byte{0xde, 0xad})
	require.Len(t, c.lines, 1)
	assert.Contains(t, c.lines[0], "RX 2 octets")
	assert.Contains(t, c.lines[0], "de ad")
}
