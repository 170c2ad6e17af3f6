package mib

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avaneesh/cfdp-go/pkg/checksum"
	"avaneesh/cfdp-go/pkg/pdu"
)

func TestParse_ExampleConfig(t *testing.T) {
	cfg, err := Parse([]byte(GenerateExampleConfig()))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), cfg.Local.ID)
	assert.Equal(t, 30*time.Second, cfg.Local.RetentionWindow.D())
	require.Len(t, cfg.Remotes, 2)

	// Remote 2 inherits everything but its address
	assert.Equal(t, "udp", cfg.Remotes[0].Transport)
	assert.Equal(t, 5*time.Second, cfg.Remotes[0].ACKTimer.D())
	assert.True(t, cfg.Remotes[0].PositiveACKRequired)

	// Remote 3 overrides some fields
	assert.Equal(t, "quic", cfg.Remotes[1].Transport)
	assert.Equal(t, 20*time.Second, cfg.Remotes[1].ACKTimer.D())
	assert.Equal(t, 5*time.Minute, cfg.Remotes[1].InactivityTimer.D())
	assert.Equal(t, 3, cfg.Remotes[1].ACKLimit)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfdp.yaml")
	require.NoError(t, WriteExampleConfig(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"entity id width", func(c *Config) { c.Local.EntityIDLength = 9 }},
		{"local id overflow", func(c *Config) { c.Local.EntityIDLength = 1; c.Local.ID = 300 }},
		{"transport", func(c *Config) { c.Local.Transport = "serial" }},
		{"fault condition", func(c *Config) { c.Local.FaultHandlers = map[string]string{"bogus": "cancel"} }},
		{"fault handler", func(c *Config) { c.Local.FaultHandlers = map[string]string{"nak_limit_reached": "retry"} }},
		{"checksum", func(c *Config) { c.Defaults.Checksum = "sha1" }},
		{"segment length", func(c *Config) { c.Defaults.MaxSegmentLength = 0 }},
		{"class", func(c *Config) { c.Defaults.DefaultClass = 3 }},
		{"ack timer", func(c *Config) { c.Defaults.ACKTimer = 0 }},
		{"ack limit", func(c *Config) { c.Defaults.ACKLimit = 0 }},
		{"duplicate remote", func(c *Config) {
			c.Remotes = []RemoteConfig{DefaultRemote(), DefaultRemote()}
			c.Remotes[0].ID, c.Remotes[1].ID = 5, 5
		}},
		{"remote is local", func(c *Config) {
			c.Remotes = []RemoteConfig{DefaultRemote()}
			c.Remotes[0].ID = c.Local.ID
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}

func TestParse_BadDuration(t *testing.T) {
	_, err := Parse([]byte("defaults:\n  ack_timer: soon\n"))
	assert.Error(t, err)
}

func TestMIB_Remote(t *testing.T) {
	cfg := DefaultConfig()
	r := DefaultRemote()
	r.ID = 7
	r.DefaultClass = 1
	r.Checksum = "crc32"
	cfg.Remotes = []RemoteConfig{r}
	cfg.Local.FaultHandlers = map[string]string{"file_checksum_failure": "cancel"}

	m, err := New(cfg)
	require.NoError(t, err)

	got := m.Remote(7)
	assert.Equal(t, pdu.Unacknowledged, got.Mode)
	assert.Equal(t, checksum.CRC32, got.Checksum)
	assert.True(t, m.Known(7))

	unknown := m.Remote(42)
	assert.Equal(t, pdu.EntityID(42), unknown.ID)
	assert.Equal(t, pdu.Acknowledged, unknown.Mode)
	assert.False(t, m.Known(42))

	faults := m.Local().Faults
	assert.Equal(t, pdu.HandlerNoticeOfCancellation, faults.Handler(pdu.FileChecksumFailure))
	assert.Equal(t, pdu.HandlerAbandon, faults.Handler(pdu.PositiveACKLimitReached))
	assert.Len(t, m.Remotes(), 1)
}

func TestFaultTable_With(t *testing.T) {
	base := DefaultFaultTable()
	over := base.With([]pdu.FaultHandlerOverride{{Condition: pdu.NAKLimitReached, Handler: pdu.HandlerNoticeOfSuspension}})

	assert.Equal(t, pdu.HandlerNoticeOfSuspension, over.Handler(pdu.NAKLimitReached))
	assert.Equal(t, pdu.HandlerNoticeOfCancellation, base.Handler(pdu.NAKLimitReached), "base table must not change")
	assert.Equal(t, pdu.HandlerNoticeOfCancellation, base.Handler(pdu.ConditionCode(12)))
}
