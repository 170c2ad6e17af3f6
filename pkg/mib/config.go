// Package mib holds the CFDP Management Information Base: the local entity
// settings and the per-remote-entity timers, limits and defaults, loaded from YAML.
package mib

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"avaneesh/cfdp-go/pkg/checksum"
	"avaneesh/cfdp-go/pkg/pdu"
)

// Duration is a time.Duration written as a Go duration string in YAML ("5s", "250ms")
type Duration time.Duration

// D returns the value as a time.Duration
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the on-disk configuration of one CFDP entity
type Config struct {
	LogLevel   string `yaml:"log_level"`
	FrameDebug bool   `yaml:"frame_debug"`

	Local    LocalConfig    `yaml:"local"`
	Defaults RemoteConfig   `yaml:"defaults"` // Base for every remote entry and for unlisted remotes
	Remotes  []RemoteConfig `yaml:"remotes"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LocalConfig configures the local entity
type LocalConfig struct {
	ID                   uint64 `yaml:"id"`
	EntityIDLength       int    `yaml:"entity_id_length"`
	SequenceNumberLength int    `yaml:"sequence_number_length"`

	Listen    string `yaml:"listen"`    // Local transport address
	Transport string `yaml:"transport"` // udp, tcp, quic, websocket, memory

	FilestoreRoot   string `yaml:"filestore_root"`
	MaxConcurrentIO int    `yaml:"max_concurrent_io"`
	StorePath       string `yaml:"store_path"` // bbolt file; empty keeps sequence numbers and history in memory

	RetentionWindow Duration `yaml:"retention_window"`
	HistoryLimit    int      `yaml:"history_limit"`

	// Condition name -> handler name (cancel, suspend, ignore, abandon)
	FaultHandlers map[string]string `yaml:"fault_handlers"`
}

// RemoteConfig configures the exchange with one remote entity
type RemoteConfig struct {
	ID        uint64 `yaml:"id"`
	Address   string `yaml:"address"`
	Transport string `yaml:"transport"`

	DefaultClass     int    `yaml:"default_class"` // 1 or 2
	Checksum         string `yaml:"checksum"`
	MaxSegmentLength int    `yaml:"max_segment_length"`
	CRCRequired      bool   `yaml:"crc_required"`

	// Class 2: sender expects ACK(EOF) and retries EOF on the ACK timer
	PositiveACKRequired bool `yaml:"positive_ack_required"`
	// Class 2: receiver NAKs gaps at EOF and on the NAK timer; otherwise only when prompted
	NAKRequired bool `yaml:"nak_required"`
	// Class 2: receiver NAKs as soon as out-of-order data reveals a gap
	ImmediateNAK bool `yaml:"immediate_nak"`
	// Class 1: request a Finished PDU from the receiver
	ClosureRequested bool `yaml:"closure_requested"`
	// Keep partially received files when a transaction does not complete
	RetainIncomplete bool `yaml:"retain_incomplete"`

	ACKTimer        Duration `yaml:"ack_timer"`
	ACKLimit        int      `yaml:"ack_limit"`
	NAKTimer        Duration `yaml:"nak_timer"`
	NAKLimit        int      `yaml:"nak_limit"`
	InactivityTimer Duration `yaml:"inactivity_timer"`
	CheckTimer      Duration `yaml:"check_timer"`
	CheckLimit      int      `yaml:"check_limit"`

	KeepAliveInterval         Duration `yaml:"keep_alive_interval"` // Zero disables keep alives
	KeepAliveDiscrepancyLimit uint64   `yaml:"keep_alive_discrepancy_limit"`
}

// MetricsConfig configures the metrics and status HTTP server
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// Load reads and validates a YAML config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML config data over the defaults
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Second pass: each remote starts from the defaults section
	var raw struct {
		Remotes []yaml.Node `yaml:"remotes"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Remotes = make([]RemoteConfig, len(raw.Remotes))
	for i := range raw.Remotes {
		cfg.Remotes[i] = cfg.Defaults
		if err := raw.Remotes[i].Decode(&cfg.Remotes[i]); err != nil {
			return nil, fmt.Errorf("parse config: remotes[%d]: %w", i, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultRemote returns the built-in per-remote defaults
func DefaultRemote() RemoteConfig {
	return RemoteConfig{
		Transport:                 "udp",
		DefaultClass:              2,
		Checksum:                  checksum.Modular.String(),
		MaxSegmentLength:          1024,
		PositiveACKRequired:       true,
		NAKRequired:               true,
		ACKTimer:                  Duration(5 * time.Second),
		ACKLimit:                  3,
		NAKTimer:                  Duration(5 * time.Second),
		NAKLimit:                  3,
		InactivityTimer:           Duration(60 * time.Second),
		CheckTimer:                Duration(5 * time.Second),
		CheckLimit:                3,
		KeepAliveDiscrepancyLimit: 1 << 20,
	}
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Local: LocalConfig{
			ID:                   1,
			EntityIDLength:       2,
			SequenceNumberLength: 4,
			Listen:               ":4556",
			Transport:            "udp",
			FilestoreRoot:        ".",
			MaxConcurrentIO:      8,
			RetentionWindow:      Duration(30 * time.Second),
			HistoryLimit:         1000,
		},
		Defaults: DefaultRemote(),
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9110",
			Path:    "/metrics",
		},
	}
}

var transports = map[string]bool{"udp": true, "tcp": true, "quic": true, "websocket": true, "memory": true}

// Validate checks the configuration
func (c *Config) Validate() error {
	l := &c.Local
	if l.EntityIDLength < 1 || l.EntityIDLength > pdu.MaxFieldLength {
		return fmt.Errorf("local.entity_id_length must be 1-%d", pdu.MaxFieldLength)
	}
	if l.SequenceNumberLength < 1 || l.SequenceNumberLength > pdu.MaxFieldLength {
		return fmt.Errorf("local.sequence_number_length must be 1-%d", pdu.MaxFieldLength)
	}
	if !fitsWidth(l.ID, l.EntityIDLength) {
		return fmt.Errorf("local.id %d does not fit %d octets", l.ID, l.EntityIDLength)
	}
	if !transports[l.Transport] {
		return fmt.Errorf("local.transport %q must be one of udp, tcp, quic, websocket, memory", l.Transport)
	}
	if l.MaxConcurrentIO < 1 {
		return fmt.Errorf("local.max_concurrent_io must be at least 1")
	}
	if l.RetentionWindow < 0 {
		return fmt.Errorf("local.retention_window must not be negative")
	}
	if _, err := ParseFaultHandlers(l.FaultHandlers); err != nil {
		return fmt.Errorf("local.fault_handlers: %w", err)
	}

	if err := c.Defaults.validate("defaults", l.EntityIDLength); err != nil {
		return err
	}
	seen := make(map[uint64]bool)
	for i, r := range c.Remotes {
		name := fmt.Sprintf("remotes[%d]", i)
		if seen[r.ID] {
			return fmt.Errorf("%s: duplicate entity id %d", name, r.ID)
		}
		seen[r.ID] = true
		if r.ID == l.ID {
			return fmt.Errorf("%s: entity id %d is the local entity", name, r.ID)
		}
		if err := r.validate(name, l.EntityIDLength); err != nil {
			return err
		}
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen required when metrics are enabled")
	}
	return nil
}

func (r *RemoteConfig) validate(name string, idLen int) error {
	if !fitsWidth(r.ID, idLen) {
		return fmt.Errorf("%s: id %d does not fit %d octets", name, r.ID, idLen)
	}
	if !transports[r.Transport] {
		return fmt.Errorf("%s: transport %q must be one of udp, tcp, quic, websocket, memory", name, r.Transport)
	}
	if r.DefaultClass != 1 && r.DefaultClass != 2 {
		return fmt.Errorf("%s: default_class must be 1 or 2", name)
	}
	if _, err := checksum.ParseID(r.Checksum); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if r.MaxSegmentLength < 1 || r.MaxSegmentLength > maxSegmentLength {
		return fmt.Errorf("%s: max_segment_length must be 1-%d", name, maxSegmentLength)
	}
	for field, d := range map[string]Duration{
		"ack_timer":        r.ACKTimer,
		"nak_timer":        r.NAKTimer,
		"inactivity_timer": r.InactivityTimer,
		"check_timer":      r.CheckTimer,
	} {
		if d <= 0 {
			return fmt.Errorf("%s: %s must be positive", name, field)
		}
	}
	if r.KeepAliveInterval < 0 {
		return fmt.Errorf("%s: keep_alive_interval must not be negative", name)
	}
	if r.ACKLimit < 1 || r.NAKLimit < 1 || r.CheckLimit < 1 {
		return fmt.Errorf("%s: ack_limit, nak_limit and check_limit must be at least 1", name)
	}
	return nil
}

// maxSegmentLength keeps a File Data PDU within the 16-bit data field:
// 8-octet offset, segment metadata octet plus 63 octets, CRC
const maxSegmentLength = pdu.MaxDataFieldLength - 8 - 1 - pdu.MaxSegmentMetadata - pdu.CRCSize

func fitsWidth(v uint64, width int) bool {
	return width >= 8 || v < uint64(1)<<(8*uint(width))
}

// conditionNames maps config keys to condition codes
var conditionNames = map[string]pdu.ConditionCode{
	"positive_ack_limit_reached": pdu.PositiveACKLimitReached,
	"keep_alive_limit_reached":   pdu.KeepAliveLimitReached,
	"invalid_transmission_mode":  pdu.InvalidTransmissionMode,
	"filestore_rejection":        pdu.FilestoreRejection,
	"file_checksum_failure":      pdu.FileChecksumFailure,
	"file_size_error":            pdu.FileSizeError,
	"nak_limit_reached":          pdu.NAKLimitReached,
	"inactivity_detected":        pdu.InactivityDetected,
	"invalid_file_structure":     pdu.InvalidFileStructure,
	"check_limit_reached":        pdu.CheckLimitReached,
	"unsupported_checksum_type":  pdu.UnsupportedChecksumType,
}

// ParseCondition converts a config key such as "nak_limit_reached" to a condition code
func ParseCondition(s string) (pdu.ConditionCode, error) {
	c, ok := conditionNames[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("unknown fault condition %q", s)
	}
	return c, nil
}

// ParseFaultHandlers converts the config map into a FaultTable over the defaults
func ParseFaultHandlers(m map[string]string) (FaultTable, error) {
	table := DefaultFaultTable()
	for cond, handler := range m {
		c, err := ParseCondition(cond)
		if err != nil {
			return nil, err
		}
		h, err := pdu.ParseHandlerCode(strings.ToLower(handler))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cond, err)
		}
		table[c] = h
	}
	return table, nil
}
