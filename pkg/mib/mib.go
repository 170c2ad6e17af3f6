package mib

import (
	"sort"
	"time"

	"avaneesh/cfdp-go/pkg/checksum"
	"avaneesh/cfdp-go/pkg/pdu"
)

// FaultTable maps fault condition codes to the handler invoked when they are declared
type FaultTable map[pdu.ConditionCode]pdu.HandlerCode

// DefaultFaultTable returns the default handlers. Conditions not listed are cancelled.
func DefaultFaultTable() FaultTable {
	return FaultTable{
		pdu.PositiveACKLimitReached: pdu.HandlerAbandon,
		pdu.KeepAliveLimitReached:   pdu.HandlerNoticeOfCancellation,
		pdu.InvalidTransmissionMode: pdu.HandlerNoticeOfCancellation,
		pdu.FilestoreRejection:      pdu.HandlerNoticeOfCancellation,
		pdu.FileChecksumFailure:     pdu.HandlerIgnore,
		pdu.FileSizeError:           pdu.HandlerNoticeOfCancellation,
		pdu.NAKLimitReached:         pdu.HandlerNoticeOfCancellation,
		pdu.InactivityDetected:      pdu.HandlerNoticeOfCancellation,
		pdu.InvalidFileStructure:    pdu.HandlerNoticeOfCancellation,
		pdu.CheckLimitReached:       pdu.HandlerNoticeOfCancellation,
		pdu.UnsupportedChecksumType: pdu.HandlerIgnore,
	}
}

// Handler returns the handler for a condition
func (t FaultTable) Handler(c pdu.ConditionCode) pdu.HandlerCode {
	if h, ok := t[c]; ok {
		return h
	}
	return pdu.HandlerNoticeOfCancellation
}

// With returns a copy of the table with per-transaction overrides applied
func (t FaultTable) With(overrides []pdu.FaultHandlerOverride) FaultTable {
	if len(overrides) == 0 {
		return t
	}
	out := make(FaultTable, len(t)+len(overrides))
	for c, h := range t {
		out[c] = h
	}
	for _, o := range overrides {
		out[o.Condition] = o.Handler
	}
	return out
}

// Local is the resolved local entity record
type Local struct {
	ID                   pdu.EntityID
	EntityIDLength       int
	SequenceNumberLength int
	MaxConcurrentIO      int
	RetentionWindow      time.Duration
	HistoryLimit         int
	Faults               FaultTable
}

// Remote is the resolved record for one remote entity
type Remote struct {
	ID        pdu.EntityID
	Address   string
	Transport string

	Mode             pdu.TransmissionMode
	Checksum         checksum.ID
	MaxSegmentLength int
	CRCRequired      bool

	PositiveACKRequired bool
	NAKRequired         bool
	ImmediateNAK        bool
	ClosureRequested    bool
	RetainIncomplete    bool

	ACKTimer        time.Duration
	ACKLimit        int
	NAKTimer        time.Duration
	NAKLimit        int
	InactivityTimer time.Duration
	CheckTimer      time.Duration
	CheckLimit      int

	KeepAliveInterval         time.Duration
	KeepAliveDiscrepancyLimit uint64
}

// MIB is the immutable runtime view of a Config. It is safe for concurrent reads.
type MIB struct {
	local    Local
	defaults Remote
	remotes  map[pdu.EntityID]Remote
}

// New resolves a validated config into a MIB
func New(cfg *Config) (*MIB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	faults, err := ParseFaultHandlers(cfg.Local.FaultHandlers)
	if err != nil {
		return nil, err
	}
	m := &MIB{
		local: Local{
			ID:                   pdu.EntityID(cfg.Local.ID),
			EntityIDLength:       cfg.Local.EntityIDLength,
			SequenceNumberLength: cfg.Local.SequenceNumberLength,
			MaxConcurrentIO:      cfg.Local.MaxConcurrentIO,
			RetentionWindow:      cfg.Local.RetentionWindow.D(),
			HistoryLimit:         cfg.Local.HistoryLimit,
			Faults:               faults,
		},
		defaults: resolve(cfg.Defaults),
		remotes:  make(map[pdu.EntityID]Remote, len(cfg.Remotes)),
	}
	for _, r := range cfg.Remotes {
		m.remotes[pdu.EntityID(r.ID)] = resolve(r)
	}
	return m, nil
}

func resolve(r RemoteConfig) Remote {
	mode := pdu.Acknowledged
	if r.DefaultClass == 1 {
		mode = pdu.Unacknowledged
	}
	id, _ := checksum.ParseID(r.Checksum)
	return Remote{
		ID:                        pdu.EntityID(r.ID),
		Address:                   r.Address,
		Transport:                 r.Transport,
		Mode:                      mode,
		Checksum:                  id,
		MaxSegmentLength:          r.MaxSegmentLength,
		CRCRequired:               r.CRCRequired,
		PositiveACKRequired:       r.PositiveACKRequired,
		NAKRequired:               r.NAKRequired,
		ImmediateNAK:              r.ImmediateNAK,
		ClosureRequested:          r.ClosureRequested,
		RetainIncomplete:          r.RetainIncomplete,
		ACKTimer:                  r.ACKTimer.D(),
		ACKLimit:                  r.ACKLimit,
		NAKTimer:                  r.NAKTimer.D(),
		NAKLimit:                  r.NAKLimit,
		InactivityTimer:           r.InactivityTimer.D(),
		CheckTimer:                r.CheckTimer.D(),
		CheckLimit:                r.CheckLimit,
		KeepAliveInterval:         r.KeepAliveInterval.D(),
		KeepAliveDiscrepancyLimit: r.KeepAliveDiscrepancyLimit,
	}
}

// Local returns the local entity record
func (m *MIB) Local() Local {
	return m.local
}

// Remote returns the record for id, falling back to the defaults for unlisted entities
func (m *MIB) Remote(id pdu.EntityID) Remote {
	if r, ok := m.remotes[id]; ok {
		return r
	}
	r := m.defaults
	r.ID = id
	return r
}

// Known reports whether id is listed explicitly
func (m *MIB) Known(id pdu.EntityID) bool {
	_, ok := m.remotes[id]
	return ok
}

// Remotes returns the listed remote entities ordered by ID
func (m *MIB) Remotes() []Remote {
	out := make([]Remote, 0, len(m.remotes))
	for _, r := range m.remotes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Address returns the network address configured for a listed remote entity
func (m *MIB) Address(id pdu.EntityID) (string, bool) {
	r, ok := m.remotes[id]
	if !ok || r.Address == "" {
		return "", false
	}
	return r.Address, true
}
