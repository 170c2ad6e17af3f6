// Package store persists transaction sequence numbers and the history of
// disposed transactions.
package store

import (
	"sync"
	"time"

	"avaneesh/cfdp-go/pkg/pdu"
)

// Record describes one disposed transaction
type Record struct {
	ID         pdu.TransactionID    `json:"id"`
	Role       string               `json:"role"` // sender or receiver
	Peer       pdu.EntityID         `json:"peer"`
	Mode       pdu.TransmissionMode `json:"mode"`
	SourceFile string               `json:"source_file"`
	DestFile   string               `json:"dest_file"`
	FileSize   uint64               `json:"file_size"`
	Progress   uint64               `json:"progress"`
	State      string               `json:"state"`
	Condition  pdu.ConditionCode    `json:"condition"`
	Started    time.Time            `json:"started"`
	Ended      time.Time            `json:"ended"`
}

// Store hands out sequence numbers and keeps transaction history
type Store interface {
	// NextSequence returns a sequence number never returned before by this store
	NextSequence() (pdu.SequenceNumber, error)
	// Append records a disposed transaction
	Append(rec Record) error
	// History returns up to limit records, most recent first; limit <= 0 means all
	History(limit int) ([]Record, error)
	Close() error
}

// Memory is a Store that lives only as long as the process
type Memory struct {
	mu      sync.Mutex
	seq     uint64
	records []Record
	max     int
}

// NewMemory creates an in-memory store keeping at most max records (0 = unbounded)
func NewMemory(max int) *Memory {
	return &Memory{max: max}
}

// NextSequence implements Store
func (m *Memory) NextSequence() (pdu.SequenceNumber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return pdu.SequenceNumber(m.seq), nil
}

// Append implements Store
func (m *Memory) Append(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	if m.max > 0 && len(m.records) > m.max {
		m.records = m.records[len(m.records)-m.max:]
	}
	return nil
}

// History implements Store
func (m *Memory) History(limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, 0, n)
	for i := len(m.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

// Close implements Store
func (m *Memory) Close() error {
	return nil
}
