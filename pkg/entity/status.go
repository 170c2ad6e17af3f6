package entity

import (
	"time"

	"avaneesh/cfdp-go/pkg/pdu"
)

// Role is the side of a transaction the local entity plays
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

// String returns string representation of Role
func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

// State is a transaction state. Sender and receiver share the terminal states.
type State int

const (
	StateInit State = iota

	// Sender
	StateMetadataSent
	StateDataInFlight
	StateEOFSent
	StateWaitForFinished

	// Receiver
	StateReceivingMetadata
	StateReceivingData
	StateEOFReceived
	StateSendingFinished

	// Terminal
	StateFinished
	StateCancelled
	StateAbandoned
)

// String returns string representation of State
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateMetadataSent:
		return "MetadataSent"
	case StateDataInFlight:
		return "DataInFlight"
	case StateEOFSent:
		return "EOFSent"
	case StateWaitForFinished:
		return "WaitForFinished"
	case StateReceivingMetadata:
		return "ReceivingMetadata"
	case StateReceivingData:
		return "ReceivingData"
	case StateEOFReceived:
		return "EOFReceived"
	case StateSendingFinished:
		return "SendingFinished"
	case StateFinished:
		return "Finished"
	case StateCancelled:
		return "Cancelled"
	case StateAbandoned:
		return "Abandoned"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transitions are possible
func (s State) Terminal() bool {
	return s == StateFinished || s == StateCancelled || s == StateAbandoned
}

// Status is a point-in-time view of a transaction
type Status struct {
	ID         pdu.TransactionID    `json:"id"`
	Role       Role                 `json:"-"`
	RoleName   string               `json:"role"`
	Peer       pdu.EntityID         `json:"peer"`
	Mode       pdu.TransmissionMode `json:"mode"`
	State      State                `json:"-"`
	StateName  string               `json:"state"`
	Suspended  bool                 `json:"suspended"`
	SourceFile string               `json:"source_file,omitempty"`
	DestFile   string               `json:"dest_file,omitempty"`
	FileSize   uint64               `json:"file_size"`
	Progress   uint64               `json:"progress"` // Octets sent (sender) or received (receiver)
	Condition  pdu.ConditionCode    `json:"condition"`
	Started    time.Time            `json:"started"`
}
