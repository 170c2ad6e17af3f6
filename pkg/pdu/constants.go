package pdu

import (
	"errors"
	"fmt"
)

// CFDP PDU Constants

// Version is the protocol version field value for CFDP version 2 ('001')
const Version uint8 = 0x01

// Header sizes
const (
	FixedHeaderSize    = 4     // Octets before the variable-length entity/sequence fields
	MaxFieldLength     = 8     // Maximum entity ID / sequence number width in octets
	MaxDataFieldLength = 65535 // Data field length is a 16-bit field
	CRCSize            = 2     // Trailing CRC when the CRC flag is set
	MaxSegmentMetadata = 63    // Segment metadata length is a 6-bit field
)

// Fixed header bits
const (
	hdrVersionShift   = 5
	hdrTypeBit        = 0x10
	hdrDirectionBit   = 0x08
	hdrModeBit        = 0x04
	hdrCRCBit         = 0x02
	hdrLargeFileBit   = 0x01
	hdrSegCtrlBit     = 0x80
	hdrEntityLenShift = 4
	hdrSegMetaBit     = 0x08
	hdrLenMask        = 0x07
)

// PDUType distinguishes file directive PDUs from file data PDUs
type PDUType uint8

const (
	TypeFileDirective PDUType = 0
	TypeFileData      PDUType = 1
)

// String returns string representation of PDUType
func (t PDUType) String() string {
	if t == TypeFileData {
		return "FileData"
	}
	return "FileDirective"
}

// Direction indicates which side of the transaction the PDU travels toward
type Direction uint8

const (
	TowardReceiver Direction = 0
	TowardSender   Direction = 1
)

// String returns string representation of Direction
func (d Direction) String() string {
	if d == TowardSender {
		return "Receiver->Sender"
	}
	return "Sender->Receiver"
}

// TransmissionMode selects acknowledged (Class 2) or unacknowledged (Class 1) delivery
type TransmissionMode uint8

const (
	Acknowledged   TransmissionMode = 0 // Class 2
	Unacknowledged TransmissionMode = 1 // Class 1
)

// String returns string representation of TransmissionMode
func (m TransmissionMode) String() string {
	if m == Unacknowledged {
		return "Class1"
	}
	return "Class2"
}

// DirectiveCode identifies the file directive carried by a PDU
type DirectiveCode uint8

const (
	DirectiveEOF       DirectiveCode = 0x04
	DirectiveFinished  DirectiveCode = 0x05
	DirectiveACK       DirectiveCode = 0x06
	DirectiveMetadata  DirectiveCode = 0x07
	DirectiveNAK       DirectiveCode = 0x08
	DirectivePrompt    DirectiveCode = 0x09
	DirectiveKeepAlive DirectiveCode = 0x0C
)

// String returns string representation of DirectiveCode
func (c DirectiveCode) String() string {
	switch c {
	case DirectiveEOF:
		return "EOF"
	case DirectiveFinished:
		return "Finished"
	case DirectiveACK:
		return "ACK"
	case DirectiveMetadata:
		return "Metadata"
	case DirectiveNAK:
		return "NAK"
	case DirectivePrompt:
		return "Prompt"
	case DirectiveKeepAlive:
		return "KeepAlive"
	default:
		return fmt.Sprintf("Directive(0x%02X)", uint8(c))
	}
}

// ConditionCode reports the outcome or fault of a transaction
type ConditionCode uint8

const (
	NoError                 ConditionCode = 0
	PositiveACKLimitReached ConditionCode = 1
	KeepAliveLimitReached   ConditionCode = 2
	InvalidTransmissionMode ConditionCode = 3
	FilestoreRejection      ConditionCode = 4
	FileChecksumFailure     ConditionCode = 5
	FileSizeError           ConditionCode = 6
	NAKLimitReached         ConditionCode = 7
	InactivityDetected      ConditionCode = 8
	InvalidFileStructure    ConditionCode = 9
	CheckLimitReached       ConditionCode = 10
	UnsupportedChecksumType ConditionCode = 11
	SuspendRequestReceived  ConditionCode = 14
	CancelRequestReceived   ConditionCode = 15
)

// String returns string representation of ConditionCode
func (c ConditionCode) String() string {
	switch c {
	case NoError:
		return "NoError"
	case PositiveACKLimitReached:
		return "PositiveACKLimitReached"
	case KeepAliveLimitReached:
		return "KeepAliveLimitReached"
	case InvalidTransmissionMode:
		return "InvalidTransmissionMode"
	case FilestoreRejection:
		return "FilestoreRejection"
	case FileChecksumFailure:
		return "FileChecksumFailure"
	case FileSizeError:
		return "FileSizeError"
	case NAKLimitReached:
		return "NAKLimitReached"
	case InactivityDetected:
		return "InactivityDetected"
	case InvalidFileStructure:
		return "InvalidFileStructure"
	case CheckLimitReached:
		return "CheckLimitReached"
	case UnsupportedChecksumType:
		return "UnsupportedChecksumType"
	case SuspendRequestReceived:
		return "SuspendRequestReceived"
	case CancelRequestReceived:
		return "CancelRequestReceived"
	default:
		return fmt.Sprintf("Condition(%d)", uint8(c))
	}
}

// IsFault reports whether the code names a fault rather than a normal outcome
func (c ConditionCode) IsFault() bool {
	return c != NoError && c != SuspendRequestReceived && c != CancelRequestReceived
}

// DeliveryCode reports whether all file data reached the receiver
type DeliveryCode uint8

const (
	DataComplete   DeliveryCode = 0
	DataIncomplete DeliveryCode = 1
)

// String returns string representation of DeliveryCode
func (d DeliveryCode) String() string {
	if d == DataComplete {
		return "DataComplete"
	}
	return "DataIncomplete"
}

// FileStatus reports the disposition of the delivered file
type FileStatus uint8

const (
	FileDiscardedDeliberately FileStatus = 0
	FileDiscardedByFilestore  FileStatus = 1
	FileRetained              FileStatus = 2
	FileStatusUnreported      FileStatus = 3
)

// String returns string representation of FileStatus
func (f FileStatus) String() string {
	switch f {
	case FileDiscardedDeliberately:
		return "FileDiscardedDeliberately"
	case FileDiscardedByFilestore:
		return "FileDiscardedByFilestore"
	case FileRetained:
		return "FileRetained"
	default:
		return "FileStatusUnreported"
	}
}

// TransactionStatus is carried in ACK PDUs
type TransactionStatus uint8

const (
	StatusUndefined    TransactionStatus = 0
	StatusActive       TransactionStatus = 1
	StatusTerminated   TransactionStatus = 2
	StatusUnrecognized TransactionStatus = 3
)

// PromptKind is the response requested by a Prompt PDU
type PromptKind uint8

const (
	PromptNAK       PromptKind = 0
	PromptKeepAlive PromptKind = 1
)

// String returns string representation of PromptKind
func (k PromptKind) String() string {
	if k == PromptKeepAlive {
		return "KeepAlive"
	}
	return "NAK"
}

// RecordContinuation is the record boundary state carried with segment metadata
type RecordContinuation uint8

const (
	RecordNone  RecordContinuation = 0
	RecordStart RecordContinuation = 1
	RecordEnd   RecordContinuation = 2
	RecordBoth  RecordContinuation = 3
)

// HandlerCode selects the action taken when a fault is declared
type HandlerCode uint8

const (
	HandlerNoticeOfCancellation HandlerCode = 1
	HandlerNoticeOfSuspension   HandlerCode = 2
	HandlerIgnore               HandlerCode = 3
	HandlerAbandon              HandlerCode = 4
)

// String returns string representation of HandlerCode
func (h HandlerCode) String() string {
	switch h {
	case HandlerNoticeOfCancellation:
		return "cancel"
	case HandlerNoticeOfSuspension:
		return "suspend"
	case HandlerIgnore:
		return "ignore"
	case HandlerAbandon:
		return "abandon"
	default:
		return fmt.Sprintf("handler(%d)", uint8(h))
	}
}

// ParseHandlerCode converts a config name to a HandlerCode
func ParseHandlerCode(s string) (HandlerCode, error) {
	switch s {
	case "cancel":
		return HandlerNoticeOfCancellation, nil
	case "suspend":
		return HandlerNoticeOfSuspension, nil
	case "ignore":
		return HandlerIgnore, nil
	case "abandon":
		return HandlerAbandon, nil
	default:
		return 0, fmt.Errorf("unknown fault handler %q", s)
	}
}

// Errors
var (
	ErrMalformedPDU      = errors.New("malformed PDU")
	ErrInvalidCRC        = errors.New("invalid CRC")
	ErrFieldOverflow     = errors.New("value does not fit field width")
	ErrInvalidFieldWidth = errors.New("invalid field width")
	ErrDataFieldTooLong  = errors.New("data field too long")
	ErrNameTooLong       = errors.New("LV value longer than 255 octets")
	ErrInvalidACK        = errors.New("only EOF and Finished can be acknowledged")
)
