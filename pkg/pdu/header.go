package pdu

import "fmt"

// EntityID identifies a CFDP entity
type EntityID uint64

// SequenceNumber is the transaction sequence number assigned by the source entity
type SequenceNumber uint64

// TransactionID uniquely identifies a transaction: (source entity, sequence number)
type TransactionID struct {
	Source EntityID
	Seq    SequenceNumber
}

// String returns string representation of TransactionID
func (t TransactionID) String() string {
	return fmt.Sprintf("%d:%d", t.Source, t.Seq)
}

// Header is the fixed + variable CFDP PDU header
type Header struct {
	Version             uint8
	Type                PDUType
	Direction           Direction
	Mode                TransmissionMode
	CRCPresent          bool
	LargeFile           bool
	SegmentationControl bool // Record boundaries respected
	SegmentMetadata     bool // File data PDUs carry segment metadata

	EntityIDLength       int // Width of entity IDs in octets (1-8)
	SequenceNumberLength int // Width of the sequence number in octets (1-8)

	SourceEntityID      EntityID
	SequenceNumber      SequenceNumber
	DestinationEntityID EntityID
}

// Len returns the encoded header length in octets
func (h *Header) Len() int {
	return FixedHeaderSize + 2*h.EntityIDLength + h.SequenceNumberLength
}

// TransactionID returns the transaction this PDU belongs to
func (h *Header) TransactionID() TransactionID {
	return TransactionID{Source: h.SourceEntityID, Seq: h.SequenceNumber}
}

// FSSLen returns the width of file-size-sensitive fields
func (h *Header) FSSLen() int {
	if h.LargeFile {
		return 8
	}
	return 4
}

// Peer returns the remote entity from the point of view of the PDU's recipient
func (h *Header) Peer() EntityID {
	if h.Direction == TowardReceiver {
		return h.SourceEntityID
	}
	return h.DestinationEntityID
}

func (h *Header) validate() error {
	if h.EntityIDLength < 1 || h.EntityIDLength > MaxFieldLength {
		return fmt.Errorf("%w: entity ID length %d", ErrInvalidFieldWidth, h.EntityIDLength)
	}
	if h.SequenceNumberLength < 1 || h.SequenceNumberLength > MaxFieldLength {
		return fmt.Errorf("%w: sequence number length %d", ErrInvalidFieldWidth, h.SequenceNumberLength)
	}
	if !fits(uint64(h.SourceEntityID), h.EntityIDLength) {
		return fmt.Errorf("%w: source entity %d in %d octets", ErrFieldOverflow, h.SourceEntityID, h.EntityIDLength)
	}
	if !fits(uint64(h.DestinationEntityID), h.EntityIDLength) {
		return fmt.Errorf("%w: destination entity %d in %d octets", ErrFieldOverflow, h.DestinationEntityID, h.EntityIDLength)
	}
	if !fits(uint64(h.SequenceNumber), h.SequenceNumberLength) {
		return fmt.Errorf("%w: sequence number %d in %d octets", ErrFieldOverflow, h.SequenceNumber, h.SequenceNumberLength)
	}
	return nil
}

// appendTo appends the encoded header; dataFieldLen includes the CRC if present
func (h *Header) appendTo(b []byte, dataFieldLen int) ([]byte, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	if dataFieldLen > MaxDataFieldLength {
		return nil, fmt.Errorf("%w: %d octets", ErrDataFieldTooLong, dataFieldLen)
	}

	first := (h.Version & 0x07) << hdrVersionShift
	if h.Type == TypeFileData {
		first |= hdrTypeBit
	}
	if h.Direction == TowardSender {
		first |= hdrDirectionBit
	}
	if h.Mode == Unacknowledged {
		first |= hdrModeBit
	}
	if h.CRCPresent {
		first |= hdrCRCBit
	}
	if h.LargeFile {
		first |= hdrLargeFileBit
	}

	fourth := byte(h.EntityIDLength-1)<<hdrEntityLenShift | byte(h.SequenceNumberLength-1)
	if h.SegmentationControl {
		fourth |= hdrSegCtrlBit
	}
	if h.SegmentMetadata {
		fourth |= hdrSegMetaBit
	}

	b = append(b, first, byte(dataFieldLen>>8), byte(dataFieldLen), fourth)
	b = appendUint(b, uint64(h.SourceEntityID), h.EntityIDLength)
	b = appendUint(b, uint64(h.SequenceNumber), h.SequenceNumberLength)
	b = appendUint(b, uint64(h.DestinationEntityID), h.EntityIDLength)
	return b, nil
}

// ParseHeader decodes the header at the start of data.
// It returns the header, the declared data field length and the header length.
func ParseHeader(data []byte) (Header, int, int, error) {
	var h Header
	if len(data) < FixedHeaderSize {
		return h, 0, 0, malformed("header truncated (%d octets)", len(data))
	}

	first := data[0]
	h.Version = first >> hdrVersionShift
	if h.Version != Version {
		return h, 0, 0, malformed("unsupported version %d", h.Version)
	}
	if first&hdrTypeBit != 0 {
		h.Type = TypeFileData
	}
	if first&hdrDirectionBit != 0 {
		h.Direction = TowardSender
	}
	if first&hdrModeBit != 0 {
		h.Mode = Unacknowledged
	}
	h.CRCPresent = first&hdrCRCBit != 0
	h.LargeFile = first&hdrLargeFileBit != 0

	dataFieldLen := int(data[1])<<8 | int(data[2])

	fourth := data[3]
	h.SegmentationControl = fourth&hdrSegCtrlBit != 0
	h.SegmentMetadata = fourth&hdrSegMetaBit != 0
	h.EntityIDLength = int((fourth>>hdrEntityLenShift)&hdrLenMask) + 1
	h.SequenceNumberLength = int(fourth&hdrLenMask) + 1

	r := &reader{buf: data, pos: FixedHeaderSize}
	src, err := r.uint(h.EntityIDLength, "source entity ID")
	if err != nil {
		return h, 0, 0, err
	}
	seq, err := r.uint(h.SequenceNumberLength, "sequence number")
	if err != nil {
		return h, 0, 0, err
	}
	dst, err := r.uint(h.EntityIDLength, "destination entity ID")
	if err != nil {
		return h, 0, 0, err
	}
	h.SourceEntityID = EntityID(src)
	h.SequenceNumber = SequenceNumber(seq)
	h.DestinationEntityID = EntityID(dst)

	return h, dataFieldLen, r.pos, nil
}
