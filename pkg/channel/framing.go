package channel

import (
	"fmt"
	"io"

	"avaneesh/cfdp-go/pkg/pdu"
)

// ReadPDU reads one PDU from a byte stream. PDUs are self-delimiting: the
// fixed header gives the field widths and the data field length.
func ReadPDU(r io.Reader) ([]byte, error) {
	fixed := make([]byte, pdu.FixedHeaderSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, err
	}
	if version := fixed[0] >> 5; version != pdu.Version {
		return nil, fmt.Errorf("%w: stream out of sync (version %d)", pdu.ErrMalformedPDU, version)
	}

	entityLen := int((fixed[3]>>4)&0x07) + 1
	seqLen := int(fixed[3]&0x07) + 1
	dataFieldLen := int(fixed[1])<<8 | int(fixed[2])
	total := pdu.FixedHeaderSize + 2*entityLen + seqLen + dataFieldLen

	frame := make([]byte, total)
	copy(frame, fixed)
	if _, err := io.ReadFull(r, frame[pdu.FixedHeaderSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}
