package pdu

import (
	"bytes"
	"fmt"
)

// PDU is one CFDP protocol data unit
type PDU struct {
	Header Header
	Body   Body
}

// New creates a PDU, deriving the header's type and version from the body
func New(h Header, body Body) *PDU {
	h.Version = Version
	if _, ok := body.(*FileData); ok {
		h.Type = TypeFileData
	} else {
		h.Type = TypeFileDirective
	}
	return &PDU{Header: h, Body: body}
}

// Directive returns the directive code, or false for file data PDUs
func (p *PDU) Directive() (DirectiveCode, bool) {
	if d, ok := p.Body.(Directive); ok {
		return d.Code(), true
	}
	return 0, false
}

// TransactionID returns the transaction the PDU belongs to
func (p *PDU) TransactionID() TransactionID {
	return p.Header.TransactionID()
}

// Encode converts the PDU to wire format, appending the CRC when the header asks for it
func (p *PDU) Encode() ([]byte, error) {
	if p.Body == nil {
		return nil, fmt.Errorf("%w: PDU without body", ErrMalformedPDU)
	}
	h := p.Header
	ctx := contextOf(&h)

	var body []byte
	if d, ok := p.Body.(Directive); ok {
		if h.Type != TypeFileDirective {
			return nil, fmt.Errorf("%w: %s body in a file data PDU", ErrMalformedPDU, d.Code())
		}
		body = append(body, byte(d.Code()))
	} else if h.Type != TypeFileData {
		return nil, fmt.Errorf("%w: file data body in a directive PDU", ErrMalformedPDU)
	}
	body, err := p.Body.appendTo(body, ctx)
	if err != nil {
		return nil, err
	}

	dataFieldLen := len(body)
	if h.CRCPresent {
		dataFieldLen += CRCSize
	}

	out := make([]byte, 0, h.Len()+dataFieldLen)
	if out, err = h.appendTo(out, dataFieldLen); err != nil {
		return nil, err
	}
	out = append(out, body...)
	if h.CRCPresent {
		out = AppendCRC(out)
	}
	return out, nil
}

// Decode parses exactly one PDU; trailing octets are an error
func Decode(data []byte) (*PDU, error) {
	p, n, err := DecodeFrom(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, malformed("%d octets after PDU (declared %d, got %d)", len(data)-n, n, len(data))
	}
	return p, nil
}

// DecodeFrom parses the PDU at the start of data and returns it with the number of octets consumed
func DecodeFrom(data []byte) (*PDU, int, error) {
	h, dataFieldLen, headerLen, err := ParseHeader(data)
	if err != nil {
		return nil, 0, err
	}
	total := headerLen + dataFieldLen
	if len(data) < total {
		return nil, 0, malformed("data field length %d exceeds buffer (%d octets after header)", dataFieldLen, len(data)-headerLen)
	}
	frame := data[:total]

	end := total
	if h.CRCPresent {
		if dataFieldLen < CRCSize {
			return nil, 0, malformed("data field length %d too short for CRC", dataFieldLen)
		}
		if !VerifyCRC(frame) {
			return nil, 0, fmt.Errorf("%w: %w", ErrMalformedPDU, ErrInvalidCRC)
		}
		end -= CRCSize
	}

	r := &reader{buf: frame[:end], pos: headerLen}
	ctx := contextOf(&h)

	var body Body
	if h.Type == TypeFileData {
		body, err = decodeFileData(r, ctx)
	} else {
		body, err = decodeDirective(r, ctx)
	}
	if err != nil {
		return nil, 0, err
	}
	return &PDU{Header: h, Body: body}, total, nil
}

func decodeDirective(r *reader, ctx codecContext) (Body, error) {
	code, err := r.u8("directive code")
	if err != nil {
		return nil, err
	}
	switch DirectiveCode(code) {
	case DirectiveMetadata:
		return decodeMetadata(r, ctx)
	case DirectiveEOF:
		return decodeEOF(r, ctx)
	case DirectiveFinished:
		return decodeFinished(r)
	case DirectiveACK:
		return decodeACK(r)
	case DirectiveNAK:
		return decodeNAK(r, ctx)
	case DirectivePrompt:
		return decodePrompt(r)
	case DirectiveKeepAlive:
		return decodeKeepAlive(r, ctx)
	default:
		return nil, malformed("invalid directive code 0x%02X", code)
	}
}

// String returns a string representation of the PDU
func (p *PDU) String() string {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("PDU{%s, %s, %s, ", p.Header.TransactionID(), p.Header.Mode, p.Header.Direction))
	buf.WriteString(fmt.Sprintf("Src=%d, Dst=%d, ", p.Header.SourceEntityID, p.Header.DestinationEntityID))
	if p.Body != nil {
		buf.WriteString(p.Body.String())
	}
	buf.WriteString("}")
	return buf.String()
}
