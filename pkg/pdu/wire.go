package pdu

import "fmt"

// malformed wraps ErrMalformedPDU with the failing field
func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedPDU, fmt.Sprintf(format, args...))
}

// fits reports whether v can be encoded in width octets
func fits(v uint64, width int) bool {
	if width >= 8 {
		return true
	}
	return v < uint64(1)<<(8*uint(width))
}

// appendUint appends v big-endian in exactly width octets
func appendUint(b []byte, v uint64, width int) []byte {
	for i := width - 1; i >= 0; i-- {
		b = append(b, byte(v>>(8*uint(i))))
	}
	return b
}

// appendLV appends a length-value string (1-octet length)
func appendLV(b []byte, s string) ([]byte, error) {
	if len(s) > 255 {
		return nil, fmt.Errorf("%w: %d octets", ErrNameTooLong, len(s))
	}
	b = append(b, byte(len(s)))
	return append(b, s...), nil
}

// reader walks a PDU buffer and reports truncation as ErrMalformedPDU
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) u8(field string) (uint8, error) {
	if r.remaining() < 1 {
		return 0, malformed("truncated %s at offset %d", field, r.pos)
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) uint(width int, field string) (uint64, error) {
	if r.remaining() < width {
		return 0, malformed("truncated %s at offset %d (need %d, have %d)", field, r.pos, width, r.remaining())
	}
	var v uint64
	for i := 0; i < width; i++ {
		v = v<<8 | uint64(r.buf[r.pos+i])
	}
	r.pos += width
	return v, nil
}

func (r *reader) bytes(n int, field string) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, malformed("truncated %s at offset %d (need %d, have %d)", field, r.pos, n, r.remaining())
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

func (r *reader) lv(field string) (string, error) {
	n, err := r.u8(field + " length")
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n), field)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) rest() []byte {
	b, _ := r.bytes(r.remaining(), "rest")
	return b
}
