package checksum

import "hash/crc32"

// modular is the CFDP modular checksum: the file is viewed as big-endian
// 32-bit words aligned on file offset 0 (the last word zero padded) and
// the words are summed modulo 2^32.
type modular struct {
	sum uint32
}

// NewModular creates a modular checksum accumulator
func NewModular() Checksum { return &modular{} }

func (m *modular) Update(data []byte, offset uint64) Checksum {
	i := 0
	// Leading bytes up to the next word boundary
	for ; i < len(data) && (offset+uint64(i))%4 != 0; i++ {
		m.sum += uint32(data[i]) << (8 * (3 - (offset+uint64(i))%4))
	}
	for ; i+4 <= len(data); i += 4 {
		m.sum += uint32(data[i])<<24 | uint32(data[i+1])<<16 | uint32(data[i+2])<<8 | uint32(data[i+3])
	}
	for ; i < len(data); i++ {
		m.sum += uint32(data[i]) << (8 * (3 - (offset+uint64(i))%4))
	}
	return m
}

func (m *modular) Sum32() uint32 { return m.sum }

type null struct{}

// NewNull creates the null checksum, which is always zero
func NewNull() Checksum { return null{} }

func (n null) Update([]byte, uint64) Checksum { return n }
func (null) Sum32() uint32                    { return 0 }

// sequential adapts a streaming CRC to offset-addressed updates. Segments
// that arrive ahead of the running offset are held until the gap closes.
type sequential struct {
	crc     uint32
	next    uint64
	pending map[uint64][]byte
	update  func(crc uint32, p []byte) uint32
	final   func(crc uint32) uint32
}

func (s *sequential) Update(data []byte, offset uint64) Checksum {
	end := offset + uint64(len(data))
	switch {
	case end <= s.next:
		return s // already covered
	case offset > s.next:
		if s.pending == nil {
			s.pending = make(map[uint64][]byte)
		}
		s.pending[offset] = append([]byte(nil), data...)
		return s
	}
	s.crc = s.update(s.crc, data[s.next-offset:])
	s.next = end
	s.drain()
	return s
}

func (s *sequential) drain() {
	for progressed := true; progressed && len(s.pending) > 0; {
		progressed = false
		for off, data := range s.pending {
			if off > s.next {
				continue
			}
			delete(s.pending, off)
			if end := off + uint64(len(data)); end > s.next {
				s.crc = s.update(s.crc, data[s.next-off:])
				s.next = end
			}
			progressed = true
		}
	}
}

func (s *sequential) Sum32() uint32 { return s.final(s.crc) }

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// NewCRC32 creates an IEEE 802.3 CRC-32 accumulator
func NewCRC32() Checksum {
	return &sequential{
		update: func(crc uint32, p []byte) uint32 { return crc32.Update(crc, crc32.IEEETable, p) },
		final:  func(crc uint32) uint32 { return crc },
	}
}

// NewCRC32C creates a Castagnoli CRC-32 accumulator
func NewCRC32C() Checksum {
	return &sequential{
		update: func(crc uint32, p []byte) uint32 { return crc32.Update(crc, castagnoli, p) },
		final:  func(crc uint32) uint32 { return crc },
	}
}

// Proximity-1 CRC-32: polynomial 0x00A00805, not reflected, zero initial value, no final XOR

var prox1Table [256]uint32

func init() {
	const poly uint32 = 0x00A00805

	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		prox1Table[i] = crc
	}
}

func prox1Update(crc uint32, p []byte) uint32 {
	for _, b := range p {
		crc = (crc << 8) ^ prox1Table[byte(crc>>24)^b]
	}
	return crc
}

// NewProximity1 creates a Proximity-1 CRC-32 accumulator
func NewProximity1() Checksum {
	return &sequential{
		update: prox1Update,
		final:  func(crc uint32) uint32 { return crc },
	}
}
