// Package segment splits outgoing files into bounded segments and tracks the
// byte ranges received for incoming files.
package segment

import (
	"errors"
	"fmt"
	"io"
)

// Errors
var (
	ErrInvalidLength = errors.New("segment length must be positive")
	ErrOutOfRange    = errors.New("range outside file")
)

// Segment is one file data unit: offset and length within the file
type Segment struct {
	Offset uint64
	Length uint64
}

// End returns the offset just past the segment
func (s Segment) End() uint64 {
	return s.Offset + s.Length
}

// String returns string representation of Segment
func (s Segment) String() string {
	return fmt.Sprintf("[%d,%d)", s.Offset, s.End())
}

// Segmenter produces the segments of a file of known size. It is restartable:
// Reset starts over and Range re-issues any sub-range on the same boundaries
// rules without walking the whole file again.
type Segmenter struct {
	size   uint64
	maxLen uint64
	next   uint64
}

// NewSegmenter creates a segmenter for a file of size octets
func NewSegmenter(size uint64, maxLen int) (*Segmenter, error) {
	if maxLen <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, maxLen)
	}
	return &Segmenter{size: size, maxLen: uint64(maxLen)}, nil
}

// Size returns the file size
func (s *Segmenter) Size() uint64 {
	return s.size
}

// Count returns the number of segments covering the file: ceil(size/maxLen)
func (s *Segmenter) Count() uint64 {
	return (s.size + s.maxLen - 1) / s.maxLen
}

// Next returns the next segment, or false once the file is exhausted
func (s *Segmenter) Next() (Segment, bool) {
	if s.next >= s.size {
		return Segment{}, false
	}
	seg := Segment{Offset: s.next, Length: min(s.maxLen, s.size-s.next)}
	s.next = seg.End()
	return seg, true
}

// Done reports whether every segment has been issued
func (s *Segmenter) Done() bool {
	return s.next >= s.size
}

// Progress returns the offset of the next segment to issue
func (s *Segmenter) Progress() uint64 {
	return s.next
}

// Reset restarts segmentation from offset 0
func (s *Segmenter) Reset() {
	s.next = 0
}

// Range splits [start, end) into segments no longer than the maximum length
func (s *Segmenter) Range(start, end uint64) ([]Segment, error) {
	if start > end || end > s.size {
		return nil, fmt.Errorf("%w: [%d,%d) of %d", ErrOutOfRange, start, end, s.size)
	}
	var out []Segment
	for off := start; off < end; {
		n := min(s.maxLen, end-off)
		out = append(out, Segment{Offset: off, Length: n})
		off += n
	}
	return out, nil
}

// Read fills a segment's bytes from r
func Read(r io.ReaderAt, seg Segment) ([]byte, error) {
	buf := make([]byte, seg.Length)
	n, err := r.ReadAt(buf, int64(seg.Offset))
	if n == len(buf) {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("read %s: %w", seg, err)
}
