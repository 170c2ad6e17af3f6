package pdu

import "fmt"

// codecContext carries the header settings body codecs depend on
type codecContext struct {
	entityIDLen int
	fssLen      int
	segMeta     bool
}

func contextOf(h *Header) codecContext {
	return codecContext{entityIDLen: h.EntityIDLength, fssLen: h.FSSLen(), segMeta: h.SegmentMetadata}
}

// Body is the closed set of PDU bodies: the file directives below and FileData.
type Body interface {
	String() string
	appendTo(b []byte, ctx codecContext) ([]byte, error)
}

// Directive is a file directive body
type Directive interface {
	Body
	Code() DirectiveCode
}

// Metadata opens a transaction
type Metadata struct {
	ClosureRequested bool
	ChecksumType     uint8
	FileSize         uint64
	SourceFileName   string
	DestFileName     string
	Options          []TLV // Filestore requests, messages to user, fault handler overrides, flow label
}

// EOF closes the data phase of a transaction
type EOF struct {
	Condition     ConditionCode
	Checksum      uint32
	FileSize      uint64
	FaultLocation *EntityID
}

// Finished reports the receiver's completion of a transaction
type Finished struct {
	Condition          ConditionCode
	Delivery           DeliveryCode
	Status             FileStatus
	FilestoreResponses []FilestoreResponse
	FaultLocation      *EntityID
}

// ACK acknowledges an EOF or Finished PDU
type ACK struct {
	Directive DirectiveCode // EOF or Finished
	Condition ConditionCode
	Status    TransactionStatus
}

// SegmentRequest is a missing byte range [Start, End)
type SegmentRequest struct {
	Start uint64
	End   uint64
}

// NAK requests retransmission of the listed ranges within the scope [ScopeStart, ScopeEnd)
type NAK struct {
	ScopeStart uint64
	ScopeEnd   uint64
	Segments   []SegmentRequest
}

// Prompt asks the receiver for a NAK or Keep Alive
type Prompt struct {
	Kind PromptKind
}

// KeepAlive reports the receiver's progress
type KeepAlive struct {
	Progress uint64
}

// FileData carries one file segment
type FileData struct {
	Offset          uint64
	Continuation    RecordContinuation // Only encoded when the header's SegmentMetadata flag is set
	SegmentMetadata []byte
	Data            []byte
}

func (*Metadata) Code() DirectiveCode  { return DirectiveMetadata }
func (*EOF) Code() DirectiveCode       { return DirectiveEOF }
func (*Finished) Code() DirectiveCode  { return DirectiveFinished }
func (*ACK) Code() DirectiveCode       { return DirectiveACK }
func (*NAK) Code() DirectiveCode       { return DirectiveNAK }
func (*Prompt) Code() DirectiveCode    { return DirectivePrompt }
func (*KeepAlive) Code() DirectiveCode { return DirectiveKeepAlive }

func appendFSS(b []byte, v uint64, ctx codecContext, field string) ([]byte, error) {
	if !fits(v, ctx.fssLen) {
		return nil, fmt.Errorf("%w: %s %d needs the large file flag", ErrFieldOverflow, field, v)
	}
	return appendUint(b, v, ctx.fssLen), nil
}

func appendFaultLocation(b []byte, loc *EntityID, ctx codecContext) ([]byte, error) {
	if loc == nil {
		return b, nil
	}
	return appendTLV(b, EntityIDTLV{ID: *loc}, ctx)
}

func (m *Metadata) appendTo(b []byte, ctx codecContext) ([]byte, error) {
	if m.ChecksumType > 0x0F {
		return nil, fmt.Errorf("%w: checksum type %d", ErrFieldOverflow, m.ChecksumType)
	}
	first := m.ChecksumType
	if m.ClosureRequested {
		first |= 0x40
	}
	b = append(b, first)
	b, err := appendFSS(b, m.FileSize, ctx, "file size")
	if err != nil {
		return nil, err
	}
	if b, err = appendLV(b, m.SourceFileName); err != nil {
		return nil, err
	}
	if b, err = appendLV(b, m.DestFileName); err != nil {
		return nil, err
	}
	for _, t := range m.Options {
		if b, err = appendTLV(b, t, ctx); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (e *EOF) appendTo(b []byte, ctx codecContext) ([]byte, error) {
	b = append(b, byte(e.Condition)<<4)
	b = appendUint(b, uint64(e.Checksum), 4)
	b, err := appendFSS(b, e.FileSize, ctx, "file size")
	if err != nil {
		return nil, err
	}
	return appendFaultLocation(b, e.FaultLocation, ctx)
}

func (f *Finished) appendTo(b []byte, ctx codecContext) ([]byte, error) {
	b = append(b, byte(f.Condition)<<4|byte(f.Delivery&0x01)<<2|byte(f.Status&0x03))
	var err error
	for _, r := range f.FilestoreResponses {
		if b, err = appendTLV(b, r, ctx); err != nil {
			return nil, err
		}
	}
	return appendFaultLocation(b, f.FaultLocation, ctx)
}

func (a *ACK) appendTo(b []byte, _ codecContext) ([]byte, error) {
	if a.Directive != DirectiveEOF && a.Directive != DirectiveFinished {
		return nil, fmt.Errorf("%w: ACK of %s", ErrInvalidACK, a.Directive)
	}
	var subtype byte
	if a.Directive == DirectiveFinished {
		subtype = 1
	}
	return append(b, byte(a.Directive)<<4|subtype, byte(a.Condition)<<4|byte(a.Status&0x03)), nil
}

func (n *NAK) appendTo(b []byte, ctx codecContext) ([]byte, error) {
	b, err := appendFSS(b, n.ScopeStart, ctx, "scope start")
	if err != nil {
		return nil, err
	}
	if b, err = appendFSS(b, n.ScopeEnd, ctx, "scope end"); err != nil {
		return nil, err
	}
	for _, s := range n.Segments {
		if b, err = appendFSS(b, s.Start, ctx, "segment start"); err != nil {
			return nil, err
		}
		if b, err = appendFSS(b, s.End, ctx, "segment end"); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (p *Prompt) appendTo(b []byte, _ codecContext) ([]byte, error) {
	return append(b, byte(p.Kind&0x01)<<7), nil
}

func (k *KeepAlive) appendTo(b []byte, ctx codecContext) ([]byte, error) {
	return appendFSS(b, k.Progress, ctx, "progress")
}

func (d *FileData) appendTo(b []byte, ctx codecContext) ([]byte, error) {
	if ctx.segMeta {
		if len(d.SegmentMetadata) > MaxSegmentMetadata {
			return nil, fmt.Errorf("%w: segment metadata is %d octets", ErrFieldOverflow, len(d.SegmentMetadata))
		}
		b = append(b, byte(d.Continuation&0x03)<<6|byte(len(d.SegmentMetadata)))
		b = append(b, d.SegmentMetadata...)
	} else if len(d.SegmentMetadata) > 0 || d.Continuation != RecordNone {
		return nil, fmt.Errorf("%w: segment metadata without the header flag", ErrMalformedPDU)
	}
	b, err := appendFSS(b, d.Offset, ctx, "offset")
	if err != nil {
		return nil, err
	}
	return append(b, d.Data...), nil
}

// Body decoders. Each consumes the whole body after the directive code.

func readFaultLocation(r *reader) (*EntityID, error) {
	if r.remaining() == 0 {
		return nil, nil
	}
	t, err := readTLV(r)
	if err != nil {
		return nil, err
	}
	id, ok := t.(EntityIDTLV)
	if !ok {
		return nil, malformed("expected fault location TLV, got %s", t.Type())
	}
	if r.remaining() != 0 {
		return nil, malformed("%d trailing octets after fault location", r.remaining())
	}
	loc := id.ID
	return &loc, nil
}

func decodeMetadata(r *reader, ctx codecContext) (*Metadata, error) {
	first, err := r.u8("metadata flags")
	if err != nil {
		return nil, err
	}
	m := &Metadata{ClosureRequested: first&0x40 != 0, ChecksumType: first & 0x0F}
	if m.FileSize, err = r.uint(ctx.fssLen, "file size"); err != nil {
		return nil, err
	}
	if m.SourceFileName, err = r.lv("source file name"); err != nil {
		return nil, err
	}
	if m.DestFileName, err = r.lv("destination file name"); err != nil {
		return nil, err
	}
	for r.remaining() > 0 {
		t, err := readTLV(r)
		if err != nil {
			return nil, err
		}
		m.Options = append(m.Options, t)
	}
	return m, nil
}

func decodeEOF(r *reader, ctx codecContext) (*EOF, error) {
	first, err := r.u8("condition code")
	if err != nil {
		return nil, err
	}
	e := &EOF{Condition: ConditionCode(first >> 4)}
	sum, err := r.uint(4, "checksum")
	if err != nil {
		return nil, err
	}
	e.Checksum = uint32(sum)
	if e.FileSize, err = r.uint(ctx.fssLen, "file size"); err != nil {
		return nil, err
	}
	if e.FaultLocation, err = readFaultLocation(r); err != nil {
		return nil, err
	}
	return e, nil
}

func decodeFinished(r *reader) (*Finished, error) {
	first, err := r.u8("finished status")
	if err != nil {
		return nil, err
	}
	f := &Finished{
		Condition: ConditionCode(first >> 4),
		Delivery:  DeliveryCode(first >> 2 & 0x01),
		Status:    FileStatus(first & 0x03),
	}
	for r.remaining() > 0 {
		t, err := readTLV(r)
		if err != nil {
			return nil, err
		}
		switch v := t.(type) {
		case FilestoreResponse:
			f.FilestoreResponses = append(f.FilestoreResponses, v)
		case EntityIDTLV:
			loc := v.ID
			f.FaultLocation = &loc
		default:
			return nil, malformed("unexpected %s TLV in Finished", t.Type())
		}
	}
	return f, nil
}

func decodeACK(r *reader) (*ACK, error) {
	first, err := r.u8("acknowledged directive")
	if err != nil {
		return nil, err
	}
	second, err := r.u8("ACK condition")
	if err != nil {
		return nil, err
	}
	a := &ACK{
		Directive: DirectiveCode(first >> 4),
		Condition: ConditionCode(second >> 4),
		Status:    TransactionStatus(second & 0x03),
	}
	if a.Directive != DirectiveEOF && a.Directive != DirectiveFinished {
		return nil, malformed("ACK of %s", a.Directive)
	}
	if r.remaining() != 0 {
		return nil, malformed("%d trailing octets in ACK", r.remaining())
	}
	return a, nil
}

func decodeNAK(r *reader, ctx codecContext) (*NAK, error) {
	n := &NAK{}
	var err error
	if n.ScopeStart, err = r.uint(ctx.fssLen, "scope start"); err != nil {
		return nil, err
	}
	if n.ScopeEnd, err = r.uint(ctx.fssLen, "scope end"); err != nil {
		return nil, err
	}
	if r.remaining()%(2*ctx.fssLen) != 0 {
		return nil, malformed("NAK segment list of %d octets", r.remaining())
	}
	for r.remaining() > 0 {
		var s SegmentRequest
		s.Start, _ = r.uint(ctx.fssLen, "segment start")
		s.End, _ = r.uint(ctx.fssLen, "segment end")
		n.Segments = append(n.Segments, s)
	}
	return n, nil
}

func decodePrompt(r *reader) (*Prompt, error) {
	v, err := r.u8("prompt kind")
	if err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, malformed("%d trailing octets in Prompt", r.remaining())
	}
	return &Prompt{Kind: PromptKind(v >> 7)}, nil
}

func decodeKeepAlive(r *reader, ctx codecContext) (*KeepAlive, error) {
	v, err := r.uint(ctx.fssLen, "progress")
	if err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, malformed("%d trailing octets in KeepAlive", r.remaining())
	}
	return &KeepAlive{Progress: v}, nil
}

func decodeFileData(r *reader, ctx codecContext) (*FileData, error) {
	d := &FileData{}
	if ctx.segMeta {
		v, err := r.u8("segment metadata length")
		if err != nil {
			return nil, err
		}
		d.Continuation = RecordContinuation(v >> 6)
		if d.SegmentMetadata, err = r.bytes(int(v&0x3F), "segment metadata"); err != nil {
			return nil, err
		}
	}
	var err error
	if d.Offset, err = r.uint(ctx.fssLen, "offset"); err != nil {
		return nil, err
	}
	d.Data = r.rest()
	return d, nil
}

func (m *Metadata) String() string {
	return fmt.Sprintf("Metadata{%q -> %q, size=%d, checksum=%d, closure=%v, options=%d}",
		m.SourceFileName, m.DestFileName, m.FileSize, m.ChecksumType, m.ClosureRequested, len(m.Options))
}

func (e *EOF) String() string {
	return fmt.Sprintf("EOF{%s, size=%d, checksum=0x%08X}", e.Condition, e.FileSize, e.Checksum)
}

func (f *Finished) String() string {
	return fmt.Sprintf("Finished{%s, delivery=%d, status=%d, responses=%d}",
		f.Condition, f.Delivery, f.Status, len(f.FilestoreResponses))
}

func (a *ACK) String() string {
	return fmt.Sprintf("ACK{%s, %s, status=%d}", a.Directive, a.Condition, a.Status)
}

func (n *NAK) String() string {
	return fmt.Sprintf("NAK{scope=[%d,%d), segments=%v}", n.ScopeStart, n.ScopeEnd, n.Segments)
}

func (p *Prompt) String() string {
	return fmt.Sprintf("Prompt{%s}", p.Kind)
}

func (k *KeepAlive) String() string {
	return fmt.Sprintf("KeepAlive{progress=%d}", k.Progress)
}

func (d *FileData) String() string {
	return fmt.Sprintf("FileData{offset=%d, len=%d}", d.Offset, len(d.Data))
}
