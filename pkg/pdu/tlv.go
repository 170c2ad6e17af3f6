package pdu

import "fmt"

// TLVType identifies a TLV parameter
type TLVType uint8

const (
	TLVFilestoreRequest     TLVType = 0x00
	TLVFilestoreResponse    TLVType = 0x01
	TLVMessageToUser        TLVType = 0x02
	TLVFaultHandlerOverride TLVType = 0x04
	TLVFlowLabel            TLVType = 0x05
	TLVEntityID             TLVType = 0x06
)

// ActionCode is the filestore action named in a Filestore Request or Response
type ActionCode uint8

const (
	ActionCreateFile      ActionCode = 0
	ActionDeleteFile      ActionCode = 1
	ActionRenameFile      ActionCode = 2
	ActionAppendFile      ActionCode = 3
	ActionReplaceFile     ActionCode = 4
	ActionCreateDirectory ActionCode = 5
	ActionRemoveDirectory ActionCode = 6
	ActionDenyFile        ActionCode = 7
	ActionDenyDirectory   ActionCode = 8
)

// String returns string representation of ActionCode
func (a ActionCode) String() string {
	switch a {
	case ActionCreateFile:
		return "CreateFile"
	case ActionDeleteFile:
		return "DeleteFile"
	case ActionRenameFile:
		return "RenameFile"
	case ActionAppendFile:
		return "AppendFile"
	case ActionReplaceFile:
		return "ReplaceFile"
	case ActionCreateDirectory:
		return "CreateDirectory"
	case ActionRemoveDirectory:
		return "RemoveDirectory"
	case ActionDenyFile:
		return "DenyFile"
	case ActionDenyDirectory:
		return "DenyDirectory"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// HasSecondName reports whether the action takes a second file name
func (a ActionCode) HasSecondName() bool {
	return a == ActionRenameFile || a == ActionAppendFile || a == ActionReplaceFile
}

// TLV is one Type-Length-Value parameter. The set of implementations is closed.
type TLV interface {
	Type() TLVType
	appendValue(b []byte, ctx codecContext) ([]byte, error)
}

// FilestoreRequest asks the receiving filestore to perform an action
type FilestoreRequest struct {
	Action     ActionCode
	FirstName  string
	SecondName string
}

// FilestoreResponse reports the result of a FilestoreRequest
type FilestoreResponse struct {
	Action     ActionCode
	Status     uint8
	FirstName  string
	SecondName string
	Message    string
}

// MessageToUser carries opaque user data along with the transaction
type MessageToUser struct {
	Message []byte
}

// FaultHandlerOverride replaces the MIB fault handler for one condition code
type FaultHandlerOverride struct {
	Condition ConditionCode
	Handler   HandlerCode
}

// FlowLabel is an opaque routing hint for the underlying transport
type FlowLabel struct {
	Label []byte
}

// EntityIDTLV names an entity, e.g. a fault location
type EntityIDTLV struct {
	ID EntityID
}

// RawTLV preserves a TLV of a type this codec does not interpret
type RawTLV struct {
	TLVType TLVType
	Value   []byte
}

func (FilestoreRequest) Type() TLVType     { return TLVFilestoreRequest }
func (FilestoreResponse) Type() TLVType    { return TLVFilestoreResponse }
func (MessageToUser) Type() TLVType        { return TLVMessageToUser }
func (FaultHandlerOverride) Type() TLVType { return TLVFaultHandlerOverride }
func (FlowLabel) Type() TLVType            { return TLVFlowLabel }
func (EntityIDTLV) Type() TLVType          { return TLVEntityID }
func (t RawTLV) Type() TLVType             { return t.TLVType }

func (t FilestoreRequest) appendValue(b []byte, _ codecContext) ([]byte, error) {
	b = append(b, byte(t.Action)<<4)
	b, err := appendLV(b, t.FirstName)
	if err != nil {
		return nil, err
	}
	if t.Action.HasSecondName() {
		return appendLV(b, t.SecondName)
	}
	return b, nil
}

func (t FilestoreResponse) appendValue(b []byte, _ codecContext) ([]byte, error) {
	b = append(b, byte(t.Action)<<4|t.Status&0x0F)
	b, err := appendLV(b, t.FirstName)
	if err != nil {
		return nil, err
	}
	if t.Action.HasSecondName() {
		if b, err = appendLV(b, t.SecondName); err != nil {
			return nil, err
		}
	}
	return appendLV(b, t.Message)
}

// MaxTLVValue is the largest value a TLV length octet can describe
const MaxTLVValue = 255

// Fit shortens the response until its TLV value fits MaxTLVValue octets. The
// message is cut first; names are cut only when they alone overflow, the
// second name before the first.
func (t FilestoreResponse) Fit() FilestoreResponse {
	fixed := 3 + len(t.FirstName) // status octet and the three LV lengths
	if t.Action.HasSecondName() {
		fixed += 1 + len(t.SecondName)
	}
	room := MaxTLVValue - fixed
	if room >= len(t.Message) {
		return t
	}
	if room >= 0 {
		t.Message = t.Message[:room]
		return t
	}
	t.Message = ""
	over := -room
	if t.Action.HasSecondName() {
		cut := min(over, len(t.SecondName))
		t.SecondName = t.SecondName[:len(t.SecondName)-cut]
		over -= cut
	}
	t.FirstName = t.FirstName[:len(t.FirstName)-over]
	return t
}

func (t MessageToUser) appendValue(b []byte, _ codecContext) ([]byte, error) {
	return append(b, t.Message...), nil
}

func (t FaultHandlerOverride) appendValue(b []byte, _ codecContext) ([]byte, error) {
	return append(b, byte(t.Condition)<<4|byte(t.Handler)&0x0F), nil
}

func (t FlowLabel) appendValue(b []byte, _ codecContext) ([]byte, error) {
	return append(b, t.Label...), nil
}

func (t EntityIDTLV) appendValue(b []byte, ctx codecContext) ([]byte, error) {
	if !fits(uint64(t.ID), ctx.entityIDLen) {
		return nil, fmt.Errorf("%w: entity %d in %d octets", ErrFieldOverflow, t.ID, ctx.entityIDLen)
	}
	return appendUint(b, uint64(t.ID), ctx.entityIDLen), nil
}

func (t RawTLV) appendValue(b []byte, _ codecContext) ([]byte, error) {
	return append(b, t.Value...), nil
}

// AppendTLV appends one encoded TLV
func appendTLV(b []byte, t TLV, ctx codecContext) ([]byte, error) {
	start := len(b)
	b = append(b, byte(t.Type()), 0)
	b, err := t.appendValue(b, ctx)
	if err != nil {
		return nil, err
	}
	n := len(b) - start - 2
	if n > MaxTLVValue {
		return nil, fmt.Errorf("%w: %s TLV value is %d octets", ErrNameTooLong, t.Type(), n)
	}
	b[start+1] = byte(n)
	return b, nil
}

// String returns string representation of TLVType
func (t TLVType) String() string {
	switch t {
	case TLVFilestoreRequest:
		return "FilestoreRequest"
	case TLVFilestoreResponse:
		return "FilestoreResponse"
	case TLVMessageToUser:
		return "MessageToUser"
	case TLVFaultHandlerOverride:
		return "FaultHandlerOverride"
	case TLVFlowLabel:
		return "FlowLabel"
	case TLVEntityID:
		return "EntityID"
	default:
		return fmt.Sprintf("TLV(0x%02X)", uint8(t))
	}
}

// readTLV decodes one TLV; a failure inside the value aborts the enclosing PDU
func readTLV(r *reader) (TLV, error) {
	typ, err := r.u8("TLV type")
	if err != nil {
		return nil, err
	}
	n, err := r.u8("TLV length")
	if err != nil {
		return nil, err
	}
	value, err := r.bytes(int(n), TLVType(typ).String()+" TLV value")
	if err != nil {
		return nil, err
	}
	return decodeTLVValue(TLVType(typ), value)
}

func decodeTLVValue(typ TLVType, value []byte) (TLV, error) {
	vr := &reader{buf: value}
	switch typ {
	case TLVFilestoreRequest:
		first, err := vr.u8("filestore request action")
		if err != nil {
			return nil, err
		}
		t := FilestoreRequest{Action: ActionCode(first >> 4)}
		if t.FirstName, err = vr.lv("first file name"); err != nil {
			return nil, err
		}
		if t.Action.HasSecondName() {
			if t.SecondName, err = vr.lv("second file name"); err != nil {
				return nil, err
			}
		}
		return t, trailing(vr, typ)

	case TLVFilestoreResponse:
		first, err := vr.u8("filestore response action")
		if err != nil {
			return nil, err
		}
		t := FilestoreResponse{Action: ActionCode(first >> 4), Status: first & 0x0F}
		if t.FirstName, err = vr.lv("first file name"); err != nil {
			return nil, err
		}
		if t.Action.HasSecondName() {
			if t.SecondName, err = vr.lv("second file name"); err != nil {
				return nil, err
			}
		}
		if t.Message, err = vr.lv("filestore message"); err != nil {
			return nil, err
		}
		return t, trailing(vr, typ)

	case TLVMessageToUser:
		return MessageToUser{Message: vr.rest()}, nil

	case TLVFaultHandlerOverride:
		v, err := vr.u8("fault handler override")
		if err != nil {
			return nil, err
		}
		h := HandlerCode(v & 0x0F)
		if h < HandlerNoticeOfCancellation || h > HandlerAbandon {
			return nil, malformed("invalid fault handler code %d", h)
		}
		return FaultHandlerOverride{Condition: ConditionCode(v >> 4), Handler: h}, trailing(vr, typ)

	case TLVFlowLabel:
		return FlowLabel{Label: vr.rest()}, nil

	case TLVEntityID:
		if len(value) < 1 || len(value) > MaxFieldLength {
			return nil, malformed("entity ID TLV length %d", len(value))
		}
		id, _ := vr.uint(len(value), "entity ID")
		return EntityIDTLV{ID: EntityID(id)}, nil

	default:
		return RawTLV{TLVType: typ, Value: vr.rest()}, nil
	}
}

func trailing(r *reader, typ TLVType) error {
	if r.remaining() != 0 {
		return malformed("%d trailing octets in %s TLV", r.remaining(), typ)
	}
	return nil
}

// EncodeTLVs encodes a TLV list with the given entity ID width (used for fault location TLVs)
func EncodeTLVs(tlvs []TLV, entityIDLen int) ([]byte, error) {
	ctx := codecContext{entityIDLen: entityIDLen}
	var b []byte
	for _, t := range tlvs {
		var err error
		if b, err = appendTLV(b, t, ctx); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// DecodeTLVs decodes a concatenated TLV list
func DecodeTLVs(data []byte) ([]TLV, error) {
	r := &reader{buf: data}
	var out []TLV
	for r.remaining() > 0 {
		t, err := readTLV(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
