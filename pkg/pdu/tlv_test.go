package pdu

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestTLVs_RoundTrip(t *testing.T) {
	tlvs := []TLV{
		FilestoreRequest{Action: ActionCreateDirectory, FirstName: "/out"},
		FilestoreRequest{Action: ActionReplaceFile, FirstName: "a", SecondName: "b"},
		FilestoreResponse{Action: ActionDenyFile, Status: 0, FirstName: "gone"},
		MessageToUser{Message: []byte("ping")},
		FaultHandlerOverride{Condition: InactivityDetected, Handler: HandlerAbandon},
		FlowLabel{Label: []byte{0x07}},
		EntityIDTLV{ID: 0x0102},
		RawTLV{TLVType: 0x30, Value: []byte{1, 2, 3}},
	}

	data, err := EncodeTLVs(tlvs, 2)
	if err != nil {
		t.Fatalf("EncodeTLVs() error = %v", err)
	}
	got, err := DecodeTLVs(data)
	if err != nil {
		t.Fatalf("DecodeTLVs() error = %v", err)
	}
	if !reflect.DeepEqual(got, tlvs) {
		t.Errorf("DecodeTLVs() = %+v, want %+v", got, tlvs)
	}
}

func TestTLV_Layout(t *testing.T) {
	data, err := EncodeTLVs([]TLV{FilestoreRequest{Action: ActionRenameFile, FirstName: "a", SecondName: "bc"}}, 1)
	if err != nil {
		t.Fatalf("EncodeTLVs() error = %v", err)
	}
	want := []byte{0x00, 0x06, 0x20, 0x01, 'a', 0x02, 'b', 'c'}
	if !reflect.DeepEqual(data, want) {
		t.Errorf("EncodeTLVs() = % X, want % X", data, want)
	}
}

func TestDecodeTLVs_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"missing length", []byte{0x02}},
		{"value truncated", []byte{0x02, 0x05, 'a'}},
		{"name length beyond value", []byte{0x00, 0x02, 0x00, 0x05}},
		{"trailing octets in request", []byte{0x00, 0x03, 0x10, 0x00, 0xFF}},
		{"invalid handler code", []byte{0x04, 0x01, 0x5F}},
		{"entity ID too wide", []byte{0x06, 0x09, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeTLVs(tt.data); !errors.Is(err, ErrMalformedPDU) {
				t.Errorf("DecodeTLVs() error = %v, want ErrMalformedPDU", err)
			}
		})
	}
}

func TestEncodeTLVs_EntityOverflow(t *testing.T) {
	_, err := EncodeTLVs([]TLV{EntityIDTLV{ID: 300}}, 1)
	if !errors.Is(err, ErrFieldOverflow) {
		t.Errorf("EncodeTLVs() error = %v, want ErrFieldOverflow", err)
	}
}

func TestFilestoreResponse_Fit(t *testing.T) {
	long := strings.Repeat("n", 201)
	tests := []struct {
		name string
		resp FilestoreResponse
	}{
		{"short", FilestoreResponse{Action: ActionDeleteFile, Status: 1, FirstName: "a", Message: "a does not exist"}},
		{"long message", FilestoreResponse{Action: ActionDeleteFile, Status: 1, FirstName: long, Message: "/" + long + " does not exist"}},
		{"two long names", FilestoreResponse{Action: ActionRenameFile, Status: 2, FirstName: long, SecondName: long, Message: "exists"}},
		{"names at the limit", FilestoreResponse{Action: ActionAppendFile, Status: 1, FirstName: strings.Repeat("a", 255), SecondName: strings.Repeat("b", 255)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.resp.Fit()
			data, err := EncodeTLVs([]TLV{got}, 1)
			if err != nil {
				t.Fatalf("EncodeTLVs(Fit()) error = %v", err)
			}
			if len(data) > 2+MaxTLVValue {
				t.Errorf("encoded %d octets", len(data))
			}
			if !strings.HasPrefix(tt.resp.FirstName, got.FirstName) || !strings.HasPrefix(tt.resp.Message, got.Message) {
				t.Errorf("Fit() = %+v, not a prefix of the input", got)
			}
			if got.Status != tt.resp.Status || got.Action != tt.resp.Action {
				t.Errorf("Fit() changed action or status: %+v", got)
			}
			decoded, err := DecodeTLVs(data)
			if err != nil || !reflect.DeepEqual(decoded, []TLV{got}) {
				t.Errorf("DecodeTLVs() = %+v, %v, want %+v", decoded, err, got)
			}
		})
	}

	short := FilestoreResponse{Action: ActionCreateFile, FirstName: "x", Message: "fine"}
	if got := short.Fit(); got != short {
		t.Errorf("Fit() = %+v, want it unchanged", got)
	}
}
