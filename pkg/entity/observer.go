package entity

import "avaneesh/cfdp-go/pkg/pdu"

// Observer receives engine events for metrics. Implementations must be safe
// for concurrent use and must not block.
type Observer interface {
	PDUSent(kind string, octets int)
	PDUReceived(kind string, octets int)
	MalformedPDU()
	TransportError()
	TransactionStarted(role Role)
	TransactionEnded(role Role, state State, condition pdu.ConditionCode)
	Fault(condition pdu.ConditionCode)
	FileData(role Role, octets int, retransmit bool)
}

type nopObserver struct{}

func (nopObserver) PDUSent(string, int)                             {}
func (nopObserver) PDUReceived(string, int)                         {}
func (nopObserver) MalformedPDU()                                   {}
func (nopObserver) TransportError()                                 {}
func (nopObserver) TransactionStarted(Role)                         {}
func (nopObserver) TransactionEnded(Role, State, pdu.ConditionCode) {}
func (nopObserver) Fault(pdu.ConditionCode)                         {}
func (nopObserver) FileData(Role, int, bool)                        {}

// pduKind names a PDU for metrics labels
func pduKind(p *pdu.PDU) string {
	if code, ok := p.Directive(); ok {
		return code.String()
	}
	return "FileData"
}
