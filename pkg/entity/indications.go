package entity

import (
	"fmt"
	"sync"

	"avaneesh/cfdp-go/pkg/internal/logger"
	"avaneesh/cfdp-go/pkg/pdu"
)

// IndicationKind identifies an application indication
type IndicationKind int

const (
	IndicationTransactionStarted IndicationKind = iota
	IndicationMetadataReceived
	IndicationFileSegmentReceived
	IndicationEOFSent
	IndicationEOFReceived
	IndicationFinished
	IndicationFault
	IndicationAbandoned
	IndicationSuspended
	IndicationResumed
	IndicationReport
	IndicationDisposed
)

// String returns string representation of IndicationKind
func (k IndicationKind) String() string {
	switch k {
	case IndicationTransactionStarted:
		return "TransactionStarted"
	case IndicationMetadataReceived:
		return "MetadataReceived"
	case IndicationFileSegmentReceived:
		return "FileSegmentReceived"
	case IndicationEOFSent:
		return "EOFSent"
	case IndicationEOFReceived:
		return "EOFReceived"
	case IndicationFinished:
		return "Finished"
	case IndicationFault:
		return "Fault"
	case IndicationAbandoned:
		return "Abandoned"
	case IndicationSuspended:
		return "Suspended"
	case IndicationResumed:
		return "Resumed"
	case IndicationReport:
		return "Report"
	case IndicationDisposed:
		return "Disposed"
	default:
		return fmt.Sprintf("Indication(%d)", int(k))
	}
}

// Indication is an asynchronous notice to the application. Only the fields
// relevant to the kind are set.
type Indication struct {
	Kind      IndicationKind
	ID        pdu.TransactionID
	Role      Role
	Condition pdu.ConditionCode

	// MetadataReceived
	SourceFile     string
	DestFile       string
	FileSize       uint64
	MessagesToUser []string

	// FileSegmentReceived
	Offset uint64
	Length uint64

	// Finished
	Delivery           pdu.DeliveryCode
	FileStatus         pdu.FileStatus
	FilestoreResponses []pdu.FilestoreResponse

	// Report and Disposed
	Status *Status
}

// String returns string representation of Indication
func (i Indication) String() string {
	return fmt.Sprintf("%s %s %s", i.Kind, i.Role, i.ID)
}

// IndicationHandler receives indications. Calls are made in order from a
// single goroutine; a slow handler delays later indications only.
type IndicationHandler interface {
	OnIndication(ind Indication)
}

// IndicationFunc adapts a function to IndicationHandler
type IndicationFunc func(ind Indication)

// OnIndication implements IndicationHandler
func (f IndicationFunc) OnIndication(ind Indication) {
	f(ind)
}

// dispatcher delivers indications in emission order
type dispatcher struct {
	handler IndicationHandler
	log     logger.Logger

	mu      sync.Mutex
	pending []Indication
	closed  bool
	signal  chan struct{}
	done    chan struct{}
}

func newDispatcher(handler IndicationHandler, log logger.Logger) *dispatcher {
	return &dispatcher{
		handler: handler,
		log:     log,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (d *dispatcher) start() {
	go d.run()
}

// emit queues an indication; it never blocks
func (d *dispatcher) emit(ind Indication) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.pending = append(d.pending, ind)
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for range d.signal {
		d.drain()
	}
	d.drain()
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		batch := d.pending
		d.pending = nil
		d.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, ind := range batch {
			d.deliver(ind)
		}
	}
}

func (d *dispatcher) deliver(ind Indication) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("indication handler panicked on %s: %v", ind, r)
		}
	}()
	if d.handler != nil {
		d.handler.OnIndication(ind)
	}
}

// stop delivers what is queued and then ends the dispatcher
func (d *dispatcher) stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.signal)
	}
	d.mu.Unlock()
	<-d.done
}
