package entity

import (
	"context"
	"sync/atomic"
	"time"

	"avaneesh/cfdp-go/pkg/internal/logger"
	"avaneesh/cfdp-go/pkg/internal/queue"
	"avaneesh/cfdp-go/pkg/mib"
	"avaneesh/cfdp-go/pkg/pdu"
	"avaneesh/cfdp-go/pkg/store"
)

// machine is the role-specific half of a transaction
type machine interface {
	// start runs first on the transaction goroutine
	start()
	onPDU(p *pdu.PDU)
	onTimer(kind timerKind)
	onIO(ev event)
	// cancel ends the transaction with condition, notifying the peer
	cancel(condition pdu.ConditionCode)
	onResume()
	// release closes files once the transaction is over
	release()
}

// transaction holds what senders and receivers share: identity, timers,
// the mailbox and the terminal bookkeeping. All fields are owned by the
// transaction goroutine except status.
type transaction struct {
	e       *Entity
	id      pdu.TransactionID
	role    Role
	peer    pdu.EntityID
	remote  mib.Remote
	mode    pdu.TransmissionMode
	faults  mib.FaultTable
	log     logger.Logger
	machine machine

	// Outbound header settings
	entityIDLen int
	seqLen      int
	crc         bool
	largeFile   bool

	state      State
	suspended  bool
	condition  pdu.ConditionCode
	started    time.Time
	sourceFile string
	destFile   string
	fileSize   uint64
	progress   uint64

	box    *mailbox
	lane   *ioLane
	timers map[timerKind]*queue.Timer
	gens   map[timerKind]uint64
	paused []timerKind
	done   bool

	status atomic.Pointer[Status]
}

func newTransaction(e *Entity, id pdu.TransactionID, role Role, peer pdu.EntityID) *transaction {
	remote := e.mib.Remote(peer)
	t := &transaction{
		e:           e,
		id:          id,
		role:        role,
		peer:        peer,
		remote:      remote,
		mode:        remote.Mode,
		faults:      e.local.Faults,
		log:         e.log,
		entityIDLen: e.local.EntityIDLength,
		seqLen:      e.local.SequenceNumberLength,
		crc:         remote.CRCRequired,
		started:     time.Now(),
		box:         newMailbox(),
		lane:        newIOLane(e.ctx, e.io),
		timers:      make(map[timerKind]*queue.Timer),
		gens:        make(map[timerKind]uint64),
	}
	t.publish()
	return t
}

func (t *transaction) post(ev event) bool {
	return t.box.post(ev)
}

// run is the transaction goroutine
func (t *transaction) run(ctx context.Context) {
	defer t.e.wg.Done()

	t.machine.start()
	t.publish()

	for !t.done {
		select {
		case <-ctx.Done():
			t.stopTimers()
			t.machine.release()
			t.box.close()
			return
		case <-t.box.signal:
			for _, ev := range t.box.drain() {
				if t.done {
					break
				}
				t.dispatch(ev)
			}
			t.publish()
		}
	}
}

func (t *transaction) dispatch(ev event) {
	switch ev := ev.(type) {
	case pduEvent:
		t.machine.onPDU(ev.pdu)
	case timerEvent:
		if ev.gen != t.gens[ev.kind] || t.timers[ev.kind] == nil {
			return
		}
		delete(t.timers, ev.kind)
		t.log.Debug("Transaction %s: %s timer expired", t.id, ev.kind)
		t.machine.onTimer(ev.kind)
	case requestEvent:
		t.onRequest(ev.kind)
	default:
		t.machine.onIO(ev)
	}
}

func (t *transaction) onRequest(kind requestKind) {
	if t.state.Terminal() {
		return
	}
	switch kind {
	case requestCancel:
		t.log.Info("Transaction %s: cancel requested", t.id)
		t.machine.cancel(pdu.CancelRequestReceived)
	case requestSuspend:
		t.suspend(pdu.SuspendRequestReceived)
	case requestResume:
		t.resume()
	case requestReport:
		st := t.snapshot()
		t.indicate(Indication{Kind: IndicationReport, Status: &st})
	case requestPromptNAK, requestPromptKeepAlive:
		if s, ok := t.machine.(*sender); ok {
			s.prompt(kind)
		}
	}
}

// Timers

// startTimer (re)arms a timer; its expiry arrives as a timerEvent
func (t *transaction) startTimer(kind timerKind, d time.Duration) {
	t.stopTimer(kind)
	if d <= 0 || t.suspended {
		return
	}
	gen := t.gens[kind]
	t.timers[kind] = t.e.sched.After(d, func() {
		t.post(timerEvent{kind: kind, gen: gen})
	})
}

func (t *transaction) stopTimer(kind timerKind) {
	if tm := t.timers[kind]; tm != nil {
		t.e.sched.Cancel(tm)
		delete(t.timers, kind)
	}
	t.gens[kind]++
}

func (t *transaction) timerRunning(kind timerKind) bool {
	return t.timers[kind] != nil
}

func (t *transaction) stopTimers() {
	for kind := range t.timers {
		t.stopTimer(kind)
	}
}

// restartInactivity re-arms the inactivity timer on peer activity
func (t *transaction) restartInactivity() {
	if !t.state.Terminal() {
		t.startTimer(timerInactivity, t.remote.InactivityTimer)
	}
}

// Suspension

func (t *transaction) suspend(condition pdu.ConditionCode) {
	if t.suspended {
		return
	}
	t.paused = t.paused[:0]
	for kind := range t.timers {
		t.paused = append(t.paused, kind)
	}
	t.stopTimers()
	t.suspended = true
	t.log.Info("Transaction %s: suspended (%s)", t.id, condition)
	t.indicate(Indication{Kind: IndicationSuspended, Condition: condition})
}

func (t *transaction) resume() {
	if !t.suspended {
		return
	}
	t.suspended = false
	for _, kind := range t.paused {
		t.startTimer(kind, t.timerDuration(kind))
	}
	t.paused = t.paused[:0]
	t.log.Info("Transaction %s: resumed", t.id)
	t.indicate(Indication{Kind: IndicationResumed, Condition: t.condition})
	t.machine.onResume()
}

func (t *transaction) timerDuration(kind timerKind) time.Duration {
	switch kind {
	case timerACK:
		return t.remote.ACKTimer
	case timerNAK:
		return t.remote.NAKTimer
	case timerInactivity:
		return t.remote.InactivityTimer
	case timerCheck:
		return t.remote.CheckTimer
	case timerKeepAlive:
		return t.remote.KeepAliveInterval
	default:
		return 0
	}
}

// Faults

// fault declares a fault and applies the handler configured for it
func (t *transaction) fault(condition pdu.ConditionCode) {
	if t.state.Terminal() {
		return
	}
	handler := t.faults.Handler(condition)
	t.log.Warn("Transaction %s: fault %s, handler %s", t.id, condition, handler)
	t.e.obs.Fault(condition)
	t.indicate(Indication{Kind: IndicationFault, Condition: condition})

	switch handler {
	case pdu.HandlerNoticeOfCancellation:
		t.machine.cancel(condition)
	case pdu.HandlerNoticeOfSuspension:
		t.condition = condition
		t.suspend(condition)
	case pdu.HandlerAbandon:
		t.abandon(condition)
	case pdu.HandlerIgnore:
	}
}

// abandon ends the transaction without notifying the peer
func (t *transaction) abandon(condition pdu.ConditionCode) {
	t.condition = condition
	t.state = StateAbandoned
	t.log.Warn("Transaction %s: abandoned (%s)", t.id, condition)
	t.indicate(Indication{Kind: IndicationAbandoned, Condition: condition})
	t.dispose()
}

// finish reaches a terminal state and emits the Finished indication
func (t *transaction) finish(state State, condition pdu.ConditionCode, ind Indication) {
	t.state = state
	t.condition = condition
	ind.Kind = IndicationFinished
	ind.Condition = condition
	t.log.Info("Transaction %s: %s (%s)", t.id, state, condition)
	t.indicate(ind)
	t.dispose()
}

// dispose removes the transaction from the entity and ends its goroutine
func (t *transaction) dispose() {
	t.stopTimers()
	t.machine.release()
	t.done = true
	t.box.close()

	st := t.snapshot()
	t.status.Store(&st)
	t.e.disposed(t, st)
	t.indicate(Indication{Kind: IndicationDisposed, Status: &st})
}

// Output

func (t *transaction) indicate(ind Indication) {
	ind.ID = t.id
	ind.Role = t.role
	t.e.ind.emit(ind)
}

// header returns the header for PDUs this transaction sends
func (t *transaction) header() pdu.Header {
	h := pdu.Header{
		Mode:                 t.mode,
		CRCPresent:           t.crc,
		LargeFile:            t.largeFile,
		EntityIDLength:       t.entityIDLen,
		SequenceNumberLength: t.seqLen,
		SourceEntityID:       t.id.Source,
		SequenceNumber:       t.id.Seq,
	}
	if t.role == RoleSender {
		h.Direction = pdu.TowardReceiver
		h.DestinationEntityID = t.peer
	} else {
		h.Direction = pdu.TowardSender
		h.DestinationEntityID = t.e.local.ID
	}
	return h
}

// send encodes and transmits a PDU to the peer. Send failures are left to
// the retry timers.
func (t *transaction) send(body pdu.Body) bool {
	return t.e.transmit(pdu.New(t.header(), body), t.peer)
}

func (t *transaction) snapshot() Status {
	return Status{
		ID:         t.id,
		Role:       t.role,
		RoleName:   t.role.String(),
		Peer:       t.peer,
		Mode:       t.mode,
		State:      t.state,
		StateName:  t.state.String(),
		Suspended:  t.suspended,
		SourceFile: t.sourceFile,
		DestFile:   t.destFile,
		FileSize:   t.fileSize,
		Progress:   t.progress,
		Condition:  t.condition,
		Started:    t.started,
	}
}

func (t *transaction) publish() {
	st := t.snapshot()
	t.status.Store(&st)
}

func (t *transaction) record(st Status) store.Record {
	return store.Record{
		ID:         st.ID,
		Role:       st.RoleName,
		Peer:       st.Peer,
		Mode:       st.Mode,
		SourceFile: st.SourceFile,
		DestFile:   st.DestFile,
		FileSize:   st.FileSize,
		Progress:   st.Progress,
		State:      st.StateName,
		Condition:  st.Condition,
		Started:    st.Started,
		Ended:      time.Now(),
	}
}
