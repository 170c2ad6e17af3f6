package entity

import (
	"avaneesh/cfdp-go/pkg/checksum"
	"avaneesh/cfdp-go/pkg/filestore"
	"avaneesh/cfdp-go/pkg/pdu"
	"avaneesh/cfdp-go/pkg/segment"
)

// sender is the outgoing transaction state machine:
// Init -> MetadataSent -> DataInFlight -> EOFSent -> WaitForFinished -> terminal
type sender struct {
	*transaction

	metadata *pdu.Metadata
	file     filestore.File
	seg      *segment.Segmenter
	sum      checksum.Checksum

	reading  bool
	retx     []segment.Segment
	eof      *pdu.EOF
	ackCount int
}

func newSender(e *Entity, id pdu.TransactionID, req resolvedPut) *sender {
	t := newTransaction(e, id, RoleSender, req.Destination)
	t.mode = req.Mode
	t.sourceFile = req.SourceFile
	t.destFile = req.DestFile
	t.fileSize = req.FileSize
	t.largeFile = req.FileSize > 0xFFFFFFFF
	t.faults = t.faults.With(req.FaultHandlers)

	s := &sender{
		transaction: t,
		metadata: &pdu.Metadata{
			ClosureRequested: req.ClosureRequested,
			ChecksumType:     uint8(req.Checksum),
			FileSize:         req.FileSize,
			SourceFileName:   req.SourceFile,
			DestFileName:     req.DestFile,
			Options:          req.options(),
		},
		seg: req.segmenter,
		sum: req.sum,
	}
	t.machine = s
	return s
}

func (s *sender) start() {
	s.e.obs.TransactionStarted(RoleSender)
	s.log.Info("Transaction %s: put %q -> entity %d %q (%s, %d octets)",
		s.id, s.sourceFile, s.peer, s.destFile, s.mode, s.fileSize)
	s.indicate(Indication{Kind: IndicationTransactionStarted, SourceFile: s.sourceFile, DestFile: s.destFile, FileSize: s.fileSize})

	if s.sourceFile == "" {
		// Metadata only: no file data phase
		s.sendMetadata()
		s.sendEOF()
		return
	}

	name, fs := s.sourceFile, s.e.fs
	s.lane.submit(func() {
		f, err := fs.OpenRead(name)
		if !s.post(openedEvent{file: f, err: err}) && f != nil {
			f.Close()
		}
	})
}

func (s *sender) sendMetadata() {
	s.send(s.metadata)
	if s.state == StateInit {
		s.state = StateMetadataSent
	}
}

func (s *sender) onIO(ev event) {
	switch ev := ev.(type) {
	case openedEvent:
		if ev.err != nil {
			s.log.Error("Transaction %s: open %s: %v", s.id, s.sourceFile, ev.err)
			s.filestoreFault()
			return
		}
		if s.state.Terminal() {
			ev.file.Close()
			return
		}
		s.file = ev.file
		s.sendMetadata()
		s.state = StateDataInFlight
		s.pump()

	case readEvent:
		s.reading = false
		if s.state.Terminal() {
			return
		}
		if ev.err != nil {
			s.log.Error("Transaction %s: %v", s.id, ev.err)
			s.filestoreFault()
			return
		}
		if !ev.retransmit {
			s.sum.Update(ev.data, ev.seg.Offset)
			s.progress = ev.seg.End()
		}
		s.send(&pdu.FileData{Offset: ev.seg.Offset, Data: ev.data})
		s.e.obs.FileData(RoleSender, len(ev.data), ev.retransmit)
		s.pump()
	}
}

// filestoreFault fails the transaction after a filestore error. The fault is
// reported, then the transaction is cancelled whatever the handler says,
// since it cannot make progress without its file.
func (s *sender) filestoreFault() {
	s.e.obs.Fault(pdu.FilestoreRejection)
	s.indicate(Indication{Kind: IndicationFault, Condition: pdu.FilestoreRejection})
	s.cancel(pdu.FilestoreRejection)
}

// pump keeps one segment read in flight. Retransmissions go first; once the
// segmenter is exhausted the EOF goes out.
func (s *sender) pump() {
	if s.reading || s.suspended || s.file == nil || s.state.Terminal() {
		return
	}

	var seg segment.Segment
	retransmit := false
	if len(s.retx) > 0 {
		seg, s.retx = s.retx[0], s.retx[1:]
		retransmit = true
	} else if next, ok := s.seg.Next(); ok {
		seg = next
	} else {
		if s.eof == nil {
			s.sendEOF()
		}
		return
	}

	s.reading = true
	file := s.file
	s.lane.submit(func() {
		data, err := segment.Read(file, seg)
		s.post(readEvent{seg: seg, data: data, retransmit: retransmit, err: err})
	})
}

// sendEOF closes the data phase with condition NoError
func (s *sender) sendEOF() {
	s.eof = &pdu.EOF{Condition: pdu.NoError, Checksum: s.sum.Sum32(), FileSize: s.fileSize}
	s.progress = s.fileSize
	s.send(s.eof)
	s.indicate(Indication{Kind: IndicationEOFSent})

	if s.mode == pdu.Unacknowledged {
		if !s.metadata.ClosureRequested {
			s.finish(StateFinished, pdu.NoError, Indication{Delivery: pdu.DataComplete, FileStatus: pdu.FileStatusUnreported})
			return
		}
		s.state = StateWaitForFinished
		s.restartInactivity()
		return
	}

	if s.remote.PositiveACKRequired {
		s.state = StateEOFSent
		s.ackCount = 0
		s.startTimer(timerACK, s.remote.ACKTimer)
	} else {
		s.state = StateWaitForFinished
	}
	s.restartInactivity()
}

func (s *sender) onPDU(p *pdu.PDU) {
	if s.state.Terminal() {
		return
	}
	if s.eof != nil {
		s.restartInactivity()
	}

	switch body := p.Body.(type) {
	case *pdu.ACK:
		if body.Directive == pdu.DirectiveEOF && s.state == StateEOFSent {
			s.stopTimer(timerACK)
			s.state = StateWaitForFinished
		}

	case *pdu.NAK:
		s.onNAK(body)

	case *pdu.Finished:
		s.onFinished(body)

	case *pdu.KeepAlive:
		if s.progress > body.Progress && s.progress-body.Progress > s.remote.KeepAliveDiscrepancyLimit {
			s.log.Warn("Transaction %s: receiver at %d, sent %d", s.id, body.Progress, s.progress)
			s.fault(pdu.KeepAliveLimitReached)
		}

	default:
		s.log.Debug("Transaction %s: ignoring %s", s.id, p.Body)
	}
}

func (s *sender) onNAK(nak *pdu.NAK) {
	if s.mode == pdu.Unacknowledged {
		return
	}
	for _, req := range nak.Segments {
		if req.Start == 0 && req.End == 0 {
			s.log.Debug("Transaction %s: metadata requested", s.id)
			s.send(s.metadata)
			continue
		}
		segs, err := s.seg.Range(req.Start, req.End)
		if err != nil {
			s.log.Warn("Transaction %s: NAK %v", s.id, err)
			continue
		}
		s.retx = append(s.retx, segs...)
	}
	s.pump()
}

func (s *sender) onFinished(fin *pdu.Finished) {
	if s.mode == pdu.Acknowledged {
		s.send(&pdu.ACK{Directive: pdu.DirectiveFinished, Condition: fin.Condition, Status: pdu.StatusTerminated})
	}
	state := StateFinished
	if fin.Condition == pdu.CancelRequestReceived {
		state = StateCancelled
	}
	s.finish(state, fin.Condition, Indication{Delivery: fin.Delivery, FileStatus: fin.Status, FilestoreResponses: fin.FilestoreResponses})
}

func (s *sender) onTimer(kind timerKind) {
	switch kind {
	case timerACK:
		if s.state != StateEOFSent {
			return
		}
		if s.ackCount >= s.remote.ACKLimit {
			s.fault(pdu.PositiveACKLimitReached)
			return
		}
		s.ackCount++
		s.log.Debug("Transaction %s: resending EOF (%d/%d)", s.id, s.ackCount, s.remote.ACKLimit)
		s.send(s.eof)
		s.startTimer(timerACK, s.remote.ACKTimer)

	case timerInactivity:
		s.fault(pdu.InactivityDetected)
	}
}

// cancel sends EOF carrying condition and ends the transaction without
// waiting for the receiver
func (s *sender) cancel(condition pdu.ConditionCode) {
	if s.state.Terminal() {
		return
	}
	s.stopTimers()
	if s.state != StateInit {
		loc := s.e.local.ID
		s.eof = &pdu.EOF{Condition: condition, Checksum: s.sum.Sum32(), FileSize: s.progress, FaultLocation: &loc}
		s.send(s.eof)
	}
	s.finish(StateCancelled, condition, Indication{Delivery: pdu.DataIncomplete, FileStatus: pdu.FileStatusUnreported})
}

func (s *sender) prompt(kind requestKind) {
	if s.mode != pdu.Acknowledged || s.state == StateInit {
		return
	}
	p := &pdu.Prompt{Kind: pdu.PromptNAK}
	if kind == requestPromptKeepAlive {
		p.Kind = pdu.PromptKeepAlive
	}
	s.send(p)
}

func (s *sender) onResume() {
	s.pump()
}

func (s *sender) release() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}
