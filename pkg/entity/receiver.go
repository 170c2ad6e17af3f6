package entity

import (
	"io"

	"avaneesh/cfdp-go/pkg/checksum"
	"avaneesh/cfdp-go/pkg/filestore"
	"avaneesh/cfdp-go/pkg/pdu"
	"avaneesh/cfdp-go/pkg/segment"
)

const verifyChunk = 64 * 1024

// receiver is the incoming transaction state machine:
// Init -> ReceivingMetadata -> ReceivingData -> EOFReceived -> SendingFinished -> terminal
type receiver struct {
	*transaction

	metadata *pdu.Metadata
	checksum checksum.ID
	verify   bool // checksum type is supported
	closure  bool
	requests []pdu.FilestoreRequest

	reasm    *segment.Reassembler
	file     filestore.File
	tempName string
	creating bool
	backlog  []*pdu.FileData // data waiting for the temp file
	writes   int             // writes in flight
	released bool            // temp file handed to deliver

	eof        *pdu.EOF
	verifying  bool
	delivering bool
	fin        *pdu.Finished
	result     Indication
	peerCancel bool

	nakCount   int
	ackCount   int
	checkCount int
}

// newReceiver creates the receiving side of a transaction first seen in h
func newReceiver(e *Entity, h pdu.Header) *receiver {
	t := newTransaction(e, h.TransactionID(), RoleReceiver, h.SourceEntityID)
	t.mode = h.Mode
	t.entityIDLen = h.EntityIDLength
	t.seqLen = h.SequenceNumberLength
	t.crc = h.CRCPresent
	t.largeFile = h.LargeFile

	r := &receiver{transaction: t, reasm: segment.NewReassembler()}
	t.machine = r
	return r
}

func (r *receiver) start() {
	r.e.obs.TransactionStarted(RoleReceiver)
	r.state = StateReceivingMetadata
	r.restartInactivity()
	if r.mode == pdu.Acknowledged {
		r.startTimer(timerKeepAlive, r.remote.KeepAliveInterval)
	}
}

func (r *receiver) onPDU(p *pdu.PDU) {
	if r.state.Terminal() {
		return
	}
	r.restartInactivity()

	switch body := p.Body.(type) {
	case *pdu.Metadata:
		r.onMetadata(body)
	case *pdu.FileData:
		r.onFileData(body)
	case *pdu.EOF:
		r.onEOF(body)
	case *pdu.ACK:
		if body.Directive == pdu.DirectiveFinished && r.state == StateSendingFinished {
			r.stopTimer(timerACK)
			r.finish(StateFinished, r.fin.Condition, r.result)
		}
	case *pdu.Prompt:
		if r.mode != pdu.Acknowledged {
			return
		}
		if body.Kind == pdu.PromptKeepAlive {
			r.sendKeepAlive()
		} else {
			r.sendNAK()
		}
	default:
		r.log.Debug("Transaction %s: ignoring %s", r.id, p.Body)
	}
}

func (r *receiver) onMetadata(md *pdu.Metadata) {
	if r.metadata != nil {
		return
	}
	r.metadata = md
	r.sourceFile = md.SourceFileName
	r.destFile = md.DestFileName
	r.fileSize = md.FileSize
	r.closure = md.ClosureRequested
	r.checksum = checksum.ID(md.ChecksumType)

	var messages []string
	var overrides []pdu.FaultHandlerOverride
	for _, opt := range md.Options {
		switch o := opt.(type) {
		case pdu.FilestoreRequest:
			r.requests = append(r.requests, o)
		case pdu.MessageToUser:
			messages = append(messages, string(o.Message))
		case pdu.FaultHandlerOverride:
			overrides = append(overrides, o)
		}
	}
	r.faults = r.faults.With(overrides)
	if r.state == StateReceivingMetadata {
		r.state = StateReceivingData
	}

	r.log.Info("Transaction %s: receiving %q -> %q (%s, %d octets)", r.id, r.sourceFile, r.destFile, r.mode, r.fileSize)
	r.indicate(Indication{
		Kind:           IndicationMetadataReceived,
		SourceFile:     r.sourceFile,
		DestFile:       r.destFile,
		FileSize:       r.fileSize,
		MessagesToUser: messages,
	})

	r.verify = r.e.checksums.Supported(r.checksum)
	if !r.verify {
		r.log.Warn("Transaction %s: checksum type %d not supported", r.id, r.checksum)
		r.fault(pdu.UnsupportedChecksumType)
		if r.state.Terminal() {
			return
		}
	}

	if r.hasFile() {
		r.createTemp()
	}
	r.checkCompletion()
}

// hasFile reports whether the transaction carries file data. Data seen
// before the metadata counts.
func (r *receiver) hasFile() bool {
	if r.metadata == nil {
		return true
	}
	return r.metadata.DestFileName != "" || r.reasm.MaxEnd() > 0
}

func (r *receiver) createTemp() {
	if r.file != nil || r.creating {
		return
	}
	r.creating = true
	fs, dest := r.e.fs, r.destFile
	r.lane.submit(func() {
		f, name, err := fs.CreateTemp(dest)
		if !r.post(tempEvent{file: f, name: name, err: err}) && err == nil {
			f.Close()
			fs.Remove(name)
		}
	})
}

func (r *receiver) onFileData(fd *pdu.FileData) {
	if r.verifying || r.delivering || r.state == StateSendingFinished {
		return
	}
	n := uint64(len(fd.Data))
	if n == 0 {
		return
	}
	if end := fd.Offset + n; end < fd.Offset || r.eof != nil && end > r.eof.FileSize {
		r.log.Warn("Transaction %s: segment at %d+%d past the file size", r.id, fd.Offset, n)
		r.fault(pdu.FileSizeError)
		return
	}
	if r.reasm.Contains(fd.Offset, n) {
		r.log.Debug("Transaction %s: duplicate segment at %d", r.id, fd.Offset)
		return
	}

	prevEnd := r.reasm.MaxEnd()
	r.reasm.Add(fd.Offset, n)
	r.progress = r.reasm.Received()
	r.e.obs.FileData(RoleReceiver, len(fd.Data), false)
	if r.state == StateReceivingMetadata && r.metadata != nil {
		r.state = StateReceivingData
	}

	if fd.Offset > prevEnd && r.mode == pdu.Acknowledged && r.remote.NAKRequired && r.remote.ImmediateNAK && r.eof == nil {
		r.send(&pdu.NAK{
			ScopeStart: prevEnd,
			ScopeEnd:   fd.Offset,
			Segments:   []pdu.SegmentRequest{{Start: prevEnd, End: fd.Offset}},
		})
	}

	r.indicate(Indication{Kind: IndicationFileSegmentReceived, Offset: fd.Offset, Length: n})

	if r.file == nil {
		r.backlog = append(r.backlog, fd)
		r.createTemp()
		return
	}
	r.write(fd)
}

func (r *receiver) write(fd *pdu.FileData) {
	r.writes++
	file := r.file
	seg := segment.Segment{Offset: fd.Offset, Length: uint64(len(fd.Data))}
	r.lane.submit(func() {
		_, err := file.WriteAt(fd.Data, int64(fd.Offset))
		r.post(writtenEvent{seg: seg, err: err})
	})
}

func (r *receiver) onEOF(eof *pdu.EOF) {
	if eof.Condition != pdu.NoError {
		r.log.Info("Transaction %s: cancelled by sender (%s)", r.id, eof.Condition)
		if r.mode == pdu.Acknowledged {
			r.ackEOF(eof.Condition)
		}
		r.peerCancel = true
		r.cancel(eof.Condition)
		return
	}
	if r.eof != nil {
		if r.mode == pdu.Acknowledged {
			r.ackEOF(eof.Condition)
		}
		return
	}

	r.eof = eof
	r.fileSize = eof.FileSize
	if r.mode == pdu.Acknowledged {
		r.ackEOF(pdu.NoError)
	}
	if r.state != StateReceivingMetadata {
		r.state = StateEOFReceived
	}
	r.indicate(Indication{Kind: IndicationEOFReceived})

	if r.reasm.MaxEnd() > eof.FileSize {
		r.log.Warn("Transaction %s: data past declared size %d", r.id, eof.FileSize)
		r.fault(pdu.FileSizeError)
		if r.state.Terminal() {
			return
		}
	}
	r.checkCompletion()
}

func (r *receiver) ackEOF(condition pdu.ConditionCode) {
	r.send(&pdu.ACK{Directive: pdu.DirectiveEOF, Condition: condition, Status: pdu.StatusActive})
}

// checkCompletion verifies the file once metadata, EOF and every octet are in
// and written. Otherwise it starts gap recovery.
func (r *receiver) checkCompletion() {
	if r.eof == nil || r.suspended || r.verifying || r.delivering || r.fin != nil || r.state.Terminal() {
		return
	}

	if r.metadata != nil && r.reasm.Complete(r.eof.FileSize) {
		if r.hasFile() && (r.file == nil || r.writes > 0 || len(r.backlog) > 0) {
			return
		}
		r.stopTimer(timerNAK)
		r.stopTimer(timerCheck)
		r.startVerify()
		return
	}

	if r.mode == pdu.Acknowledged {
		if r.remote.NAKRequired && !r.timerRunning(timerNAK) {
			r.sendNAK()
			r.startTimer(timerNAK, r.remote.NAKTimer)
		}
		return
	}
	if !r.timerRunning(timerCheck) {
		r.startTimer(timerCheck, r.remote.CheckTimer)
	}
}

// sendNAK requests the missing metadata and ranges. The list is cut to what
// fits one PDU and the scope shrinks to match.
func (r *receiver) sendNAK() {
	end := r.reasm.MaxEnd()
	if r.eof != nil {
		end = r.eof.FileSize
	}

	fss := 4
	if r.largeFile {
		fss = 8
	}
	limit := (pdu.MaxDataFieldLength - 1 - 2*fss) / (2 * fss)

	var segs []pdu.SegmentRequest
	if r.metadata == nil {
		segs = append(segs, pdu.SegmentRequest{})
	}
	for _, gap := range r.reasm.Gaps(end) {
		if len(segs) == limit {
			end = segs[len(segs)-1].End
			break
		}
		segs = append(segs, pdu.SegmentRequest{Start: gap.Offset, End: gap.End()})
	}
	r.log.Debug("Transaction %s: NAK %d ranges up to %d", r.id, len(segs), end)
	r.send(&pdu.NAK{ScopeStart: 0, ScopeEnd: end, Segments: segs})
}

func (r *receiver) sendKeepAlive() {
	r.send(&pdu.KeepAlive{Progress: r.reasm.Contiguous()})
}

func (r *receiver) startVerify() {
	r.verifying = true
	if !r.verify || !r.hasFile() {
		r.post(verifiedEvent{sum: r.eof.Checksum})
		return
	}
	sum, err := r.e.checksums.New(r.checksum)
	if err != nil {
		r.post(verifiedEvent{err: err})
		return
	}
	file, size := r.file, r.eof.FileSize
	r.lane.submit(func() {
		v, err := checksumFile(file, size, sum)
		r.post(verifiedEvent{sum: v, err: err})
	})
}

// checksumFile reads the first size octets of file back through sum
func checksumFile(file filestore.File, size uint64, sum checksum.Checksum) (uint32, error) {
	if err := file.Sync(); err != nil {
		return 0, err
	}
	buf := make([]byte, verifyChunk)
	for off := uint64(0); off < size; {
		n := min(uint64(len(buf)), size-off)
		read, err := file.ReadAt(buf[:n], int64(off))
		if uint64(read) < n {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		sum.Update(buf[:n], off)
		off += n
	}
	return sum.Sum32(), nil
}

func (r *receiver) onIO(ev event) {
	if r.state.Terminal() {
		return
	}
	switch ev := ev.(type) {
	case tempEvent:
		r.creating = false
		if ev.err != nil {
			r.log.Error("Transaction %s: create temp file: %v", r.id, ev.err)
			r.filestoreFault()
			return
		}
		r.file, r.tempName = ev.file, ev.name
		for _, fd := range r.backlog {
			r.write(fd)
		}
		r.backlog = nil
		r.checkCompletion()

	case writtenEvent:
		r.writes--
		if ev.err != nil {
			r.log.Error("Transaction %s: write %s: %v", r.id, ev.seg, ev.err)
			r.filestoreFault()
			return
		}
		r.checkCompletion()

	case verifiedEvent:
		r.verifying = false
		if ev.err != nil {
			r.log.Error("Transaction %s: verify: %v", r.id, ev.err)
			r.filestoreFault()
			return
		}
		if ev.sum != r.eof.Checksum {
			r.log.Warn("Transaction %s: checksum 0x%08X, expected 0x%08X", r.id, ev.sum, r.eof.Checksum)
			r.fault(pdu.FileChecksumFailure)
			if r.state.Terminal() {
				return
			}
			r.deliver(pdu.FileChecksumFailure)
			return
		}
		r.deliver(pdu.NoError)

	case deliveredEvent:
		r.delivering = false
		r.onDelivered(ev)
	}
}

// deliver moves the temp file into place and runs the filestore requests. A
// file that failed verification is kept only when the MIB says to retain
// incomplete files.
func (r *receiver) deliver(condition pdu.ConditionCode) {
	r.delivering = true
	r.condition = condition

	fs, file, temp, dest := r.e.fs, r.file, r.tempName, r.destFile
	reqs := r.requests
	keep := condition == pdu.NoError
	retain := r.remote.RetainIncomplete && dest != ""
	r.file = nil
	r.released = true

	r.lane.submit(func() {
		ev := deliveredEvent{status: pdu.FileStatusUnreported}
		if file != nil {
			if err := file.Close(); err != nil {
				r.post(deliveredEvent{status: pdu.FileDiscardedByFilestore, err: err})
				return
			}
			switch {
			case keep || retain:
				if err := fs.Commit(temp, dest); err != nil {
					fs.Remove(temp)
					r.post(deliveredEvent{status: pdu.FileDiscardedByFilestore, err: err})
					return
				}
				ev.status = pdu.FileRetained
			default:
				fs.Remove(temp)
				ev.status = pdu.FileDiscardedDeliberately
			}
		}
		if keep {
			ev.responses, _ = filestore.ExecuteAll(fs, reqs)
		}
		r.post(ev)
	})
}

func (r *receiver) onDelivered(ev deliveredEvent) {
	condition := r.condition
	delivery := pdu.DataComplete
	if condition != pdu.NoError {
		delivery = pdu.DataIncomplete
	}
	if ev.err != nil {
		r.log.Error("Transaction %s: deliver %s: %v", r.id, r.destFile, ev.err)
		condition = pdu.FilestoreRejection
		r.e.obs.Fault(condition)
		r.indicate(Indication{Kind: IndicationFault, Condition: condition})
	}

	r.fin = &pdu.Finished{
		Condition:          condition,
		Delivery:           delivery,
		Status:             ev.status,
		FilestoreResponses: ev.responses,
	}
	if _, err := pdu.New(r.header(), r.fin).Encode(); err != nil {
		// The responses are still reported locally
		r.log.Error("Transaction %s: Finished cannot be encoded, dropping filestore responses: %v", r.id, err)
		condition = pdu.FilestoreRejection
		r.e.obs.Fault(condition)
		r.indicate(Indication{Kind: IndicationFault, Condition: condition})
		r.fin.Condition = condition
		r.fin.FilestoreResponses = nil
	}
	if condition != pdu.NoError {
		loc := r.e.local.ID
		r.fin.FaultLocation = &loc
	}
	r.result = Indication{Delivery: delivery, FileStatus: ev.status, FilestoreResponses: ev.responses}

	if r.mode == pdu.Acknowledged {
		r.stopTimer(timerKeepAlive)
		r.send(r.fin)
		r.state = StateSendingFinished
		r.ackCount = 0
		r.startTimer(timerACK, r.remote.ACKTimer)
		return
	}
	if r.closure {
		r.send(r.fin)
	}
	r.finish(StateFinished, condition, r.result)
}

// filestoreFault fails the transaction after a filestore error whatever the
// handler for FilestoreRejection says
func (r *receiver) filestoreFault() {
	r.e.obs.Fault(pdu.FilestoreRejection)
	r.indicate(Indication{Kind: IndicationFault, Condition: pdu.FilestoreRejection})
	r.cancel(pdu.FilestoreRejection)
}

func (r *receiver) onTimer(kind timerKind) {
	switch kind {
	case timerNAK:
		if r.eof == nil || r.verifying || r.delivering || r.fin != nil {
			return
		}
		if r.nakCount >= r.remote.NAKLimit {
			r.fault(pdu.NAKLimitReached)
			return
		}
		r.nakCount++
		r.sendNAK()
		r.startTimer(timerNAK, r.remote.NAKTimer)

	case timerCheck:
		if r.eof == nil || r.verifying || r.delivering || r.fin != nil {
			return
		}
		if r.checkCount >= r.remote.CheckLimit {
			r.fault(pdu.CheckLimitReached)
			return
		}
		r.checkCount++
		r.startTimer(timerCheck, r.remote.CheckTimer)

	case timerACK:
		if r.state != StateSendingFinished {
			return
		}
		if r.ackCount >= r.remote.ACKLimit {
			r.fault(pdu.PositiveACKLimitReached)
			return
		}
		r.ackCount++
		r.log.Debug("Transaction %s: resending Finished (%d/%d)", r.id, r.ackCount, r.remote.ACKLimit)
		r.send(r.fin)
		r.startTimer(timerACK, r.remote.ACKTimer)

	case timerKeepAlive:
		r.sendKeepAlive()
		r.startTimer(timerKeepAlive, r.remote.KeepAliveInterval)

	case timerInactivity:
		r.fault(pdu.InactivityDetected)
	}
}

// cancel ends the transaction. The sender is told with a Finished PDU unless
// it cancelled first or Class 1 closure was not requested.
func (r *receiver) cancel(condition pdu.ConditionCode) {
	if r.state.Terminal() {
		return
	}
	r.stopTimers()

	status := pdu.FileDiscardedDeliberately
	if r.remote.RetainIncomplete && r.destFile != "" && r.tempName != "" && !r.released {
		status = pdu.FileRetained
	}
	if !r.peerCancel && (r.mode == pdu.Acknowledged || r.closure) {
		loc := r.e.local.ID
		r.send(&pdu.Finished{
			Condition:     condition,
			Delivery:      pdu.DataIncomplete,
			Status:        status,
			FaultLocation: &loc,
		})
	}
	r.finish(StateCancelled, condition, Indication{Delivery: pdu.DataIncomplete, FileStatus: status})
}

func (r *receiver) onResume() {
	r.checkCompletion()
}

// release closes the temp file. An undelivered temp file is committed when
// incomplete files are retained and removed otherwise.
func (r *receiver) release() {
	if r.released || r.tempName == "" {
		return
	}
	r.released = true
	fs, file, temp, dest := r.e.fs, r.file, r.tempName, r.destFile
	retain := r.remote.RetainIncomplete && dest != ""
	r.file = nil
	r.lane.submit(func() {
		if file != nil {
			file.Close()
		}
		if retain && fs.Commit(temp, dest) == nil {
			return
		}
		fs.Remove(temp)
	})
}
