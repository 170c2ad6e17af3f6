// Package entity is the CFDP engine: it owns the transaction table, routes
// inbound PDUs and application requests to transactions, drives their timers
// and emits outbound PDUs and indications.
//
// Every transaction runs on its own goroutine and is the only writer of its
// state. PDUs, requests, timer expiries and filestore completions reach it as
// events through its mailbox, so there is no entity-wide lock.
package entity

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"avaneesh/cfdp-go/pkg/channel"
	"avaneesh/cfdp-go/pkg/checksum"
	"avaneesh/cfdp-go/pkg/filestore"
	"avaneesh/cfdp-go/pkg/internal/logger"
	"avaneesh/cfdp-go/pkg/internal/queue"
	"avaneesh/cfdp-go/pkg/mib"
	"avaneesh/cfdp-go/pkg/pdu"
	"avaneesh/cfdp-go/pkg/segment"
	"avaneesh/cfdp-go/pkg/store"
)

// Errors
var (
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrNotStarted         = errors.New("entity not started")
	ErrShutdown           = errors.New("entity shut down")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrNotApplicable      = errors.New("request not applicable to transaction")
)

const (
	prunePeriod = time.Second

	// DefaultShutdownGrace bounds how long Shutdown waits for filestore calls
	// already in progress
	DefaultShutdownGrace = 5 * time.Second
)

// Config holds what an Entity is built from
type Config struct {
	MIB       *mib.MIB
	Store     store.Store        // Sequence numbers and history; in-memory when nil
	Checksums *checksum.Registry // Built-in algorithms when nil
}

// Option configures optional Entity collaborators
type Option func(*Entity)

// WithLogger sets the logger
func WithLogger(log logger.Logger) Option {
	return func(e *Entity) { e.log = logger.Component(log, "entity") }
}

// WithIndicationHandler sets the receiver of indications
func WithIndicationHandler(h IndicationHandler) Option {
	return func(e *Entity) { e.handler = h }
}

// WithObserver sets the metrics observer
func WithObserver(o Observer) Option {
	return func(e *Entity) {
		if o != nil {
			e.obs = o
		}
	}
}

// WithShutdownGrace sets how long Shutdown waits for filestore calls in
// progress before giving up on them
func WithShutdownGrace(d time.Duration) Option {
	return func(e *Entity) { e.grace = d }
}

// PutRequest asks the entity to send a file. Nil optional fields take the
// MIB value for the destination.
type PutRequest struct {
	Destination pdu.EntityID
	SourceFile  string // Empty for a metadata-only transaction
	DestFile    string

	Mode             *pdu.TransmissionMode
	ClosureRequested *bool
	Checksum         *checksum.ID

	MessagesToUser    []string
	FilestoreRequests []pdu.FilestoreRequest
	FaultHandlers     []pdu.FaultHandlerOverride
	FlowLabel         []byte
}

// resolvedPut is a validated PutRequest with MIB defaults applied
type resolvedPut struct {
	PutRequest
	Mode             pdu.TransmissionMode
	ClosureRequested bool
	Checksum         checksum.ID
	FileSize         uint64

	segmenter *segment.Segmenter
	sum       checksum.Checksum
}

// options builds the Metadata TLVs
func (r *resolvedPut) options() []pdu.TLV {
	var opts []pdu.TLV
	for _, req := range r.FilestoreRequests {
		opts = append(opts, req)
	}
	for _, msg := range r.MessagesToUser {
		opts = append(opts, pdu.MessageToUser{Message: []byte(msg)})
	}
	for _, o := range r.FaultHandlers {
		opts = append(opts, o)
	}
	if len(r.FlowLabel) > 0 {
		opts = append(opts, pdu.FlowLabel{Label: r.FlowLabel})
	}
	return opts
}

// Entity is one CFDP entity
type Entity struct {
	mib       *mib.MIB
	local     mib.Local
	tr        channel.Transport
	fs        filestore.Filestore
	store     store.Store
	checksums *checksum.Registry
	log       logger.Logger
	obs       Observer
	handler   IndicationHandler

	ind       *dispatcher
	sched     *queue.Scheduler
	io        *ioPool
	retention *retention

	table sync.Map // pdu.TransactionID -> *transaction

	ctx     context.Context
	cancel  context.CancelFunc
	grace   time.Duration
	life    sync.RWMutex // orders wg.Add against Shutdown
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// New creates an entity. Start must be called before it sends or receives.
func New(cfg Config, tr channel.Transport, fs filestore.Filestore, opts ...Option) (*Entity, error) {
	if cfg.MIB == nil {
		return nil, errors.New("entity: MIB is required")
	}
	if tr == nil || fs == nil {
		return nil, errors.New("entity: transport and filestore are required")
	}

	local := cfg.MIB.Local()
	e := &Entity{
		mib:       cfg.MIB,
		local:     local,
		tr:        tr,
		fs:        fs,
		store:     cfg.Store,
		checksums: cfg.Checksums,
		log:       logger.NewNoOpLogger(),
		obs:       nopObserver{},
		sched:     queue.NewScheduler(),
		io:        newIOPool(local.MaxConcurrentIO),
		retention: newRetention(local.RetentionWindow, 0),
		grace:     DefaultShutdownGrace,
	}
	if e.store == nil {
		e.store = store.NewMemory(local.HistoryLimit)
	}
	if e.checksums == nil {
		e.checksums = checksum.NewRegistry()
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ind = newDispatcher(e.handler, e.log)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// ID returns the local entity ID
func (e *Entity) ID() pdu.EntityID {
	return e.local.ID
}

// Start connects the entity to its transport
func (e *Entity) Start(ctx context.Context) error {
	if e.stopped.Load() {
		return ErrShutdown
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}

	e.tr.SetReceiver(e.Receive)
	if err := e.tr.Start(ctx); err != nil {
		e.started.Store(false)
		return errors.Wrap(err, "start transport")
	}
	e.ind.start()
	e.sched.Start()

	if e.track() {
		go e.pruneLoop()
	}

	e.log.Info("Entity %d started", e.local.ID)
	return nil
}

func (e *Entity) pruneLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(prunePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			if n := e.retention.prune(now); n > 0 {
				e.log.Debug("Pruned %d retained transactions", n)
			}
		}
	}
}

// track registers a goroutine with the entity. It fails once Shutdown has
// begun.
func (e *Entity) track() bool {
	e.life.RLock()
	defer e.life.RUnlock()
	if e.stopped.Load() {
		return false
	}
	e.wg.Add(1)
	return true
}

// Shutdown stops every transaction without notifying peers, closes the
// transport and delivers the indications already queued. Filestore calls
// still running after the shutdown grace are left behind.
func (e *Entity) Shutdown() error {
	e.life.Lock()
	first := e.stopped.CompareAndSwap(false, true)
	e.life.Unlock()
	if !first {
		return nil
	}
	e.cancel()
	e.wg.Wait()
	if !e.io.waitFor(e.grace) {
		e.log.Warn("Entity %d: filestore calls still running after %s", e.local.ID, e.grace)
	}
	e.sched.Stop()

	var err error
	if e.started.Load() {
		err = e.tr.Close()
		e.ind.stop()
	}
	e.log.Info("Entity %d shut down", e.local.ID)
	return err
}

// Put starts sending a file and returns the new transaction's ID
func (e *Entity) Put(ctx context.Context, req PutRequest) (pdu.TransactionID, error) {
	if !e.started.Load() {
		return pdu.TransactionID{}, ErrNotStarted
	}
	if e.stopped.Load() {
		return pdu.TransactionID{}, ErrShutdown
	}
	if err := ctx.Err(); err != nil {
		return pdu.TransactionID{}, err
	}

	res, err := e.resolve(req)
	if err != nil {
		return pdu.TransactionID{}, err
	}

	for {
		seq, err := e.store.NextSequence()
		if err != nil {
			return pdu.TransactionID{}, errors.Wrap(err, "allocate sequence number")
		}
		id := pdu.TransactionID{Source: e.local.ID, Seq: seq & pdu.SequenceNumber(widthMask(e.local.SequenceNumberLength))}
		s := newSender(e, id, res)
		if _, taken := e.table.LoadOrStore(id, s.transaction); taken {
			// Sequence space wrapped onto a live transaction
			continue
		}
		if !e.track() {
			e.table.Delete(id)
			return pdu.TransactionID{}, ErrShutdown
		}
		go s.run(e.ctx)
		return id, nil
	}
}

func widthMask(width int) uint64 {
	if width >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(width)) - 1
}

// resolve validates a PutRequest and fills in MIB defaults
func (e *Entity) resolve(req PutRequest) (resolvedPut, error) {
	if req.Destination == e.local.ID {
		return resolvedPut{}, errors.Wrap(ErrInvalidRequest, "destination is the local entity")
	}
	if (req.SourceFile == "") != (req.DestFile == "") {
		return resolvedPut{}, errors.Wrap(ErrInvalidRequest, "source and destination file must both be set or both empty")
	}

	remote := e.mib.Remote(req.Destination)
	res := resolvedPut{
		PutRequest:       req,
		Mode:             remote.Mode,
		ClosureRequested: remote.ClosureRequested,
		Checksum:         remote.Checksum,
	}
	if req.Mode != nil {
		res.Mode = *req.Mode
	}
	if req.ClosureRequested != nil {
		res.ClosureRequested = *req.ClosureRequested
	}
	if req.Checksum != nil {
		res.Checksum = *req.Checksum
	}

	sum, err := e.checksums.New(res.Checksum)
	if err != nil {
		return resolvedPut{}, errors.Wrapf(ErrInvalidRequest, "checksum type %d: %v", res.Checksum, err)
	}
	res.sum = sum

	if req.SourceFile != "" {
		size, err := e.fs.Size(req.SourceFile)
		if err != nil {
			return resolvedPut{}, errors.Wrapf(err, "source file %s", req.SourceFile)
		}
		res.FileSize = size
	}

	fss := 4
	if res.FileSize > 0xFFFFFFFF {
		fss = 8
	}
	maxLen := min(remote.MaxSegmentLength, pdu.MaxDataFieldLength-fss)
	res.segmenter, err = segment.NewSegmenter(res.FileSize, maxLen)
	if err != nil {
		return resolvedPut{}, errors.Wrap(ErrInvalidRequest, err.Error())
	}
	return res, nil
}

// Cancel cancels a transaction. The cancel takes effect at the transaction's
// next event boundary.
func (e *Entity) Cancel(id pdu.TransactionID) error {
	return e.request(id, requestCancel)
}

// Suspend pauses a transaction's timers and file data
func (e *Entity) Suspend(id pdu.TransactionID) error {
	return e.request(id, requestSuspend)
}

// Resume continues a suspended transaction
func (e *Entity) Resume(id pdu.TransactionID) error {
	return e.request(id, requestResume)
}

// Report asks for a Report indication on the transaction's status
func (e *Entity) Report(id pdu.TransactionID) error {
	return e.request(id, requestReport)
}

// Prompt makes a Class 2 sender send a Prompt PDU
func (e *Entity) Prompt(id pdu.TransactionID, kind pdu.PromptKind) error {
	v, ok := e.table.Load(id)
	if !ok {
		return errors.Wrapf(ErrUnknownTransaction, "%s", id)
	}
	t := v.(*transaction)
	if t.role != RoleSender || t.mode != pdu.Acknowledged {
		return errors.Wrapf(ErrNotApplicable, "prompt on %s %s transaction %s", t.mode, t.role, id)
	}
	if kind == pdu.PromptKeepAlive {
		return e.request(id, requestPromptKeepAlive)
	}
	return e.request(id, requestPromptNAK)
}

func (e *Entity) request(id pdu.TransactionID, kind requestKind) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	v, ok := e.table.Load(id)
	if !ok {
		return errors.Wrapf(ErrUnknownTransaction, "%s", id)
	}
	if !v.(*transaction).post(requestEvent{kind: kind}) {
		return errors.Wrapf(ErrUnknownTransaction, "%s", id)
	}
	return nil
}

// Receive handles one inbound PDU. It is the transport's receive callback and
// never blocks on a transaction.
func (e *Entity) Receive(octets []byte) {
	if e.stopped.Load() {
		return
	}
	logger.DumpPDU(e.log, "RX", octets)

	p, err := pdu.Decode(octets)
	if err != nil {
		e.log.Warn("Discarding PDU: %v", err)
		e.obs.MalformedPDU()
		return
	}
	e.obs.PDUReceived(pduKind(p), len(octets))

	h := p.Header
	if h.Direction == pdu.TowardReceiver && h.DestinationEntityID != e.local.ID ||
		h.Direction == pdu.TowardSender && h.SourceEntityID != e.local.ID {
		e.log.Debug("Discarding %s for another entity", p)
		return
	}

	id := h.TransactionID()
	if v, ok := e.table.Load(id); ok {
		v.(*transaction).post(pduEvent{pdu: p})
		return
	}

	if rec, ok := e.retention.lookup(id, time.Now()); ok {
		e.lateReply(p, rec)
		return
	}

	// Only a sender's PDU can open a transaction here
	if h.Direction != pdu.TowardReceiver || !opensTransaction(p) {
		e.log.Debug("Discarding %s for unknown transaction %s", pduKind(p), id)
		return
	}

	r := newReceiver(e, h)
	v, loaded := e.table.LoadOrStore(id, r.transaction)
	if !loaded {
		if !e.track() {
			e.table.Delete(id)
			return
		}
		e.log.Info("Transaction %s: opened by entity %d", id, h.SourceEntityID)
		go r.run(e.ctx)
	}
	v.(*transaction).post(pduEvent{pdu: p})
}

func opensTransaction(p *pdu.PDU) bool {
	switch body := p.Body.(type) {
	case *pdu.Metadata, *pdu.FileData:
		return true
	case *pdu.EOF:
		return body.Condition == pdu.NoError
	default:
		return false
	}
}

// lateReply answers PDUs for a recently disposed transaction: a repeated EOF
// or Finished is acknowledged again so the peer stops retrying
func (e *Entity) lateReply(p *pdu.PDU, rec retained) {
	var ack *pdu.ACK
	switch body := p.Body.(type) {
	case *pdu.EOF:
		if rec.role == RoleReceiver && p.Header.Mode == pdu.Acknowledged {
			ack = &pdu.ACK{Directive: pdu.DirectiveEOF, Condition: body.Condition, Status: pdu.StatusTerminated}
		}
	case *pdu.Finished:
		if rec.role == RoleSender && p.Header.Mode == pdu.Acknowledged {
			ack = &pdu.ACK{Directive: pdu.DirectiveFinished, Condition: body.Condition, Status: pdu.StatusTerminated}
		}
	}
	if ack == nil {
		e.log.Debug("Discarding late %s for %s", pduKind(p), p.TransactionID())
		return
	}
	e.log.Debug("Re-acknowledging late %s for %s", pduKind(p), p.TransactionID())
	e.transmit(pdu.New(rec.header, ack), p.Header.Peer())
}

// transmit encodes and sends a PDU, reporting whether the transport took it
func (e *Entity) transmit(p *pdu.PDU, dest pdu.EntityID) bool {
	data, err := p.Encode()
	if err != nil {
		e.log.Error("Encode %s: %v", p, err)
		return false
	}
	logger.DumpPDU(e.log, "TX", data)
	if err := e.tr.Send(e.ctx, dest, data); err != nil {
		e.log.Warn("Send %s to entity %d: %v", pduKind(p), dest, err)
		e.obs.TransportError()
		return false
	}
	e.obs.PDUSent(pduKind(p), len(data))
	return true
}

// disposed is called on the transaction goroutine once t reaches a terminal
// state
func (e *Entity) disposed(t *transaction, st Status) {
	e.retention.remember(t.id, t.role, t.header(), time.Now())
	e.table.Delete(t.id)
	e.obs.TransactionEnded(t.role, t.state, t.condition)

	rec := t.record(st)
	e.io.submit(e.ctx, func() {
		if err := e.store.Append(rec); err != nil {
			e.log.Warn("Transaction %s: history: %v", rec.ID, err)
		}
	})
}

// Transactions returns the status of every live transaction ordered by ID
func (e *Entity) Transactions() []Status {
	var out []Status
	e.table.Range(func(_, v any) bool {
		out = append(out, *v.(*transaction).status.Load())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.Source != out[j].ID.Source {
			return out[i].ID.Source < out[j].ID.Source
		}
		return out[i].ID.Seq < out[j].ID.Seq
	})
	return out
}

// Status returns the status of a live transaction
func (e *Entity) Status(id pdu.TransactionID) (Status, bool) {
	v, ok := e.table.Load(id)
	if !ok {
		return Status{}, false
	}
	return *v.(*transaction).status.Load(), true
}

// History returns up to limit disposed transactions, most recent first
func (e *Entity) History(limit int) ([]store.Record, error) {
	return e.store.History(limit)
}
