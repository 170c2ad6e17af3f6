package entity

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"avaneesh/cfdp-go/pkg/filestore"
	"avaneesh/cfdp-go/pkg/pdu"
	"avaneesh/cfdp-go/pkg/segment"
)

// event is anything a transaction reacts to. Every event for a transaction
// passes through its mailbox and is handled on its goroutine.
type event interface{}

// pduEvent carries an inbound PDU
type pduEvent struct {
	pdu *pdu.PDU
}

type requestKind int

const (
	requestCancel requestKind = iota
	requestSuspend
	requestResume
	requestReport
	requestPromptNAK
	requestPromptKeepAlive
)

// requestEvent carries an application request
type requestEvent struct {
	kind requestKind
}

type timerKind int

const (
	timerACK timerKind = iota
	timerNAK
	timerInactivity
	timerCheck
	timerKeepAlive
)

// String returns string representation of timerKind
func (k timerKind) String() string {
	switch k {
	case timerACK:
		return "ack"
	case timerNAK:
		return "nak"
	case timerInactivity:
		return "inactivity"
	case timerCheck:
		return "check"
	case timerKeepAlive:
		return "keep-alive"
	default:
		return "unknown"
	}
}

// timerEvent is posted when a transaction timer expires. gen discards
// expiries of timers that were restarted or stopped in the meantime.
type timerEvent struct {
	kind timerKind
	gen  uint64
}

// Filestore completions

type openedEvent struct {
	file filestore.File
	err  error
}

type readEvent struct {
	seg        segment.Segment
	data       []byte
	retransmit bool
	err        error
}

type tempEvent struct {
	file filestore.File
	name string
	err  error
}

type writtenEvent struct {
	seg segment.Segment
	err error
}

type verifiedEvent struct {
	sum uint32
	err error
}

type deliveredEvent struct {
	status    pdu.FileStatus
	responses []pdu.FilestoreResponse
	err       error
}

// mailbox is an unbounded single-consumer event queue
type mailbox struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// post queues an event; it never blocks. It returns false once the mailbox
// is closed.
func (m *mailbox) post(ev event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.events = append(m.events, ev)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) drain() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := m.events
	m.events = nil
	return evs
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.events = nil
	m.mu.Unlock()
}

// ioPool runs filestore operations off the transaction goroutines with a
// bound on how many run at once
type ioPool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newIOPool(limit int) *ioPool {
	if limit < 1 {
		limit = 1
	}
	return &ioPool{sem: semaphore.NewWeighted(int64(limit))}
}

// submit runs fn once a slot is free. fn is skipped if ctx ends first.
func (p *ioPool) submit(ctx context.Context, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		fn()
	}()
}

// waitFor waits up to d for every submitted job and reports whether they all
// returned
func (p *ioPool) waitFor(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// ioLane runs one transaction's filestore operations on the pool one at a
// time, in submission order. A transaction stuck in the filestore holds at
// most one pool slot.
type ioLane struct {
	pool *ioPool
	ctx  context.Context

	mu      sync.Mutex
	pending []func()
	busy    bool
}

func newIOLane(ctx context.Context, pool *ioPool) *ioLane {
	return &ioLane{pool: pool, ctx: ctx}
}

// submit queues fn behind the lane's operation in flight, if any
func (l *ioLane) submit(fn func()) {
	l.mu.Lock()
	if l.busy {
		l.pending = append(l.pending, fn)
		l.mu.Unlock()
		return
	}
	l.busy = true
	l.mu.Unlock()
	l.run(fn)
}

func (l *ioLane) run(fn func()) {
	l.pool.submit(l.ctx, func() {
		fn()
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.busy = false
			l.mu.Unlock()
			return
		}
		next := l.pending[0]
		l.pending = l.pending[1:]
		l.mu.Unlock()
		l.run(next)
	})
}
