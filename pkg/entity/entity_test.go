package entity

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avaneesh/cfdp-go/pkg/channel"
	"avaneesh/cfdp-go/pkg/checksum"
	"avaneesh/cfdp-go/pkg/filestore"
	"avaneesh/cfdp-go/pkg/mib"
	"avaneesh/cfdp-go/pkg/pdu"
	"avaneesh/cfdp-go/pkg/store"
)

const (
	senderID   pdu.EntityID = 1
	receiverID pdu.EntityID = 2
	waitLimit               = 5 * time.Second
)

// recorder collects indications
type recorder struct {
	mu   sync.Mutex
	all  []Indication
	seen chan Indication
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan Indication, 4096)}
}

func (r *recorder) OnIndication(ind Indication) {
	r.mu.Lock()
	r.all = append(r.all, ind)
	r.mu.Unlock()
	r.seen <- ind
}

// waitFor returns the next indication of kind, skipping others
func (r *recorder) waitFor(t *testing.T, kind IndicationKind) Indication {
	t.Helper()
	deadline := time.After(waitLimit)
	for {
		select {
		case ind := <-r.seen:
			if ind.Kind == kind {
				return ind
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s indication", kind)
			return Indication{}
		}
	}
}

func (r *recorder) kinds() []IndicationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]IndicationKind, 0, len(r.all))
	for _, ind := range r.all {
		out = append(out, ind.Kind)
	}
	return out
}

// wire records every PDU crossing a MemoryNetwork and can drop some
type wire struct {
	mu   sync.Mutex
	pdus []captured
	drop func(from pdu.EntityID, p *pdu.PDU) bool
}

type captured struct {
	from pdu.EntityID
	pdu  *pdu.PDU
}

func (w *wire) intercept(from, _ pdu.EntityID, data []byte) bool {
	p, err := pdu.Decode(data)
	if err != nil {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pdus = append(w.pdus, captured{from: from, pdu: p})
	return w.drop == nil || !w.drop(from, p)
}

func (w *wire) setDrop(fn func(from pdu.EntityID, p *pdu.PDU) bool) {
	w.mu.Lock()
	w.drop = fn
	w.mu.Unlock()
}

func (w *wire) from(id pdu.EntityID) []*pdu.PDU {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*pdu.PDU
	for _, s := range w.pdus {
		if s.from == id {
			out = append(out, s.pdu)
		}
	}
	return out
}

func directiveCodes(pdus []*pdu.PDU) []string {
	out := make([]string, 0, len(pdus))
	for _, p := range pdus {
		out = append(out, pduKind(p))
	}
	return out
}

func testMIB(t *testing.T, local pdu.EntityID, tune func(*mib.RemoteConfig)) *mib.MIB {
	t.Helper()
	cfg := mib.DefaultConfig()
	cfg.Local.ID = uint64(local)
	cfg.Local.Transport = "memory"
	cfg.Local.RetentionWindow = mib.Duration(time.Minute)
	cfg.Defaults.Transport = "memory"
	cfg.Defaults.MaxSegmentLength = 64
	cfg.Defaults.ACKTimer = mib.Duration(time.Second)
	cfg.Defaults.NAKTimer = mib.Duration(time.Second)
	cfg.Defaults.CheckTimer = mib.Duration(time.Second)
	cfg.Defaults.InactivityTimer = mib.Duration(30 * time.Second)
	if tune != nil {
		tune(&cfg.Defaults)
	}
	m, err := mib.New(cfg)
	require.NoError(t, err)
	return m
}

type node struct {
	entity *Entity
	fs     *filestore.Afero
	ind    *recorder
}

type pair struct {
	sender   node
	receiver node
	wire     *wire
}

type pairOptions struct {
	tune              func(*mib.RemoteConfig)
	senderChecksums   *checksum.Registry
	receiverChecksums *checksum.Registry
	observer          Observer
	// receiverFS wraps the receiver's memory filestore
	receiverFS   func(*filestore.Afero) filestore.Filestore
	receiverOpts []Option
}

func newPair(t *testing.T, opts pairOptions) *pair {
	t.Helper()
	network := channel.NewMemoryNetwork()
	w := &wire{}
	network.SetIntercept(w.intercept)

	build := func(id pdu.EntityID, sums *checksum.Registry, obs Observer, wrap func(*filestore.Afero) filestore.Filestore, extra []Option) node {
		n := node{fs: filestore.NewMemory(), ind: newRecorder()}
		var fs filestore.Filestore = n.fs
		if wrap != nil {
			fs = wrap(n.fs)
		}
		entityOpts := append([]Option{WithIndicationHandler(n.ind), WithObserver(obs)}, extra...)
		e, err := New(Config{MIB: testMIB(t, id, opts.tune), Checksums: sums}, network.Endpoint(id), fs, entityOpts...)
		require.NoError(t, err)
		require.NoError(t, e.Start(context.Background()))
		t.Cleanup(func() { e.Shutdown() })
		n.entity = e
		return n
	}

	return &pair{
		sender:   build(senderID, opts.senderChecksums, nil, nil, nil),
		receiver: build(receiverID, opts.receiverChecksums, opts.observer, opts.receiverFS, opts.receiverOpts),
		wire:     w,
	}
}

func writeFile(t *testing.T, fs *filestore.Afero, name string, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs.Fs(), name, data, 0644))
}

func readFile(t *testing.T, fs *filestore.Afero, name string) []byte {
	t.Helper()
	data, err := afero.ReadFile(fs.Fs(), name)
	require.NoError(t, err)
	return data
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

func mode(m pdu.TransmissionMode) *pdu.TransmissionMode {
	return &m
}

func TestClass1_ZeroByteFile(t *testing.T) {
	p := newPair(t, pairOptions{})
	writeFile(t, p.sender.fs, "/empty.bin", nil)

	id, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/empty.bin",
		DestFile:    "/out/empty.bin",
		Mode:        mode(pdu.Unacknowledged),
	})
	require.NoError(t, err)

	fin := p.sender.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, id, fin.ID)
	assert.Equal(t, pdu.NoError, fin.Condition)

	rfin := p.receiver.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, pdu.NoError, rfin.Condition)
	assert.Equal(t, pdu.FileRetained, rfin.FileStatus)
	assert.Empty(t, readFile(t, p.receiver.fs, "/out/empty.bin"))

	sent := p.wire.from(senderID)
	require.Equal(t, []string{"Metadata", "EOF"}, directiveCodes(sent))
	eof := sent[1].Body.(*pdu.EOF)
	assert.Equal(t, pdu.NoError, eof.Condition)
	assert.Zero(t, eof.FileSize)
	assert.Equal(t, pdu.Unacknowledged, sent[1].Header.Mode)

	// The receiver never answers in Class 1 without closure
	p.receiver.ind.waitFor(t, IndicationDisposed)
	assert.Empty(t, p.wire.from(receiverID))
}

func TestClass1_Transfer(t *testing.T) {
	p := newPair(t, pairOptions{})
	data := pattern(1000)
	writeFile(t, p.sender.fs, "/src.bin", data)

	_, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/src.bin",
		DestFile:    "/dst.bin",
		Mode:        mode(pdu.Unacknowledged),
	})
	require.NoError(t, err)

	fin := p.receiver.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, pdu.NoError, fin.Condition)
	assert.Equal(t, data, readFile(t, p.receiver.fs, "/dst.bin"))

	var fileData int
	for _, q := range p.wire.from(senderID) {
		if _, ok := q.Body.(*pdu.FileData); ok {
			fileData++
		}
	}
	assert.Equal(t, 16, fileData) // ceil(1000/64)
}

func TestClass1_ClosureRequested(t *testing.T) {
	p := newPair(t, pairOptions{})
	writeFile(t, p.sender.fs, "/src.bin", pattern(100))
	closure := true

	_, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination:      receiverID,
		SourceFile:       "/src.bin",
		DestFile:         "/dst.bin",
		Mode:             mode(pdu.Unacknowledged),
		ClosureRequested: &closure,
	})
	require.NoError(t, err)

	fin := p.sender.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, pdu.NoError, fin.Condition)
	assert.Equal(t, pdu.FileRetained, fin.FileStatus)

	fromReceiver := directiveCodes(p.wire.from(receiverID))
	assert.Equal(t, []string{"Finished"}, fromReceiver)
	for _, q := range p.wire.from(senderID) {
		assert.NotEqual(t, "ACK", pduKind(q))
	}
}

func TestClass1_GapHitsCheckLimit(t *testing.T) {
	p := newPair(t, pairOptions{tune: func(r *mib.RemoteConfig) {
		r.CheckTimer = mib.Duration(30 * time.Millisecond)
		r.CheckLimit = 2
	}})
	writeFile(t, p.sender.fs, "/src.bin", pattern(200))
	p.wire.setDrop(func(from pdu.EntityID, q *pdu.PDU) bool {
		fd, ok := q.Body.(*pdu.FileData)
		return ok && fd.Offset == 64
	})

	_, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/src.bin",
		DestFile:    "/dst.bin",
		Mode:        mode(pdu.Unacknowledged),
	})
	require.NoError(t, err)

	fault := p.receiver.ind.waitFor(t, IndicationFault)
	assert.Equal(t, pdu.CheckLimitReached, fault.Condition)
	fin := p.receiver.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, pdu.CheckLimitReached, fin.Condition)
	assert.Equal(t, pdu.DataIncomplete, fin.Delivery)

	exists, err := afero.Exists(p.receiver.fs.Fs(), "/dst.bin")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestClass2_DroppedFileDataIsNAKed(t *testing.T) {
	p := newPair(t, pairOptions{})
	data := pattern(64*5 + 10)
	writeFile(t, p.sender.fs, "/src.bin", data)

	var dropped atomic.Bool
	p.wire.setDrop(func(from pdu.EntityID, q *pdu.PDU) bool {
		fd, ok := q.Body.(*pdu.FileData)
		return ok && fd.Offset == 128 && dropped.CompareAndSwap(false, true)
	})

	id, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/src.bin",
		DestFile:    "/dst.bin",
	})
	require.NoError(t, err)

	sfin := p.sender.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, id, sfin.ID)
	assert.Equal(t, pdu.NoError, sfin.Condition)
	assert.Equal(t, pdu.DataComplete, sfin.Delivery)

	rfin := p.receiver.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, pdu.NoError, rfin.Condition)
	assert.Equal(t, data, readFile(t, p.receiver.fs, "/dst.bin"))

	// Exactly the missing range is requested
	var naks []*pdu.NAK
	for _, q := range p.wire.from(receiverID) {
		if nak, ok := q.Body.(*pdu.NAK); ok {
			naks = append(naks, nak)
		}
	}
	require.Len(t, naks, 1)
	assert.Equal(t, []pdu.SegmentRequest{{Start: 128, End: 192}}, naks[0].Segments)

	// Only that range is sent again, after the EOF
	var offsets []uint64
	eofSeen := false
	for _, q := range p.wire.from(senderID) {
		switch body := q.Body.(type) {
		case *pdu.EOF:
			eofSeen = true
		case *pdu.FileData:
			if eofSeen {
				offsets = append(offsets, body.Offset)
			}
		}
	}
	assert.Equal(t, []uint64{128}, offsets)
	assert.Equal(t, []string{"ACK", "NAK", "Finished"}, directiveCodes(p.wire.from(receiverID)))
}

func TestClass2_ACKLimitAbandons(t *testing.T) {
	p := newPair(t, pairOptions{tune: func(r *mib.RemoteConfig) {
		r.ACKTimer = mib.Duration(40 * time.Millisecond)
		r.ACKLimit = 2
	}})
	writeFile(t, p.sender.fs, "/src.bin", pattern(100))
	p.wire.setDrop(func(from pdu.EntityID, _ *pdu.PDU) bool {
		return from == receiverID
	})

	_, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/src.bin",
		DestFile:    "/dst.bin",
	})
	require.NoError(t, err)

	fault := p.sender.ind.waitFor(t, IndicationFault)
	assert.Equal(t, pdu.PositiveACKLimitReached, fault.Condition)
	abandoned := p.sender.ind.waitFor(t, IndicationAbandoned)
	assert.Equal(t, pdu.PositiveACKLimitReached, abandoned.Condition)
	disposed := p.sender.ind.waitFor(t, IndicationDisposed)
	require.NotNil(t, disposed.Status)
	assert.Equal(t, StateAbandoned, disposed.Status.State)

	var eofs int
	for _, q := range p.wire.from(senderID) {
		if _, ok := q.Body.(*pdu.EOF); ok {
			eofs++
		}
	}
	assert.Equal(t, 3, eofs) // first send plus two retries
	assert.NotContains(t, p.sender.ind.kinds(), IndicationFinished)
}

func TestClass2_CancelBySender(t *testing.T) {
	p := newPair(t, pairOptions{tune: func(r *mib.RemoteConfig) {
		r.NAKTimer = mib.Duration(10 * time.Second)
	}})
	writeFile(t, p.sender.fs, "/src.bin", pattern(300))
	p.wire.setDrop(func(from pdu.EntityID, q *pdu.PDU) bool {
		_, ok := q.Body.(*pdu.FileData)
		return ok
	})

	id, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/src.bin",
		DestFile:    "/dst.bin",
	})
	require.NoError(t, err)

	// The receiver has seen the EOF and is waiting on its NAK
	p.receiver.ind.waitFor(t, IndicationEOFReceived)
	require.NoError(t, p.sender.entity.Cancel(id))

	sfin := p.sender.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, pdu.CancelRequestReceived, sfin.Condition)
	rfin := p.receiver.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, pdu.CancelRequestReceived, rfin.Condition)
	assert.Equal(t, pdu.DataIncomplete, rfin.Delivery)

	sent := p.wire.from(senderID)
	last := sent[len(sent)-1].Body.(*pdu.EOF)
	assert.Equal(t, pdu.CancelRequestReceived, last.Condition)
	require.NotNil(t, last.FaultLocation)
	assert.Equal(t, senderID, *last.FaultLocation)

	exists, err := afero.Exists(p.receiver.fs.Fs(), "/dst.bin")
	require.NoError(t, err)
	assert.False(t, exists)

	p.sender.ind.waitFor(t, IndicationDisposed)
	assert.ErrorIs(t, p.sender.entity.Cancel(id), ErrUnknownTransaction)
}

func TestClass2_SuspendResume(t *testing.T) {
	p := newPair(t, pairOptions{})
	data := pattern(64 * 400)
	writeFile(t, p.sender.fs, "/src.bin", data)

	id, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/src.bin",
		DestFile:    "/dst.bin",
	})
	require.NoError(t, err)
	require.NoError(t, p.sender.entity.Suspend(id))
	p.sender.ind.waitFor(t, IndicationSuspended)

	require.NoError(t, p.sender.entity.Report(id))
	report := p.sender.ind.waitFor(t, IndicationReport)
	require.NotNil(t, report.Status)
	assert.True(t, report.Status.Suspended)
	assert.Less(t, report.Status.Progress, uint64(len(data)))

	st, ok := p.sender.entity.Status(id)
	require.True(t, ok)
	assert.Equal(t, RoleSender, st.Role)

	require.NoError(t, p.sender.entity.Resume(id))
	p.sender.ind.waitFor(t, IndicationResumed)
	fin := p.sender.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, pdu.NoError, fin.Condition)

	p.receiver.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, data, readFile(t, p.receiver.fs, "/dst.bin"))
}

func TestClass2_PromptKeepAlive(t *testing.T) {
	p := newPair(t, pairOptions{tune: func(r *mib.RemoteConfig) {
		r.ACKTimer = mib.Duration(10 * time.Second)
	}})
	data := pattern(200)
	writeFile(t, p.sender.fs, "/src.bin", data)
	// Hold the transaction open by losing the EOF
	p.wire.setDrop(func(from pdu.EntityID, q *pdu.PDU) bool {
		_, ok := q.Body.(*pdu.EOF)
		return ok
	})

	id, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/src.bin",
		DestFile:    "/dst.bin",
	})
	require.NoError(t, err)
	p.sender.ind.waitFor(t, IndicationEOFSent)

	require.Eventually(t, func() bool {
		var got int
		for _, ind := range p.receiver.ind.kindsOf(IndicationFileSegmentReceived) {
			got += int(ind.Length)
		}
		return got == len(data)
	}, waitLimit, 10*time.Millisecond)

	require.NoError(t, p.sender.entity.Prompt(id, pdu.PromptKeepAlive))
	require.Eventually(t, func() bool {
		for _, q := range p.wire.from(receiverID) {
			if ka, ok := q.Body.(*pdu.KeepAlive); ok {
				return ka.Progress == uint64(len(data))
			}
		}
		return false
	}, waitLimit, 10*time.Millisecond)

	require.NoError(t, p.sender.entity.Cancel(id))
	p.sender.ind.waitFor(t, IndicationFinished)
}

func (r *recorder) kindsOf(kind IndicationKind) []Indication {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Indication
	for _, ind := range r.all {
		if ind.Kind == kind {
			out = append(out, ind)
		}
	}
	return out
}

func TestClass2_ChecksumFailure(t *testing.T) {
	const custom checksum.ID = 7
	senderSums := checksum.NewRegistry()
	require.NoError(t, senderSums.Register(custom, checksum.NewCRC32))
	receiverSums := checksum.NewRegistry()
	require.NoError(t, receiverSums.Register(custom, checksum.NewNull))

	p := newPair(t, pairOptions{senderChecksums: senderSums, receiverChecksums: receiverSums})
	writeFile(t, p.sender.fs, "/src.bin", pattern(300))
	id := custom

	_, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/src.bin",
		DestFile:    "/dst.bin",
		Checksum:    &id,
	})
	require.NoError(t, err)

	fault := p.receiver.ind.waitFor(t, IndicationFault)
	assert.Equal(t, pdu.FileChecksumFailure, fault.Condition)

	rfin := p.receiver.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, pdu.FileChecksumFailure, rfin.Condition)
	assert.Equal(t, pdu.FileDiscardedDeliberately, rfin.FileStatus)
	sfin := p.sender.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, pdu.FileChecksumFailure, sfin.Condition)

	exists, err := afero.Exists(p.receiver.fs.Fs(), "/dst.bin")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestClass2_UnsupportedChecksumIsIgnored(t *testing.T) {
	const custom checksum.ID = 7
	senderSums := checksum.NewRegistry()
	require.NoError(t, senderSums.Register(custom, checksum.NewCRC32))

	p := newPair(t, pairOptions{senderChecksums: senderSums})
	data := pattern(150)
	writeFile(t, p.sender.fs, "/src.bin", data)
	id := custom

	_, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/src.bin",
		DestFile:    "/dst.bin",
		Checksum:    &id,
	})
	require.NoError(t, err)

	fault := p.receiver.ind.waitFor(t, IndicationFault)
	assert.Equal(t, pdu.UnsupportedChecksumType, fault.Condition)
	fin := p.receiver.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, pdu.NoError, fin.Condition)
	assert.Equal(t, data, readFile(t, p.receiver.fs, "/dst.bin"))
}

func TestMetadataOptions(t *testing.T) {
	p := newPair(t, pairOptions{})
	writeFile(t, p.sender.fs, "/src.bin", pattern(10))

	_, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination:    receiverID,
		SourceFile:     "/src.bin",
		DestFile:       "/dst.bin",
		MessagesToUser: []string{"hello", "world"},
		FilestoreRequests: []pdu.FilestoreRequest{
			{Action: pdu.ActionCreateDirectory, FirstName: "/archive"},
		},
	})
	require.NoError(t, err)

	md := p.receiver.ind.waitFor(t, IndicationMetadataReceived)
	assert.Equal(t, []string{"hello", "world"}, md.MessagesToUser)
	assert.Equal(t, "/src.bin", md.SourceFile)
	assert.Equal(t, uint64(10), md.FileSize)

	fin := p.sender.ind.waitFor(t, IndicationFinished)
	require.Len(t, fin.FilestoreResponses, 1)
	assert.Equal(t, filestore.StatusSuccessful, fin.FilestoreResponses[0].Status)

	isDir, err := afero.IsDir(p.receiver.fs.Fs(), "/archive")
	require.NoError(t, err)
	assert.True(t, isDir)
}

func TestMetadataOnlyTransaction(t *testing.T) {
	p := newPair(t, pairOptions{})

	_, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination:    receiverID,
		MessagesToUser: []string{"ping"},
	})
	require.NoError(t, err)

	md := p.receiver.ind.waitFor(t, IndicationMetadataReceived)
	assert.Equal(t, []string{"ping"}, md.MessagesToUser)
	fin := p.sender.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, pdu.NoError, fin.Condition)
}

func TestIndicationOrder(t *testing.T) {
	p := newPair(t, pairOptions{})
	writeFile(t, p.sender.fs, "/src.bin", pattern(100))

	_, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/src.bin",
		DestFile:    "/dst.bin",
	})
	require.NoError(t, err)
	p.sender.ind.waitFor(t, IndicationDisposed)

	assert.Equal(t, []IndicationKind{
		IndicationTransactionStarted,
		IndicationEOFSent,
		IndicationFinished,
		IndicationDisposed,
	}, p.sender.ind.kinds())
}

func TestRetention_LateEOFIsReACKed(t *testing.T) {
	p := newPair(t, pairOptions{})
	writeFile(t, p.sender.fs, "/src.bin", pattern(100))

	id, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/src.bin",
		DestFile:    "/dst.bin",
	})
	require.NoError(t, err)
	p.receiver.ind.waitFor(t, IndicationDisposed)

	var eof *pdu.PDU
	for _, q := range p.wire.from(senderID) {
		if _, ok := q.Body.(*pdu.EOF); ok {
			eof = q
		}
	}
	require.NotNil(t, eof)
	data, err := eof.Encode()
	require.NoError(t, err)

	before := len(p.wire.from(receiverID))
	p.receiver.entity.Receive(data)

	require.Eventually(t, func() bool {
		return len(p.wire.from(receiverID)) == before+1
	}, waitLimit, 10*time.Millisecond)
	late := p.wire.from(receiverID)[before]
	ack, ok := late.Body.(*pdu.ACK)
	require.True(t, ok)
	assert.Equal(t, pdu.DirectiveEOF, ack.Directive)
	assert.Equal(t, id, late.TransactionID())
	assert.Empty(t, p.receiver.entity.Transactions())

	var history []store.Record
	require.Eventually(t, func() bool {
		history, err = p.receiver.entity.History(0)
		return err == nil && len(history) == 1
	}, waitLimit, 10*time.Millisecond)
	assert.Equal(t, id, history[0].ID)
	assert.Equal(t, "receiver", history[0].Role)
}

type countingObserver struct {
	nopObserver
	malformed atomic.Int32
}

func (o *countingObserver) MalformedPDU() { o.malformed.Add(1) }

func TestReceive_MalformedPDU(t *testing.T) {
	obs := &countingObserver{}
	p := newPair(t, pairOptions{observer: obs})

	p.receiver.entity.Receive([]byte{0x20, 0x00})
	p.receiver.entity.Receive(bytes.Repeat([]byte{0xFF}, 16))

	assert.Equal(t, int32(2), obs.malformed.Load())
	assert.Empty(t, p.receiver.entity.Transactions())
}

func TestReceive_OtherDestination(t *testing.T) {
	p := newPair(t, pairOptions{})
	data, err := pdu.New(pdu.Header{
		EntityIDLength:       2,
		SequenceNumberLength: 4,
		SourceEntityID:       senderID,
		SequenceNumber:       9,
		DestinationEntityID:  77,
	}, &pdu.Metadata{FileSize: 0}).Encode()
	require.NoError(t, err)

	p.receiver.entity.Receive(data)
	assert.Empty(t, p.receiver.entity.Transactions())
}

func TestPut_Validation(t *testing.T) {
	network := channel.NewMemoryNetwork()
	e, err := New(Config{MIB: testMIB(t, senderID, nil)}, network.Endpoint(senderID), filestore.NewMemory())
	require.NoError(t, err)

	_, err = e.Put(context.Background(), PutRequest{Destination: receiverID})
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, e.Start(context.Background()))
	defer e.Shutdown()

	_, err = e.Put(context.Background(), PutRequest{Destination: senderID})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.Put(context.Background(), PutRequest{Destination: receiverID, SourceFile: "/a"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.Put(context.Background(), PutRequest{Destination: receiverID, SourceFile: "/missing", DestFile: "/b"})
	assert.ErrorIs(t, err, filestore.ErrNotFound)

	bad := checksum.ID(9)
	_, err = e.Put(context.Background(), PutRequest{Destination: receiverID, Checksum: &bad})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.ErrorIs(t, e.Cancel(pdu.TransactionID{Source: senderID, Seq: 42}), ErrUnknownTransaction)
	assert.ErrorIs(t, e.Prompt(pdu.TransactionID{Source: senderID, Seq: 42}, pdu.PromptNAK), ErrUnknownTransaction)
}

func TestShutdown_Idempotent(t *testing.T) {
	network := channel.NewMemoryNetwork()
	e, err := New(Config{MIB: testMIB(t, senderID, nil)}, network.Endpoint(senderID), filestore.NewMemory())
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Shutdown())
	require.NoError(t, e.Shutdown())
	assert.ErrorIs(t, e.Start(context.Background()), ErrShutdown)
}
