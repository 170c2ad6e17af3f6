package entity

import (
	"context"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avaneesh/cfdp-go/pkg/checksum"
	"avaneesh/cfdp-go/pkg/filestore"
	"avaneesh/cfdp-go/pkg/mib"
	"avaneesh/cfdp-go/pkg/pdu"
)

// stallingFS blocks every write to one destination until unblock is closed
type stallingFS struct {
	*filestore.Afero
	dest    string
	unblock chan struct{}
	stalled atomic.Int32
}

func (s *stallingFS) CreateTemp(dest string) (filestore.File, string, error) {
	f, name, err := s.Afero.CreateTemp(dest)
	if err != nil || dest != s.dest {
		return f, name, err
	}
	return &stallingFile{File: f, fs: s}, name, nil
}

type stallingFile struct {
	filestore.File
	fs *stallingFS
}

func (f *stallingFile) WriteAt(p []byte, off int64) (int, error) {
	f.fs.stalled.Add(1)
	<-f.fs.unblock
	return f.File.WriteAt(p, off)
}

// failingFS cannot create files for one destination
type failingFS struct {
	*filestore.Afero
	dest string
}

func (f *failingFS) CreateTemp(dest string) (filestore.File, string, error) {
	if dest == f.dest {
		return nil, "", errors.New("disk full")
	}
	return f.Afero.CreateTemp(dest)
}

// verboseFS answers filestore requests with messages too long to encode
type verboseFS struct {
	*filestore.Afero
}

func (v *verboseFS) Execute(req pdu.FilestoreRequest) pdu.FilestoreResponse {
	resp := v.Afero.Execute(req)
	resp.Message = strings.Repeat("!", 300)
	return resp
}

func newStallingPair(t *testing.T, dest string, extra ...Option) (*pair, *stallingFS) {
	t.Helper()
	var stall *stallingFS
	p := newPair(t, pairOptions{
		receiverFS: func(fs *filestore.Afero) filestore.Filestore {
			stall = &stallingFS{Afero: fs, dest: dest, unblock: make(chan struct{})}
			return stall
		},
		receiverOpts: extra,
	})
	t.Cleanup(func() { close(stall.unblock) })
	return p, stall
}

// finishedFor waits for the Finished indication of id
func (r *recorder) finishedFor(t *testing.T, id pdu.TransactionID) Indication {
	t.Helper()
	for {
		if ind := r.waitFor(t, IndicationFinished); ind.ID == id {
			return ind
		}
	}
}

func TestFilestoreResponse_LongNameStillFinishes(t *testing.T) {
	p := newPair(t, pairOptions{})
	data := pattern(100)
	writeFile(t, p.sender.fs, "/src.bin", data)
	long := strings.Repeat("n", 201)

	id, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/src.bin",
		DestFile:    "/dst.bin",
		FilestoreRequests: []pdu.FilestoreRequest{
			{Action: pdu.ActionDeleteFile, FirstName: long},
		},
	})
	require.NoError(t, err)

	sfin := p.sender.ind.finishedFor(t, id)
	assert.Equal(t, pdu.NoError, sfin.Condition)
	require.Len(t, sfin.FilestoreResponses, 1)
	assert.NotEqual(t, filestore.StatusSuccessful, sfin.FilestoreResponses[0].Status)
	assert.Equal(t, long, sfin.FilestoreResponses[0].FirstName)
	assert.NotEmpty(t, sfin.FilestoreResponses[0].Message)

	assert.Contains(t, directiveCodes(p.wire.from(receiverID)), "Finished")
	assert.Equal(t, data, readFile(t, p.receiver.fs, "/dst.bin"))
}

func TestFinishedTooLongIsAFault(t *testing.T) {
	p := newPair(t, pairOptions{receiverFS: func(fs *filestore.Afero) filestore.Filestore {
		return &verboseFS{Afero: fs}
	}})
	writeFile(t, p.sender.fs, "/src.bin", pattern(100))

	id, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/src.bin",
		DestFile:    "/dst.bin",
		FilestoreRequests: []pdu.FilestoreRequest{
			{Action: pdu.ActionCreateDirectory, FirstName: "/archive"},
		},
	})
	require.NoError(t, err)

	fault := p.receiver.ind.waitFor(t, IndicationFault)
	assert.Equal(t, pdu.FilestoreRejection, fault.Condition)
	rfin := p.receiver.ind.finishedFor(t, id)
	assert.Equal(t, pdu.FilestoreRejection, rfin.Condition)
	assert.Len(t, rfin.FilestoreResponses, 1)

	sfin := p.sender.ind.finishedFor(t, id)
	assert.Equal(t, pdu.FilestoreRejection, sfin.Condition)
	assert.Equal(t, pdu.DataComplete, sfin.Delivery)
	assert.Empty(t, sfin.FilestoreResponses)
}

func TestStalledFilestoreDoesNotBlockOtherTransactions(t *testing.T) {
	p, stall := newStallingPair(t, "/slow.bin")
	writeFile(t, p.sender.fs, "/slow.src", pattern(64*16))
	fast := pattern(100)
	writeFile(t, p.sender.fs, "/fast.src", fast)

	_, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/slow.src",
		DestFile:    "/slow.bin",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return stall.stalled.Load() > 0 }, waitLimit, 10*time.Millisecond)
	p.receiver.ind.waitFor(t, IndicationEOFReceived)

	id, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/fast.src",
		DestFile:    "/fast.bin",
	})
	require.NoError(t, err)

	rfin := p.receiver.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, id, rfin.ID)
	assert.Equal(t, pdu.NoError, rfin.Condition)
	assert.Equal(t, fast, readFile(t, p.receiver.fs, "/fast.bin"))
	assert.Equal(t, int32(1), stall.stalled.Load(), "writes of the stalled transaction are queued")
}

func TestShutdown_StalledFilestore(t *testing.T) {
	p, stall := newStallingPair(t, "/slow.bin", WithShutdownGrace(50*time.Millisecond))
	writeFile(t, p.sender.fs, "/slow.src", pattern(300))

	_, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/slow.src",
		DestFile:    "/slow.bin",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return stall.stalled.Load() > 0 }, waitLimit, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- p.receiver.entity.Shutdown() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitLimit):
		t.Fatal("Shutdown waited on a stalled filestore call")
	}
}

func TestInactivityTimeout(t *testing.T) {
	p := newPair(t, pairOptions{tune: func(r *mib.RemoteConfig) {
		r.InactivityTimer = mib.Duration(50 * time.Millisecond)
	}})
	writeFile(t, p.sender.fs, "/src.bin", pattern(200))
	p.wire.setDrop(func(from pdu.EntityID, q *pdu.PDU) bool {
		_, isMetadata := q.Body.(*pdu.Metadata)
		return from == senderID && !isMetadata
	})

	_, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/src.bin",
		DestFile:    "/dst.bin",
		Mode:        mode(pdu.Unacknowledged),
	})
	require.NoError(t, err)

	fault := p.receiver.ind.waitFor(t, IndicationFault)
	assert.Equal(t, pdu.InactivityDetected, fault.Condition)
	fin := p.receiver.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, pdu.InactivityDetected, fin.Condition)
	disposed := p.receiver.ind.waitFor(t, IndicationDisposed)
	require.NotNil(t, disposed.Status)
	assert.Equal(t, StateCancelled, disposed.Status.State)
	assert.Empty(t, p.wire.from(receiverID))
}

func TestFilestoreErrorFailsOnlyThatTransaction(t *testing.T) {
	p := newPair(t, pairOptions{receiverFS: func(fs *filestore.Afero) filestore.Filestore {
		return &failingFS{Afero: fs, dest: "/bad.bin"}
	}})
	data := pattern(150)
	writeFile(t, p.sender.fs, "/src.bin", data)

	bad, err := p.sender.entity.Put(context.Background(), PutRequest{Destination: receiverID, SourceFile: "/src.bin", DestFile: "/bad.bin"})
	require.NoError(t, err)
	good, err := p.sender.entity.Put(context.Background(), PutRequest{Destination: receiverID, SourceFile: "/src.bin", DestFile: "/good.bin"})
	require.NoError(t, err)

	results := make(map[pdu.TransactionID]Indication)
	for len(results) < 2 {
		fin := p.receiver.ind.waitFor(t, IndicationFinished)
		results[fin.ID] = fin
	}
	assert.Equal(t, pdu.FilestoreRejection, results[bad].Condition)
	assert.Equal(t, pdu.NoError, results[good].Condition)
	assert.Equal(t, data, readFile(t, p.receiver.fs, "/good.bin"))

	assert.Equal(t, pdu.FilestoreRejection, p.sender.ind.finishedFor(t, bad).Condition)
	exists, err := afero.Exists(p.receiver.fs.Fs(), "/bad.bin")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestNAKLimitReached(t *testing.T) {
	p := newPair(t, pairOptions{tune: func(r *mib.RemoteConfig) {
		r.NAKTimer = mib.Duration(30 * time.Millisecond)
		r.NAKLimit = 2
	}})
	writeFile(t, p.sender.fs, "/src.bin", pattern(200))
	p.wire.setDrop(func(from pdu.EntityID, q *pdu.PDU) bool {
		fd, ok := q.Body.(*pdu.FileData)
		return ok && fd.Offset == 64
	})

	id, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/src.bin",
		DestFile:    "/dst.bin",
	})
	require.NoError(t, err)

	fault := p.receiver.ind.waitFor(t, IndicationFault)
	assert.Equal(t, pdu.NAKLimitReached, fault.Condition)
	rfin := p.receiver.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, pdu.NAKLimitReached, rfin.Condition)
	assert.Equal(t, pdu.NAKLimitReached, p.sender.ind.finishedFor(t, id).Condition)

	var naks int
	for _, q := range p.wire.from(receiverID) {
		if _, ok := q.Body.(*pdu.NAK); ok {
			naks++
		}
	}
	assert.Equal(t, 3, naks) // first request plus two retries
}

func TestImmediateNAK(t *testing.T) {
	p := newPair(t, pairOptions{tune: func(r *mib.RemoteConfig) {
		r.ImmediateNAK = true
	}})
	data := pattern(200)
	writeFile(t, p.sender.fs, "/src.bin", data)
	var dropped atomic.Bool
	p.wire.setDrop(func(from pdu.EntityID, q *pdu.PDU) bool {
		fd, ok := q.Body.(*pdu.FileData)
		return ok && fd.Offset == 64 && dropped.CompareAndSwap(false, true)
	})

	id, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/src.bin",
		DestFile:    "/dst.bin",
	})
	require.NoError(t, err)

	assert.Equal(t, pdu.NoError, p.sender.ind.finishedFor(t, id).Condition)
	p.receiver.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, data, readFile(t, p.receiver.fs, "/dst.bin"))

	// The gap is requested as soon as the next segment shows it, before the EOF
	fromReceiver := p.wire.from(receiverID)
	require.NotEmpty(t, fromReceiver)
	nak, ok := fromReceiver[0].Body.(*pdu.NAK)
	require.True(t, ok, "first PDU from the receiver is %s", pduKind(fromReceiver[0]))
	assert.Equal(t, []pdu.SegmentRequest{{Start: 64, End: 128}}, nak.Segments)
}

func TestKeepAliveLimitReached(t *testing.T) {
	p := newPair(t, pairOptions{tune: func(r *mib.RemoteConfig) {
		r.KeepAliveInterval = mib.Duration(20 * time.Millisecond)
		r.KeepAliveDiscrepancyLimit = 10
	}})
	writeFile(t, p.sender.fs, "/src.bin", pattern(200))
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

	fault := p.sender.ind.waitFor(t, IndicationFault)
	assert.Equal(t, pdu.KeepAliveLimitReached, fault.Condition)
	sfin := p.sender.ind.finishedFor(t, id)
	assert.Equal(t, pdu.KeepAliveLimitReached, sfin.Condition)
	rfin := p.receiver.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, pdu.KeepAliveLimitReached, rfin.Condition)
}

func TestFaultHandlerOverride(t *testing.T) {
	const custom checksum.ID = 7
	senderSums := checksum.NewRegistry()
	require.NoError(t, senderSums.Register(custom, checksum.NewCRC32))
	receiverSums := checksum.NewRegistry()
	require.NoError(t, receiverSums.Register(custom, checksum.NewNull))

	p := newPair(t, pairOptions{senderChecksums: senderSums, receiverChecksums: receiverSums})
	writeFile(t, p.sender.fs, "/src.bin", pattern(300))
	sum := custom

	id, err := p.sender.entity.Put(context.Background(), PutRequest{
		Destination: receiverID,
		SourceFile:  "/src.bin",
		DestFile:    "/dst.bin",
		Checksum:    &sum,
		FaultHandlers: []pdu.FaultHandlerOverride{
			{Condition: pdu.FileChecksumFailure, Handler: pdu.HandlerNoticeOfCancellation},
		},
	})
	require.NoError(t, err)

	fault := p.receiver.ind.waitFor(t, IndicationFault)
	assert.Equal(t, pdu.FileChecksumFailure, fault.Condition)
	rfin := p.receiver.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, pdu.FileChecksumFailure, rfin.Condition)
	assert.Equal(t, pdu.DataIncomplete, rfin.Delivery)
	disposed := p.receiver.ind.waitFor(t, IndicationDisposed)
	require.NotNil(t, disposed.Status)
	assert.Equal(t, StateCancelled, disposed.Status.State, "the override cancels instead of ignoring")

	assert.Equal(t, pdu.FileChecksumFailure, p.sender.ind.finishedFor(t, id).Condition)
	exists, err := afero.Exists(p.receiver.fs.Fs(), "/dst.bin")
	require.NoError(t, err)
	assert.False(t, exists)
}

func senderHeader(seq pdu.SequenceNumber) pdu.Header {
	return pdu.Header{
		Mode:                 pdu.Unacknowledged,
		EntityIDLength:       2,
		SequenceNumberLength: 4,
		SourceEntityID:       senderID,
		SequenceNumber:       seq,
		DestinationEntityID:  receiverID,
	}
}

func encode(t *testing.T, h pdu.Header, body pdu.Body) []byte {
	t.Helper()
	data, err := pdu.New(h, body).Encode()
	require.NoError(t, err)
	return data
}

func TestFileDataPastEOFSize(t *testing.T) {
	p := newPair(t, pairOptions{})
	h := senderHeader(77)

	p.receiver.entity.Receive(encode(t, h, &pdu.Metadata{FileSize: 100, SourceFileName: "/src.bin", DestFileName: "/dst.bin"}))
	p.receiver.entity.Receive(encode(t, h, &pdu.EOF{Condition: pdu.NoError, FileSize: 100}))
	p.receiver.entity.Receive(encode(t, h, &pdu.FileData{Offset: 90, Data: pattern(20)}))

	fault := p.receiver.ind.waitFor(t, IndicationFault)
	assert.Equal(t, pdu.FileSizeError, fault.Condition)
	fin := p.receiver.ind.waitFor(t, IndicationFinished)
	assert.Equal(t, pdu.FileSizeError, fin.Condition)

	exists, err := afero.Exists(p.receiver.fs.Fs(), "/dst.bin")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFileDataOffsetWraps(t *testing.T) {
	p := newPair(t, pairOptions{})
	h := senderHeader(78)
	h.LargeFile = true

	p.receiver.entity.Receive(encode(t, h, &pdu.FileData{Offset: math.MaxUint64 - 4, Data: pattern(10)}))

	fault := p.receiver.ind.waitFor(t, IndicationFault)
	assert.Equal(t, pdu.FileSizeError, fault.Condition)
}

func TestReceiveDuringShutdown(t *testing.T) {
	p := newPair(t, pairOptions{})
	e := p.receiver.entity

	batches := make([][][]byte, 4)
	for g := range batches {
		for i := 0; i < 200; i++ {
			batches[g] = append(batches[g], encode(t, senderHeader(pdu.SequenceNumber(g*1000+i)), &pdu.Metadata{}))
		}
	}

	var wg sync.WaitGroup
	for _, batch := range batches {
		wg.Add(1)
		go func(batch [][]byte) {
			defer wg.Done()
			for _, data := range batch {
				e.Receive(data)
			}
		}(batch)
	}
	require.NoError(t, e.Shutdown())
	wg.Wait()

	before := len(e.Transactions())
	e.Receive(encode(t, senderHeader(99999), &pdu.Metadata{}))
	assert.Len(t, e.Transactions(), before)
}
