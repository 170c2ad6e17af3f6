package channel

import (
	"context"
	"io"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"avaneesh/cfdp-go/pkg/pdu"
)

// streamWriter is the write half of a stream connection
type streamWriter interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
}

// streamConn is an outbound stream to one peer entity
type streamConn struct {
	mu    sync.Mutex
	w     streamWriter
	peer  string
	close func() error
}

// write sends one frame; concurrent writers are serialized so frames never interleave
func (sc *streamConn) write(data []byte, timeout time.Duration) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if timeout > 0 {
		sc.w.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := sc.w.Write(data)
	return err
}

// streamPool caches one outbound connection per destination entity
type streamPool struct {
	mu    sync.Mutex
	conns map[pdu.EntityID]*streamConn
	dials singleflight.Group
}

func newStreamPool() *streamPool {
	return &streamPool{conns: make(map[pdu.EntityID]*streamConn)}
}

// get returns the cached connection for dest or dials one
func (p *streamPool) get(ctx context.Context, dest pdu.EntityID, dial func(context.Context) (*streamConn, error)) (*streamConn, error) {
	p.mu.Lock()
	sc := p.conns[dest]
	p.mu.Unlock()
	if sc != nil {
		return sc, nil
	}

	v, err, _ := p.dials.Do(strconv.FormatUint(uint64(dest), 10), func() (interface{}, error) {
		sc, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.conns[dest] = sc
		p.mu.Unlock()
		return sc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*streamConn), nil
}

// drop closes and forgets sc if it is still the cached connection for dest
func (p *streamPool) drop(dest pdu.EntityID, sc *streamConn) bool {
	p.mu.Lock()
	current := p.conns[dest] == sc
	if current {
		delete(p.conns, dest)
	}
	p.mu.Unlock()
	if current {
		sc.close()
	}
	return current
}

func (p *streamPool) closeAll() int {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[pdu.EntityID]*streamConn)
	p.mu.Unlock()
	for _, sc := range conns {
		sc.close()
	}
	return len(conns)
}

// readFrames delivers PDUs read from r until it fails
func readFrames(r io.Reader, stats *counters, receiver *receiverSlot) error {
	for {
		frame, err := ReadPDU(r)
		if err != nil {
			return err
		}
		stats.received(len(frame))
		receiver.deliver(frame)
	}
}
