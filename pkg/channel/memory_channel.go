package channel

import (
	"context"
	"sync"
	"sync/atomic"

	"avaneesh/cfdp-go/pkg/pdu"
)

// memoryQueueSize bounds PDUs in flight towards one endpoint; overflow is dropped like a lossy link
const memoryQueueSize = 4096

// InterceptFunc inspects a PDU in flight. Returning false drops it.
type InterceptFunc func(from, to pdu.EntityID, data []byte) bool

// MemoryNetwork connects in-process entities. It is used by tests and by
// single-process deployments.
type MemoryNetwork struct {
	mu        sync.RWMutex
	endpoints map[pdu.EntityID]*MemoryChannel
	intercept InterceptFunc
}

// NewMemoryNetwork creates an empty network
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[pdu.EntityID]*MemoryChannel)}
}

// Endpoint returns the transport for entity id, creating it on first use
func (n *MemoryNetwork) Endpoint(id pdu.EntityID) *MemoryChannel {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[id]; ok {
		return ep
	}
	ep := &MemoryChannel{
		id:      id,
		network: n,
		queue:   make(chan []byte, memoryQueueSize),
		done:    make(chan struct{}),
	}
	n.endpoints[id] = ep
	return ep
}

// SetIntercept installs a hook that sees every PDU and may drop it
func (n *MemoryNetwork) SetIntercept(fn InterceptFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.intercept = fn
}

func (n *MemoryNetwork) route(from, to pdu.EntityID, data []byte) (*MemoryChannel, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ep := n.endpoints[to]
	if ep == nil {
		return nil, false
	}
	if n.intercept != nil && !n.intercept(from, to, data) {
		return ep, false
	}
	return ep, true
}

// MemoryChannel is one entity's attachment to a MemoryNetwork
type MemoryChannel struct {
	id       pdu.EntityID
	network  *MemoryNetwork
	queue    chan []byte
	receiver receiverSlot
	stats    counters
	dropped  atomic.Uint64

	started atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// Start implements Transport.Start
func (mc *MemoryChannel) Start(ctx context.Context) error {
	if !mc.started.CompareAndSwap(false, true) {
		return nil
	}
	mc.stats.connects.Add(1)
	mc.wg.Add(1)
	go mc.deliverLoop()
	return nil
}

func (mc *MemoryChannel) deliverLoop() {
	defer mc.wg.Done()
	for {
		select {
		case <-mc.done:
			return
		case data := <-mc.queue:
			mc.stats.received(len(data))
			mc.receiver.deliver(data)
		}
	}
}

// Send implements Transport.Send
func (mc *MemoryChannel) Send(ctx context.Context, dest pdu.EntityID, data []byte) error {
	if mc.closed.Load() {
		return sendError(dest, ErrChannelClosed)
	}
	if err := ctx.Err(); err != nil {
		return sendError(dest, err)
	}

	ep, deliver := mc.network.route(mc.id, dest, data)
	if ep == nil {
		mc.stats.writeErrors.Add(1)
		return sendError(dest, ErrUnknownPeer)
	}
	mc.stats.sent(len(data))
	if !deliver || ep.closed.Load() {
		mc.dropped.Add(1)
		return nil
	}

	frame := make([]byte, len(data))
	copy(frame, data)
	select {
	case ep.queue <- frame:
	default:
		mc.dropped.Add(1)
	}
	return nil
}

// SetReceiver implements Transport.SetReceiver
func (mc *MemoryChannel) SetReceiver(fn ReceiveFunc) {
	mc.receiver.set(fn)
}

// Dropped returns the number of PDUs this endpoint sent that never arrived
func (mc *MemoryChannel) Dropped() uint64 {
	return mc.dropped.Load()
}

// Close implements Transport.Close
func (mc *MemoryChannel) Close() error {
	if !mc.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(mc.done)
	mc.wg.Wait()
	mc.stats.disconnects.Add(1)
	return nil
}

// Statistics implements Transport.Statistics
func (mc *MemoryChannel) Statistics() TransportStats {
	return mc.stats.snapshot()
}
