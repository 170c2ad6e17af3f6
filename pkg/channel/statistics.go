package channel

import (
	"sync"
	"sync/atomic"
)

// counters tracks transport statistics shared by all adapters
type counters struct {
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	writeErrors      atomic.Uint64
	readErrors       atomic.Uint64
	connects         atomic.Uint64
	disconnects      atomic.Uint64
}

func (c *counters) sent(n int) {
	c.bytesSent.Add(uint64(n))
	c.messagesSent.Add(1)
}

func (c *counters) received(n int) {
	c.bytesReceived.Add(uint64(n))
	c.messagesReceived.Add(1)
}

func (c *counters) snapshot() TransportStats {
	return TransportStats{
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		WriteErrors:      c.writeErrors.Load(),
		ReadErrors:       c.readErrors.Load(),
		Connects:         c.connects.Load(),
		Disconnects:      c.disconnects.Load(),
	}
}

// receiverSlot holds the inbound callback
type receiverSlot struct {
	fn atomic.Pointer[ReceiveFunc]
}

func (r *receiverSlot) set(fn ReceiveFunc) {
	r.fn.Store(&fn)
}

func (r *receiverSlot) deliver(data []byte) {
	if fn := r.fn.Load(); fn != nil && *fn != nil {
		(*fn)(data)
	}
}

// listenerSlot holds the optional connection state listener
type listenerSlot struct {
	mu       sync.RWMutex
	listener ConnectionStateListener
}

func (l *listenerSlot) set(listener ConnectionStateListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listener = listener
}

func (l *listenerSlot) established(peer string) {
	l.mu.RLock()
	listener := l.listener
	l.mu.RUnlock()
	if listener != nil {
		listener.OnConnectionEstablished(peer)
	}
}

func (l *listenerSlot) lost(peer string) {
	l.mu.RLock()
	listener := l.listener
	l.mu.RUnlock()
	if listener != nil {
		listener.OnConnectionLost(peer)
	}
}
