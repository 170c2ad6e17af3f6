package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"avaneesh/cfdp-go/pkg/internal/logger"
	"avaneesh/cfdp-go/pkg/pdu"
)

// TCPChannel implements Transport over TCP. Each entity dials its peers for
// outbound PDUs and reads PDUs from every accepted connection.
type TCPChannel struct {
	listener net.Listener
	lnLock   sync.RWMutex

	// Configuration
	address      string
	peers        AddressBook
	dialTimeout  time.Duration
	writeTimeout time.Duration
	log          logger.Logger

	pool     *streamPool
	inbound  sync.Map // net.Conn -> struct{}
	receiver receiverSlot
	state    listenerSlot
	stats    counters

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// TCPChannelConfig configures a TCP channel
type TCPChannelConfig struct {
	Address      string        // Local "host:port" to listen on
	Peers        AddressBook   // Entity addresses to dial
	DialTimeout  time.Duration // Connect timeout (0 = 5s)
	WriteTimeout time.Duration // Write timeout (0 = 10s)
	Logger       logger.Logger
}

// NewTCPChannel creates a new TCP channel
func NewTCPChannel(config TCPChannelConfig) (*TCPChannel, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.Peers == nil {
		config.Peers = StaticAddressBook{}
	}

	return &TCPChannel{
		address:      config.Address,
		peers:        config.Peers,
		dialTimeout:  config.DialTimeout,
		writeTimeout: config.WriteTimeout,
		log:          logger.Component(config.Logger, "tcp"),
		pool:         newStreamPool(),
	}, nil
}

// Start implements Transport.Start
func (tc *TCPChannel) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", tc.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", tc.address, err)
	}

	tc.lnLock.Lock()
	tc.listener = listener
	tc.ctx, tc.cancel = context.WithCancel(ctx)
	tc.lnLock.Unlock()

	tc.wg.Add(1)
	go tc.acceptLoop(listener)

	tc.log.Info("listening on %s", listener.Addr())
	return nil
}

// LocalAddr returns the listening address, nil before Start
func (tc *TCPChannel) LocalAddr() net.Addr {
	tc.lnLock.RLock()
	defer tc.lnLock.RUnlock()
	if tc.listener == nil {
		return nil
	}
	return tc.listener.Addr()
}

// acceptLoop accepts inbound connections
func (tc *TCPChannel) acceptLoop(listener net.Listener) {
	defer tc.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if tc.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			tc.log.Warn("accept failed: %v", err)
			continue
		}

		tc.stats.connects.Add(1)
		tc.inbound.Store(conn, struct{}{})
		tc.state.established(conn.RemoteAddr().String())

		tc.wg.Add(1)
		go tc.serve(conn)
	}
}

// serve reads PDUs from an accepted connection until it closes
func (tc *TCPChannel) serve(conn net.Conn) {
	defer tc.wg.Done()
	defer func() {
		tc.inbound.Delete(conn)
		conn.Close()
		tc.stats.disconnects.Add(1)
		tc.state.lost(conn.RemoteAddr().String())
	}()

	err := readFrames(conn, &tc.stats, &tc.receiver)
	if err != nil && err != io.EOF && !tc.closed.Load() {
		tc.stats.readErrors.Add(1)
		tc.log.Warn("connection from %s: %v", conn.RemoteAddr(), err)
	}
}

func (tc *TCPChannel) dial(dest pdu.EntityID) func(context.Context) (*streamConn, error) {
	return func(ctx context.Context) (*streamConn, error) {
		address, ok := tc.peers.Address(dest)
		if !ok {
			return nil, ErrUnknownPeer
		}
		dialer := net.Dialer{Timeout: tc.dialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}
		tc.stats.connects.Add(1)
		tc.state.established(address)
		tc.log.Debug("connected to entity %d at %s", dest, address)
		return &streamConn{w: conn, peer: address, close: conn.Close}, nil
	}
}

// Send implements Transport.Send
func (tc *TCPChannel) Send(ctx context.Context, dest pdu.EntityID, data []byte) error {
	if tc.closed.Load() {
		return sendError(dest, ErrChannelClosed)
	}
	tc.lnLock.RLock()
	started := tc.listener != nil
	tc.lnLock.RUnlock()
	if !started {
		return sendError(dest, ErrNotStarted)
	}

	sc, err := tc.pool.get(ctx, dest, tc.dial(dest))
	if err != nil {
		tc.stats.writeErrors.Add(1)
		return sendError(dest, err)
	}
	if err := sc.write(data, tc.writeTimeout); err != nil {
		tc.stats.writeErrors.Add(1)
		if tc.pool.drop(dest, sc) {
			tc.stats.disconnects.Add(1)
			tc.state.lost(sc.peer)
		}
		return sendError(dest, err)
	}

	tc.stats.sent(len(data))
	return nil
}

// SetReceiver implements Transport.SetReceiver
func (tc *TCPChannel) SetReceiver(fn ReceiveFunc) {
	tc.receiver.set(fn)
}

// SetConnectionStateListener sets a listener for connection state changes
func (tc *TCPChannel) SetConnectionStateListener(listener ConnectionStateListener) {
	tc.state.set(listener)
}

// Close implements Transport.Close
func (tc *TCPChannel) Close() error {
	if !tc.closed.CompareAndSwap(false, true) {
		return nil
	}

	tc.lnLock.Lock()
	listener := tc.listener
	if tc.cancel != nil {
		tc.cancel()
	}
	tc.lnLock.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	tc.stats.disconnects.Add(uint64(tc.pool.closeAll()))
	tc.inbound.Range(func(k, _ interface{}) bool {
		k.(net.Conn).Close()
		return true
	})

	tc.wg.Wait()
	return err
}

// Statistics implements Transport.Statistics
func (tc *TCPChannel) Statistics() TransportStats {
	return tc.stats.snapshot()
}
