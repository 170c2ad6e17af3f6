package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"avaneesh/cfdp-go/pkg/internal/logger"
	"avaneesh/cfdp-go/pkg/pdu"
)

// maxDatagram covers the largest possible PDU: 28 header octets plus a full data field
const maxDatagram = 28 + pdu.MaxDataFieldLength

// UDPChannel implements Transport with one PDU per datagram
type UDPChannel struct {
	// Connection
	conn     *net.UDPConn
	connLock sync.RWMutex

	// Configuration
	address      string
	peers        AddressBook
	writeTimeout time.Duration
	log          logger.Logger

	// Resolved peer addresses, pdu.EntityID -> *net.UDPAddr
	resolved sync.Map
	resolve  singleflight.Group

	receiver receiverSlot
	stats    counters

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// UDPChannelConfig configures a UDP channel
type UDPChannelConfig struct {
	Address      string        // Local "host:port" to bind
	Peers        AddressBook   // Entity addresses; peers that send first are learned
	WriteTimeout time.Duration // Write timeout (0 = 10s)
	Logger       logger.Logger
}

// NewUDPChannel creates a new UDP channel
func NewUDPChannel(config UDPChannelConfig) (*UDPChannel, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.Peers == nil {
		config.Peers = StaticAddressBook{}
	}

	return &UDPChannel{
		address:      config.Address,
		peers:        config.Peers,
		writeTimeout: config.WriteTimeout,
		log:          logger.Component(config.Logger, "udp"),
	}, nil
}

// Start implements Transport.Start
func (uc *UDPChannel) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", uc.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", uc.address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", uc.address, err)
	}

	uc.connLock.Lock()
	uc.conn = conn
	uc.ctx, uc.cancel = context.WithCancel(ctx)
	uc.connLock.Unlock()
	uc.stats.connects.Add(1)

	uc.wg.Add(1)
	go uc.readLoop(conn)

	uc.log.Info("listening on %s", conn.LocalAddr())
	return nil
}

// LocalAddr returns the bound address, nil before Start
func (uc *UDPChannel) LocalAddr() net.Addr {
	uc.connLock.RLock()
	defer uc.connLock.RUnlock()
	if uc.conn == nil {
		return nil
	}
	return uc.conn.LocalAddr()
}

// readLoop delivers datagrams until the socket is closed
func (uc *UDPChannel) readLoop(conn *net.UDPConn) {
	defer uc.wg.Done()

	buffer := make([]byte, maxDatagram)
	for {
		n, remote, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if uc.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			uc.stats.readErrors.Add(1)
			uc.log.Warn("read failed: %v", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buffer[:n])

		// Remember where unknown peers send from so replies reach them
		if h, _, _, err := pdu.ParseHeader(data); err == nil {
			if _, known := uc.resolved.Load(h.Peer()); !known {
				uc.resolved.Store(h.Peer(), remote)
				uc.log.Debug("learned entity %d at %s", h.Peer(), remote)
			}
		}

		uc.stats.received(n)
		uc.receiver.deliver(data)
	}
}

// peerAddr resolves an entity address, collapsing concurrent lookups
func (uc *UDPChannel) peerAddr(dest pdu.EntityID) (*net.UDPAddr, error) {
	if addr, ok := uc.resolved.Load(dest); ok {
		return addr.(*net.UDPAddr), nil
	}
	v, err, _ := uc.resolve.Do(strconv.FormatUint(uint64(dest), 10), func() (interface{}, error) {
		address, ok := uc.peers.Address(dest)
		if !ok {
			return nil, ErrUnknownPeer
		}
		addr, err := net.ResolveUDPAddr("udp", address)
		if err != nil {
			return nil, err
		}
		uc.resolved.Store(dest, addr)
		return addr, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*net.UDPAddr), nil
}

// Send implements Transport.Send
func (uc *UDPChannel) Send(ctx context.Context, dest pdu.EntityID, data []byte) error {
	if uc.closed.Load() {
		return sendError(dest, ErrChannelClosed)
	}
	if err := ctx.Err(); err != nil {
		return sendError(dest, err)
	}

	uc.connLock.RLock()
	conn := uc.conn
	uc.connLock.RUnlock()
	if conn == nil {
		return sendError(dest, ErrNotStarted)
	}

	addr, err := uc.peerAddr(dest)
	if err != nil {
		uc.stats.writeErrors.Add(1)
		return sendError(dest, err)
	}

	if uc.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(uc.writeTimeout))
	}
	if _, err := conn.WriteToUDP(data, addr); err != nil {
		uc.stats.writeErrors.Add(1)
		return sendError(dest, err)
	}

	uc.stats.sent(len(data))
	return nil
}

// SetReceiver implements Transport.SetReceiver
func (uc *UDPChannel) SetReceiver(fn ReceiveFunc) {
	uc.receiver.set(fn)
}

// Close implements Transport.Close
func (uc *UDPChannel) Close() error {
	if !uc.closed.CompareAndSwap(false, true) {
		return nil
	}

	uc.connLock.Lock()
	conn := uc.conn
	uc.conn = nil
	if uc.cancel != nil {
		uc.cancel()
	}
	uc.connLock.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
		uc.stats.disconnects.Add(1)
	}
	uc.wg.Wait()
	return err
}

// Statistics implements Transport.Statistics
func (uc *UDPChannel) Statistics() TransportStats {
	return uc.stats.snapshot()
}
