package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"avaneesh/cfdp-go/pkg/internal/logger"
	"avaneesh/cfdp-go/pkg/pdu"
)

// DefaultWebSocketPath is the HTTP path PDUs are exchanged on
const DefaultWebSocketPath = "/cfdp"

// WebSocketChannel implements Transport with one PDU per binary WebSocket message
type WebSocketChannel struct {
	server   *http.Server
	listener net.Listener
	srvLock  sync.RWMutex

	// Configuration
	address      string
	path         string
	peers        AddressBook
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	dialer       *websocket.Dialer
	log          logger.Logger

	pool     *streamPool
	inbound  sync.Map // *websocket.Conn -> struct{}
	receiver receiverSlot
	state    listenerSlot
	stats    counters

	// Lifecycle
	wg     sync.WaitGroup
	closed atomic.Bool
}

// WebSocketChannelConfig configures a WebSocket channel
type WebSocketChannelConfig struct {
	Address      string        // Local "host:port" to serve on
	Path         string        // HTTP path (default /cfdp)
	Peers        AddressBook   // Entity addresses: "host:port" or a full ws:// URL
	DialTimeout  time.Duration // Handshake timeout (0 = 5s)
	WriteTimeout time.Duration // Write timeout (0 = 10s)
	Logger       logger.Logger
}

// NewWebSocketChannel creates a new WebSocket channel
func NewWebSocketChannel(config WebSocketChannelConfig) (*WebSocketChannel, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if config.Path == "" {
		config.Path = DefaultWebSocketPath
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

	return &WebSocketChannel{
		address:      config.Address,
		path:         config.Path,
		peers:        config.Peers,
		writeTimeout: config.WriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.DialTimeout,
			ReadBufferSize:   32 * 1024,
			WriteBufferSize:  32 * 1024,
		},
		log:  logger.Component(config.Logger, "websocket"),
		pool: newStreamPool(),
	}, nil
}

// Start implements Transport.Start
func (wc *WebSocketChannel) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", wc.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", wc.address, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wc.path, wc.handleWebSocket)
	server := &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	wc.srvLock.Lock()
	wc.server = server
	wc.listener = listener
	wc.srvLock.Unlock()

	wc.wg.Add(1)
	go func() {
		defer wc.wg.Done()
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			wc.log.Error("HTTP server failed: %v", err)
		}
	}()

	wc.log.Info("listening on ws://%s%s", listener.Addr(), wc.path)
	return nil
}

// LocalAddr returns the listening address, nil before Start
func (wc *WebSocketChannel) LocalAddr() net.Addr {
	wc.srvLock.RLock()
	defer wc.srvLock.RUnlock()
	if wc.listener == nil {
		return nil
	}
	return wc.listener.Addr()
}

// handleWebSocket upgrades an inbound connection and reads PDUs from it
func (wc *WebSocketChannel) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wc.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wc.log.Debug("upgrade failed: %v", err)
		return
	}

	wc.stats.connects.Add(1)
	wc.inbound.Store(conn, struct{}{})
	wc.state.established(r.RemoteAddr)
	defer func() {
		wc.inbound.Delete(conn)
		conn.Close()
		wc.stats.disconnects.Add(1)
		wc.state.lost(r.RemoteAddr)
	}()

	wc.readMessages(conn)
}

// readMessages delivers binary messages until the connection fails
func (wc *WebSocketChannel) readMessages(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !wc.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				wc.stats.readErrors.Add(1)
				wc.log.Debug("read from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		wc.stats.received(len(data))
		wc.receiver.deliver(data)
	}
}

// peerURL turns a configured address into a WebSocket URL
func (wc *WebSocketChannel) peerURL(address string) string {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		return address
	}
	return "ws://" + address + wc.path
}

// wsWriter adapts a WebSocket connection to the stream pool
type wsWriter struct {
	conn *websocket.Conn
}

func (w wsWriter) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w wsWriter) SetWriteDeadline(t time.Time) error {
	return w.conn.SetWriteDeadline(t)
}

func (wc *WebSocketChannel) dial(dest pdu.EntityID) func(context.Context) (*streamConn, error) {
	return func(ctx context.Context) (*streamConn, error) {
		address, ok := wc.peers.Address(dest)
		if !ok {
			return nil, ErrUnknownPeer
		}
		url := wc.peerURL(address)
		conn, _, err := wc.dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
		}

		wc.stats.connects.Add(1)
		wc.state.established(url)
		wc.log.Debug("connected to entity %d at %s", dest, url)

		sc := &streamConn{w: wsWriter{conn: conn}, peer: url, close: conn.Close}

		// Control frames are only processed while reading
		wc.wg.Add(1)
		go func() {
			defer wc.wg.Done()
			wc.readMessages(conn)
			if wc.pool.drop(dest, sc) {
				wc.stats.disconnects.Add(1)
				wc.state.lost(url)
			}
		}()
		return sc, nil
	}
}

// Send implements Transport.Send
func (wc *WebSocketChannel) Send(ctx context.Context, dest pdu.EntityID, data []byte) error {
	if wc.closed.Load() {
		return sendError(dest, ErrChannelClosed)
	}
	wc.srvLock.RLock()
	started := wc.server != nil
	wc.srvLock.RUnlock()
	if !started {
		return sendError(dest, ErrNotStarted)
	}

	sc, err := wc.pool.get(ctx, dest, wc.dial(dest))
	if err != nil {
		wc.stats.writeErrors.Add(1)
		return sendError(dest, err)
	}
	if err := sc.write(data, wc.writeTimeout); err != nil {
		wc.stats.writeErrors.Add(1)
		if wc.pool.drop(dest, sc) {
			wc.stats.disconnects.Add(1)
			wc.state.lost(sc.peer)
		}
		return sendError(dest, err)
	}

	wc.stats.sent(len(data))
	return nil
}

// SetReceiver implements Transport.SetReceiver
func (wc *WebSocketChannel) SetReceiver(fn ReceiveFunc) {
	wc.receiver.set(fn)
}

// SetConnectionStateListener sets a listener for connection state changes
func (wc *WebSocketChannel) SetConnectionStateListener(listener ConnectionStateListener) {
	wc.state.set(listener)
}

// Close implements Transport.Close
func (wc *WebSocketChannel) Close() error {
	if !wc.closed.CompareAndSwap(false, true) {
		return nil
	}

	wc.srvLock.RLock()
	server := wc.server
	wc.srvLock.RUnlock()

	wc.stats.disconnects.Add(uint64(wc.pool.closeAll()))
	wc.inbound.Range(func(k, _ interface{}) bool {
		k.(*websocket.Conn).Close()
		return true
	})

	var err error
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = server.Shutdown(ctx)
		cancel()
	}
	wc.wg.Wait()
	return err
}

// Statistics implements Transport.Statistics
func (wc *WebSocketChannel) Statistics() TransportStats {
	return wc.stats.snapshot()
}
