package channel

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"avaneesh/cfdp-go/pkg/internal/logger"
	"avaneesh/cfdp-go/pkg/pdu"
)

// quicProtocol is the ALPN identifier
const quicProtocol = "cfdp-quic"

// QUICChannel implements Transport over QUIC. A single UDP socket serves both
// the listener and outbound connections; each outbound connection carries one
// stream of back-to-back PDUs.
type QUICChannel struct {
	transport *quic.Transport
	listener  *quic.Listener
	trLock    sync.RWMutex

	// Configuration
	address      string
	peers        AddressBook
	dialTimeout  time.Duration
	writeTimeout time.Duration
	tlsConfig    *tls.Config
	quicConfig   *quic.Config
	log          logger.Logger

	pool     *streamPool
	inbound  sync.Map // *quic.Conn -> struct{}
	receiver receiverSlot
	state    listenerSlot
	stats    counters

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// QUICChannelConfig configures a QUIC channel
type QUICChannelConfig struct {
	Address      string        // Local "host:port" to bind
	Peers        AddressBook   // Entity addresses to dial
	DialTimeout  time.Duration // Handshake timeout (0 = 5s)
	WriteTimeout time.Duration // Write timeout (0 = 10s)
	TLSConfig    *tls.Config   // Optional TLS config (if nil, will generate self-signed cert)
	Logger       logger.Logger
}

// NewQUICChannel creates a new QUIC channel
func NewQUICChannel(config QUICChannelConfig) (*QUICChannel, error) {
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

	// Generate TLS config if not provided
	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		var err error
		tlsConfig, err = generateTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to generate TLS config: %w", err)
		}
	}

	return &QUICChannel{
		address:      config.Address,
		peers:        config.Peers,
		dialTimeout:  config.DialTimeout,
		writeTimeout: config.WriteTimeout,
		tlsConfig:    tlsConfig,
		quicConfig: &quic.Config{
			HandshakeIdleTimeout: config.DialTimeout,
			KeepAlivePeriod:      15 * time.Second,
		},
		log:  logger.Component(config.Logger, "quic"),
		pool: newStreamPool(),
	}, nil
}

// generateTLSConfig generates a self-signed certificate for QUIC
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{tlsCert},
		NextProtos:         []string{quicProtocol},
		InsecureSkipVerify: true, // For self-signed certs
	}, nil
}

// Start implements Transport.Start
func (qc *QUICChannel) Start(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", qc.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", qc.address, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", qc.address, err)
	}

	tr := &quic.Transport{Conn: udpConn}
	listener, err := tr.Listen(qc.tlsConfig, qc.quicConfig)
	if err != nil {
		tr.Close()
		udpConn.Close()
		return fmt.Errorf("failed to create QUIC listener: %w", err)
	}

	qc.trLock.Lock()
	qc.transport = tr
	qc.listener = listener
	qc.ctx, qc.cancel = context.WithCancel(ctx)
	qc.trLock.Unlock()

	qc.wg.Add(1)
	go qc.acceptLoop(listener)

	qc.log.Info("listening on %s", udpConn.LocalAddr())
	return nil
}

// LocalAddr returns the bound address, nil before Start
func (qc *QUICChannel) LocalAddr() net.Addr {
	qc.trLock.RLock()
	defer qc.trLock.RUnlock()
	if qc.listener == nil {
		return nil
	}
	return qc.listener.Addr()
}

// acceptLoop accepts incoming QUIC connections
func (qc *QUICChannel) acceptLoop(listener *quic.Listener) {
	defer qc.wg.Done()

	for {
		conn, err := listener.Accept(qc.ctx)
		if err != nil {
			if qc.closed.Load() || qc.ctx.Err() != nil {
				return
			}
			qc.log.Warn("accept failed: %v", err)
			continue
		}

		qc.stats.connects.Add(1)
		qc.inbound.Store(conn, struct{}{})
		qc.state.established(conn.RemoteAddr().String())

		qc.wg.Add(1)
		go qc.serve(conn)
	}
}

// serve reads PDUs from every stream the peer opens on conn
func (qc *QUICChannel) serve(conn *quic.Conn) {
	defer qc.wg.Done()
	defer func() {
		qc.inbound.Delete(conn)
		conn.CloseWithError(0, "closed")
		qc.stats.disconnects.Add(1)
		qc.state.lost(conn.RemoteAddr().String())
	}()

	for {
		stream, err := conn.AcceptStream(qc.ctx)
		if err != nil {
			return
		}
		qc.wg.Add(1)
		go qc.readStream(conn, stream)
	}
}

func (qc *QUICChannel) readStream(conn *quic.Conn, stream *quic.Stream) {
	defer qc.wg.Done()
	defer stream.CancelRead(0)

	err := readFrames(stream, &qc.stats, &qc.receiver)
	if err != nil && !errors.Is(err, io.EOF) && !qc.closed.Load() && conn.Context().Err() == nil {
		qc.stats.readErrors.Add(1)
		qc.log.Warn("stream from %s: %v", conn.RemoteAddr(), err)
	}
}

func (qc *QUICChannel) dial(tr *quic.Transport, dest pdu.EntityID) func(context.Context) (*streamConn, error) {
	return func(ctx context.Context) (*streamConn, error) {
		address, ok := qc.peers.Address(dest)
		if !ok {
			return nil, ErrUnknownPeer
		}
		remote, err := net.ResolveUDPAddr("udp", address)
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(ctx, qc.dialTimeout)
		defer cancel()

		conn, err := tr.Dial(ctx, remote, qc.tlsConfig, qc.quicConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			conn.CloseWithError(0, "failed to open stream")
			return nil, fmt.Errorf("failed to open stream: %w", err)
		}

		qc.stats.connects.Add(1)
		qc.state.established(address)
		qc.log.Debug("connected to entity %d at %s", dest, address)

		return &streamConn{
			w:    stream,
			peer: address,
			close: func() error {
				stream.Close()
				return conn.CloseWithError(0, "channel closed")
			},
		}, nil
	}
}

// Send implements Transport.Send
func (qc *QUICChannel) Send(ctx context.Context, dest pdu.EntityID, data []byte) error {
	if qc.closed.Load() {
		return sendError(dest, ErrChannelClosed)
	}
	qc.trLock.RLock()
	tr := qc.transport
	qc.trLock.RUnlock()
	if tr == nil {
		return sendError(dest, ErrNotStarted)
	}

	sc, err := qc.pool.get(ctx, dest, qc.dial(tr, dest))
	if err != nil {
		qc.stats.writeErrors.Add(1)
		return sendError(dest, err)
	}
	if err := sc.write(data, qc.writeTimeout); err != nil {
		qc.stats.writeErrors.Add(1)
		if qc.pool.drop(dest, sc) {
			qc.stats.disconnects.Add(1)
			qc.state.lost(sc.peer)
		}
		return sendError(dest, err)
	}

	qc.stats.sent(len(data))
	return nil
}

// SetReceiver implements Transport.SetReceiver
func (qc *QUICChannel) SetReceiver(fn ReceiveFunc) {
	qc.receiver.set(fn)
}

// SetConnectionStateListener sets a listener for connection state changes
func (qc *QUICChannel) SetConnectionStateListener(listener ConnectionStateListener) {
	qc.state.set(listener)
}

// Close implements Transport.Close
func (qc *QUICChannel) Close() error {
	if !qc.closed.CompareAndSwap(false, true) {
		return nil
	}

	qc.trLock.Lock()
	tr, listener := qc.transport, qc.listener
	if qc.cancel != nil {
		qc.cancel()
	}
	qc.trLock.Unlock()

	qc.stats.disconnects.Add(uint64(qc.pool.closeAll()))
	qc.inbound.Range(func(k, _ interface{}) bool {
		k.(*quic.Conn).CloseWithError(0, "channel closed")
		return true
	})

	var err error
	if listener != nil {
		listener.Close()
	}
	if tr != nil {
		err = tr.Close()
		tr.Conn.Close()
	}

	qc.wg.Wait()
	return err
}

// Statistics implements Transport.Statistics
func (qc *QUICChannel) Statistics() TransportStats {
	return qc.stats.snapshot()
}
