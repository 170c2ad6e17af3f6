package cfdp

import (
	"context"
	"net"
	"sort"

	"github.com/pkg/errors"

	"avaneesh/cfdp-go/pkg/channel"
	"avaneesh/cfdp-go/pkg/internal/logger"
	"avaneesh/cfdp-go/pkg/mib"
	"avaneesh/cfdp-go/pkg/pdu"
)

// Transport kinds accepted in the config
const (
	TransportUDP       = "udp"
	TransportTCP       = "tcp"
	TransportQUIC      = "quic"
	TransportWebSocket = "websocket"
	TransportMemory    = "memory"
)

// newTransport builds one adapter of the given kind bound to listen
func newTransport(kind, listen string, local pdu.EntityID, book channel.AddressBook, network *channel.MemoryNetwork, log logger.Logger) (channel.Transport, error) {
	log = logger.Component(log, kind)
	switch kind {
	case TransportUDP, "":
		return channel.NewUDPChannel(channel.UDPChannelConfig{Address: listen, Peers: book, Logger: log})
	case TransportTCP:
		return channel.NewTCPChannel(channel.TCPChannelConfig{Address: listen, Peers: book, Logger: log})
	case TransportQUIC:
		return channel.NewQUICChannel(channel.QUICChannelConfig{Address: listen, Peers: book, Logger: log})
	case TransportWebSocket:
		return channel.NewWebSocketChannel(channel.WebSocketChannelConfig{Address: listen, Peers: book, Logger: log})
	case TransportMemory:
		if network == nil {
			return nil, errors.New("memory transport needs a memory network")
		}
		return network.Endpoint(local), nil
	default:
		return nil, errors.Errorf("unknown transport %q", kind)
	}
}

// ephemeral keeps the host of listen and asks for any free port
func ephemeral(listen string) string {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return ":0"
	}
	return net.JoinHostPort(host, "0")
}

// multiTransport fans sends out to one adapter per transport kind, chosen by
// the destination's MIB entry. Every adapter delivers to the same receiver.
type multiTransport struct {
	primary string
	kinds   map[string]channel.Transport
	mib     *mib.MIB
}

var _ channel.Transport = (*multiTransport)(nil)

// buildTransports creates the local transport and one more adapter for every
// other kind named by a listed remote. Extra adapters bind an ephemeral port.
func buildTransports(cfg *mib.Config, m *mib.MIB, network *channel.MemoryNetwork, log logger.Logger) (*multiTransport, error) {
	primary := cfg.Local.Transport
	if primary == "" {
		primary = TransportUDP
	}
	local := m.Local().ID

	mt := &multiTransport{primary: primary, kinds: make(map[string]channel.Transport), mib: m}
	add := func(kind, listen string) error {
		if _, ok := mt.kinds[kind]; ok {
			return nil
		}
		tr, err := newTransport(kind, listen, local, m, network, log)
		if err != nil {
			return errors.Wrapf(err, "%s transport", kind)
		}
		mt.kinds[kind] = tr
		return nil
	}

	if err := add(primary, cfg.Local.Listen); err != nil {
		return nil, err
	}
	for _, r := range m.Remotes() {
		if r.Transport == "" {
			continue
		}
		if err := add(r.Transport, ephemeral(cfg.Local.Listen)); err != nil {
			return nil, err
		}
	}
	return mt, nil
}

// Kinds returns the transport kinds in use, sorted
func (mt *multiTransport) Kinds() []string {
	out := make([]string, 0, len(mt.kinds))
	for k := range mt.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Start starts every adapter, closing those already started if one fails
func (mt *multiTransport) Start(ctx context.Context) error {
	var started []channel.Transport
	for _, kind := range mt.Kinds() {
		tr := mt.kinds[kind]
		if err := tr.Start(ctx); err != nil {
			for _, s := range started {
				s.Close()
			}
			return errors.Wrapf(err, "start %s transport", kind)
		}
		started = append(started, tr)
	}
	return nil
}

// Send routes to the adapter configured for dest
func (mt *multiTransport) Send(ctx context.Context, dest pdu.EntityID, data []byte) error {
	kind := mt.mib.Remote(dest).Transport
	tr, ok := mt.kinds[kind]
	if !ok {
		tr = mt.kinds[mt.primary]
	}
	return tr.Send(ctx, dest, data)
}

// SetReceiver installs fn on every adapter
func (mt *multiTransport) SetReceiver(fn channel.ReceiveFunc) {
	for _, tr := range mt.kinds {
		tr.SetReceiver(fn)
	}
}

// Close closes every adapter and returns the first error
func (mt *multiTransport) Close() error {
	var first error
	for _, kind := range mt.Kinds() {
		if err := mt.kinds[kind].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Statistics sums the statistics of every adapter
func (mt *multiTransport) Statistics() channel.TransportStats {
	var sum channel.TransportStats
	for _, tr := range mt.kinds {
		s := tr.Statistics()
		sum.BytesSent += s.BytesSent
		sum.BytesReceived += s.BytesReceived
		sum.MessagesSent += s.MessagesSent
		sum.MessagesReceived += s.MessagesReceived
		sum.WriteErrors += s.WriteErrors
		sum.ReadErrors += s.ReadErrors
		sum.Connects += s.Connects
		sum.Disconnects += s.Disconnects
	}
	return sum
}
