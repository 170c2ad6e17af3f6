// Package channel provides the transport adapters that move encoded PDUs
// between CFDP entities.
package channel

import (
	"context"
	"errors"
	"fmt"

	"avaneesh/cfdp-go/pkg/pdu"
)

// Errors
var (
	// ErrTransport wraps every failed send
	ErrTransport     = errors.New("transport error")
	ErrChannelClosed = errors.New("channel closed")
	ErrUnknownPeer   = errors.New("no address for entity")
	ErrNotStarted    = errors.New("channel not started")
)

// ReceiveFunc is invoked with the octets of every inbound PDU.
// The slice is owned by the callee.
type ReceiveFunc func(data []byte)

// ConnectionStateListener receives notifications about connection state changes
type ConnectionStateListener interface {
	// OnConnectionEstablished is called when a connection to peer is established
	OnConnectionEstablished(peer string)

	// OnConnectionLost is called when a connection to peer is lost
	OnConnectionLost(peer string)
}

// Transport is the pluggable adapter between an entity and the network.
// Implementations carry whole PDUs; framing on stream transports is derived
// from the PDU header.
type Transport interface {
	// Start binds local resources and begins delivering inbound PDUs to the receiver
	Start(ctx context.Context) error

	// Send transmits one encoded PDU to the destination entity.
	// Must be safe for concurrent use. Failures wrap ErrTransport.
	Send(ctx context.Context, dest pdu.EntityID, data []byte) error

	// SetReceiver installs the inbound delivery callback. Must be called before Start.
	SetReceiver(fn ReceiveFunc)

	// Close releases all resources and unblocks pending sends
	Close() error

	// Statistics returns transport-level statistics
	Statistics() TransportStats
}

// StatefulTransport is implemented by connection-oriented transports
type StatefulTransport interface {
	Transport
	SetConnectionStateListener(listener ConnectionStateListener)
}

// AddressBook resolves entity IDs to transport addresses
type AddressBook interface {
	Address(id pdu.EntityID) (string, bool)
}

// StaticAddressBook is a fixed AddressBook
type StaticAddressBook map[pdu.EntityID]string

// Address implements AddressBook
func (b StaticAddressBook) Address(id pdu.EntityID) (string, bool) {
	addr, ok := b[id]
	return addr, ok
}

// TransportStats provides transport-level statistics
type TransportStats struct {
	BytesSent        uint64 // Total bytes sent
	BytesReceived    uint64 // Total bytes received
	MessagesSent     uint64 // PDUs handed to the network
	MessagesReceived uint64 // PDUs delivered to the receiver
	WriteErrors      uint64 // Number of failed sends
	ReadErrors       uint64 // Number of read or framing errors
	Connects         uint64 // Number of connections (for connection-oriented transports)
	Disconnects      uint64 // Number of disconnections
}

func sendError(dest pdu.EntityID, err error) error {
	return fmt.Errorf("%w: entity %d: %w", ErrTransport, dest, err)
}
