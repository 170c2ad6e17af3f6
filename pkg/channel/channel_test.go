package channel

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avaneesh/cfdp-go/pkg/pdu"
)

func encodePrompt(t *testing.T, from, to pdu.EntityID, seq uint64) []byte {
	t.Helper()
	p := pdu.New(pdu.Header{
		Direction:            pdu.TowardReceiver,
		EntityIDLength:       2,
		SequenceNumberLength: 4,
		SourceEntityID:       from,
		SequenceNumber:       pdu.SequenceNumber(seq),
		DestinationEntityID:  to,
	}, &pdu.Prompt{Kind: pdu.PromptKeepAlive})
	data, err := p.Encode()
	require.NoError(t, err)
	return data
}

func collect(tr Transport) chan []byte {
	ch := make(chan []byte, 16)
	tr.SetReceiver(func(data []byte) { ch <- data })
	return ch
}

func expect(t *testing.T, ch chan []byte, want []byte) {
	t.Helper()
	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for PDU")
	}
}

func TestReadPDU_Stream(t *testing.T) {
	a := encodePrompt(t, 1, 2, 7)
	b := encodePrompt(t, 1, 2, 8)
	r := bytes.NewReader(append(append([]byte{}, a...), b...))

	got, err := ReadPDU(r)
	require.NoError(t, err)
	assert.Equal(t, a, got)
	got, err = ReadPDU(r)
	require.NoError(t, err)
	assert.Equal(t, b, got)

	_, err = ReadPDU(r)
	assert.Error(t, err)

	_, err = ReadPDU(bytes.NewReader([]byte{0xE0, 0, 1, 0x11, 0, 0, 0}))
	assert.True(t, errors.Is(err, pdu.ErrMalformedPDU))
}

func TestMemoryNetwork(t *testing.T) {
	network := NewMemoryNetwork()
	a, b := network.Endpoint(1), network.Endpoint(2)
	assert.Same(t, a, network.Endpoint(1))

	inbox := collect(b)
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	defer a.Close()
	defer b.Close()

	first := encodePrompt(t, 1, 2, 1)
	second := encodePrompt(t, 1, 2, 2)

	// Drop the first PDU only
	network.SetIntercept(func(from, to pdu.EntityID, data []byte) bool {
		return !bytes.Equal(data, first)
	})
	require.NoError(t, a.Send(context.Background(), 2, first))
	require.NoError(t, a.Send(context.Background(), 2, second))
	expect(t, inbox, second)
	assert.Equal(t, uint64(1), a.Dropped())

	err := a.Send(context.Background(), 9, first)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, errors.Is(err, ErrUnknownPeer))

	stats := a.Statistics()
	assert.Equal(t, uint64(2), stats.MessagesSent)
	assert.Equal(t, uint64(1), stats.WriteErrors)
}

func TestUDPChannel_Exchange(t *testing.T) {
	a, err := NewUDPChannel(UDPChannelConfig{Address: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Close()

	b, err := NewUDPChannel(UDPChannelConfig{
		Address: "127.0.0.1:0",
		Peers:   StaticAddressBook{1: a.LocalAddr().String()},
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	defer b.Close()

	inboxA, inboxB := collect(a), collect(b)

	// b knows a's address; a learns b's from the first datagram
	request := encodePrompt(t, 2, 1, 5)
	require.NoError(t, b.Send(context.Background(), 1, request))
	expect(t, inboxA, request)

	reply := encodePrompt(t, 1, 2, 6)
	require.NoError(t, a.Send(context.Background(), 2, reply))
	expect(t, inboxB, reply)

	err = a.Send(context.Background(), 3, reply)
	assert.True(t, errors.Is(err, ErrUnknownPeer))
	assert.Equal(t, uint64(1), a.Statistics().MessagesReceived)
}

func TestUDPChannel_SendAfterClose(t *testing.T) {
	a, err := NewUDPChannel(UDPChannelConfig{Address: "127.0.0.1:0"})
	require.NoError(t, err)

	err = a.Send(context.Background(), 1, []byte{1})
	assert.True(t, errors.Is(err, ErrNotStarted))

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Close())
	err = a.Send(context.Background(), 1, []byte{1})
	assert.True(t, errors.Is(err, ErrChannelClosed))
}

type stateRecorder struct {
	up chan string
}

func (s *stateRecorder) OnConnectionEstablished(peer string) { s.up <- peer }
func (s *stateRecorder) OnConnectionLost(string)             {}

func TestTCPChannel_Exchange(t *testing.T) {
	a, err := NewTCPChannel(TCPChannelConfig{Address: "127.0.0.1:0"})
	require.NoError(t, err)
	states := &stateRecorder{up: make(chan string, 4)}
	a.SetConnectionStateListener(states)
	inbox := collect(a)
	require.NoError(t, a.Start(context.Background()))
	defer a.Close()

	b, err := NewTCPChannel(TCPChannelConfig{
		Address: "127.0.0.1:0",
		Peers:   StaticAddressBook{1: a.LocalAddr().String()},
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	defer b.Close()

	// Several PDUs over one connection stay framed
	var sent [][]byte
	for seq := uint64(1); seq <= 3; seq++ {
		data := encodePrompt(t, 2, 1, seq)
		sent = append(sent, data)
		require.NoError(t, b.Send(context.Background(), 1, data))
	}
	for _, data := range sent {
		expect(t, inbox, data)
	}

	select {
	case peer := <-states.up:
		host, _, err := net.SplitHostPort(peer)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", host)
	case <-time.After(time.Second):
		t.Fatal("no connection notification")
	}
	assert.Equal(t, uint64(1), b.Statistics().Connects)
}

func TestWebSocketChannel_Exchange(t *testing.T) {
	a, err := NewWebSocketChannel(WebSocketChannelConfig{Address: "127.0.0.1:0"})
	require.NoError(t, err)
	inbox := collect(a)
	require.NoError(t, a.Start(context.Background()))
	defer a.Close()

	b, err := NewWebSocketChannel(WebSocketChannelConfig{
		Address: "127.0.0.1:0",
		Peers:   StaticAddressBook{1: a.LocalAddr().String()},
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	defer b.Close()

	data := encodePrompt(t, 2, 1, 1)
	require.NoError(t, b.Send(context.Background(), 1, data))
	expect(t, inbox, data)
}

func TestPeerURL(t *testing.T) {
	wc, err := NewWebSocketChannel(WebSocketChannelConfig{Address: ":0", Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, "ws://host:1/x", wc.peerURL("host:1"))
	assert.Equal(t, "wss://host/y", wc.peerURL("wss://host/y"))
}
