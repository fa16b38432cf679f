package object_test

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bjarneo/lanlink/internal/object"
	"github.com/bjarneo/lanlink/internal/protocol"
	"github.com/bjarneo/lanlink/internal/transport"
)

type event struct {
	meta object.Meta
	obj  protocol.Object
}

func newNode(t *testing.T, host string, port int, reg *protocol.Registry) (*object.Exchange, chan event) {
	t.Helper()
	if reg == nil {
		reg = protocol.NewRegistry()
		protocol.RegisterAll(reg)
	}
	tr := transport.New(transport.Opts{
		ListenAddr: fmt.Sprintf("%s:%d", host, port),
		ForwardAll: true,
	})
	ex := object.NewExchange(tr, reg)
	events := make(chan event, 64)
	ex.Subscribe(func(meta object.Meta, obj protocol.Object) {
		events <- event{meta, obj}
	})
	require.NoError(t, ex.Start())
	t.Cleanup(ex.Stop)
	return ex, events
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitEvent(t *testing.T, ch <-chan event) event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for object event")
		return event{}
	}
}

func TestSendReceiveTCP(t *testing.T) {
	port := freePort(t)
	a, _ := newNode(t, "127.0.0.1", port, nil)
	_, bEvents := newNode(t, "127.0.0.2", port, nil)

	sent := &protocol.TextMsg{Nickname: "Echo#12345", Body: "hello over tcp"}
	require.NoError(t, a.SendTCP("127.0.0.2", sent))

	got := waitEvent(t, bEvents)
	assert.Equal(t, "127.0.0.1", got.meta.Source)
	assert.Equal(t, protocol.TagTextMsg, got.meta.Tag)
	assert.False(t, got.meta.UDP)
	assert.Equal(t, sent, got.obj)
}

func TestSendReceiveUDP(t *testing.T) {
	port := freePort(t)
	a, _ := newNode(t, "127.0.0.1", port, nil)
	_, bEvents := newNode(t, "127.0.0.2", port, nil)

	sent := &protocol.TextMsg{Nickname: "Relay#54321", Body: "fire and forget"}
	require.NoError(t, a.SendUDP("127.0.0.2", sent))

	got := waitEvent(t, bEvents)
	assert.True(t, got.meta.UDP)
	assert.Equal(t, sent, got.obj)
}

func TestUnknownTypeDroppedConnectionSurvives(t *testing.T) {
	port := freePort(t)
	a, _ := newNode(t, "127.0.0.1", port, nil)

	// B only understands acks; the chat message must be dropped
	// without killing the connection.
	reg := protocol.NewRegistry()
	reg.Register(protocol.TagFileReqAck, protocol.DecodeFileReqAck)
	_, bEvents := newNode(t, "127.0.0.2", port, reg)

	require.NoError(t, a.SendTCP("127.0.0.2", &protocol.TextMsg{Body: "dropped"}))
	require.NoError(t, a.SendTCP("127.0.0.2", &protocol.FileReqAck{Accepted: true}))

	got := waitEvent(t, bEvents)
	assert.Equal(t, protocol.TagFileReqAck, got.meta.Tag)
}

func TestMalformedEnvelopeDropped(t *testing.T) {
	port := freePort(t)
	_, events := newNode(t, "127.0.0.1", port, nil)

	conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	// A framed payload that is not an envelope, then a valid one on
	// the same connection.
	garbage := []byte{0xff, 0xff, 0xff}
	frame := func(p []byte) []byte {
		out := []byte{byte(len(p)), 0, 0, 0}
		return append(out, p...)
	}
	_, err = conn.Write(frame(garbage))
	require.NoError(t, err)

	env := protocol.Envelope{
		Source:  "127.0.0.1",
		Tag:     protocol.TagTextMsg,
		Payload: (&protocol.TextMsg{Body: "after garbage"}).Encode(),
	}
	_, err = conn.Write(frame(env.Encode()))
	require.NoError(t, err)

	got := waitEvent(t, events)
	assert.Equal(t, "after garbage", got.obj.(*protocol.TextMsg).Body)
}

func TestEmptyDatagramIsPresencePing(t *testing.T) {
	port := freePort(t)
	ex, events := newNode(t, "127.0.0.1", port, nil)

	peerCh := make(chan transport.Peer, 8)
	ex.SubscribePeers(func(p transport.Peer, becameActive bool) {
		if becameActive {
			peerCh <- p
		}
	})

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port})
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(nil)
	require.NoError(t, err)

	// The ping populates the peer table but produces no object.
	select {
	case <-peerCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for peer event")
	}
	select {
	case e := <-events:
		t.Fatalf("unexpected object event: %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
}
