package transport

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peerEvent struct {
	peer         Peer
	becameActive bool
}

type harness struct {
	tr    *Transport
	msgs  chan Message
	peers chan peerEvent
}

func startTransport(t *testing.T, host string, port int) *harness {
	t.Helper()
	h := &harness{
		msgs:  make(chan Message, 256),
		peers: make(chan peerEvent, 64),
	}
	h.tr = New(Opts{
		ListenAddr:   fmt.Sprintf("%s:%d", host, port),
		ForwardAll:   true,
		OnMessage:    func(m Message) { h.msgs <- m },
		OnPeerChange: func(p Peer, active bool) { h.peers <- peerEvent{p, active} },
	})
	require.NoError(t, h.tr.Start())
	t.Cleanup(h.tr.Stop)
	return h
}

// freePort grabs an ephemeral port number that both loopback aliases
// can then bind.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitMsg(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func waitPeer(t *testing.T, ch <-chan peerEvent) peerEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for peer event")
		return peerEvent{}
	}
}

func TestLocalIPFromListenAddr(t *testing.T) {
	tr := New(Opts{ListenAddr: "127.0.0.1:9999"})
	ip, err := tr.LocalIP()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)
}

func TestInboundFramesDeliveredExactly(t *testing.T) {
	h := startTransport(t, "127.0.0.1", 0)

	conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", h.tr.Port()))
	require.NoError(t, err)
	defer conn.Close()

	payloads := [][]byte{[]byte("first"), []byte("second"), bytes.Repeat([]byte{7}, 9000)}
	for _, p := range payloads {
		require.NoError(t, writeFrame(conn, p))
	}

	ev := waitPeer(t, h.peers)
	assert.Equal(t, "127.0.0.1", ev.peer.Addr)
	assert.True(t, ev.becameActive)

	for _, want := range payloads {
		got := waitMsg(t, h.msgs)
		assert.Equal(t, "127.0.0.1", got.From)
		assert.False(t, got.UDP)
		assert.Equal(t, want, got.Payload)
	}
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	h := startTransport(t, "127.0.0.1", 0)

	conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", h.tr.Port()))
	require.NoError(t, err)
	defer conn.Close()

	ev := waitPeer(t, h.peers)
	assert.True(t, ev.becameActive)

	// Hostile length prefix: 2^32 - 1.
	_, err = conn.Write([]byte{0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)

	ev = waitPeer(t, h.peers)
	assert.Equal(t, "127.0.0.1", ev.peer.Addr)
	assert.False(t, ev.becameActive)

	// The remote end must be closed.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)

	// The transport itself survives and keeps accepting.
	conn2, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", h.tr.Port()))
	require.NoError(t, err)
	defer conn2.Close()
	require.NoError(t, writeFrame(conn2, []byte("still alive")))
	assert.Equal(t, []byte("still alive"), waitMsg(t, h.msgs).Payload)
}

func TestSendTCPBetweenNodes(t *testing.T) {
	port := freePort(t)
	a := startTransport(t, "127.0.0.1", port)
	b := startTransport(t, "127.0.0.2", port)

	require.NoError(t, a.tr.SendTCP("127.0.0.2", []byte("ping")))
	got := waitMsg(t, b.msgs)
	assert.Equal(t, "127.0.0.1", got.From)
	assert.Equal(t, []byte("ping"), got.Payload)

	// The reply reuses the inbound connection.
	require.NoError(t, b.tr.SendTCP("127.0.0.1", []byte("pong")))
	got = waitMsg(t, a.msgs)
	assert.Equal(t, "127.0.0.2", got.From)
	assert.Equal(t, []byte("pong"), got.Payload)

	peers := a.tr.Peers()
	require.Len(t, peers, 1)
	assert.True(t, peers[0].Active)
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	port := freePort(t)
	a := startTransport(t, "127.0.0.1", port)
	b := startTransport(t, "127.0.0.2", port)

	const senders = 8
	const perSender = 25

	var wg sync.WaitGroup
	for id := 0; id < senders; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte(id + 1)}, 64+id*16)
			for i := 0; i < perSender; i++ {
				assert.NoError(t, a.tr.SendTCP("127.0.0.2", payload))
			}
		}(id)
	}
	wg.Wait()

	counts := make(map[byte]int)
	for i := 0; i < senders*perSender; i++ {
		got := waitMsg(t, b.msgs)
		require.NotEmpty(t, got.Payload)
		id := got.Payload[0]
		require.Equal(t, 64+int(id-1)*16, len(got.Payload))
		for _, c := range got.Payload {
			require.Equal(t, id, c, "frame bytes interleaved")
		}
		counts[id]++
	}
	for id := byte(1); id <= senders; id++ {
		assert.Equal(t, perSender, counts[id])
	}
}

func TestUDPDatagramCreatesPeer(t *testing.T) {
	h := startTransport(t, "127.0.0.1", 0)

	raddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: h.tr.Port()}
	conn, err := net.DialUDP("udp4", nil, raddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	ev := waitPeer(t, h.peers)
	assert.Equal(t, "127.0.0.1", ev.peer.Addr)
	assert.True(t, ev.becameActive)

	got := waitMsg(t, h.msgs)
	assert.True(t, got.UDP)
	assert.Equal(t, []byte("hello"), got.Payload)
}

func TestSendUDPBetweenNodes(t *testing.T) {
	port := freePort(t)
	a := startTransport(t, "127.0.0.1", port)
	b := startTransport(t, "127.0.0.2", port)

	require.NoError(t, a.tr.SendUDP("127.0.0.2", []byte("datagram")))
	got := waitMsg(t, b.msgs)
	assert.True(t, got.UDP)
	assert.Equal(t, "127.0.0.1", got.From)
	assert.Equal(t, []byte("datagram"), got.Payload)
}

func TestSendWhileStopped(t *testing.T) {
	tr := New(Opts{ListenAddr: "127.0.0.1:0"})
	assert.ErrorIs(t, tr.SendTCP("127.0.0.9", []byte("x")), ErrStopped)

	require.NoError(t, tr.Start())
	tr.Stop()
	assert.ErrorIs(t, tr.SendTCP("127.0.0.9", []byte("x")), ErrStopped)
	assert.ErrorIs(t, tr.SendUDP("127.0.0.9", []byte("x")), ErrStopped)
	assert.ErrorIs(t, tr.SendBroadcast([]byte("x")), ErrStopped)
}

func TestStopClearsPeerTable(t *testing.T) {
	h := startTransport(t, "127.0.0.1", 0)

	conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", h.tr.Port()))
	require.NoError(t, err)
	defer conn.Close()
	waitPeer(t, h.peers)

	h.tr.Stop()
	assert.Empty(t, h.tr.Peers())
}
