package transport

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	DefaultPort          = 8080
	DefaultMaxFrameBytes = 64 << 20

	dialTimeout = 5 * time.Second
)

var (
	// ErrStopped is returned by sends after Stop.
	ErrStopped = errors.New("transport stopped")
)

// Message is one inbound payload: a complete TCP frame or a single
// UDP datagram.
type Message struct {
	From    string // sender IPv4
	Payload []byte
	UDP     bool
}

// Opts configures a Transport. OnMessage is invoked from the
// transport's reader goroutines: one per TCP connection and one shared
// UDP loop. Handlers that need ordering per sender get it for free; a
// handler that blocks stalls that TCP connection, or all UDP traffic.
// OnPeerChange may also run on the accept loop or on a sender's
// goroutine when a send dials a new connection.
type Opts struct {
	ListenAddr    string // host:port for both TCP and UDP, default ":8080"
	ForwardAll    bool   // deliver our own broadcasts back to us
	MaxFrameBytes uint32
	IdleTimeout   time.Duration // per-frame read deadline, 0 disables
	OnMessage     func(Message)
	OnPeerChange  func(Peer, bool)
}

// Transport owns the sockets, the peer table, and the framing
// protocol. Everything above it deals in whole payloads.
type Transport struct {
	Opts
	port int // resolved listen port, used to reach peers

	listener net.Listener
	udp      *net.UDPConn

	mu      sync.Mutex
	peers   map[string]*peer
	started bool
	stopped bool

	localOnce sync.Once
	localIP   string
	localErr  error

	wg sync.WaitGroup
}

func New(opts Opts) *Transport {
	if opts.ListenAddr == "" {
		opts.ListenAddr = fmt.Sprintf(":%d", DefaultPort)
	}
	if opts.MaxFrameBytes == 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}
	return &Transport{
		Opts:  opts,
		peers: make(map[string]*peer),
	}
}

// Start binds the TCP listener and the UDP socket, launches the
// accept and receive loops, and announces our presence with a
// broadcast ping.
func (t *Transport) Start() error {
	if _, err := t.LocalIP(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp4", t.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", t.ListenAddr, err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", t.ListenAddr)
	if err != nil {
		listener.Close()
		return fmt.Errorf("resolve udp %s: %w", t.ListenAddr, err)
	}
	// TCP and UDP share one port; follow the listener when the
	// configured port was 0.
	udpAddr.Port = listener.Addr().(*net.TCPAddr).Port
	udpConn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		listener.Close()
		return fmt.Errorf("listen udp %s: %w", t.ListenAddr, err)
	}
	if err := enableBroadcast(udpConn); err != nil {
		listener.Close()
		udpConn.Close()
		return fmt.Errorf("enable broadcast on %s: %w", t.ListenAddr, err)
	}

	t.mu.Lock()
	t.listener = listener
	t.udp = udpConn
	t.port = listener.Addr().(*net.TCPAddr).Port
	t.started = true
	t.stopped = false
	t.mu.Unlock()

	t.wg.Add(2)
	go t.acceptLoop(listener)
	go t.udpLoop(udpConn)

	log.Printf("transport listening on %s", listener.Addr())

	// Announce ourselves. An empty datagram is enough: any traffic
	// from an unknown address populates the receiver's peer table.
	if err := t.SendBroadcast(nil); err != nil {
		log.Printf("broadcast announce: %v", err)
	}

	return nil
}

// Stop closes the sockets and every open connection and clears the
// peer table. Sends in flight may fail with ErrStopped.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	listener, udpConn := t.listener, t.udp
	conns := make([]net.Conn, 0, len(t.peers))
	for _, p := range t.peers {
		if p.conn != nil {
			conns = append(conns, p.conn)
		}
	}
	t.peers = make(map[string]*peer)
	t.mu.Unlock()

	listener.Close()
	udpConn.Close()
	for _, c := range conns {
		c.Close()
	}
	t.wg.Wait()
}

// isStopped reports whether sends should be refused: the transport
// was never started, or Stop has run.
func (t *Transport) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.started || t.stopped
}

// Port returns the resolved listen port.
func (t *Transport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

func (t *Transport) acceptLoop(listener net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			log.Printf("tcp accept: %v", err)
			continue
		}
		addr := remoteIP(conn)
		t.adoptConn(addr, conn)
	}
}

// adoptConn installs conn as the peer's current connection, replacing
// and closing any prior one, and starts its reader.
func (t *Transport) adoptConn(addr string, conn net.Conn) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		conn.Close()
		return
	}
	p, ok := t.peers[addr]
	if !ok {
		p = &peer{addr: addr}
		t.peers[addr] = p
	}
	old := p.conn
	p.conn = conn
	p.lastSeen = time.Now()
	becameActive := !p.active
	p.active = true
	snap := p.snapshot()
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if becameActive {
		t.emitPeerChange(snap, true)
	}

	t.wg.Add(1)
	go t.readLoop(p, conn)
}

func (t *Transport) readLoop(p *peer, conn net.Conn) {
	defer t.wg.Done()
	for {
		if t.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(t.IdleTimeout))
		}
		payload, err := readFrame(conn, t.MaxFrameBytes)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("dropping connection to %s: %v", p.addr, err)
			}
			conn.Close()
			t.dropConn(p, conn)
			return
		}
		t.touch(p)
		if t.OnMessage != nil {
			t.OnMessage(Message{From: p.addr, Payload: payload})
		}
	}
}

func (t *Transport) touch(p *peer) {
	t.mu.Lock()
	p.lastSeen = time.Now()
	t.mu.Unlock()
}

// dropConn detaches conn from its peer and marks the peer inactive,
// unless a replacement connection has already been installed.
func (t *Transport) dropConn(p *peer, conn net.Conn) {
	t.mu.Lock()
	if t.stopped || p.conn != conn {
		t.mu.Unlock()
		return
	}
	p.conn = nil
	wasActive := p.active
	p.active = false
	snap := p.snapshot()
	t.mu.Unlock()

	if wasActive {
		t.emitPeerChange(snap, false)
	}
}

// connect returns the peer's established connection, dialing one if
// none exists. Concurrent callers share a single dial.
func (t *Transport) connect(p *peer) (net.Conn, error) {
	p.dialMu.Lock()
	defer p.dialMu.Unlock()

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil, ErrStopped
	}
	conn := p.conn
	port := t.port
	t.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	conn, err := net.DialTimeout("tcp4", net.JoinHostPort(p.addr, strconv.Itoa(port)), dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", p.addr, err)
	}
	t.adoptConn(p.addr, conn)
	return conn, nil
}

// SendTCP frames payload and writes it to the peer's connection,
// opening one first when needed. Writes per connection are serialized
// so frame boundaries survive concurrent senders.
func (t *Transport) SendTCP(addr string, payload []byte) error {
	if t.isStopped() {
		return ErrStopped
	}
	if uint64(len(payload)) > uint64(t.MaxFrameBytes) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	p := t.ensurePeer(addr)
	conn, err := t.connect(p)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	err = writeFrame(conn, payload)
	p.writeMu.Unlock()
	if err != nil {
		conn.Close()
		t.dropConn(p, conn)
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

// SendTCPAll sends payload to every known peer.
func (t *Transport) SendTCPAll(payload []byte) error {
	var errs []error
	for _, p := range t.Peers() {
		if err := t.SendTCP(p.Addr, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DirectConnect opens a TCP connection to addr without sending
// anything, so the peer shows up on both ends.
func (t *Transport) DirectConnect(addr string) error {
	if t.isStopped() {
		return ErrStopped
	}
	_, err := t.connect(t.ensurePeer(addr))
	return err
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
