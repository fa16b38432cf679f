package transport

import (
	"net"
	"sync"
	"time"
)

// Peer is a point-in-time snapshot of a remote node as the transport
// sees it. Identity is the IPv4 address.
type Peer struct {
	Addr     string
	LastSeen time.Time
	Active   bool
}

// peer is the mutable table entry. All fields except the mutexes are
// guarded by the transport's table lock.
type peer struct {
	addr     string
	lastSeen time.Time
	active   bool
	conn     net.Conn

	dialMu  sync.Mutex // serializes concurrent dial attempts
	writeMu sync.Mutex // serializes framed writes on the connection
}

func (p *peer) snapshot() Peer {
	return Peer{Addr: p.addr, LastSeen: p.lastSeen, Active: p.active}
}

// ensurePeer returns the table entry for addr, creating it if needed.
// Caller must not hold the table lock.
func (t *Transport) ensurePeer(addr string) *peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[addr]
	if !ok {
		p = &peer{addr: addr}
		t.peers[addr] = p
	}
	return p
}

// markSeen records inbound traffic from addr, creating the peer on
// first contact and reactivating it if it had gone inactive.
func (t *Transport) markSeen(addr string) {
	t.mu.Lock()
	p, ok := t.peers[addr]
	if !ok {
		p = &peer{addr: addr}
		t.peers[addr] = p
	}
	p.lastSeen = time.Now()
	becameActive := !p.active
	p.active = true
	snap := p.snapshot()
	t.mu.Unlock()

	if becameActive {
		t.emitPeerChange(snap, true)
	}
}

// Peers returns a snapshot of the known-peer table.
func (t *Transport) Peers() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.snapshot())
	}
	return out
}

func (t *Transport) emitPeerChange(p Peer, becameActive bool) {
	if t.OnPeerChange != nil {
		t.OnPeerChange(p, becameActive)
	}
}
