// Package object sits between the transport and anything that speaks
// typed messages: it wraps outgoing objects in envelopes, decodes
// incoming ones, and fans events out to subscribers.
package object

import (
	"log"
	"sync"

	"github.com/bjarneo/lanlink/internal/protocol"
	"github.com/bjarneo/lanlink/internal/transport"
)

// Meta describes where a decoded object came from.
type Meta struct {
	Source string // sender IPv4 from the envelope
	Tag    string
	UDP    bool
}

// Handler receives every successfully decoded object.
type Handler func(Meta, protocol.Object)

// PeerHandler receives peer table changes.
type PeerHandler func(transport.Peer, bool)

// Exchange owns the envelope codec and the dispatch table. It hooks
// the transport's callbacks at construction, so it must be created
// before the transport starts.
type Exchange struct {
	transport *transport.Transport
	registry  *protocol.Registry

	mu       sync.Mutex
	handlers []Handler
	peerSubs []PeerHandler
}

func NewExchange(t *transport.Transport, reg *protocol.Registry) *Exchange {
	ex := &Exchange{transport: t, registry: reg}
	t.OnMessage = ex.dispatch
	t.OnPeerChange = ex.peerChange
	return ex
}

// Start brings up the transport underneath.
func (ex *Exchange) Start() error {
	return ex.transport.Start()
}

func (ex *Exchange) Stop() {
	ex.transport.Stop()
}

// Transport exposes the layer below for peer queries and direct
// connects.
func (ex *Exchange) Transport() *transport.Transport {
	return ex.transport
}

// Subscribe adds a handler for decoded objects. Handlers run on the
// transport's reader goroutines, in arrival order per sender.
func (ex *Exchange) Subscribe(h Handler) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.handlers = append(ex.handlers, h)
}

// SubscribePeers adds a handler for peer-change events.
func (ex *Exchange) SubscribePeers(h PeerHandler) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.peerSubs = append(ex.peerSubs, h)
}

func (ex *Exchange) envelope(obj protocol.Object) ([]byte, error) {
	local, err := ex.transport.LocalIP()
	if err != nil {
		return nil, err
	}
	env := protocol.Envelope{Source: local, Tag: obj.Tag(), Payload: obj.Encode()}
	return env.Encode(), nil
}

// SendTCP wraps obj in an envelope and sends it framed over TCP.
func (ex *Exchange) SendTCP(addr string, obj protocol.Object) error {
	b, err := ex.envelope(obj)
	if err != nil {
		return err
	}
	return ex.transport.SendTCP(addr, b)
}

// SendUDP wraps obj and sends it as a single datagram.
func (ex *Exchange) SendUDP(addr string, obj protocol.Object) error {
	b, err := ex.envelope(obj)
	if err != nil {
		return err
	}
	return ex.transport.SendUDP(addr, b)
}

// SendBroadcast wraps obj and broadcasts it to the subnet.
func (ex *Exchange) SendBroadcast(obj protocol.Object) error {
	b, err := ex.envelope(obj)
	if err != nil {
		return err
	}
	return ex.transport.SendBroadcast(b)
}

// SendTCPAll sends obj to every known peer over TCP.
func (ex *Exchange) SendTCPAll(obj protocol.Object) error {
	b, err := ex.envelope(obj)
	if err != nil {
		return err
	}
	return ex.transport.SendTCPAll(b)
}

// SendUDPAll sends obj to every known peer over UDP.
func (ex *Exchange) SendUDPAll(obj protocol.Object) error {
	b, err := ex.envelope(obj)
	if err != nil {
		return err
	}
	return ex.transport.SendUDPAll(b)
}

// dispatch decodes one raw message and hands it to every subscriber.
// Failures are logged and dropped; the connection stays open.
func (ex *Exchange) dispatch(msg transport.Message) {
	// Zero-length datagrams are bare presence pings; the transport
	// already updated the peer table.
	if len(msg.Payload) == 0 {
		return
	}

	env, err := protocol.DecodeEnvelope(msg.Payload)
	if err != nil {
		log.Printf("drop message from %s: %v", msg.From, err)
		return
	}
	obj, err := ex.registry.Decode(env.Tag, env.Payload)
	if err != nil {
		log.Printf("drop %q from %s: %v", env.Tag, msg.From, err)
		return
	}

	meta := Meta{Source: env.Source, Tag: env.Tag, UDP: msg.UDP}
	ex.mu.Lock()
	handlers := make([]Handler, len(ex.handlers))
	copy(handlers, ex.handlers)
	ex.mu.Unlock()
	for _, h := range handlers {
		h(meta, obj)
	}
}

func (ex *Exchange) peerChange(p transport.Peer, becameActive bool) {
	ex.mu.Lock()
	subs := make([]PeerHandler, len(ex.peerSubs))
	copy(subs, ex.peerSubs)
	ex.mu.Unlock()
	for _, h := range subs {
		h(p, becameActive)
	}
}
