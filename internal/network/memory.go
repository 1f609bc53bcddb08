package network

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// MemoryNetwork is an in-process Capability double: brokers registered
// through a shared MemoryFabric see each other's broadcasts and can open
// direct streams over net.Pipe, with no real networking involved.
type MemoryNetwork struct {
	id            peer.ID
	fabric        *MemoryFabric
	streamHandler func(Stream)
}

// MemoryFabric is the shared medium a set of MemoryNetwork peers publish
// into and subscribe from; construct one per test and hand every peer its
// own MemoryNetwork bound to it.
type MemoryFabric struct {
	mu   sync.Mutex
	subs map[string][]*memorySubscription // topic -> subscribers
	net  map[peer.ID]*MemoryNetwork
}

// NewMemoryFabric returns an empty fabric.
func NewMemoryFabric() *MemoryFabric {
	return &MemoryFabric{
		subs: make(map[string][]*memorySubscription),
		net:  make(map[peer.ID]*MemoryNetwork),
	}
}

// NewPeer registers a new MemoryNetwork identified by id on the fabric.
func (f *MemoryFabric) NewPeer(id peer.ID) *MemoryNetwork {
	n := &MemoryNetwork{id: id, fabric: f}
	f.mu.Lock()
	f.net[id] = n
	f.mu.Unlock()
	return n
}

func (n *MemoryNetwork) Broadcast(_ context.Context, contextID [32]byte, payload []byte) error {
	topic := Topic(contextID)
	n.fabric.mu.Lock()
	subs := append([]*memorySubscription{}, n.fabric.subs[topic]...)
	n.fabric.mu.Unlock()

	for _, s := range subs {
		if s.self == n.id {
			continue // a peer doesn't receive its own broadcast
		}
		select {
		case s.ch <- memoryMsg{data: payload, from: n.id}:
		default:
			// Slow subscriber: drop rather than block the publisher,
			// matching real pubsub's non-blocking delivery semantics.
		}
	}
	return nil
}

func (n *MemoryNetwork) Subscribe(_ context.Context, contextID [32]byte) (Subscription, error) {
	topic := Topic(contextID)
	s := &memorySubscription{self: n.id, ch: make(chan memoryMsg, 256), fabric: n.fabric, topic: topic}

	n.fabric.mu.Lock()
	n.fabric.subs[topic] = append(n.fabric.subs[topic], s)
	n.fabric.mu.Unlock()
	return s, nil
}

func (n *MemoryNetwork) OpenStream(_ context.Context, p peer.ID) (Stream, error) {
	n.fabric.mu.Lock()
	target, ok := n.fabric.net[p]
	n.fabric.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("network: no such peer %s on fabric", p)
	}

	a, b := net.Pipe()
	if target.streamHandler != nil {
		go target.streamHandler(&pipeStream{Conn: b})
	}
	return &pipeStream{Conn: a}, nil
}

func (n *MemoryNetwork) Peers(contextID [32]byte) []peer.ID {
	topic := Topic(contextID)
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	out := make([]peer.ID, 0)
	for _, s := range n.fabric.subs[topic] {
		if s.self != n.id {
			out = append(out, s.self)
		}
	}
	return out
}

func (n *MemoryNetwork) ConnectedCount() int {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	return len(n.fabric.net) - 1
}

// streamHandler lets a MemoryNetwork peer accept incoming direct streams,
// mirroring LibP2PNetwork's SetStreamHandler hookup.
func (n *MemoryNetwork) SetStreamHandler(h func(Stream)) {
	n.streamHandler = h
}

type memoryMsg struct {
	data []byte
	from peer.ID
}

type memorySubscription struct {
	self   peer.ID
	ch     chan memoryMsg
	fabric *MemoryFabric
	topic  string
}

func (s *memorySubscription) Next(ctx context.Context) ([]byte, peer.ID, error) {
	select {
	case m := <-s.ch:
		return m.data, m.from, nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

func (s *memorySubscription) Cancel() {
	s.fabric.mu.Lock()
	defer s.fabric.mu.Unlock()
	list := s.fabric.subs[s.topic]
	for i, sub := range list {
		if sub == s {
			s.fabric.subs[s.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// pipeStream adapts a net.Conn (net.Pipe's in-memory connection) to the
// Stream interface; CloseWrite has no true half-close over net.Pipe, so it
// degrades to a no-op, which is sufficient for tests that only need
// request/response framing, not TCP-style half-close semantics.
type pipeStream struct {
	net.Conn
}

func (p *pipeStream) CloseWrite() error { return nil }
