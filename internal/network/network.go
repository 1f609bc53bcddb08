// Package network defines the network capability: pubsub broadcast,
// direct streams for sync sessions, and peer discovery, backed either by a
// real libp2p host or an in-process double for tests. Actual wire-level
// libp2p protocol behavior is out of scope here (§1); this package only
// needs a capability real code can be written against.
package network

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
)

// Stream is the narrow read/write/half-close surface sync sessions need
// from a transport-level stream, satisfied by both a real libp2p
// network.Stream and MemoryNetwork's in-process pipe.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	CloseWrite() error
}

// StreamProtocol is the libp2p protocol id secure streams are negotiated
// under.
const StreamProtocol = protocol.ID("/meshcore/stream/1.0.0")

// Topic names a per-context pubsub topic (broadcast engine, component
// design §6): "/meshcore/ctx/<context-id-hex>/v1", mirroring
// decub-gossip's "decub/delta" / "decub/anti-entropy" topic-naming
// convention but namespaced per context rather than global.
func Topic(contextID [32]byte) string {
	return fmt.Sprintf("/meshcore/ctx/%x/v1", contextID)
}

// Capability is the network surface the broadcast engine and sync manager
// depend on.
type Capability interface {
	Broadcast(ctx context.Context, contextID [32]byte, payload []byte) error
	Subscribe(ctx context.Context, contextID [32]byte) (Subscription, error)
	OpenStream(ctx context.Context, p peer.ID) (Stream, error)
	Peers(contextID [32]byte) []peer.ID
	ConnectedCount() int
}

// Subscription delivers messages published to a topic.
type Subscription interface {
	Next(ctx context.Context) ([]byte, peer.ID, error)
	Cancel()
}

// LibP2PNetwork is the production Capability: a libp2p host with
// gossipsub for broadcast and a Kademlia DHT for peer discovery, grounded
// on internal/gossip/gossip.go's host-construction and stream-protocol
// idiom.
type LibP2PNetwork struct {
	host   host.Host
	pubsub *pubsub.PubSub
	dht    *dht.IpfsDHT

	mu     sync.RWMutex
	topics map[string]*pubsub.Topic

	streamHandler func(network.Stream)
}

// NewLibP2PNetwork starts a libp2p host listening on listenAddr, with
// gossipsub and a DHT attached.
func NewLibP2PNetwork(ctx context.Context, listenAddr string, streamHandler func(network.Stream)) (*LibP2PNetwork, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("network: create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("network: create gossipsub: %w", err)
	}

	kad, err := dht.New(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("network: create dht: %w", err)
	}

	n := &LibP2PNetwork{
		host:          h,
		pubsub:        ps,
		dht:           kad,
		topics:        make(map[string]*pubsub.Topic),
		streamHandler: streamHandler,
	}
	if streamHandler != nil {
		h.SetStreamHandler(StreamProtocol, streamHandler)
	}
	return n, nil
}

// Connect dials a peer by multiaddr and adds it to the peerstore.
func (n *LibP2PNetwork) Connect(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("network: invalid peer address: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("network: parse peer info: %w", err)
	}
	return n.host.Connect(ctx, *info)
}

func (n *LibP2PNetwork) topicFor(contextID [32]byte) (*pubsub.Topic, error) {
	name := Topic(contextID)

	n.mu.RLock()
	t, ok := n.topics[name]
	n.mu.RUnlock()
	if ok {
		return t, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("network: join topic %s: %w", name, err)
	}
	n.topics[name] = t
	return t, nil
}

func (n *LibP2PNetwork) Broadcast(ctx context.Context, contextID [32]byte, payload []byte) error {
	t, err := n.topicFor(contextID)
	if err != nil {
		return err
	}
	return t.Publish(ctx, payload)
}

func (n *LibP2PNetwork) Subscribe(ctx context.Context, contextID [32]byte) (Subscription, error) {
	t, err := n.topicFor(contextID)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("network: subscribe: %w", err)
	}
	return &libp2pSubscription{sub: sub}, nil
}

func (n *LibP2PNetwork) OpenStream(ctx context.Context, p peer.ID) (Stream, error) {
	return n.host.NewStream(ctx, p, StreamProtocol)
}

func (n *LibP2PNetwork) Peers(contextID [32]byte) []peer.ID {
	n.mu.RLock()
	t, ok := n.topics[Topic(contextID)]
	n.mu.RUnlock()
	if !ok {
		return nil
	}
	return t.ListPeers()
}

func (n *LibP2PNetwork) ConnectedCount() int {
	return len(n.host.Network().Peers())
}

func (n *LibP2PNetwork) Close() error {
	if n.dht != nil {
		_ = n.dht.Close()
	}
	return n.host.Close()
}

type libp2pSubscription struct {
	sub *pubsub.Subscription
}

func (s *libp2pSubscription) Next(ctx context.Context) ([]byte, peer.ID, error) {
	msg, err := s.sub.Next(ctx)
	if err != nil {
		return nil, "", err
	}
	return msg.Data, msg.GetFrom(), nil
}

func (s *libp2pSubscription) Cancel() { s.sub.Cancel() }
