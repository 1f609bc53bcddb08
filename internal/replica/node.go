package replica

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"sync"

	"github.com/decube/meshcore/internal/contextconfig"
	"github.com/decube/meshcore/internal/delta"
	"github.com/decube/meshcore/internal/entity"
	"github.com/decube/meshcore/internal/network"
	"github.com/decube/meshcore/internal/sandbox"
	"github.com/decube/meshcore/internal/securestream"
	"github.com/decube/meshcore/internal/storage"
	"github.com/decube/meshcore/pkg/crdt"
	"github.com/decube/meshcore/pkg/log"
	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

// Node is the process-wide runtime: one identity, one network capability,
// and a registry of the contexts currently open on this process —
// internal/gcl.Node generalized from a single hardcoded node/config pair
// into a multi-context registry (design notes §9: "global state is
// confined to (a) the per-context runtime object ... and (b) a
// process-wide node identity and registry of contexts").
type Node struct {
	Identity *securestream.Identity

	net      network.Capability
	members  contextconfig.Provider
	executor sandbox.Executor
	logger   *zap.Logger

	mu       sync.RWMutex
	contexts map[[32]byte]*Context

	peerMu sync.RWMutex
	peerDirectory map[[32]byte]libp2pPeer.ID
}

// NewNode builds a Node. executor may be nil if no context opened on this
// node uses Custom-typed CRDTs.
func NewNode(identity *securestream.Identity, net network.Capability, members contextconfig.Provider, executor sandbox.Executor) *Node {
	return &Node{
		Identity:      identity,
		net:           net,
		members:       members,
		executor:      executor,
		logger:        log.Named("node"),
		contexts:      make(map[[32]byte]*Context),
		peerDirectory: make(map[[32]byte]libp2pPeer.ID),
	}
}

// LearnPeer records where to dial a context identity, as established by
// discovery or a join handshake (see PeerResolver).
func (n *Node) LearnPeer(identity [32]byte, p libp2pPeer.ID) {
	n.peerMu.Lock()
	defer n.peerMu.Unlock()
	n.peerDirectory[identity] = p
}

// Resolve implements PeerResolver against the learned directory.
func (n *Node) Resolve(identity [32]byte) (libp2pPeer.ID, bool) {
	n.peerMu.RLock()
	defer n.peerMu.RUnlock()
	p, ok := n.peerDirectory[identity]
	return p, ok
}

// OpenContextOpts supplies the per-context material a Node cannot derive
// on its own: where to persist the context's entities, its broadcast
// encryption key, and the CRDT custom-merge callback it should use.
type OpenContextOpts struct {
	ContextID    [32]byte
	KV           storage.Store
	BroadcastKey [32]byte
	Custom       crdt.CustomMerger
}

// Open builds a Context, registers it under its id, and starts it. Opening
// an already-open context id returns the existing, already-running
// Context unchanged.
func (n *Node) Open(ctx context.Context, opts OpenContextOpts) (*Context, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if existing, ok := n.contexts[opts.ContextID]; ok {
		return existing, nil
	}

	store, err := entity.Open(ctx, opts.KV)
	if err != nil {
		return nil, fmt.Errorf("replica: open entity store: %w", err)
	}

	rc, err := New(Deps{
		ContextID:    opts.ContextID,
		Store:        store,
		DAG:          delta.NewDAG(),
		Net:          n.net,
		Peers:        n,
		Members:      n.members,
		Identity:     n.Identity,
		Executor:     n.executor,
		Custom:       opts.Custom,
		BroadcastKey: opts.BroadcastKey,
	})
	if err != nil {
		return nil, err
	}

	rc.Start(ctx)
	n.contexts[opts.ContextID] = rc
	n.logger.Info("context opened", zap.String("context", hexPrefix(opts.ContextID)))
	return rc, nil
}

// Context returns the running Context for id, or nil if none is open.
func (n *Node) Context(id [32]byte) *Context {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.contexts[id]
}

// Contexts returns every currently open context id.
func (n *Node) Contexts() [][32]byte {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([][32]byte, 0, len(n.contexts))
	for id := range n.contexts {
		out = append(out, id)
	}
	return out
}

// Close stops every open context.
func (n *Node) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, rc := range n.contexts {
		rc.Stop()
		delete(n.contexts, id)
	}
}

// StreamHandler returns the process-wide stream acceptor to register with
// a network.Capability (mirroring internal/gcl's single streamHandler
// wiring, generalized to dispatch per context instead of to one hardcoded
// consensus service). It reads the 64-byte context-id/identity preamble
// Context.dialAndSync writes before the secure handshake begins, then
// hands the stream to the named context's responder.
func (n *Node) StreamHandler() func(network.Stream) {
	return func(stream network.Stream) {
		var preamble [64]byte
		if _, err := io.ReadFull(stream, preamble[:]); err != nil {
			n.logger.Warn("stream preamble read failed", zap.Error(err))
			stream.Close()
			return
		}
		var contextID, remoteIdentity [32]byte
		copy(contextID[:], preamble[:32])
		copy(remoteIdentity[:], preamble[32:])

		if err := n.HandleInboundStream(context.Background(), stream, contextID, remoteIdentity); err != nil {
			n.logger.Warn("inbound stream handling failed", zap.Error(err))
		}
	}
}

// HandleInboundStream authenticates a freshly-accepted stream (contextID
// and remoteIdentity already known, per StreamHandler's preamble read)
// and hands it to the matching context's responder.
func (n *Node) HandleInboundStream(ctx context.Context, stream network.Stream, contextID [32]byte, remoteIdentity [32]byte) error {
	rc := n.Context(contextID)
	if rc == nil {
		return fmt.Errorf("replica: no open context %x", contextID[:4])
	}

	sess, err := securestream.Handshake(ctx, stream, contextID, n.Identity, ed25519.PublicKey(remoteIdentity[:]), n.members, remoteIdentity, false)
	if err != nil {
		return fmt.Errorf("replica: inbound handshake: %w", err)
	}
	defer sess.Close()

	return rc.AcceptSync(ctx, sess)
}
