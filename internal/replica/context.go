// Package replica ties together everything a single replicated context
// needs at runtime: the entity store and delta DAG (internal/entity,
// internal/delta), the broadcast engine (internal/broadcast), and the sync
// manager (internal/syncproto), all serialized behind one context_mutex
// per the concurrency model (§5). internal/gcl.Node's Start/Stop/cancel/wg
// shape is the direct model for the lifecycle here, generalized from one
// hardcoded node to one runtime per context.
package replica

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/decube/meshcore/internal/broadcast"
	"github.com/decube/meshcore/internal/contextconfig"
	"github.com/decube/meshcore/internal/delta"
	"github.com/decube/meshcore/internal/entity"
	"github.com/decube/meshcore/internal/network"
	"github.com/decube/meshcore/internal/sandbox"
	"github.com/decube/meshcore/internal/securestream"
	"github.com/decube/meshcore/internal/syncerr"
	"github.com/decube/meshcore/pkg/crdt"
	"github.com/decube/meshcore/pkg/hlc"
	"github.com/decube/meshcore/pkg/log"
	"github.com/decube/meshcore/pkg/merkle"
	"github.com/decube/meshcore/internal/syncproto"
	"github.com/google/uuid"
	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

// PeerResolver maps a context identity (an Ed25519 public key, as carried
// in contextconfig membership lists) to the transport-level peer id a
// Capability can dial. The mapping is learned out of band — from
// discovery, from a join handshake, or (eventually) from the on-chain
// context-config contract §6 defers to — never derived from the identity
// bytes themselves.
type PeerResolver interface {
	Resolve(identity [32]byte) (libp2pPeer.ID, bool)
}

// SyncSessionDeadline bounds one sync round; on expiry the session drops
// its stream with no commit point crossed (§5 "Cancellation and
// timeouts").
const SyncSessionDeadline = 30 * time.Second

// syncRequestQueueSize bounds the per-context pending-sync-request MPSC
// queue (§5 "Pending-request queue"); sends beyond this are dropped rather
// than block the broadcast handler.
const syncRequestQueueSize = 64

// syncDebounce coalesces bursts of sync requests for the same peer into a
// single round, per §5's "debounces bursty triggers with a short timer".
const syncDebounce = 200 * time.Millisecond

// Context is the per-context runtime: one entity store, one delta DAG, one
// broadcast engine, one sync manager, guarded by a single exclusive mutex
// for every write path (local append, remote delta apply, snapshot
// commit). Reads may proceed concurrently with each other but never with a
// writer.
type Context struct {
	ID [32]byte

	Store  *entity.Store
	DAG    *delta.DAG
	Engine *broadcast.Engine
	Sync   *syncproto.Manager

	net      network.Capability
	peers    PeerResolver
	members  contextconfig.Provider
	identity *securestream.Identity
	executor sandbox.Executor
	custom   crdt.CustomMerger
	clock    *hlc.Clock
	logger   *zap.Logger

	// mu is the context_mutex of §5: serializes every write (local delta
	// append, remote delta apply, snapshot swap) against every other
	// write, while letting read handlers (hash queries, entity reads)
	// proceed concurrently with each other.
	mu sync.RWMutex

	syncRequests chan [32]byte
	pendingMu    sync.Mutex
	pendingPeers map[[32]byte]*time.Timer
	droppedSync  int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the collaborators a Context needs from its owning Node;
// kept separate from Context itself so tests can construct one without a
// full Node.
type Deps struct {
	ContextID [32]byte
	Store     *entity.Store
	DAG       *delta.DAG
	Net       network.Capability
	Peers     PeerResolver
	Members   contextconfig.Provider
	Identity  *securestream.Identity
	Executor  sandbox.Executor
	Custom    crdt.CustomMerger
	BroadcastKey [32]byte
}

// New builds a Context wired to the given collaborators but does not start
// it; call Start to begin serving broadcast and sync traffic.
func New(d Deps) (*Context, error) {
	c := &Context{
		ID:           d.ContextID,
		Store:        d.Store,
		DAG:          d.DAG,
		net:          d.Net,
		peers:        d.Peers,
		members:      d.Members,
		identity:     d.Identity,
		executor:     d.Executor,
		custom:       d.Custom,
		clock:        hlc.New(nowMillis),
		logger:       log.Named("replica").With(zap.String("context", hexPrefix(d.ContextID))),
		syncRequests: make(chan [32]byte, syncRequestQueueSize),
		pendingPeers: make(map[[32]byte]*time.Timer),
	}

	engine, err := broadcast.NewEngine(d.Net, d.ContextID, d.BroadcastKey, d.DAG, broadcast.Handler{
		OnDelta:         c.onDelta,
		OnHeartbeat:     c.onHeartbeat,
		OnPreemptNeeded: c.onPreemptNeeded,
	})
	if err != nil {
		return nil, fmt.Errorf("replica: build broadcast engine: %w", err)
	}
	c.Engine = engine
	c.Sync = &syncproto.Manager{Store: d.Store, DAG: d.DAG, Custom: d.Custom}

	return c, nil
}

func nowMillis() uint64 { return uint64(time.Now().UnixMilli()) }

func hexPrefix(id [32]byte) string {
	return fmt.Sprintf("%x", id[:4])
}

// Start launches the broadcast engine and the sync-request coordinator.
// Both stop when ctx is canceled or Stop is called.
func (c *Context) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := c.Engine.Run(ctx); err != nil {
			c.logger.Warn("broadcast engine stopped", zap.Error(err))
		}
	}()
	go func() {
		defer c.wg.Done()
		c.runCoordinator(ctx)
	}()
}

// Stop cancels the context's goroutines and waits for them to exit.
func (c *Context) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// RequestSync enqueues a sync round against peer. Never blocks: a full
// queue drops the request and counts it, per §5's backpressure policy
// ("neither ever blocks a broadcast handler").
func (c *Context) RequestSync(peer [32]byte) {
	select {
	case c.syncRequests <- peer:
	default:
		c.pendingMu.Lock()
		c.droppedSync++
		c.pendingMu.Unlock()
		c.logger.Warn("sync request queue full, dropping", zap.Int("dropped_total", c.droppedSync))
	}
}

// runCoordinator drains syncRequests, deduplicating by peer and debouncing
// bursts with a short timer so a noisy peer doesn't trigger one sync round
// per heartbeat.
func (c *Context) runCoordinator(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.pendingMu.Lock()
			for _, timer := range c.pendingPeers {
				timer.Stop()
			}
			c.pendingMu.Unlock()
			return
		case peer := <-c.syncRequests:
			c.schedulePeerSync(ctx, peer)
		}
	}
}

func (c *Context) schedulePeerSync(ctx context.Context, peer [32]byte) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if _, already := c.pendingPeers[peer]; already {
		return
	}
	c.pendingPeers[peer] = time.AfterFunc(syncDebounce, func() {
		c.pendingMu.Lock()
		delete(c.pendingPeers, peer)
		c.pendingMu.Unlock()

		sessCtx, cancel := context.WithTimeout(ctx, SyncSessionDeadline)
		defer cancel()
		if err := c.dialAndSync(sessCtx, peer); err != nil {
			c.logger.Warn("sync round failed", zap.Error(err))
		}
	})
}

// dialAndSync is the network-touching half of a debounced sync round: it
// resolves a stream to peer and drives Sync.RunInitiator over it. Tests
// that do not have a real network capability can exercise Sync directly
// instead of through the coordinator.
func (c *Context) dialAndSync(ctx context.Context, peer [32]byte) error {
	roundID := uuid.New().String()
	c.logger.Debug("sync round starting", zap.String("round_id", roundID), zap.String("peer", hexPrefix(peer)))

	p, ok := c.peers.Resolve(peer)
	if !ok {
		return fmt.Errorf("replica: no known peer id for identity %s", hexPrefix(peer))
	}
	stream, err := c.net.OpenStream(ctx, p)
	if err != nil {
		return fmt.Errorf("replica: open stream: %w", err)
	}
	defer stream.Close()

	// A Capability's stream protocol is shared across every open context
	// and peer, so the dial side leads with a 64-byte preamble (context
	// id, own identity) the responder's Node.StreamHandler reads before
	// it knows which context and member this stream is for.
	var preamble [64]byte
	copy(preamble[:32], c.ID[:])
	copy(preamble[32:], c.identity.Public)
	if _, err := stream.Write(preamble[:]); err != nil {
		return fmt.Errorf("replica: write stream preamble: %w", err)
	}

	sess, err := securestream.Handshake(ctx, stream, c.ID, c.identity, ed25519.PublicKey(peer[:]), c.members, peer, true)
	if err != nil {
		return fmt.Errorf("replica: handshake: %w", err)
	}
	defer sess.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	result, err := c.Sync.RunInitiator(ctx, sess)
	if err != nil {
		return err
	}
	if result.Outcome == syncproto.Failed {
		return fmt.Errorf("replica: sync failed: %s", result.Reason)
	}
	c.logger.Debug("sync round finished", zap.String("round_id", roundID), zap.String("outcome", result.Outcome.String()))
	return nil
}

// SyncNow runs one sync round against peer immediately, bypassing the
// debounce coordinator — used by callers (and tests) that want a
// synchronous result rather than a fire-and-forget RequestSync.
func (c *Context) SyncNow(ctx context.Context, peer [32]byte) error {
	sessCtx, cancel := context.WithTimeout(ctx, SyncSessionDeadline)
	defer cancel()
	return c.dialAndSync(sessCtx, peer)
}

// AcceptSync serves one inbound sync session as the responder side, under
// the same write lock a local append or broadcast-applied delta would
// take.
func (c *Context) AcceptSync(ctx context.Context, sess *securestream.Session) error {
	sessCtx, cancel := context.WithTimeout(ctx, SyncSessionDeadline)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Sync.RunResponder(sessCtx, sess)
}

// Execute runs method against the sandbox, applies every resulting action
// to the local entity store through the CRDT merge dispatcher, appends the
// batch as one local delta, and broadcasts it. actionBatch is the delta
// payload convention: JSON-encoded []sandbox.Action, decoded identically
// on the receiving side's onDelta (mirroring the gossip layer's
// encoding/json idiom rather than inventing a bit-exact codec for data no
// content hash depends on beyond the delta id itself, which hashes the
// encoded payload bytes as an opaque blob).
func (c *Context) Execute(ctx context.Context, method string, payload []byte, author [32]byte) (*sandbox.Result, error) {
	result, err := c.executor.Execute(ctx, c.ID, method, payload, author)
	if err != nil {
		return nil, fmt.Errorf("replica: sandbox execute: %w", err)
	}
	if len(result.Actions) == 0 {
		return result, nil
	}

	ts := c.clock.Tick()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, action := range result.Actions {
		if err := c.applyActionLocked(ctx, action, ts, author); err != nil {
			if syncerr.Is(err, syncerr.Rejected) {
				c.logger.Warn("local action rejected", zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("replica: apply local action: %w", err)
		}
	}

	actionBatch, err := json.Marshal(result.Actions)
	if err != nil {
		return nil, fmt.Errorf("replica: encode action batch: %w", err)
	}
	var eventBytes []byte
	if len(result.Events) > 0 {
		eventBytes, err = json.Marshal(result.Events)
		if err != nil {
			return nil, fmt.Errorf("replica: encode events: %w", err)
		}
	}

	var nonce [24]byte
	d := c.DAG.AppendLocal(author, ts, actionBatch, c.Store.RootHash(), nonce)
	if err := c.Engine.PublishDelta(ctx, author, d, eventBytes); err != nil {
		return nil, fmt.Errorf("replica: publish delta: %w", err)
	}
	return result, nil
}

func (c *Context) applyActionLocked(ctx context.Context, action sandbox.Action, ts hlc.Timestamp, author [32]byte) error {
	var id merkle.ID
	copy(id[:], action.EntityID[:])
	incoming := &entity.Entity{
		ID:       id,
		TypeID:   action.TypeID,
		CRDTType: crdt.Type(action.CRDTType),
		Payload:  action.Payload,
		Metadata: entity.Metadata{HLC: ts, Author: author, Tombstone: action.Remove},
	}
	return c.Store.MergeApply(ctx, incoming, c.custom)
}

// onDelta is the broadcast.Handler callback for inbound StateDelta
// traffic: ingest into the DAG, and if it is immediately applicable,
// decode its action batch and merge every action into the entity store.
// Buffered (not-yet-applicable) deltas apply no entity state until their
// missing parents arrive and Ingest promotes them — entity state must
// only ever move forward for applied deltas (Invariant I5's "never raw
// overwrite" extends to "never apply out of causal order").
func (c *Context) onDelta(ctx context.Context, contextID [32]byte, from [32]byte, d *delta.Delta, events []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, err := c.DAG.Ingest(d)
	if err != nil {
		c.logger.Warn("delta rejected", zap.Error(err))
		return
	}
	if status != delta.StatusApplied {
		return
	}

	var actions []sandbox.Action
	if err := json.Unmarshal(d.Payload, &actions); err != nil {
		c.logger.Warn("malformed delta payload", zap.Error(err))
		return
	}
	for _, action := range actions {
		if err := c.applyActionLocked(ctx, action, d.HLC, d.Author); err != nil {
			if syncerr.Is(err, syncerr.Rejected) {
				c.logger.Warn("remote action rejected", zap.Error(err))
				continue
			}
			c.logger.Warn("apply remote action failed", zap.Error(err))
			return
		}
	}

	if c.Store.RootHash() != d.RootHash {
		c.logger.Warn("root hash diverged from delta's observed root, scheduling hash comparison", zap.String("peer", hexPrefix(from)))
		c.RequestSync(from)
	}
}

// onHeartbeat compares a peer's advertised root hash against the local
// one and schedules a sync round when they differ. The actual strategy
// choice happens later, inside Sync.RunInitiator's handshake exchange —
// this only decides whether a round is worth starting at all.
func (c *Context) onHeartbeat(ctx context.Context, contextID [32]byte, from [32]byte, rootHash [32]byte, heads [][32]byte) {
	c.mu.RLock()
	local := c.Store.RootHash()
	c.mu.RUnlock()
	if local != rootHash {
		c.RequestSync(from)
	}
}

// onPreemptNeeded fires when the DAG's pending buffer crosses
// broadcast.PendingThreshold: incremental gossip is no longer keeping up,
// so a state-based sync round should run instead of waiting for more
// individual deltas.
func (c *Context) onPreemptNeeded(ctx context.Context, contextID [32]byte) {
	c.logger.Info("pending delta buffer over threshold, state-based sync preferred on next peer contact")
}
