// Package broadcast implements the per-context broadcast engine: StateDelta
// and HashHeartbeat messages published on a shared pubsub topic (component
// design §6), with each delta's application payload sealed under a
// per-context symmetric key before it ever reaches the wire, and a
// pending-delta threshold that preempts per-delta gossip with a
// state-based round once local catch-up falls too far behind.
package broadcast

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/decube/meshcore/internal/delta"
	"github.com/decube/meshcore/internal/network"
	"github.com/decube/meshcore/internal/wire"
	"github.com/decube/meshcore/pkg/hlc"
	"github.com/decube/meshcore/pkg/log"
	"go.uber.org/zap"
)

// PendingThreshold is the number of buffered-but-unapplicable deltas at
// which the engine stops trusting incremental gossip to catch a peer up
// and signals that a state-based sync round (snapshot or hash comparison)
// should run instead.
const PendingThreshold = 100

type messageKind byte

const (
	kindStateDelta    messageKind = 1
	kindHashHeartbeat messageKind = 2
)

// Handler receives ingested broadcast traffic. OnDelta is called for every
// decoded StateDelta (after decrypting its payload) for the caller to feed
// into its delta.DAG and entity store; OnHeartbeat is called for every
// HashHeartbeat, for anti-entropy comparison against the local root hash;
// OnPreemptNeeded fires when the local DAG's pending buffer has crossed
// PendingThreshold, signaling that the caller should kick off a
// state-based sync round against the heartbeat's sender rather than
// continue waiting on individual deltas to arrive.
type Handler struct {
	OnDelta         func(ctx context.Context, contextID [32]byte, from [32]byte, d *delta.Delta, events []byte)
	OnHeartbeat     func(ctx context.Context, contextID [32]byte, from [32]byte, rootHash [32]byte, heads [][32]byte)
	OnPreemptNeeded func(ctx context.Context, contextID [32]byte)
}

// Engine drives one context's broadcast traffic.
type Engine struct {
	net       network.Capability
	contextID [32]byte
	aead      cipher.AEAD
	dag       *delta.DAG
	handler   Handler
}

// NewEngine builds an Engine sealing payloads under key (the context's
// symmetric broadcast key).
func NewEngine(net network.Capability, contextID [32]byte, key [32]byte, dag *delta.DAG, handler Handler) (*Engine, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("broadcast: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("broadcast: create gcm: %w", err)
	}
	return &Engine{net: net, contextID: contextID, aead: aead, dag: dag, handler: handler}, nil
}

// PublishDelta broadcasts d, sealing its application payload and
// optional event log under the context key.
func (e *Engine) PublishDelta(ctx context.Context, author [32]byte, d *delta.Delta, events []byte) error {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("broadcast: generate nonce: %w", err)
	}
	sealedPayload := e.aead.Seal(nil, nonce[:12], d.Payload, d.ID[:])

	sd := &wire.StateDelta{
		ContextID:   e.contextID,
		Author:      author,
		DeltaID:     d.ID,
		Parents:     d.Parents,
		HLCPhysical: d.HLC.Physical,
		HLCLogical:  d.HLC.Logical,
		RootHash:    d.RootHash,
		Payload:     sealedPayload,
		Nonce:       nonce,
	}
	if len(events) > 0 {
		sealedEvents := e.aead.Seal(nil, nonce[:12], events, append(d.ID[:], byte(1)))
		sd.HasEvents = true
		sd.Events = sealedEvents
	}

	body := wire.EncodeStateDelta(sd)
	return e.net.Broadcast(ctx, e.contextID, append([]byte{byte(kindStateDelta)}, body...))
}

// PublishHeartbeat broadcasts the current root hash and DAG heads,
// unsealed — the heartbeat carries no application data, only hashes peers
// already need to compare against their own state.
func (e *Engine) PublishHeartbeat(ctx context.Context, rootHash [32]byte, heads []delta.ID) error {
	wireHeads := make([][32]byte, len(heads))
	for i, h := range heads {
		wireHeads[i] = [32]byte(h)
	}
	hb := &wire.HashHeartbeat{ContextID: e.contextID, RootHash: rootHash, Heads: wireHeads}
	body := wire.EncodeHashHeartbeat(hb)
	return e.net.Broadcast(ctx, e.contextID, append([]byte{byte(kindHashHeartbeat)}, body...))
}

// Run subscribes to the context's topic and dispatches incoming messages
// to the configured Handler until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	sub, err := e.net.Subscribe(ctx, e.contextID)
	if err != nil {
		return fmt.Errorf("broadcast: subscribe: %w", err)
	}
	defer sub.Cancel()

	logger := log.Named("broadcast")
	for {
		raw, from, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("broadcast: subscription error: %w", err)
		}
		if len(raw) == 0 {
			continue
		}

		var fromID [32]byte
		copy(fromID[:], []byte(from))

		if err := e.dispatch(ctx, fromID, messageKind(raw[0]), raw[1:]); err != nil {
			logger.Warn("dropping malformed broadcast message", zap.Error(err))
		}

		if e.dag != nil && e.handler.OnPreemptNeeded != nil && e.pendingOverThreshold() {
			e.handler.OnPreemptNeeded(ctx, e.contextID)
		}
	}
}

func (e *Engine) pendingOverThreshold() bool {
	return e.dag.PendingLen() >= PendingThreshold
}

func (e *Engine) dispatch(ctx context.Context, from [32]byte, kind messageKind, body []byte) error {
	switch kind {
	case kindStateDelta:
		sd, err := wire.DecodeStateDelta(body)
		if err != nil {
			return err
		}
		if sd.ContextID != e.contextID {
			return fmt.Errorf("broadcast: context id mismatch")
		}
		plaintext, err := e.aead.Open(nil, sd.Nonce[:12], sd.Payload, sd.DeltaID[:])
		if err != nil {
			return fmt.Errorf("broadcast: payload authentication failed: %w", err)
		}
		var events []byte
		if sd.HasEvents {
			events, err = e.aead.Open(nil, sd.Nonce[:12], sd.Events, append(sd.DeltaID[:], byte(1)))
			if err != nil {
				return fmt.Errorf("broadcast: events authentication failed: %w", err)
			}
		}
		ts := hlc.Timestamp{Physical: sd.HLCPhysical, Logical: sd.HLCLogical}
		parents := make([]delta.ID, len(sd.Parents))
		for i, p := range sd.Parents {
			parents[i] = delta.ID(p)
		}
		d := delta.New(sd.Author, ts, parents, plaintext, sd.RootHash, sd.Nonce)
		if e.handler.OnDelta != nil {
			e.handler.OnDelta(ctx, e.contextID, from, d, events)
		}
		return nil

	case kindHashHeartbeat:
		hb, err := wire.DecodeHashHeartbeat(body)
		if err != nil {
			return err
		}
		if hb.ContextID != e.contextID {
			return fmt.Errorf("broadcast: context id mismatch")
		}
		if e.handler.OnHeartbeat != nil {
			e.handler.OnHeartbeat(ctx, e.contextID, from, hb.RootHash, hb.Heads)
		}
		return nil

	default:
		return fmt.Errorf("broadcast: unknown message kind %d", kind)
	}
}
