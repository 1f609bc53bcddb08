package syncproto

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/decube/meshcore/internal/delta"
	"github.com/decube/meshcore/internal/entity"
	"github.com/decube/meshcore/internal/sandbox"
	"github.com/decube/meshcore/internal/securestream"
	"github.com/decube/meshcore/pkg/crdt"
)

type deltaCatchupRequest struct {
	Heads [][32]byte
}

type deltaCatchupResponse struct {
	NoPath bool
	Deltas []*delta.Delta
}

// RunDeltaCatchupResponder computes path_from(initiator heads, local
// heads) and streams the resulting delta sequence (§4.5.2). If no path
// exists (the initiator's heads predate a local prune watermark), it
// replies NoPath so the initiator can renegotiate.
func RunDeltaCatchupResponder(ctx context.Context, sess *securestream.Session, dag *delta.DAG) error {
	var req deltaCatchupRequest
	if err := recvJSON(ctx, sess, &req); err != nil {
		return err
	}

	initiatorHeads := make([]delta.ID, len(req.Heads))
	for i, h := range req.Heads {
		initiatorHeads[i] = delta.ID(h)
	}
	localHeads := dag.Heads()

	path, err := dag.PathFrom(initiatorHeads, localHeads)
	if err != nil {
		return sendJSON(ctx, sess, deltaCatchupResponse{NoPath: true})
	}
	return sendJSON(ctx, sess, deltaCatchupResponse{Deltas: path})
}

// RunDeltaCatchupInitiator sends the local heads and ingests whatever
// sequence the responder streams back. A NoPath response means history
// was pruned past what this replica can rejoin from; the caller must
// renegotiate to Snapshot (if fresh) or widen to a state-based strategy
// (§4.5.2, §8 scenario "pruned history forces snapshot").
//
// Ingesting a delta only advances the causal DAG; the entity store and its
// root hash converge only once each delta's action batch is decoded and
// folded in through store.MergeApply, mirroring what the broadcast delivery
// path (internal/replica's onDelta) does for every delta it accepts.
func RunDeltaCatchupInitiator(ctx context.Context, sess *securestream.Session, dag *delta.DAG, store *entity.Store, custom crdt.CustomMerger) (Result, error) {
	localHeads := dag.Heads()
	wireHeads := make([][32]byte, len(localHeads))
	for i, h := range localHeads {
		wireHeads[i] = [32]byte(h)
	}
	if err := sendJSON(ctx, sess, deltaCatchupRequest{Heads: wireHeads}); err != nil {
		return failed("deltacatchup: send request: " + err.Error()), err
	}

	var resp deltaCatchupResponse
	if err := recvJSON(ctx, sess, &resp); err != nil {
		return failed("deltacatchup: read response: " + err.Error()), err
	}
	if resp.NoPath {
		return fellBack(StrategySnapshot, "deltacatchup: responder reports no path, history pruned"), nil
	}

	applied := 0
	for _, d := range resp.Deltas {
		status, err := dag.Ingest(d)
		if err != nil {
			return failed(fmt.Sprintf("deltacatchup: ingest %x: %v", d.ID, err)), err
		}
		if status != delta.StatusApplied {
			continue
		}
		if err := applyDeltaActions(ctx, store, custom, d); err != nil {
			return failed(fmt.Sprintf("deltacatchup: apply %x: %v", d.ID, err)), err
		}
		applied++
	}

	if applied < len(resp.Deltas) {
		return partial(applied), nil
	}
	return Result{Outcome: Converged, AppliedCount: applied}, nil
}

// applyDeltaActions decodes d's action batch and folds each into store,
// the same decode-and-merge step onDelta runs for broadcast-delivered
// deltas. A Rejected-kind error from any one action is swallowed (per-entity
// outcome, §7); any other error aborts the whole delta.
func applyDeltaActions(ctx context.Context, store *entity.Store, custom crdt.CustomMerger, d *delta.Delta) error {
	var actions []sandbox.Action
	if err := json.Unmarshal(d.Payload, &actions); err != nil {
		return fmt.Errorf("malformed action batch: %w", err)
	}
	for _, action := range actions {
		e := &entity.Entity{
			ID:       entity.ID(action.EntityID),
			TypeID:   action.TypeID,
			CRDTType: crdt.Type(action.CRDTType),
			Payload:  action.Payload,
			Metadata: entity.Metadata{HLC: d.HLC, Author: d.Author, Tombstone: action.Remove},
		}
		if _, err := mergeApply(ctx, store, e, custom); err != nil {
			return err
		}
	}
	return nil
}
