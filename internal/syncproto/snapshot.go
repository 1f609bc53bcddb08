package syncproto

import (
	"context"
	"fmt"

	"github.com/decube/meshcore/internal/entity"
	"github.com/decube/meshcore/internal/securestream"
	"github.com/decube/meshcore/pkg/crdt"
	"github.com/decube/meshcore/pkg/merkle"
)

// snapshotChunkSize bounds how many entity records travel in one message,
// mirroring the per-message size discipline the tree-walk strategies use.
const snapshotChunkSize = 256

type snapshotManifest struct {
	RootHash    [32]byte
	EntityCount int
	ChunkCount  int
}

type snapshotChunk struct {
	Entities []*entity.Entity
}

type snapshotHeads struct {
	Heads [][32]byte
}

// RunSnapshotResponder streams the full entity set to an initiator that
// has no local state for the context (§4.5.1). It never mutates local
// state — it is a pure reader.
func RunSnapshotResponder(ctx context.Context, sess *securestream.Session, store *entity.Store, heads [][32]byte) error {
	all, err := store.All(ctx)
	if err != nil {
		return fmt.Errorf("syncproto: snapshot responder read store: %w", err)
	}

	chunkCount := (len(all) + snapshotChunkSize - 1) / snapshotChunkSize
	manifest := snapshotManifest{RootHash: store.RootHash(), EntityCount: len(all), ChunkCount: chunkCount}
	if err := sendJSON(ctx, sess, manifest); err != nil {
		return err
	}

	for i := 0; i < len(all); i += snapshotChunkSize {
		end := i + snapshotChunkSize
		if end > len(all) {
			end = len(all)
		}
		if err := sendJSON(ctx, sess, snapshotChunk{Entities: all[i:end]}); err != nil {
			return err
		}
	}

	return sendJSON(ctx, sess, snapshotHeads{Heads: heads})
}

// RunSnapshotInitiator receives a full snapshot and verifies its
// accumulated root hash against the manifest BEFORE adopting any entity
// into store (Invariant I7: verify-before-apply). Must only be called by
// a replica with no local state for the context (Invariant I5) — the
// caller is responsible for that check, since Snapshot has no way to
// merge against existing history.
func RunSnapshotInitiator(ctx context.Context, sess *securestream.Session, store *entity.Store, custom crdt.CustomMerger) (Result, [][32]byte, error) {
	var manifest snapshotManifest
	if err := recvJSON(ctx, sess, &manifest); err != nil {
		return failed("snapshot: read manifest: " + err.Error()), nil, err
	}

	staged := make([]*entity.Entity, 0, manifest.EntityCount)
	verify := merkle.New()
	for i := 0; i < manifest.ChunkCount; i++ {
		var chunk snapshotChunk
		if err := recvJSON(ctx, sess, &chunk); err != nil {
			return failed("snapshot: read chunk: " + err.Error()), nil, err
		}
		for _, e := range chunk.Entities {
			verify.Put(e.ID, e.Metadata.ParentID, entity.ContentHash(e))
			staged = append(staged, e)
		}
	}

	if verify.RootHash() != manifest.RootHash {
		return failed("snapshot: accumulated root hash does not match manifest"), nil, fmt.Errorf("syncproto: snapshot root mismatch")
	}

	var heads snapshotHeads
	if err := recvJSON(ctx, sess, &heads); err != nil {
		return failed("snapshot: read heads: " + err.Error()), nil, err
	}

	// Verification passed: commit. A fresh replica has nothing to merge
	// against, so every Put is a first write.
	applied := 0
	for _, e := range staged {
		ok, err := mergeApply(ctx, store, e, custom)
		if err != nil {
			return failed("snapshot: apply: " + err.Error()), nil, err
		}
		if ok {
			applied++
		}
	}

	return Result{Outcome: Converged, AppliedCount: applied}, heads.Heads, nil
}
