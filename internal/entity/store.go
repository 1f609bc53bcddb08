package entity

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/decube/meshcore/internal/storage"
	"github.com/decube/meshcore/internal/syncerr"
	"github.com/decube/meshcore/pkg/crdt"
	"github.com/decube/meshcore/pkg/hlc"
	"github.com/decube/meshcore/pkg/merkle"
)

const entityKeyPrefix = "entity/"

// Store persists entities in an embedded key-value engine (storage.Store,
// backed in production by badger) and keeps a merkle.Index incrementally
// current, rebuilt from the underlying store on cold start. One Store
// instance serves exactly one context.
type Store struct {
	kv  storage.Store
	idx *merkle.Index
}

// Open wires a Store over an already-open storage.Store and rebuilds the
// Merkle index from its contents, mirroring the teacher lineage's
// rebuild-on-init pattern for persisted indexes.
func Open(ctx context.Context, kv storage.Store) (*Store, error) {
	s := &Store{kv: kv, idx: merkle.New()}
	if err := s.rebuild(ctx); err != nil {
		return nil, fmt.Errorf("entity: rebuild index: %w", err)
	}
	return s, nil
}

func (s *Store) rebuild(ctx context.Context) error {
	return s.kv.Iterate(ctx, []byte(entityKeyPrefix), func(key, value []byte) error {
		e, err := decodeEntity(value)
		if err != nil {
			return fmt.Errorf("entity: corrupt record at %x: %w", key, err)
		}
		s.idx.Put(e.ID, e.Metadata.ParentID, contentHash(e))
		return nil
	})
}

// Get returns the entity at id, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id ID) (*Entity, error) {
	raw, err := s.kv.Get(ctx, entityKey(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return decodeEntity(raw)
}

// Put persists e and updates the Merkle index. Per Invariant I5, callers
// MUST have already run the CRDT merge (crdt.Merge) against any existing
// value before calling Put for a non-fresh replica; Put itself performs no
// merge and no overwrite check — those policies live in the caller that
// owns the context_mutex (internal/replica).
func (s *Store) Put(ctx context.Context, e *Entity) error {
	raw, err := encodeEntity(e)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, entityKey(e.ID), raw); err != nil {
		return err
	}
	s.idx.Put(e.ID, e.Metadata.ParentID, contentHash(e))
	return nil
}

// Has reports whether any entity is present for the context, used to
// decide whether a replica is "fresh" (Invariant I5).
func (s *Store) Has(ctx context.Context) (bool, error) {
	found := false
	err := s.kv.Iterate(ctx, []byte(entityKeyPrefix), func(_, _ []byte) error {
		found = true
		return errStop
	})
	if err == errStop {
		err = nil
	}
	return found, err
}

var errStop = fmt.Errorf("entity: stop iteration")

// Children returns the direct structural children of id.
func (s *Store) Children(id ID) []ID { return s.idx.Children(id) }

// Node returns (own_hash, children_summary) for id.
func (s *Store) Node(id ID) ([32]byte, []merkle.ChildSummary, error) { return s.idx.Node(id) }

// RootHash returns the deterministic summary of the whole entity set.
func (s *Store) RootHash() [32]byte { return s.idx.RootHash() }

// Roots returns the top-level entity ids.
func (s *Store) Roots() []ID { return s.idx.Roots() }

// All returns every entity currently in the store, in no particular
// order. Used by sync strategies that need a full snapshot (Snapshot) or
// a bulk diff set (HashComparison leaves, BloomFilter, SubtreePrefetch),
// never by the hot write path.
func (s *Store) All(ctx context.Context) ([]*Entity, error) {
	var out []*Entity
	err := s.kv.Iterate(ctx, []byte(entityKeyPrefix), func(_, value []byte) error {
		e, err := decodeEntity(value)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// MergeApply folds incoming into whatever is currently stored at its id
// through the CRDT merge dispatcher (pkg/crdt), never by raw overwrite
// (Invariant I5), and persists the result. It is the single entry point
// every sync strategy uses to land a remote entity locally.
//
// Tombstones are observed-remove: incoming.Metadata.Tombstone marks a
// remove rather than a value write. Replaying a remove against an entity
// that isn't present locally is a no-op, and reinserting over an existing
// tombstone requires an HLC strictly greater than the tombstone's — an
// equal-or-earlier write is rejected rather than silently dropped, so the
// caller can tell a rejected value apart from one that simply arrived
// late. A Rejected-kind error is a per-entity outcome: callers must not
// treat it as a reason to abort the wider sync round or session.
func (s *Store) MergeApply(ctx context.Context, incoming *Entity, custom crdt.CustomMerger) error {
	existing, err := s.Get(ctx, incoming.ID)
	if err != nil {
		return err
	}

	if incoming.Metadata.Tombstone {
		if existing == nil {
			return nil
		}
		if existing.Metadata.Tombstone && existing.Metadata.HLC.Compare(incoming.Metadata.HLC) >= 0 {
			return nil
		}
		result := *incoming
		result.CRDTType = existing.CRDTType
		result.TypeID = existing.TypeID
		result.Payload = existing.Payload
		return s.Put(ctx, &result)
	}

	if existing != nil && existing.Metadata.Tombstone && incoming.Metadata.HLC.Compare(existing.Metadata.HLC) <= 0 {
		return syncerr.New(syncerr.Rejected, fmt.Errorf("entity: reinsert of tombstoned %x requires HLC strictly greater than the tombstone's", incoming.ID))
	}

	meta := crdt.Meta{
		HLC:    incoming.Metadata.HLC,
		Author: incoming.Metadata.Author,
		TypeID: incoming.TypeID,
	}
	var existingPayload []byte
	if existing != nil {
		meta.Existing = crdt.ExistingMeta{HLC: existing.Metadata.HLC, Author: existing.Metadata.Author, Present: true}
		existingPayload = existing.Payload
	}

	merged, err := crdt.Merge(incoming.CRDTType, existingPayload, incoming.Payload, meta, custom)
	if err != nil {
		return err
	}

	result := *incoming
	result.Payload = merged
	if existing != nil && existing.Metadata.HLC.Compare(incoming.Metadata.HLC) > 0 {
		result.Metadata = existing.Metadata
	}
	return s.Put(ctx, &result)
}

func (s *Store) Close() error { return s.kv.Close() }

func entityKey(id ID) []byte {
	return append([]byte(entityKeyPrefix), id[:]...)
}

// ContentHash is the per-entity hash fed into the Merkle index: a hash of
// the entity's serialized record, excluding any wall-clock or node-local
// data so the determinism contract (component design 4.1) holds. Exported
// so sync strategies can verify an accumulated snapshot's root hash
// before it is ever written to the store (Invariant I7).
func ContentHash(e *Entity) [32]byte { return contentHash(e) }

func contentHash(e *Entity) [32]byte {
	h := sha256.New()
	h.Write(e.ID[:])
	var typeBuf [4]byte
	binary.LittleEndian.PutUint32(typeBuf[:], e.TypeID)
	h.Write(typeBuf[:])
	h.Write([]byte(e.CRDTType))
	h.Write(e.Payload)
	var hlcBuf [12]byte
	binary.LittleEndian.PutUint64(hlcBuf[0:8], e.Metadata.HLC.Physical)
	binary.LittleEndian.PutUint32(hlcBuf[8:12], e.Metadata.HLC.Logical)
	h.Write(hlcBuf[:])
	h.Write(e.Metadata.Author[:])
	if e.Metadata.Tombstone {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// entityRecord is the on-disk JSON shape; Go's json.Marshal sorts map keys
// so this is stable across runs for a fixed Entity value.
type entityRecord struct {
	ID        ID            `json:"id"`
	TypeID    uint32        `json:"type_id"`
	CRDTType  string        `json:"crdt_type"`
	Payload   []byte        `json:"payload"`
	HLC       hlc.Timestamp `json:"hlc"`
	Author    [32]byte      `json:"author"`
	Tombstone bool          `json:"tombstone"`
	ParentID  ID            `json:"parent_id"`
}

func encodeEntity(e *Entity) ([]byte, error) {
	return json.Marshal(entityRecord{
		ID:        e.ID,
		TypeID:    e.TypeID,
		CRDTType:  string(e.CRDTType),
		Payload:   e.Payload,
		HLC:       e.Metadata.HLC,
		Author:    e.Metadata.Author,
		Tombstone: e.Metadata.Tombstone,
		ParentID:  e.Metadata.ParentID,
	})
}

func decodeEntity(raw []byte) (*Entity, error) {
	var rec entityRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &Entity{
		ID:       rec.ID,
		TypeID:   rec.TypeID,
		CRDTType: crdt.Type(rec.CRDTType),
		Payload:  rec.Payload,
		Metadata: Metadata{
			HLC:       rec.HLC,
			Author:    rec.Author,
			Tombstone: rec.Tombstone,
			ParentID:  rec.ParentID,
		},
	}, nil
}
