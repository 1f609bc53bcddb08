// Package entity implements the entity store and its bound Merkle index:
// a persistent key→value map of content-addressed entity records plus the
// deterministic hash tree over them, per component design 4.1.
package entity

import (
	"github.com/decube/meshcore/pkg/crdt"
	"github.com/decube/meshcore/pkg/hlc"
	"github.com/decube/meshcore/pkg/merkle"
)

// ID is a 32-byte content-free entity identifier (data model 3).
type ID = merkle.ID

// Metadata carries everything about an entity that isn't its payload:
// the HLC it was last written at, its author, tombstone state, and the
// structural parent id that places it in the Merkle tree (distinct from
// the delta DAG's causal parents).
type Metadata struct {
	HLC       hlc.Timestamp
	Author    [32]byte
	Tombstone bool
	ParentID  ID
}

// Entity is the smallest replicated unit (data model 3).
type Entity struct {
	ID       ID
	TypeID   uint32
	CRDTType crdt.Type
	Payload  []byte
	Metadata Metadata
}

// Fresh reports whether e has never been written (a zero-value HLC with no
// author marks a not-yet-created entity, used by Invariant I5's
// fresh-replica overwrite exception).
func (e *Entity) Fresh() bool {
	return e.Metadata.HLC == hlc.Timestamp{} && e.Metadata.Author == [32]byte{}
}
