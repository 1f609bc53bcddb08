// Package crdt implements the closed set of built-in CRDT merge semantics
// used by entity payloads, plus dispatch to a sandbox-delegated Custom type.
package crdt

import (
	"errors"
	"fmt"

	"github.com/decube/meshcore/pkg/hlc"
)

// Type tags the merge semantics of an entity payload. The set is closed:
// every entity's crdt_type is one of these ten values.
type Type string

const (
	TypeLWWRegister   Type = "lww_register"
	TypeGCounter      Type = "g_counter"
	TypePNCounter     Type = "pn_counter"
	TypeRGA           Type = "rga"
	TypeUnorderedMap  Type = "unordered_map"
	TypeUnorderedSet  Type = "unordered_set"
	TypeVector        Type = "vector"
	TypeUserStorage   Type = "user_storage"
	TypeFrozenStorage Type = "frozen_storage"
	TypeCustom        Type = "custom"
)

// Meta carries the metadata a merge function needs beyond the two payloads:
// the HLC and author of the incoming write, used for LWW-style tie breaks.
type Meta struct {
	HLC    hlc.Timestamp
	Author [32]byte
	// TypeID distinguishes Custom-tagged payload variants; unused by
	// built-in types.
	TypeID   uint32
	Existing ExistingMeta
}

// ExistingMeta carries the same fields for the value already on disk, so
// merges that need to compare both sides (LWW, FrozenStorage) can do so.
type ExistingMeta struct {
	HLC    hlc.Timestamp
	Author [32]byte
	// Present is false when there is no existing value (first write).
	Present bool
}

// CRDT is implemented by every concrete built-in payload type. Merge is
// always invoked through the package-level Merge dispatcher, never called
// directly against raw overwrite semantics (data model Invariant I5).
type CRDT interface {
	Type() Type
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

var (
	ErrIncompatibleTypes = errors.New("crdt: incompatible types in merge")
	ErrUnknownType       = errors.New("crdt: unknown crdt type")
	ErrWasmRequired      = errors.New("crdt: custom merge requires sandbox callback")
	ErrFrozenConflict    = errors.New("crdt: frozen storage write conflicts with existing payload")
)

// CustomMerger is the capability the execution sandbox exposes for
// Custom-tagged entities: (type_id, existing_bytes, incoming_bytes) -> merged_bytes.
// The dispatch layer never substitutes its own policy for this type.
type CustomMerger interface {
	MergeCustom(typeID uint32, existing, incoming []byte) ([]byte, error)
}

// Merge dispatches to the built-in merge function selected by t, or to
// custom for TypeCustom. existing may be nil (no prior value, e.g. first
// write or a fresh snapshot target).
func Merge(t Type, existing, incoming []byte, meta Meta, custom CustomMerger) ([]byte, error) {
	switch t {
	case TypeLWWRegister:
		return mergeLWWRegister(existing, incoming, meta)
	case TypeGCounter:
		return mergeGCounter(existing, incoming)
	case TypePNCounter:
		return mergePNCounter(existing, incoming)
	case TypeRGA:
		return mergeRGA(existing, incoming)
	case TypeUnorderedMap, TypeUnorderedSet, TypeVector:
		return mergeContainer(existing, incoming, meta)
	case TypeUserStorage:
		return mergeUserStorage(existing, incoming)
	case TypeFrozenStorage:
		return mergeFrozenStorage(existing, incoming)
	case TypeCustom:
		if custom == nil {
			return nil, ErrWasmRequired
		}
		return custom.MergeCustom(meta.TypeID, existing, incoming)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}
