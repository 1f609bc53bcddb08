package crdt

import (
	"encoding/json"
	"sort"

	"github.com/decube/meshcore/pkg/hlc"
)

// RGAOp is a single operation-based edit against a replicated sequence: one
// element inserted at a causally-derived position, or a tombstone over a
// previously inserted position. Merge is simply the union of ops from both
// sides, keyed by PosID, which makes it commutative and idempotent the same
// way ORSet's add/remove-tag union is.
type RGAOp struct {
	PosID     string        `json:"pos_id"`
	Author    string        `json:"author"`
	HLC       hlc.Timestamp `json:"hlc"`
	Char      string        `json:"char"`
	Tombstone bool          `json:"tombstone"`
}

// RGA is an operation-based replicated sequence (used for text/ordered
// collaborative editing entities).
type RGA struct {
	Ops map[string]RGAOp `json:"ops"` // keyed by PosID
}

// NewRGA returns an empty RGA.
func NewRGA() *RGA { return &RGA{Ops: make(map[string]RGAOp)} }

func (r *RGA) Type() Type { return TypeRGA }

func (r *RGA) Marshal() ([]byte, error) { return json.Marshal(r) }

func (r *RGA) Unmarshal(data []byte) error {
	r.Ops = nil
	if err := json.Unmarshal(data, r); err != nil {
		return err
	}
	if r.Ops == nil {
		r.Ops = make(map[string]RGAOp)
	}
	return nil
}

// Insert records an insertion op; posID must be derived by the caller so
// that concurrent inserts at "the same" logical position collide
// deterministically (e.g. hash of (predecessor pos id, author, hlc)).
func (r *RGA) Insert(posID, author string, ts hlc.Timestamp, ch string) {
	if r.Ops == nil {
		r.Ops = make(map[string]RGAOp)
	}
	r.Ops[posID] = RGAOp{PosID: posID, Author: author, HLC: ts, Char: ch}
}

// Delete tombstones an existing position; a delete against a position the
// author has never observed is a no-op once merged (the tombstone only
// applies if the insert op exists).
func (r *RGA) Delete(posID string) {
	if op, ok := r.Ops[posID]; ok {
		op.Tombstone = true
		r.Ops[posID] = op
	}
}

// Render returns the live (non-tombstoned) characters ordered by PosID,
// which is the causal ordering convention for this sequence.
func (r *RGA) Render() string {
	ids := make([]string, 0, len(r.Ops))
	for id := range r.Ops {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]byte, 0, len(ids))
	for _, id := range ids {
		op := r.Ops[id]
		if !op.Tombstone {
			out = append(out, op.Char...)
		}
	}
	return string(out)
}

// mergeRGA unions the op sets from both sides; a tombstone on either side
// wins (observed-remove), since once an op exists as removed it should stay
// removed regardless of merge order.
func mergeRGA(existing, incoming []byte) ([]byte, error) {
	a := NewRGA()
	b := NewRGA()
	if existing != nil {
		if err := a.Unmarshal(existing); err != nil {
			return nil, err
		}
	}
	if err := b.Unmarshal(incoming); err != nil {
		return nil, err
	}

	merged := NewRGA()
	for id, op := range a.Ops {
		merged.Ops[id] = op
	}
	for id, op := range b.Ops {
		if existingOp, ok := merged.Ops[id]; ok {
			if op.Tombstone || existingOp.Tombstone {
				existingOp.Tombstone = true
				merged.Ops[id] = existingOp
			}
			continue
		}
		merged.Ops[id] = op
	}
	return merged.Marshal()
}
