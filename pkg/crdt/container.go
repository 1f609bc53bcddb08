package crdt

import "encoding/json"

// Container is the structural payload shared by UnorderedMap, UnorderedSet,
// and Vector entities: per component design 4.3 these types are decomposed
// into child entities per key/element; the container entity itself only
// carries structural metadata (the set of live child ids) and merges that
// metadata via LWW, while each child merges independently per its own
// crdt_type elsewhere in the entity tree.
type Container struct {
	// ChildIDs maps a stable child key (map key, set element hash, or
	// vector index token) to the 32-byte hex entity id of the child.
	ChildIDs map[string]string `json:"child_ids"`
}

// NewContainer returns an empty Container.
func NewContainer() *Container { return &Container{ChildIDs: make(map[string]string)} }

func (c *Container) Type() Type { return TypeUnorderedMap } // structural tag only; UnorderedSet/Vector share this payload shape

func (c *Container) Marshal() ([]byte, error) { return json.Marshal(c) }

func (c *Container) Unmarshal(data []byte) error {
	c.ChildIDs = nil
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}
	if c.ChildIDs == nil {
		c.ChildIDs = make(map[string]string)
	}
	return nil
}

// mergeContainer merges container structural metadata with LWW semantics:
// the side with the later HLC determines the full ChildIDs map, since the
// structural edit (insert/remove a key) is itself a last-write-wins fact.
// Concurrent edits to different keys on each side both lose the keys the
// loser held that the winner didn't intentionally remove; this mirrors
// component design 4.3's "container itself uses LWW for structural
// metadata" rule, so the closed set of merge dispatch is not widened for
// child entities (those are merged by the caller recursing into their own
// crdt_type, not by this function).
func mergeContainer(existing, incoming []byte, meta Meta) ([]byte, error) {
	if !meta.Existing.Present {
		return incoming, nil
	}
	cmp := meta.Existing.HLC.Compare(meta.HLC)
	if cmp < 0 {
		return incoming, nil
	}
	if cmp > 0 {
		return existing, nil
	}
	for i := range meta.Existing.Author {
		if meta.Existing.Author[i] != meta.Author[i] {
			if meta.Existing.Author[i] > meta.Author[i] {
				return existing, nil
			}
			return incoming, nil
		}
	}
	return existing, nil
}
