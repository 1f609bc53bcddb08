package crdt

import "encoding/json"

// PNCounter is two GCounters (positive, negative) composed, per component
// design 4.3: the visible value is pos.Value() - neg.Value().
type PNCounter struct {
	Pos map[string]uint64 `json:"pos"`
	Neg map[string]uint64 `json:"neg"`
}

// NewPNCounter returns an empty PNCounter.
func NewPNCounter() *PNCounter {
	return &PNCounter{Pos: make(map[string]uint64), Neg: make(map[string]uint64)}
}

func (c *PNCounter) Type() Type { return TypePNCounter }

func (c *PNCounter) Marshal() ([]byte, error) { return json.Marshal(c) }

func (c *PNCounter) Unmarshal(data []byte) error {
	c.Pos, c.Neg = nil, nil
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}
	if c.Pos == nil {
		c.Pos = make(map[string]uint64)
	}
	if c.Neg == nil {
		c.Neg = make(map[string]uint64)
	}
	return nil
}

// Value returns sum(Pos) - sum(Neg) as a signed total.
func (c *PNCounter) Value() int64 {
	var pos, neg int64
	for _, v := range c.Pos {
		pos += int64(v)
	}
	for _, v := range c.Neg {
		neg += int64(v)
	}
	return pos - neg
}

// Increment bumps this author's positive side.
func (c *PNCounter) Increment(author string, delta uint64) {
	if c.Pos == nil {
		c.Pos = make(map[string]uint64)
	}
	c.Pos[author] += delta
}

// Decrement bumps this author's negative side.
func (c *PNCounter) Decrement(author string, delta uint64) {
	if c.Neg == nil {
		c.Neg = make(map[string]uint64)
	}
	c.Neg[author] += delta
}

// mergePNCounter merges the two component counters independently, each via
// pointwise max, preserving PNCounter's own commutativity/idempotence.
func mergePNCounter(existing, incoming []byte) ([]byte, error) {
	a := NewPNCounter()
	b := NewPNCounter()
	if existing != nil {
		if err := a.Unmarshal(existing); err != nil {
			return nil, err
		}
	}
	if err := b.Unmarshal(incoming); err != nil {
		return nil, err
	}

	merged := NewPNCounter()
	for author, v := range a.Pos {
		merged.Pos[author] = v
	}
	for author, v := range b.Pos {
		if v > merged.Pos[author] {
			merged.Pos[author] = v
		}
	}
	for author, v := range a.Neg {
		merged.Neg[author] = v
	}
	for author, v := range b.Neg {
		if v > merged.Neg[author] {
			merged.Neg[author] = v
		}
	}
	return merged.Marshal()
}
