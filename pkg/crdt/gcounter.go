package crdt

import "encoding/json"

// GCounter is a grow-only counter: payload is a map of author id (hex) to
// that author's monotonically increasing count; the value is the sum.
type GCounter struct {
	Counts map[string]uint64 `json:"counts"`
}

// NewGCounter returns an empty GCounter.
func NewGCounter() *GCounter {
	return &GCounter{Counts: make(map[string]uint64)}
}

func (c *GCounter) Type() Type { return TypeGCounter }

func (c *GCounter) Marshal() ([]byte, error) { return json.Marshal(c) }

func (c *GCounter) Unmarshal(data []byte) error {
	c.Counts = nil
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}
	if c.Counts == nil {
		c.Counts = make(map[string]uint64)
	}
	return nil
}

// Value returns the sum of all per-author counts.
func (c *GCounter) Value() uint64 {
	var total uint64
	for _, v := range c.Counts {
		total += v
	}
	return total
}

// Increment bumps this author's count by delta and returns the new total.
func (c *GCounter) Increment(author string, delta uint64) uint64 {
	if c.Counts == nil {
		c.Counts = make(map[string]uint64)
	}
	c.Counts[author] += delta
	return c.Counts[author]
}

// mergeGCounter computes the pointwise max across per-author counts, which
// is commutative, associative, and idempotent by construction.
func mergeGCounter(existing, incoming []byte) ([]byte, error) {
	a := NewGCounter()
	b := NewGCounter()
	if existing != nil {
		if err := a.Unmarshal(existing); err != nil {
			return nil, err
		}
	}
	if err := b.Unmarshal(incoming); err != nil {
		return nil, err
	}

	merged := NewGCounter()
	for author, v := range a.Counts {
		merged.Counts[author] = v
	}
	for author, v := range b.Counts {
		if v > merged.Counts[author] {
			merged.Counts[author] = v
		}
	}
	return merged.Marshal()
}
