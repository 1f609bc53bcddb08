package crdt

import (
	"testing"

	"github.com/decube/meshcore/pkg/hlc"
	"github.com/stretchr/testify/require"
)

// Per testable properties (spec 8): for all built-in types,
// merge(a, merge(b,c)) == merge(merge(a,b), c) and merge(a,a) == a.

func TestGCounterAssociativeAndIdempotent(t *testing.T) {
	a := NewGCounter()
	a.Increment("alice", 3)
	b := NewGCounter()
	b.Increment("bob", 5)
	c := NewGCounter()
	c.Increment("carol", 7)

	ab, bc := marshalAll(t, a), marshalAll(t, b)
	cb := marshalAll(t, c)

	left, err := mergeGCounter(ab, bc)
	require.NoError(t, err)
	left, err = mergeGCounter(left, cb)
	require.NoError(t, err)

	right, err := mergeGCounter(bc, cb)
	require.NoError(t, err)
	right, err = mergeGCounter(ab, right)
	require.NoError(t, err)

	requireSameGCounterValue(t, left, right, 15)

	idem, err := mergeGCounter(ab, ab)
	require.NoError(t, err)
	requireSameGCounterValue(t, idem, ab, 3)
}

func requireSameGCounterValue(t *testing.T, a, b []byte, want uint64) {
	t.Helper()
	ga, gb := NewGCounter(), NewGCounter()
	require.NoError(t, ga.Unmarshal(a))
	require.NoError(t, gb.Unmarshal(b))
	require.Equal(t, want, ga.Value())
	require.Equal(t, want, gb.Value())
}

func marshalAll(t *testing.T, c *GCounter) []byte {
	t.Helper()
	data, err := c.Marshal()
	require.NoError(t, err)
	return data
}

func TestPNCounterAssociativeAndIdempotent(t *testing.T) {
	a := NewPNCounter()
	a.Increment("alice", 10)
	b := NewPNCounter()
	b.Decrement("bob", 4)
	c := NewPNCounter()
	c.Increment("carol", 2)

	ab, _ := a.Marshal()
	bb, _ := b.Marshal()
	cb, _ := c.Marshal()

	left, err := mergePNCounter(ab, bb)
	require.NoError(t, err)
	left, err = mergePNCounter(left, cb)
	require.NoError(t, err)

	right, err := mergePNCounter(bb, cb)
	require.NoError(t, err)
	right, err = mergePNCounter(ab, right)
	require.NoError(t, err)

	pl, pr := NewPNCounter(), NewPNCounter()
	require.NoError(t, pl.Unmarshal(left))
	require.NoError(t, pr.Unmarshal(right))
	require.Equal(t, int64(8), pl.Value())
	require.Equal(t, pl.Value(), pr.Value())

	idem, err := mergePNCounter(ab, ab)
	require.NoError(t, err)
	pi := NewPNCounter()
	require.NoError(t, pi.Unmarshal(idem))
	require.Equal(t, int64(10), pi.Value())
}

func TestLWWRegisterPicksLaterHLCAndIsIdempotent(t *testing.T) {
	older := Meta{
		HLC:      hlc.Timestamp{Physical: 100},
		Author:   author(1),
		Existing: ExistingMeta{Present: true, HLC: hlc.Timestamp{Physical: 50}, Author: author(2)},
	}
	got, err := mergeLWWRegister([]byte("old"), []byte("new"), older)
	require.NoError(t, err)
	require.Equal(t, "new", string(got))

	stale := Meta{
		HLC:      hlc.Timestamp{Physical: 10},
		Author:   author(1),
		Existing: ExistingMeta{Present: true, HLC: hlc.Timestamp{Physical: 50}, Author: author(2)},
	}
	got, err = mergeLWWRegister([]byte("old"), []byte("new"), stale)
	require.NoError(t, err)
	require.Equal(t, "old", string(got))

	// idempotent: merging a value against itself (same HLC/author) yields
	// the existing value unchanged.
	self := Meta{
		HLC:      hlc.Timestamp{Physical: 50},
		Author:   author(2),
		Existing: ExistingMeta{Present: true, HLC: hlc.Timestamp{Physical: 50}, Author: author(2)},
	}
	got, err = mergeLWWRegister([]byte("same"), []byte("same"), self)
	require.NoError(t, err)
	require.Equal(t, "same", string(got))
}

func TestRGAMergeUnionIsIdempotentAndTombstoneSticky(t *testing.T) {
	a := NewRGA()
	a.Insert("0001", "alice", hlc.Timestamp{Physical: 1}, "h")
	a.Insert("0002", "alice", hlc.Timestamp{Physical: 2}, "i")
	ab, _ := a.Marshal()

	b := NewRGA()
	b.Insert("0001", "alice", hlc.Timestamp{Physical: 1}, "h")
	b.Delete("0001")
	bb, _ := b.Marshal()

	merged, err := mergeRGA(ab, bb)
	require.NoError(t, err)
	r := NewRGA()
	require.NoError(t, r.Unmarshal(merged))
	require.Equal(t, "i", r.Render())

	idem, err := mergeRGA(merged, merged)
	require.NoError(t, err)
	require.Equal(t, merged, idem)
}

func TestFrozenStorageFirstWriteWinsRejectsConflict(t *testing.T) {
	got, err := mergeFrozenStorage(nil, []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))

	got, err = mergeFrozenStorage([]byte("payload"), []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))

	_, err = mergeFrozenStorage([]byte("payload"), []byte("different"))
	require.ErrorIs(t, err, ErrFrozenConflict)
}

func TestMergeDispatchUnknownType(t *testing.T) {
	_, err := Merge(Type("bogus"), nil, nil, Meta{}, nil)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestMergeDispatchCustomRequiresCallback(t *testing.T) {
	_, err := Merge(TypeCustom, nil, []byte("x"), Meta{}, nil)
	require.ErrorIs(t, err, ErrWasmRequired)
}

func author(b byte) [32]byte {
	var a [32]byte
	a[0] = b
	return a
}
