package delta

import (
	"testing"
	"time"

	"github.com/decube/meshcore/pkg/hlc"
	"github.com/stretchr/testify/require"
)

func author(b byte) [32]byte {
	var a [32]byte
	a[0] = b
	return a
}

func ts(physical uint64) hlc.Timestamp {
	return hlc.Timestamp{Physical: physical, Logical: 0}
}

func TestAppendLocalChainsOffHeads(t *testing.T) {
	d := NewDAG()

	d1 := d.AppendLocal(author(1), ts(10), []byte("a"), [32]byte{}, [24]byte{})
	require.Empty(t, d1.Parents)
	require.Equal(t, []ID{d1.ID}, d.Heads())

	d2 := d.AppendLocal(author(1), ts(20), []byte("b"), [32]byte{}, [24]byte{})
	require.Equal(t, []ID{d1.ID}, d2.Parents)
	require.Equal(t, []ID{d2.ID}, d.Heads())
}

func TestIngestBuffersOnMissingParent(t *testing.T) {
	d := NewDAG()

	orphan := New(author(1), ts(20), []ID{{0xff}}, []byte("b"), [32]byte{}, [24]byte{})
	status, err := d.Ingest(orphan)
	require.NoError(t, err)
	require.Equal(t, StatusBuffered, status)
	require.Empty(t, d.Heads())

	missing := d.MissingParents(orphan)
	require.Equal(t, []ID{{0xff}}, missing)
}

func TestIngestCascadesBufferedChildrenOnceParentArrives(t *testing.T) {
	d := NewDAG()

	root := New(author(1), ts(10), nil, []byte("root"), [32]byte{}, [24]byte{})
	child := New(author(1), ts(20), []ID{root.ID}, []byte("child"), [32]byte{}, [24]byte{})

	status, err := d.Ingest(child)
	require.NoError(t, err)
	require.Equal(t, StatusBuffered, status)

	status, err = d.Ingest(root)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, status)

	_, ok := d.Get(child.ID)
	require.True(t, ok, "child should have been cascaded into applied once its parent arrived")
	require.Equal(t, []ID{child.ID}, d.Heads())
}

func TestIngestIsIdempotent(t *testing.T) {
	d := NewDAG()
	nd := d.AppendLocal(author(1), ts(10), []byte("a"), [32]byte{}, [24]byte{})

	status, err := d.Ingest(nd)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, status)
	require.Equal(t, []ID{nd.ID}, d.Heads(), "re-ingesting an already-applied delta must not duplicate it as a head")
}

func TestIngestRejectsSelfParentCycle(t *testing.T) {
	d := NewDAG()
	nd := &Delta{Author: author(1), HLC: ts(10), Payload: []byte("x")}
	nd.ID = ComputeID(nd.Author, nd.HLC, nil, nd.Payload)
	nd.Parents = []ID{nd.ID}

	status, err := d.Ingest(nd)
	require.ErrorIs(t, err, ErrCycle)
	require.Equal(t, StatusRejected, status)
}

func TestPendingBufferEvictsOldestOnOverflow(t *testing.T) {
	d := NewDAG()
	d.pendingCap = 2
	fakeNow := time.Unix(0, 0)
	d.now = func() time.Time { return fakeNow }

	orphan := func(tag byte) *Delta {
		return New(author(tag), ts(uint64(tag)), []ID{{0xee, tag}}, []byte{tag}, [32]byte{}, [24]byte{})
	}

	first := orphan(1)
	fakeNow = fakeNow.Add(time.Second)
	second := orphan(2)
	fakeNow = fakeNow.Add(time.Second)
	third := orphan(3)

	_, _ = d.Ingest(first)
	_, _ = d.Ingest(second)
	_, _ = d.Ingest(third)

	require.Len(t, d.pending, 2)
	_, stillPending := d.pending[first.ID]
	require.False(t, stillPending, "oldest-by-arrival entry should have been evicted")
	_, secondPending := d.pending[second.ID]
	require.True(t, secondPending)
	_, thirdPending := d.pending[third.ID]
	require.True(t, thirdPending)
}

func TestSweepEvictsStalePendingEntries(t *testing.T) {
	d := NewDAG()
	fakeNow := time.Unix(0, 0)
	d.now = func() time.Time { return fakeNow }

	orphan := New(author(1), ts(1), []ID{{0xaa}}, []byte("x"), [32]byte{}, [24]byte{})
	_, _ = d.Ingest(orphan)
	require.Len(t, d.pending, 1)

	fakeNow = fakeNow.Add(defaultPendingTTL + time.Minute)
	d.Sweep()
	require.Empty(t, d.pending)
}

func TestHeadsOrderedDeterministically(t *testing.T) {
	d := NewDAG()
	a := New(author(1), ts(10), nil, []byte("a"), [32]byte{}, [24]byte{})
	b := New(author(2), ts(10), nil, []byte("b"), [32]byte{}, [24]byte{})
	_, _ = d.Ingest(a)
	_, _ = d.Ingest(b)

	heads := d.Heads()
	require.Len(t, heads, 2)
	require.True(t, lessID(heads[0], heads[1]) || heads[0] == heads[1])
}

func TestPathFromReturnsChainBetweenRootsAndTargets(t *testing.T) {
	d := NewDAG()
	root := d.AppendLocal(author(1), ts(10), []byte("root"), [32]byte{}, [24]byte{})
	mid := d.AppendLocal(author(1), ts(20), []byte("mid"), [32]byte{}, [24]byte{})
	tip := d.AppendLocal(author(1), ts(30), []byte("tip"), [32]byte{}, [24]byte{})

	path, err := d.PathFrom([]ID{root.ID}, []ID{tip.ID})
	require.NoError(t, err)
	require.Equal(t, []*Delta{mid, tip}, path)
}

func TestPathFromEmptyWhenRootsAlreadyAtTargets(t *testing.T) {
	d := NewDAG()
	root := d.AppendLocal(author(1), ts(10), []byte("root"), [32]byte{}, [24]byte{})

	path, err := d.PathFrom([]ID{root.ID}, []ID{root.ID})
	require.NoError(t, err)
	require.Empty(t, path)
}

func TestPathFromUnknownRootFails(t *testing.T) {
	d := NewDAG()
	tip := d.AppendLocal(author(1), ts(10), []byte("tip"), [32]byte{}, [24]byte{})

	_, err := d.PathFrom([]ID{{0x99}}, []ID{tip.ID})
	require.ErrorIs(t, err, ErrUnknownRoot)
}

func TestPruneDropsNonHeadHistoryAndBreaksPathFrom(t *testing.T) {
	d := NewDAG()
	root := d.AppendLocal(author(1), ts(10), []byte("root"), [32]byte{}, [24]byte{})
	tip := d.AppendLocal(author(1), ts(20), []byte("tip"), [32]byte{}, [24]byte{})

	d.Prune(ts(15))

	_, ok := d.Get(root.ID)
	require.False(t, ok, "root predates the watermark and is not a head, so it should be pruned")

	_, ok = d.Get(tip.ID)
	require.True(t, ok, "tip is the head and must survive pruning regardless of its own timestamp")

	_, err := d.PathFrom([]ID{root.ID}, []ID{tip.ID})
	require.ErrorIs(t, err, ErrPruned)
}

func TestApplicationOrderForSimultaneouslyApplicableDeltasIsHLCAuthorOrder(t *testing.T) {
	d := NewDAG()
	root := d.AppendLocal(author(1), ts(10), []byte("root"), [32]byte{}, [24]byte{})

	late := New(author(9), ts(20), []ID{root.ID}, []byte("late"), [32]byte{}, [24]byte{})
	early := New(author(1), ts(20), []ID{root.ID}, []byte("early"), [32]byte{}, [24]byte{})

	_, _ = d.Ingest(late)
	_, _ = d.Ingest(early)

	idx := map[ID]int{}
	for i, id := range d.appliedOrder {
		idx[id] = i
	}
	require.Less(t, idx[early.ID], idx[late.ID], "lower author id at equal HLC must apply first")
}
