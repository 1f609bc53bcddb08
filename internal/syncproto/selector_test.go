package syncproto

import "testing"

func TestSelectRootsEqualIsNone(t *testing.T) {
	got := Select(SelectorInput{RootsEqual: true, LocalHasNoState: true, DivergenceRatio: 1})
	if got != StrategyNone {
		t.Fatalf("want None, got %s", got)
	}
}

func TestSelectLocalHasNoStateIsSnapshotEvenWithOtherSignals(t *testing.T) {
	got := Select(SelectorInput{LocalHasNoState: true, DivergenceRatio: 0.9, MaxDepth: 10})
	if got != StrategySnapshot {
		t.Fatalf("want Snapshot, got %s", got)
	}
}

func TestSelectHeadsSubsetWithSmallMissingIsDeltaCatchup(t *testing.T) {
	got := Select(SelectorInput{LocalHeadsSubsetOfRemote: true, MissingDeltaCountSmall: true, DivergenceRatio: 0.9})
	if got != StrategyDeltaCatchup {
		t.Fatalf("want DeltaCatchup, got %s", got)
	}
}

func TestSelectHighDivergenceIsHashComparison(t *testing.T) {
	got := Select(SelectorInput{DivergenceRatio: 0.51})
	if got != StrategyHashComparison {
		t.Fatalf("want HashComparison, got %s", got)
	}
}

func TestSelectDeepTreeLowDivergenceIsSubtreePrefetch(t *testing.T) {
	got := Select(SelectorInput{MaxDepth: 4, DivergenceRatio: 0.1})
	if got != StrategySubtreePrefetch {
		t.Fatalf("want SubtreePrefetch, got %s", got)
	}
}

func TestSelectManyEntitiesTinyDivergenceIsBloomFilter(t *testing.T) {
	got := Select(SelectorInput{MaxDepth: 1, EntityCount: 51, DivergenceRatio: 0.05, AverageFanOut: 1})
	if got != StrategyBloomFilter {
		t.Fatalf("want BloomFilter, got %s", got)
	}
}

func TestSelectShallowWideTreeIsLevelWise(t *testing.T) {
	got := Select(SelectorInput{MaxDepth: 2, AverageFanOut: 11, DivergenceRatio: 0.9, EntityCount: 5})
	if got != StrategyLevelWise {
		t.Fatalf("want LevelWise, got %s", got)
	}
}

func TestSelectDefaultFallsBackToHashComparison(t *testing.T) {
	got := Select(SelectorInput{MaxDepth: 2, AverageFanOut: 1, DivergenceRatio: 0.3, EntityCount: 5})
	if got != StrategyHashComparison {
		t.Fatalf("want HashComparison default, got %s", got)
	}
}

func TestSelectConditionOrderFirstMatchWins(t *testing.T) {
	// entity_count > 50 and divergence < 10% (condition 6) would also
	// match, but max_depth > 3 and divergence < 20% (condition 5) comes
	// first in the table and must win.
	got := Select(SelectorInput{MaxDepth: 4, EntityCount: 100, DivergenceRatio: 0.05})
	if got != StrategySubtreePrefetch {
		t.Fatalf("want SubtreePrefetch (condition 5 precedes condition 6), got %s", got)
	}
}

func TestSelectFromHandshakesDerivesSubsetAndNoState(t *testing.T) {
	local := &Handshake{RootHash: [32]byte{1}, EntityCount: 0, Heads: nil}
	remote := &Handshake{RootHash: [32]byte{2}, EntityCount: 10, Heads: [][32]byte{{9}}}

	got := SelectFromHandshakes(local, remote, false, 0.9)
	if got != StrategySnapshot {
		t.Fatalf("want Snapshot for fresh local replica, got %s", got)
	}
}

func TestSelectFromHandshakesRootsEqual(t *testing.T) {
	h := &Handshake{RootHash: [32]byte{5}, Heads: [][32]byte{{1}}}
	got := SelectFromHandshakes(h, h, false, 0)
	if got != StrategyNone {
		t.Fatalf("want None when roots match, got %s", got)
	}
}
