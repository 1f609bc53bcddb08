package syncproto

// SelectorInput bundles the observations the decision table (§4.4) reads.
// Both peers compute it independently from the local state plus the
// handshake they received, so the selection itself never needs a
// round trip.
type SelectorInput struct {
	RootsEqual bool
	// LocalHasNoState is true for a replica with no entities at all for
	// the context yet (Invariant I5's "fresh" replica).
	LocalHasNoState bool
	// LocalHeadsSubsetOfRemote approximates "local heads ⊂ remote heads
	// (by observation)": every local head also appears in the remote
	// handshake's heads list, i.e. the remote is a strict extension.
	LocalHeadsSubsetOfRemote bool
	MissingDeltaCountSmall   bool
	// DivergenceRatio is the estimated fraction of differing top-level
	// entities between the two roots.
	DivergenceRatio float64
	MaxDepth        uint32
	EntityCount     uint64
	AverageFanOut   float64
}

// thresholds named so the decision table below reads like the spec's
// condition column instead of a wall of magic numbers.
const (
	highDivergence   = 0.50
	lowDivergence20  = 0.20
	lowDivergence10  = 0.10
	subtreeDepth     = 3
	bloomEntityCount = 50
	levelwiseDepth   = 2
	levelwiseFanOut  = 10
)

// Select implements the pure, first-match-wins decision table of
// component design §4.4.
func Select(in SelectorInput) Strategy {
	switch {
	case in.RootsEqual:
		return StrategyNone
	case in.LocalHasNoState:
		return StrategySnapshot
	case in.LocalHeadsSubsetOfRemote && in.MissingDeltaCountSmall:
		return StrategyDeltaCatchup
	case in.DivergenceRatio > highDivergence:
		return StrategyHashComparison
	case in.MaxDepth > subtreeDepth && in.DivergenceRatio < lowDivergence20:
		return StrategySubtreePrefetch
	case in.EntityCount > bloomEntityCount && in.DivergenceRatio < lowDivergence10:
		return StrategyBloomFilter
	case in.MaxDepth <= levelwiseDepth && in.AverageFanOut > levelwiseFanOut:
		return StrategyLevelWise
	default:
		return StrategyHashComparison
	}
}

// SelectFromHandshakes derives a SelectorInput from the local handshake
// (computed from the local store/DAG) and the remote peer's handshake,
// then runs Select. missingDeltaCountSmall and divergenceRatio are not
// derivable from the handshake alone in every case (the spec notes
// divergence is "estimated"), so callers that have a cheaper local
// estimate (e.g. from a prior round) pass it in directly.
func SelectFromHandshakes(local, remote *Handshake, missingDeltaCountSmall bool, divergenceRatio float64) Strategy {
	localHeads := make(map[[32]byte]struct{}, len(local.Heads))
	for _, h := range local.Heads {
		localHeads[h] = struct{}{}
	}
	remoteHeads := make(map[[32]byte]struct{}, len(remote.Heads))
	for _, h := range remote.Heads {
		remoteHeads[h] = struct{}{}
	}
	// Exact "local heads ⊂ remote heads" almost never holds once the
	// remote has moved its tip past what local last saw — a head is
	// replaced by its child as soon as one more delta lands. The spec
	// allows an approximation here ("by observation"): if any local head
	// is directly present among the remote's heads the replicas are
	// still at the same point, and otherwise we fall through to "local
	// strictly behind, by entity count, and not so far behind that a
	// handful of deltas won't cover it" — exactly the situation
	// DeltaCatchup exists for.
	subset := len(localHeads) > 0
	anyDirectHit := false
	for h := range localHeads {
		if _, ok := remoteHeads[h]; ok {
			anyDirectHit = true
			break
		}
	}
	if !anyDirectHit {
		subset = len(local.Heads) > 0 && local.EntityCount <= remote.EntityCount
	}

	in := SelectorInput{
		RootsEqual:               local.RootHash == remote.RootHash,
		LocalHasNoState:          local.EntityCount == 0 && len(local.Heads) == 0,
		LocalHeadsSubsetOfRemote: subset,
		MissingDeltaCountSmall:   missingDeltaCountSmall,
		DivergenceRatio:          divergenceRatio,
		MaxDepth:                 maxUint32(local.MaxDepth, remote.MaxDepth),
		EntityCount:              local.EntityCount,
		AverageFanOut:            local.AverageFanOut,
	}
	return Select(in)
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
