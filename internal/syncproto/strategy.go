package syncproto

import (
	"context"
	"fmt"

	"github.com/decube/meshcore/internal/entity"
	"github.com/decube/meshcore/internal/syncerr"
	"github.com/decube/meshcore/pkg/crdt"
)

// Strategy names one of the sync algorithms the selector can pick.
type Strategy int

const (
	// StrategyNone means the two peers are already converged.
	StrategyNone Strategy = iota
	StrategySnapshot
	StrategyDeltaCatchup
	StrategyHashComparison
	StrategySubtreePrefetch
	StrategyBloomFilter
	StrategyLevelWise
)

func (s Strategy) String() string {
	switch s {
	case StrategyNone:
		return "None"
	case StrategySnapshot:
		return "Snapshot"
	case StrategyDeltaCatchup:
		return "DeltaCatchup"
	case StrategyHashComparison:
		return "HashComparison"
	case StrategySubtreePrefetch:
		return "SubtreePrefetch"
	case StrategyBloomFilter:
		return "BloomFilter"
	case StrategyLevelWise:
		return "LevelWise"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// Outcome is the terminal state every strategy run settles into (§4.5).
type Outcome int

const (
	// Converged means the two roots are now equal.
	Converged Outcome = iota
	// PartialProgress means some deltas/entities were applied but another
	// pass is needed to fully converge.
	PartialProgress
	// FellBack means the strategy decided mid-run that a different
	// strategy would serve better; Suggested names it.
	FellBack
	// Failed means the round could not complete; the caller sees Reason.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Converged:
		return "Converged"
	case PartialProgress:
		return "PartialProgress"
	case FellBack:
		return "FellBack"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is what every strategy's Run returns. Exactly one of the fields
// relevant to Outcome is meaningful: Suggested for FellBack, Reason for
// Failed. AppliedCount and entity counts are informational, for logging
// and metrics, never load-bearing for correctness.
type Result struct {
	Outcome      Outcome
	Suggested    Strategy
	Reason       string
	AppliedCount int
}

func converged() Result { return Result{Outcome: Converged} }

func partial(applied int) Result {
	return Result{Outcome: PartialProgress, AppliedCount: applied}
}

func fellBack(suggested Strategy, reason string) Result {
	return Result{Outcome: FellBack, Suggested: suggested, Reason: reason}
}

func failed(reason string) Result {
	return Result{Outcome: Failed, Reason: reason}
}

// mergeApply lands e through store.MergeApply and reports whether it was
// actually applied. A Rejected-kind error (the tombstone reinsert gate, or
// an FWW rule) is a per-entity outcome per §7: it is swallowed here so the
// caller continues the round instead of aborting it; any other error still
// propagates and aborts.
func mergeApply(ctx context.Context, store *entity.Store, e *entity.Entity, custom crdt.CustomMerger) (bool, error) {
	if err := store.MergeApply(ctx, e, custom); err != nil {
		if syncerr.Is(err, syncerr.Rejected) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
