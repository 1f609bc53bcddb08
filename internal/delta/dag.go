package delta

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/decube/meshcore/pkg/hlc"
)

// Status is the outcome of ingesting a delta.
type Status int

const (
	StatusApplied Status = iota
	StatusBuffered
	StatusRejected
)

var (
	// ErrCycle is returned when a delta's parents would form a cycle —
	// implies forgery (data model §3: "the DAG is acyclic; cycles imply
	// forgery and are rejected").
	ErrCycle = errors.New("delta: cyclic parent reference")
	// ErrPruned is returned by PathFrom when the chain would need a delta
	// that has been pruned below the watermark.
	ErrPruned = errors.New("delta: history pruned, no path available")
	// ErrUnknownRoot is returned by PathFrom when a requested root id has
	// never been applied locally.
	ErrUnknownRoot = errors.New("delta: unknown root delta")
)

const defaultPendingCap = 100
const defaultPendingTTL = 5 * time.Minute

type pendingEntry struct {
	delta   *Delta
	arrived time.Time
}

// DAG is the in-memory (and, via a caller-supplied persistence hook,
// persisted) causal delta graph for one context. It is not itself
// concurrency-safe against the entity store — callers serialize writes via
// the context_mutex described in the concurrency model; DAG's own mutex
// only protects its internal maps from concurrent reads/writes to DAG
// methods themselves.
type DAG struct {
	mu sync.Mutex

	applied      map[ID]*Delta
	appliedOrder []ID // topological: parents always precede children

	heads map[ID]struct{}

	pending      map[ID]*pendingEntry
	pendingOrder []ID // FIFO, oldest first
	pendingCap   int
	pendingTTL   time.Duration

	pruneWatermark hlc.Timestamp
	pruned         bool

	now func() time.Time
}

// NewDAG returns an empty DAG (a fresh replica with no genesis delta yet).
func NewDAG() *DAG {
	return &DAG{
		applied:    make(map[ID]*Delta),
		heads:      make(map[ID]struct{}),
		pending:    make(map[ID]*pendingEntry),
		pendingCap: defaultPendingCap,
		pendingTTL: defaultPendingTTL,
		now:        time.Now,
	}
}

// AppendLocal packages payload as a new delta whose parents are the
// current heads, applies it locally, and returns it ready for broadcast.
// rootHash is the Merkle root the caller observed after applying the
// delta's actions to the entity store; nonce is fresh encryption material
// for the outbound StateDelta.
func (d *DAG) AppendLocal(author [32]byte, ts hlc.Timestamp, payload []byte, rootHash [32]byte, nonce [24]byte) *Delta {
	d.mu.Lock()
	defer d.mu.Unlock()

	parents := d.headsLocked()
	nd := New(author, ts, parents, payload, rootHash, nonce)
	d.applyLocked(nd)
	return nd
}

// Ingest applies d if all parents are present, buffers it if some are
// missing, or rejects it if it would create a cycle.
func (d *DAG) Ingest(nd *Delta) (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.applied[nd.ID]; ok {
		return StatusApplied, nil // idempotent re-ingest, data model §3
	}
	for _, p := range nd.Parents {
		if p == nd.ID {
			return StatusRejected, ErrCycle
		}
	}

	missing := d.missingParentsLocked(nd)
	if len(missing) > 0 {
		d.bufferLocked(nd)
		return StatusBuffered, nil
	}

	d.applyLocked(nd)
	d.cascadePendingLocked()
	return StatusApplied, nil
}

func (d *DAG) missingParentsLocked(nd *Delta) []ID {
	var missing []ID
	for _, p := range nd.Parents {
		if _, ok := d.applied[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// MissingParents reports which of d's parents are not yet applied.
func (d *DAG) MissingParents(nd *Delta) []ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.missingParentsLocked(nd)
}

func (d *DAG) applyLocked(nd *Delta) {
	d.applied[nd.ID] = nd
	d.appliedOrder = append(d.appliedOrder, nd.ID)
	for _, p := range nd.Parents {
		delete(d.heads, p)
	}
	d.heads[nd.ID] = struct{}{}
	delete(d.pending, nd.ID)
}

// cascadePendingLocked repeatedly applies any pending delta whose parents
// have all become available, in (hlc, author) order when several become
// applicable in the same pass, per the application-order rule in 4.2.
func (d *DAG) cascadePendingLocked() {
	for {
		var ready []*Delta
		for _, pe := range d.pending {
			if len(d.missingParentsLocked(pe.delta)) == 0 {
				ready = append(ready, pe.delta)
			}
		}
		if len(ready) == 0 {
			return
		}
		sort.Slice(ready, func(i, j int) bool { return Less(ready[i], ready[j]) })
		for _, nd := range ready {
			if _, ok := d.applied[nd.ID]; ok {
				continue
			}
			d.applyLocked(nd)
		}
		d.compactPendingOrderLocked()
	}
}

func (d *DAG) bufferLocked(nd *Delta) {
	if _, ok := d.pending[nd.ID]; ok {
		return
	}
	if len(d.pending) >= d.pendingCap {
		d.evictOldestPendingLocked()
	}
	d.pending[nd.ID] = &pendingEntry{delta: nd, arrived: d.now()}
	d.pendingOrder = append(d.pendingOrder, nd.ID)
}

// evictOldestPendingLocked drops the oldest-by-arrival pending delta when
// the buffer is full (Open Question i: resolved as FIFO eviction).
func (d *DAG) evictOldestPendingLocked() {
	for len(d.pendingOrder) > 0 {
		oldest := d.pendingOrder[0]
		d.pendingOrder = d.pendingOrder[1:]
		if _, ok := d.pending[oldest]; ok {
			delete(d.pending, oldest)
			return
		}
	}
}

func (d *DAG) compactPendingOrderLocked() {
	kept := d.pendingOrder[:0]
	for _, id := range d.pendingOrder {
		if _, ok := d.pending[id]; ok {
			kept = append(kept, id)
		}
	}
	d.pendingOrder = kept
}

// Sweep evicts pending entries older than the TTL (~5 minutes), to be
// called periodically by the context coordinator.
func (d *DAG) Sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.pendingTTL)
	for id, pe := range d.pending {
		if pe.arrived.Before(cutoff) {
			delete(d.pending, id)
		}
	}
	d.compactPendingOrderLocked()
}

// Heads returns the current set of applied deltas with no applied
// descendants, in deterministic (sorted) order.
func (d *DAG) Heads() []ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headsLocked()
}

func (d *DAG) headsLocked() []ID {
	out := make([]ID, 0, len(d.heads))
	for id := range d.heads {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i], out[j]) })
	return out
}

func lessID(a, b ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// PendingLen reports how many deltas are currently buffered awaiting
// missing parents.
func (d *DAG) PendingLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Get returns the applied delta for id, if any.
func (d *DAG) Get(id ID) (*Delta, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	nd, ok := d.applied[id]
	return nd, ok
}

// PathFrom returns the topological chain of deltas sufficient to take a
// peer whose heads are roots to targets. Fails with ErrPruned if the chain
// needs history pruned below the watermark, or ErrUnknownRoot if a root id
// was never applied here.
func (d *DAG) PathFrom(roots, targets []ID) ([]*Delta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, r := range roots {
		if _, ok := d.applied[r]; !ok {
			if d.pruned {
				return nil, ErrPruned
			}
			return nil, ErrUnknownRoot
		}
	}

	ancestorsOfRoots, err := d.closureLocked(roots)
	if err != nil {
		return nil, err
	}
	ancestorsOfTargets, err := d.closureLocked(targets)
	if err != nil {
		return nil, err
	}

	needed := make(map[ID]struct{})
	for id := range ancestorsOfTargets {
		if _, inRoots := ancestorsOfRoots[id]; !inRoots {
			needed[id] = struct{}{}
		}
	}

	var path []*Delta
	for _, id := range d.appliedOrder {
		if _, ok := needed[id]; ok {
			path = append(path, d.applied[id])
		}
	}
	return path, nil
}

// closureLocked returns the set of ids reachable by walking parent edges
// backward from seeds, including the seeds themselves.
func (d *DAG) closureLocked(seeds []ID) (map[ID]struct{}, error) {
	seen := make(map[ID]struct{})
	queue := append([]ID{}, seeds...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		nd, ok := d.applied[id]
		if !ok {
			if d.pruned {
				return nil, ErrPruned
			}
			continue // unknown id outside our history; treat as a boundary
		}
		seen[id] = struct{}{}
		queue = append(queue, nd.Parents...)
	}
	return seen, nil
}

// Prune removes applied deltas older than below. After pruning, a peer
// whose heads predate the watermark can no longer DeltaCatchup and must
// fall back to Snapshot sync.
func (d *DAG) Prune(below hlc.Timestamp) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.appliedOrder[:0]
	for _, id := range d.appliedOrder {
		nd := d.applied[id]
		if nd.HLC.Compare(below) < 0 {
			if _, isHead := d.heads[id]; !isHead {
				delete(d.applied, id)
				continue
			}
		}
		kept = append(kept, id)
	}
	d.appliedOrder = kept
	d.pruneWatermark = below
	d.pruned = true
}
