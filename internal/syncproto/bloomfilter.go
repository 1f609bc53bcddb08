package syncproto

import (
	"context"
	"math"

	"github.com/decube/meshcore/internal/entity"
	"github.com/decube/meshcore/pkg/crdt"
	"github.com/decube/meshcore/internal/securestream"
	"github.com/spaolacci/murmur3"
)

// bloomFilter is a fixed-size bit set with k independent murmur3 hashes
// (seeded differently per slot), sized for a target false-positive rate
// at a given expected item count — the classic construction, chosen
// because murmur3 is already the pack's hash of choice for this kind of
// summary structure.
type bloomFilter struct {
	Bits []uint64
	M    uint32
	K    uint32
}

func newBloomFilter(expectedItems int, falsePositiveRate float64) *bloomFilter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	m := optimalM(expectedItems, falsePositiveRate)
	k := optimalK(expectedItems, m)
	words := (m + 63) / 64
	return &bloomFilter{Bits: make([]uint64, words), M: m, K: k}
}

func optimalM(n int, p float64) uint32 {
	m := math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	if m < 64 {
		m = 64
	}
	return uint32(m)
}

func optimalK(n int, m uint32) uint32 {
	k := math.Round(float64(m) / float64(n) * math.Ln2)
	if k < 1 {
		k = 1
	}
	return uint32(k)
}

func (b *bloomFilter) hashes(id [32]byte) (h1, h2 uint32) {
	sum := murmur3.Sum64(id[:])
	return uint32(sum), uint32(sum >> 32)
}

// Add inserts id using double hashing (h1 + i*h2) to derive k positions
// from two base hashes, avoiding k separate murmur3 passes.
func (b *bloomFilter) Add(id [32]byte) {
	h1, h2 := b.hashes(id)
	for i := uint32(0); i < b.K; i++ {
		pos := (h1 + i*h2) % b.M
		b.Bits[pos/64] |= 1 << (pos % 64)
	}
}

func (b *bloomFilter) MightContain(id [32]byte) bool {
	h1, h2 := b.hashes(id)
	for i := uint32(0); i < b.K; i++ {
		pos := (h1 + i*h2) % b.M
		if b.Bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// bloomFalsePositiveRate targets roughly 1% false positives at the
// expected entity count, trading a modestly larger filter for fewer
// over-sent leaves the initiator has to deduplicate.
const bloomFalsePositiveRate = 0.01

type bloomFilterMessage struct {
	Filter *bloomFilter
}

type bloomResponseMessage struct {
	// Leaves holds every local entity whose id the sender's filter did
	// not (or might not) contain — over-sending on a false positive is
	// allowed; the initiator dedups incoming leaves by id (§4.5.6).
	Leaves []*entity.Entity
}

// RunBloomFilterResponder receives the initiator's leaf-hash summary and
// replies with every local entity whose id it does not recognize.
func RunBloomFilterResponder(ctx context.Context, sess *securestream.Session, store *entity.Store) error {
	var msg bloomFilterMessage
	if err := recvJSON(ctx, sess, &msg); err != nil {
		return err
	}

	all, err := store.All(ctx)
	if err != nil {
		return err
	}

	var missing []*entity.Entity
	for _, e := range all {
		if msg.Filter == nil || !msg.Filter.MightContain(e.ID) {
			missing = append(missing, e)
		}
	}

	return sendJSON(ctx, sess, bloomResponseMessage{Leaves: missing})
}

// RunBloomFilterInitiator sends a Bloom summary of the local leaf-hash set
// and merges every entity the responder sends back, deduplicating by id
// in case the responder over-sent on a false positive (§4.5.6). Intended
// for large, rarely-divergent trees (selector condition 6).
func RunBloomFilterInitiator(ctx context.Context, sess *securestream.Session, store *entity.Store, custom crdt.CustomMerger) (Result, error) {
	all, err := store.All(ctx)
	if err != nil {
		return failed("bloomfilter: read local entities: " + err.Error()), err
	}

	filter := newBloomFilter(len(all), bloomFalsePositiveRate)
	for _, e := range all {
		filter.Add(e.ID)
	}

	if err := sendJSON(ctx, sess, bloomFilterMessage{Filter: filter}); err != nil {
		return failed("bloomfilter: send filter: " + err.Error()), err
	}

	var resp bloomResponseMessage
	if err := recvJSON(ctx, sess, &resp); err != nil {
		return failed("bloomfilter: recv response: " + err.Error()), err
	}

	seen := make(map[[32]byte]struct{}, len(resp.Leaves))
	applied := 0
	for _, e := range resp.Leaves {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		ok, err := mergeApply(ctx, store, e, custom)
		if err != nil {
			return partial(applied), err
		}
		if ok {
			applied++
		}
	}

	if applied == 0 {
		return converged(), nil
	}
	return partial(applied), nil
}
