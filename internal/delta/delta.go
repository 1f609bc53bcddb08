// Package delta implements the causal delta DAG: content-addressed update
// batches carrying causal parents and hybrid-logical timestamps, per
// component design 4.2.
package delta

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/decube/meshcore/pkg/hlc"
)

// ID is the 32-byte content hash of a delta's (author, hlc, parents, payload).
type ID [32]byte

// Delta is the unit of causal replication (data model §3).
type Delta struct {
	ID       ID
	Parents  []ID
	HLC      hlc.Timestamp
	Author   [32]byte
	RootHash [32]byte
	Payload  []byte
	Nonce    [24]byte
}

// ComputeID derives the content-addressed id from every field except the
// id itself and the nonce (nonce is encryption material, not causal
// identity, and RootHash is an observation, not an input — two authors
// producing the identical action at the identical HLC from the identical
// parents must collide, as required for idempotent re-application).
func ComputeID(author [32]byte, ts hlc.Timestamp, parents []ID, payload []byte) ID {
	h := sha256.New()
	h.Write(author[:])
	var hlcBuf [12]byte
	binary.LittleEndian.PutUint64(hlcBuf[0:8], ts.Physical)
	binary.LittleEndian.PutUint32(hlcBuf[8:12], ts.Logical)
	h.Write(hlcBuf[:])
	for _, p := range parents {
		h.Write(p[:])
	}
	h.Write(payload)
	var out ID
	copy(out[:], h.Sum(nil))
	return out
}

// New builds a Delta with a freshly computed id.
func New(author [32]byte, ts hlc.Timestamp, parents []ID, payload []byte, rootHash [32]byte, nonce [24]byte) *Delta {
	d := &Delta{
		Parents:  append([]ID{}, parents...),
		HLC:      ts,
		Author:   author,
		RootHash: rootHash,
		Payload:  payload,
		Nonce:    nonce,
	}
	d.ID = ComputeID(author, ts, d.Parents, payload)
	return d
}

// Less implements the (hlc, author-id) lexicographic application order used
// when multiple buffered deltas become applicable simultaneously.
func Less(a, b *Delta) bool {
	switch a.HLC.Compare(b.HLC) {
	case -1:
		return true
	case 1:
		return false
	}
	for i := range a.Author {
		if a.Author[i] != b.Author[i] {
			return a.Author[i] < b.Author[i]
		}
	}
	return false
}
