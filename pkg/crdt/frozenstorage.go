package crdt

import "bytes"

// FrozenStorage is a content-addressed immutable blob: the first write for
// a given entity id wins; any later write claiming the same id MUST carry
// an identical payload, else the merge is rejected rather than silently
// resolved (the caller surfaces this as syncerr.Rejected, not as Fatal).
type FrozenStorage struct{}

// mergeFrozenStorage implements first-write-wins with a conflict check.
func mergeFrozenStorage(existing, incoming []byte) ([]byte, error) {
	if existing == nil {
		return incoming, nil
	}
	if !bytes.Equal(existing, incoming) {
		return nil, ErrFrozenConflict
	}
	return existing, nil
}
