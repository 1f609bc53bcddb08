package crdt

import "encoding/json"

// UserStorage is a per-author subtree: each author's slice of the payload
// is last-write-wins against only that same author's prior writes, so
// distinct authors never contend with each other.
type UserStorage struct {
	// ByAuthor maps author id (hex) to that author's serialized value plus
	// the HLC it was written at, so merge can compare per-author.
	ByAuthor map[string]UserStorageEntry `json:"by_author"`
}

type UserStorageEntry struct {
	Value []byte `json:"value"`
	HLC   uint64 `json:"hlc_physical"`
	HLCL  uint32 `json:"hlc_logical"`
}

// NewUserStorage returns an empty UserStorage.
func NewUserStorage() *UserStorage {
	return &UserStorage{ByAuthor: make(map[string]UserStorageEntry)}
}

func (u *UserStorage) Type() Type { return TypeUserStorage }

func (u *UserStorage) Marshal() ([]byte, error) { return json.Marshal(u) }

func (u *UserStorage) Unmarshal(data []byte) error {
	u.ByAuthor = nil
	if err := json.Unmarshal(data, u); err != nil {
		return err
	}
	if u.ByAuthor == nil {
		u.ByAuthor = make(map[string]UserStorageEntry)
	}
	return nil
}

// mergeUserStorage merges per-author, keeping the later HLC for each
// author independently; two distinct authors' writes never conflict.
func mergeUserStorage(existing, incoming []byte) ([]byte, error) {
	a := NewUserStorage()
	b := NewUserStorage()
	if existing != nil {
		if err := a.Unmarshal(existing); err != nil {
			return nil, err
		}
	}
	if err := b.Unmarshal(incoming); err != nil {
		return nil, err
	}

	merged := NewUserStorage()
	for author, entry := range a.ByAuthor {
		merged.ByAuthor[author] = entry
	}
	for author, entry := range b.ByAuthor {
		cur, ok := merged.ByAuthor[author]
		if !ok || entry.HLC > cur.HLC || (entry.HLC == cur.HLC && entry.HLCL > cur.HLCL) {
			merged.ByAuthor[author] = entry
		}
	}
	return merged.Marshal()
}
