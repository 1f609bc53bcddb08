package syncproto

import (
	"context"
	"fmt"

	"github.com/decube/meshcore/internal/entity"
	"github.com/decube/meshcore/pkg/crdt"
	"github.com/decube/meshcore/internal/securestream"
	"github.com/decube/meshcore/pkg/merkle"
)

// HashComparisonFanout bounds how many children a single node response
// carries (§4.5.3: "responses carry ≤ N children per message (N
// implementation-chosen, e.g., 64"); see DESIGN.md Open Question ii for
// why 64 was picked.
const HashComparisonFanout = 64

type hashNodeRequest struct {
	ID     merkle.ID
	Offset int
}

type hashNodeResponse struct {
	OwnHash  [32]byte
	Children []merkle.ChildSummary
	More     bool
	Found    bool
}

type hashEntityRequest struct {
	ID merkle.ID
}

type hashEntityResponse struct {
	Entity *entity.Entity
}

type hashDoneRequest struct{}

// nodeInfo reports own_hash and children for id, specially handling the
// virtual root (merkle.ZeroID) whose "children" are the store's top-level
// entities — the Index itself has no node for ZeroID.
func nodeInfo(store *entity.Store, id merkle.ID) (ownHash [32]byte, children []merkle.ChildSummary, found bool, err error) {
	if id == merkle.ZeroID {
		for _, r := range store.Roots() {
			oh, _, err := store.Node(r)
			if err != nil {
				return [32]byte{}, nil, false, err
			}
			children = append(children, merkle.ChildSummary{ID: r, OwnHash: oh})
		}
		return store.RootHash(), children, true, nil
	}
	oh, cs, err := store.Node(id)
	if err != nil {
		if err == merkle.ErrNotFound {
			return [32]byte{}, nil, false, nil
		}
		return [32]byte{}, nil, false, err
	}
	return oh, cs, true, nil
}

// RunHashComparisonResponder answers node and entity requests until the
// initiator sends hashDoneRequest. It never mutates local state.
func RunHashComparisonResponder(ctx context.Context, sess *securestream.Session, store *entity.Store) error {
	for {
		raw, err := sess.RecvMessage(ctx)
		if err != nil {
			return err
		}
		kind, body, err := decodeTaggedMessage(raw)
		if err != nil {
			return err
		}
		switch kind {
		case tagDone:
			return nil
		case tagNodeRequest:
			var req hashNodeRequest
			if err := unmarshalBody(body, &req); err != nil {
				return err
			}
			ownHash, children, found, err := nodeInfo(store, req.ID)
			if err != nil {
				return err
			}
			resp := hashNodeResponse{OwnHash: ownHash, Found: found}
			if req.Offset < len(children) {
				end := req.Offset + HashComparisonFanout
				if end > len(children) {
					end = len(children)
				}
				resp.Children = children[req.Offset:end]
				resp.More = end < len(children)
			}
			if err := sendTagged(ctx, sess, tagNodeResponse, resp); err != nil {
				return err
			}
		case tagEntityRequest:
			var req hashEntityRequest
			if err := unmarshalBody(body, &req); err != nil {
				return err
			}
			e, err := store.Get(ctx, req.ID)
			if err != nil {
				return err
			}
			if err := sendTagged(ctx, sess, tagEntityResponse, hashEntityResponse{Entity: e}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("syncproto: hashcomparison unexpected message kind %d", kind)
		}
	}
}

// RunHashComparisonInitiator walks the remote tree, recursing only into
// subtrees whose own_hash differs from the local value, and applies every
// differing leaf via CRDT merge dispatch (§4.3) — never by raw overwrite.
func RunHashComparisonInitiator(ctx context.Context, sess *securestream.Session, store *entity.Store, custom crdt.CustomMerger) (Result, error) {
	applied := 0
	var walk func(id merkle.ID) error
	walk = func(id merkle.ID) error {
		remoteOwnHash, remoteChildren, remoteFound, err := fetchNode(ctx, sess, id)
		if err != nil {
			return err
		}
		localOwnHash, localChildren, localFound, err := nodeInfo(store, id)
		if err != nil {
			return err
		}
		if remoteFound && localFound && remoteOwnHash == localOwnHash {
			return nil // subtree identical, prune recursion here
		}
		if !remoteFound {
			return nil // peer doesn't have this node either; nothing to pull
		}

		localByID := make(map[merkle.ID][32]byte, len(localChildren))
		for _, c := range localChildren {
			localByID[c.ID] = c.OwnHash
		}

		if id != merkle.ZeroID {
			// This node's own record differs (its payload, or its
			// structural metadata for a container type) — pull and merge
			// it regardless of whether it also has children, since a
			// container entity's own LWW metadata lives here too.
			e, err := fetchEntity(ctx, sess, id)
			if err != nil {
				return err
			}
			if e != nil {
				ok, err := mergeApply(ctx, store, e, custom)
				if err != nil {
					return err
				}
				if ok {
					applied++
				}
			}
		}

		for _, rc := range remoteChildren {
			if lh, ok := localByID[rc.ID]; ok && lh == rc.OwnHash {
				continue
			}
			if err := walk(rc.ID); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(merkle.ZeroID); err != nil {
		_ = sendTagged(ctx, sess, tagDone, hashDoneRequest{})
		return failed("hashcomparison: " + err.Error()), err
	}
	if err := sendTagged(ctx, sess, tagDone, hashDoneRequest{}); err != nil {
		return failed("hashcomparison: send done: " + err.Error()), err
	}

	if applied == 0 {
		return converged(), nil
	}
	return partial(applied), nil
}

// fetchNode requests all pages of id's children from the responder,
// transparently following More until exhausted.
func fetchNode(ctx context.Context, sess *securestream.Session, id merkle.ID) (ownHash [32]byte, children []merkle.ChildSummary, found bool, err error) {
	offset := 0
	for {
		if err := sendTagged(ctx, sess, tagNodeRequest, hashNodeRequest{ID: id, Offset: offset}); err != nil {
			return [32]byte{}, nil, false, err
		}
		raw, err := sess.RecvMessage(ctx)
		if err != nil {
			return [32]byte{}, nil, false, err
		}
		kind, body, err := decodeTaggedMessage(raw)
		if err != nil {
			return [32]byte{}, nil, false, err
		}
		if kind != tagNodeResponse {
			return [32]byte{}, nil, false, fmt.Errorf("syncproto: expected node response, got kind %d", kind)
		}
		var resp hashNodeResponse
		if err := unmarshalBody(body, &resp); err != nil {
			return [32]byte{}, nil, false, err
		}
		ownHash = resp.OwnHash
		found = resp.Found
		children = append(children, resp.Children...)
		offset += len(resp.Children)
		if !resp.More {
			return ownHash, children, found, nil
		}
	}
}

func fetchEntity(ctx context.Context, sess *securestream.Session, id merkle.ID) (*entity.Entity, error) {
	if err := sendTagged(ctx, sess, tagEntityRequest, hashEntityRequest{ID: id}); err != nil {
		return nil, err
	}
	raw, err := sess.RecvMessage(ctx)
	if err != nil {
		return nil, err
	}
	kind, body, err := decodeTaggedMessage(raw)
	if err != nil {
		return nil, err
	}
	if kind != tagEntityResponse {
		return nil, fmt.Errorf("syncproto: expected entity response, got kind %d", kind)
	}
	var resp hashEntityResponse
	if err := unmarshalBody(body, &resp); err != nil {
		return nil, err
	}
	return resp.Entity, nil
}
