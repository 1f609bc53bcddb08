package syncproto

import (
	"context"
	"fmt"

	"github.com/decube/meshcore/internal/entity"
	"github.com/decube/meshcore/pkg/crdt"
	"github.com/decube/meshcore/internal/securestream"
	"github.com/decube/meshcore/pkg/merkle"
)

type levelRequest struct {
	// ParentIDs is the set of ids whose direct children are wanted; a
	// single empty-valued entry of merkle.ZeroID means "level 1 — the
	// store's roots".
	ParentIDs []merkle.ID
}

type levelResponse struct {
	// Children maps each requested parent to its children's summaries, in
	// one message per level per Open Question iii (batch all differing
	// children for a level into a single round trip).
	Children map[merkle.ID][]merkle.ChildSummary
}

// RunLevelWiseResponder answers one levelRequest per level until the
// initiator sends tagDone. For shallow, wide trees this trades one large
// message per level for the many small round trips HashComparison would
// need (§4.5.5).
func RunLevelWiseResponder(ctx context.Context, sess *securestream.Session, store *entity.Store) error {
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
		case tagLevelRequest:
			var req levelRequest
			if err := unmarshalBody(body, &req); err != nil {
				return err
			}
			resp := levelResponse{Children: make(map[merkle.ID][]merkle.ChildSummary, len(req.ParentIDs))}
			for _, parent := range req.ParentIDs {
				var kids []merkle.ID
				if parent == merkle.ZeroID {
					kids = store.Roots()
				} else {
					kids = store.Children(parent)
				}
				var summaries []merkle.ChildSummary
				for _, k := range kids {
					oh, _, err := store.Node(k)
					if err != nil {
						return err
					}
					summaries = append(summaries, merkle.ChildSummary{ID: k, OwnHash: oh})
				}
				resp.Children[parent] = summaries
			}
			if err := sendTagged(ctx, sess, tagLevelResponse, resp); err != nil {
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
			return fmt.Errorf("syncproto: levelwise unexpected message kind %d", kind)
		}
	}
}

// RunLevelWiseInitiator walks the tree one level at a time: request all
// children of the current level's differing parents in a single message,
// diff against local state, and recurse into the next level only for
// parents whose own_hash disagreed (§4.5.5).
func RunLevelWiseInitiator(ctx context.Context, sess *securestream.Session, store *entity.Store, custom crdt.CustomMerger) (Result, error) {
	applied := 0
	level := []merkle.ID{merkle.ZeroID}

	for len(level) > 0 {
		if err := sendTagged(ctx, sess, tagLevelRequest, levelRequest{ParentIDs: level}); err != nil {
			return partial(applied), err
		}
		raw, err := sess.RecvMessage(ctx)
		if err != nil {
			return partial(applied), err
		}
		kind, body, err := decodeTaggedMessage(raw)
		if err != nil || kind != tagLevelResponse {
			return partial(applied), fmt.Errorf("syncproto: levelwise unexpected response")
		}
		var resp levelResponse
		if err := unmarshalBody(body, &resp); err != nil {
			return partial(applied), err
		}

		var next []merkle.ID
		for _, parent := range level {
			remoteChildren := resp.Children[parent]
			var localChildren []merkle.ID
			if parent == merkle.ZeroID {
				localChildren = store.Roots()
			} else {
				localChildren = store.Children(parent)
			}
			localByID := make(map[merkle.ID][32]byte, len(localChildren))
			for _, c := range localChildren {
				oh, _, err := store.Node(c)
				if err != nil {
					return partial(applied), err
				}
				localByID[c] = oh
			}

			for _, rc := range remoteChildren {
				if lh, ok := localByID[rc.ID]; ok && lh == rc.OwnHash {
					continue
				}
				// Own record differs (payload or, for a container,
				// structural metadata) — pull and merge it, then still
				// queue it for the next level in case it has children
				// of its own that also diverged.
				e, err := fetchEntity(ctx, sess, rc.ID)
				if err != nil {
					return partial(applied), err
				}
				if e != nil {
					ok, err := mergeApply(ctx, store, e, custom)
					if err != nil {
						return partial(applied), err
					}
					if ok {
						applied++
					}
				}
				next = append(next, rc.ID)
			}
		}
		level = next
	}

	if err := sendTagged(ctx, sess, tagDone, struct{}{}); err != nil {
		return partial(applied), err
	}
	if applied == 0 {
		return converged(), nil
	}
	return partial(applied), nil
}
