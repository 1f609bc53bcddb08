package syncproto

import (
	"context"
	"fmt"

	"github.com/decube/meshcore/internal/entity"
	"github.com/decube/meshcore/pkg/crdt"
	"github.com/decube/meshcore/internal/securestream"
	"github.com/decube/meshcore/pkg/merkle"
)

type prefixRootsRequest struct{}

type prefixRootsResponse struct {
	Roots []merkle.ChildSummary
}

type subtreeRequest struct {
	ID merkle.ID
}

type subtreeResponse struct {
	Entities []*entity.Entity
}

// RunSubtreePrefetchResponder answers Phase 1 (top-level prefixes) and
// Phase 2 (whole differing subtrees) requests until the initiator sends
// tagDone.
func RunSubtreePrefetchResponder(ctx context.Context, sess *securestream.Session, store *entity.Store) error {
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
		case tagPrefixRequest:
			var roots []merkle.ChildSummary
			for _, r := range store.Roots() {
				oh, _, err := store.Node(r)
				if err != nil {
					return err
				}
				roots = append(roots, merkle.ChildSummary{ID: r, OwnHash: oh})
			}
			if err := sendTagged(ctx, sess, tagPrefixResponse, prefixRootsResponse{Roots: roots}); err != nil {
				return err
			}
		case tagSubtreeRequest:
			var req subtreeRequest
			if err := unmarshalBody(body, &req); err != nil {
				return err
			}
			entities, err := collectSubtree(ctx, store, req.ID)
			if err != nil {
				return err
			}
			if err := sendTagged(ctx, sess, tagSubtreeResponse, subtreeResponse{Entities: entities}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("syncproto: subtreeprefetch unexpected message kind %d", kind)
		}
	}
}

func collectSubtree(ctx context.Context, store *entity.Store, root merkle.ID) ([]*entity.Entity, error) {
	var out []*entity.Entity
	var walk func(id merkle.ID) error
	walk = func(id merkle.ID) error {
		e, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		if e != nil {
			out = append(out, e)
		}
		for _, c := range store.Children(id) {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return out, nil
}

// RunSubtreePrefetchInitiator runs the two-phase exchange of §4.5.4:
// Phase 1 learns the peer's top-level prefixes (store roots), Phase 2
// requests the entire subtree for each prefix whose own_hash differs
// from the local value, in one round trip per differing prefix.
func RunSubtreePrefetchInitiator(ctx context.Context, sess *securestream.Session, store *entity.Store, custom crdt.CustomMerger) (Result, error) {
	if err := sendTagged(ctx, sess, tagPrefixRequest, prefixRootsRequest{}); err != nil {
		return failed("subtreeprefetch: phase1 request: " + err.Error()), err
	}
	raw, err := sess.RecvMessage(ctx)
	if err != nil {
		return failed("subtreeprefetch: phase1 recv: " + err.Error()), err
	}
	kind, body, err := decodeTaggedMessage(raw)
	if err != nil || kind != tagPrefixResponse {
		return failed("subtreeprefetch: phase1 unexpected response"), fmt.Errorf("syncproto: phase1 unexpected response")
	}
	var phase1 prefixRootsResponse
	if err := unmarshalBody(body, &phase1); err != nil {
		return failed("subtreeprefetch: phase1 decode: " + err.Error()), err
	}

	localByID := make(map[merkle.ID][32]byte)
	for _, r := range store.Roots() {
		oh, _, err := store.Node(r)
		if err != nil {
			return failed("subtreeprefetch: local node: " + err.Error()), err
		}
		localByID[r] = oh
	}

	var differing []merkle.ID
	for _, remoteRoot := range phase1.Roots {
		if lh, ok := localByID[remoteRoot.ID]; !ok || lh != remoteRoot.OwnHash {
			differing = append(differing, remoteRoot.ID)
		}
	}

	applied := 0
	for _, prefix := range differing {
		if err := sendTagged(ctx, sess, tagSubtreeRequest, subtreeRequest{ID: prefix}); err != nil {
			return partial(applied), err
		}
		raw, err := sess.RecvMessage(ctx)
		if err != nil {
			return partial(applied), err
		}
		kind, body, err := decodeTaggedMessage(raw)
		if err != nil || kind != tagSubtreeResponse {
			return partial(applied), fmt.Errorf("syncproto: phase2 unexpected response")
		}
		var resp subtreeResponse
		if err := unmarshalBody(body, &resp); err != nil {
			return partial(applied), err
		}
		for _, e := range resp.Entities {
			ok, err := mergeApply(ctx, store, e, custom)
			if err != nil {
				return partial(applied), err
			}
			if ok {
				applied++
			}
		}
	}

	if err := sendTagged(ctx, sess, tagDone, struct{}{}); err != nil {
		return partial(applied), err
	}

	if len(differing) == 0 {
		return converged(), nil
	}
	return partial(applied), nil
}
