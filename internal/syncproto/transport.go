package syncproto

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/decube/meshcore/internal/securestream"
)

// sendJSON and recvJSON carry the sync-protocol's request/response
// messages over an already-authenticated securestream.Session. Unlike
// StateDelta/HashHeartbeat/Frame (component design §6), these messages
// never need a bit-exact encoding — nothing derives a content hash from
// their bytes — so the strategies use the same encoding/json idiom the
// gossip layer used for its anti-entropy and update messages.
func sendJSON(ctx context.Context, s *securestream.Session, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("syncproto: marshal: %w", err)
	}
	return s.SendMessage(ctx, b)
}

func recvJSON(ctx context.Context, s *securestream.Session, v any) error {
	b, err := s.RecvMessage(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("syncproto: unmarshal: %w", err)
	}
	return nil
}

// messageTag distinguishes request/response variants on strategies
// (HashComparison, SubtreePrefetch, LevelWise) whose exchanges aren't a
// fixed, strictly alternating sequence the way Snapshot's and
// DeltaCatchup's are — the responder loop needs to tell a node request
// from a "done" signal before it knows which struct to decode into.
type messageTag byte

const (
	tagNodeRequest messageTag = iota + 1
	tagNodeResponse
	tagEntityRequest
	tagEntityResponse
	tagDone
	tagPrefixRequest
	tagPrefixResponse
	tagSubtreeRequest
	tagSubtreeResponse
	tagLevelRequest
	tagLevelResponse
	tagStrategySelected
)

func sendTagged(ctx context.Context, s *securestream.Session, tag messageTag, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("syncproto: marshal: %w", err)
	}
	return s.SendMessage(ctx, append([]byte{byte(tag)}, body...))
}

func decodeTaggedMessage(raw []byte) (messageTag, []byte, error) {
	if len(raw) < 1 {
		return 0, nil, fmt.Errorf("syncproto: empty tagged message")
	}
	return messageTag(raw[0]), raw[1:], nil
}

func unmarshalBody(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("syncproto: unmarshal: %w", err)
	}
	return nil
}
