// Package syncproto implements the sync handshake, protocol selector, and
// the family of sync strategies (component design §4.4-4.5) that run over
// an authenticated securestream.Session once two peers decide they need to
// reconcile a context.
package syncproto

// Handshake is exchanged by both peers before strategy selection. It
// carries enough summary information for the selector (§4.4) to pick a
// strategy without either side round-tripping the decision — each peer
// computes the same choice from its own handshake plus the one it
// received.
type Handshake struct {
	ProtocolVersion  uint32
	RootHash         [32]byte
	EntityCount      uint64
	MaxDepth         uint32
	Heads            [][32]byte
	AverageFanOut    float64
	SupportedStrategies []Strategy
}

// Supports reports whether h's speaker advertised support for s.
func (h *Handshake) Supports(s Strategy) bool {
	for _, c := range h.SupportedStrategies {
		if c == s {
			return true
		}
	}
	return false
}

// AllStrategies is the full capability set a fully up to date node
// advertises in its handshake.
var AllStrategies = []Strategy{
	StrategySnapshot,
	StrategyDeltaCatchup,
	StrategyHashComparison,
	StrategySubtreePrefetch,
	StrategyBloomFilter,
	StrategyLevelWise,
}
