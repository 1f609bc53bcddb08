// Package contextconfig exposes context membership: the capability the
// sync and broadcast layers consult to decide whether a peer is allowed to
// read or write a context's state at all (component design §6). This repo
// only needs a static, in-memory answer to that question; the on-chain
// contract that ultimately governs membership is out of scope here.
package contextconfig

import (
	"context"
	"sync"
)

// Provider answers membership queries for one or more contexts.
type Provider interface {
	IsMember(ctx context.Context, contextID [32]byte, peer [32]byte) (bool, error)
	Members(ctx context.Context, contextID [32]byte) ([][32]byte, error)
}

// Static is an in-memory Provider backed by a fixed member list per
// context, suitable for tests and for single-process deployments that
// configure membership up front rather than watching a contract.
type Static struct {
	mu      sync.RWMutex
	members map[[32]byte]map[[32]byte]struct{}
}

// NewStatic returns an empty Static provider.
func NewStatic() *Static {
	return &Static{members: make(map[[32]byte]map[[32]byte]struct{})}
}

// SetMembers replaces the member set for contextID.
func (s *Static) SetMembers(contextID [32]byte, peers [][32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[[32]byte]struct{}, len(peers))
	for _, p := range peers {
		set[p] = struct{}{}
	}
	s.members[contextID] = set
}

// AddMember adds a single peer to contextID's member set.
func (s *Static) AddMember(contextID [32]byte, peer [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.members[contextID]
	if !ok {
		set = make(map[[32]byte]struct{})
		s.members[contextID] = set
	}
	set[peer] = struct{}{}
}

func (s *Static) IsMember(_ context.Context, contextID [32]byte, peer [32]byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.members[contextID]
	if !ok {
		return false, nil
	}
	_, isMember := set[peer]
	return isMember, nil
}

func (s *Static) Members(_ context.Context, contextID [32]byte) ([][32]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.members[contextID]
	out := make([][32]byte, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out, nil
}
