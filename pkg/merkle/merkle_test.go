package merkle

import (
	"crypto/sha256"
	"testing"
)

func idOf(s string) ID {
	return ID(sha256.Sum256([]byte(s)))
}

func hashOf(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

func TestRootHashDeterministicRegardlessOfInsertOrder(t *testing.T) {
	a, b, c := idOf("a"), idOf("b"), idOf("c")

	idx1 := New()
	idx1.Put(a, ZeroID, hashOf("va"))
	idx1.Put(b, ZeroID, hashOf("vb"))
	idx1.Put(c, a, hashOf("vc"))

	idx2 := New()
	idx2.Put(c, a, hashOf("vc"))
	idx2.Put(b, ZeroID, hashOf("vb"))
	idx2.Put(a, ZeroID, hashOf("va"))

	if idx1.RootHash() != idx2.RootHash() {
		t.Fatalf("expected root hash to be independent of insertion order")
	}
}

func TestChildChangePropagatesToRoot(t *testing.T) {
	a, c := idOf("a"), idOf("c")

	idx := New()
	idx.Put(a, ZeroID, hashOf("va"))
	idx.Put(c, a, hashOf("vc"))
	before := idx.RootHash()

	idx.Put(c, a, hashOf("vc-changed"))
	after := idx.RootHash()

	if before == after {
		t.Fatalf("expected a descendant change to alter the root hash")
	}
}

func TestEmptyIndexHasZeroRootHash(t *testing.T) {
	idx := New()
	var zero [32]byte
	if idx.RootHash() != zero {
		t.Fatalf("expected empty index to report the zero root hash")
	}
}

func TestNodeReturnsChildSummaries(t *testing.T) {
	a, b, c := idOf("a"), idOf("b"), idOf("c")
	idx := New()
	idx.Put(a, ZeroID, hashOf("va"))
	idx.Put(b, a, hashOf("vb"))
	idx.Put(c, a, hashOf("vc"))

	own, children, err := idx.Node(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	var zero [32]byte
	if own == zero {
		t.Fatalf("expected non-zero own hash for node with children")
	}
}

func TestNodeNotFound(t *testing.T) {
	idx := New()
	if _, _, err := idx.Node(idOf("missing")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveDetachesAndRecomputesParent(t *testing.T) {
	a, b := idOf("a"), idOf("b")
	idx := New()
	idx.Put(a, ZeroID, hashOf("va"))
	idx.Put(b, a, hashOf("vb"))
	withChild := idx.RootHash()

	idx.Remove(b)
	withoutChild := idx.RootHash()

	if withChild == withoutChild {
		t.Fatalf("expected removing a child to change the root hash")
	}
	children := idx.Children(a)
	if len(children) != 0 {
		t.Fatalf("expected no children after remove, got %d", len(children))
	}
}
