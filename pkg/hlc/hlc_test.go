package hlc

import "testing"

func TestClockMonotone(t *testing.T) {
	phys := uint64(1000)
	c := New(func() uint64 { return phys })

	a := c.Tick()
	b := c.Tick()
	if !a.Before(b) {
		t.Fatalf("expected %v before %v", a, b)
	}

	phys = 999 // clock regression must not move us backwards
	d := c.Tick()
	if !b.Before(d) {
		t.Fatalf("expected monotone tick under clock regression: %v then %v", b, d)
	}
}

func TestClockObserveAdvancesPastRemote(t *testing.T) {
	phys := uint64(1000)
	c := New(func() uint64 { return phys })
	_ = c.Tick()

	remote := Timestamp{Physical: 5000, Logical: 7}
	got := c.Observe(remote)
	if !got.After(remote) {
		t.Fatalf("expected observed tick %v to be after remote %v", got, remote)
	}
}

func TestCompare(t *testing.T) {
	a := Timestamp{Physical: 10, Logical: 1}
	b := Timestamp{Physical: 10, Logical: 2}
	c := Timestamp{Physical: 11, Logical: 0}

	if a.Compare(a) != 0 {
		t.Fatal("expected equal timestamps to compare 0")
	}
	if a.Compare(b) != -1 || b.Compare(a) != 1 {
		t.Fatal("expected logical tie-break ordering")
	}
	if b.Compare(c) != -1 {
		t.Fatal("expected physical to dominate logical")
	}
}
