package buffer

import "testing"

func TestRingBoundedOverwritesOldest(t *testing.T) {
	ring := NewRing[int](2)
	if ring.Add(1) || ring.Add(2) {
		t.Fatal("expected no overwrite while filling")
	}
	if !ring.Add(3) {
		t.Fatal("expected overwrite once full")
	}

	got := ring.List()
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("expected [2 3], got %v", got)
	}
}

func TestRingUnboundedGrowsAndKeepsOrder(t *testing.T) {
	ring := NewUnboundedRing[int](0)
	for i := 0; i < 100; i++ {
		if ring.Add(i) {
			t.Fatalf("unbounded ring overwrote at %d", i)
		}
	}
	if ring.Len() != 100 {
		t.Fatalf("expected 100 entries, got %d", ring.Len())
	}
	for i, value := range ring.List() {
		if value != i {
			t.Fatalf("index %d: expected %d, got %d", i, i, value)
		}
	}
}

func TestRingReuseAfterDrain(t *testing.T) {
	ring := NewUnboundedRing[int](4)
	for i := 0; i < 4; i++ {
		ring.Add(i)
	}
	ring.Drain()
	for i := 10; i < 30; i++ {
		ring.Add(i)
	}
	got := ring.List()
	if len(got) != 20 || got[0] != 10 || got[19] != 29 {
		t.Fatalf("unexpected contents after wrap and grow: %v", got)
	}
}

func TestRingDrainEmpties(t *testing.T) {
	ring := NewUnboundedRing[string](2)
	ring.Add("a")
	ring.Add("b")

	got := ring.Drain()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected [a b], got %v", got)
	}
	if ring.Len() != 0 {
		t.Fatalf("expected empty ring, got %d", ring.Len())
	}
	if again := ring.Drain(); again != nil {
		t.Fatalf("expected nil drain on empty ring, got %v", again)
	}
}

func TestRingLast(t *testing.T) {
	ring := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		ring.Add(i)
	}
	got := ring.Last(2)
	if len(got) != 2 || got[0] != 4 || got[1] != 5 {
		t.Fatalf("expected [4 5], got %v", got)
	}
	if all := ring.Last(0); len(all) != 3 || all[0] != 3 {
		t.Fatalf("expected all 3 entries, got %v", all)
	}
}

func TestRingNilSafe(t *testing.T) {
	var ring *Ring[int]
	if ring.Add(1) {
		t.Fatal("nil ring reported overwrite")
	}
	if ring.Len() != 0 || ring.List() != nil {
		t.Fatal("nil ring should be empty")
	}
	ring.Reset()
}
