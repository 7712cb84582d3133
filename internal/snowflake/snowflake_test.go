package snowflake

import (
	"sync"
	"testing"
	"time"
)

func TestGenerate_Monotonic(t *testing.T) {
	node, _ := NewNode(1)

	prev := node.Generate()
	for i := 0; i < 10000; i++ {
		next := node.Generate()
		if next <= prev {
			t.Fatalf("id not increasing: %d after %d", next, prev)
		}
		prev = next
	}
}

func TestGenerate_FrozenClockUsesSequence(t *testing.T) {
	frozen := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	node, _ := NewNodeWithClock(3, func() int64 { return frozen })

	a := node.Generate()
	b := node.Generate()

	if a.UnixMilli() != frozen || b.UnixMilli() != frozen {
		t.Fatalf("expected both ids to embed %d, got %d and %d", frozen, a.UnixMilli(), b.UnixMilli())
	}
	if b <= a {
		t.Fatalf("expected sequence tie-break, got %d then %d", a, b)
	}
}

func TestGenerate_ClockMovesBackwards(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	clock := ts
	node, _ := NewNodeWithClock(1, func() int64 { return clock })

	a := node.Generate()
	clock = ts - 500
	b := node.Generate()

	if b <= a {
		t.Fatalf("id went backwards with clock: %d then %d", a, b)
	}
}

func TestID_Time(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	node, _ := NewNodeWithClock(1, func() int64 { return at.UnixMilli() })

	id := node.Generate()
	if !id.Time().Equal(at.Truncate(time.Millisecond)) {
		t.Errorf("expected %v, got %v", at, id.Time())
	}
	if id.String() == "" {
		t.Error("expected non-empty string form")
	}
}

func TestGenerate_Concurrent(t *testing.T) {
	node, _ := NewNode(7)

	var mu sync.Mutex
	seen := make(map[ID]struct{})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				id := node.Generate()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 8000 {
		t.Errorf("expected 8000 unique ids, got %d", len(seen))
	}
}
