package buffer

import (
	"fmt"
	"testing"
)

func TestEventRing_AppendAndSnapshot(t *testing.T) {
	ring := NewEventRing(4)

	ring.Append([]byte("a"))
	ring.Append([]byte("b"))

	snap := ring.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if string(snap[0]) != "a" || string(snap[1]) != "b" {
		t.Errorf("unexpected order: %q, %q", snap[0], snap[1])
	}
}

func TestEventRing_EvictsOldestWhenFull(t *testing.T) {
	ring := NewEventRing(3)

	for i := 0; i < 5; i++ {
		ring.Append([]byte(fmt.Sprintf("msg-%d", i)))
	}

	snap := ring.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	want := []string{"msg-2", "msg-3", "msg-4"}
	for i, w := range want {
		if string(snap[i]) != w {
			t.Errorf("entry %d: expected %q, got %q", i, w, snap[i])
		}
	}
}

func TestEventRing_CopiesInput(t *testing.T) {
	ring := NewEventRing(2)

	data := []byte("original")
	ring.Append(data)
	data[0] = 'X'

	snap := ring.Snapshot()
	if string(snap[0]) != "original" {
		t.Errorf("ring must keep its own copy, got %q", snap[0])
	}
}

func TestEventRing_Clear(t *testing.T) {
	ring := NewEventRing(2)
	ring.Append([]byte("a"))
	ring.Clear()

	if ring.Len() != 0 {
		t.Errorf("expected empty ring after Clear, got %d", ring.Len())
	}
}

func TestEventRing_ZeroCapacityDefaults(t *testing.T) {
	ring := NewEventRing(0)
	ring.Append([]byte("a"))
	if ring.Len() != 1 {
		t.Errorf("expected capacity floor of 1, got len %d", ring.Len())
	}
}
