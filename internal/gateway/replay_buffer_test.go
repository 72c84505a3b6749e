package gateway

import (
	"strconv"
	"testing"
)

func TestReplayBuffer_After(t *testing.T) {
	rb := NewReplayBuffer(100)
	for i := int64(1); i <= 10; i++ {
		rb.Push(i, []byte(strconv.FormatInt(i, 10)))
	}

	got := rb.After(7)
	if len(got) != 3 {
		t.Fatalf("After(7): expected 3, got %d", len(got))
	}
	if string(got[0]) != "8" || string(got[2]) != "10" {
		t.Errorf("After(7) = %q", got)
	}
}

func TestReplayBuffer_Wraparound(t *testing.T) {
	rb := NewReplayBuffer(5)

	// Push 8 entries; the first 3 are evicted
	for i := int64(1); i <= 8; i++ {
		rb.Push(i, []byte(strconv.FormatInt(i, 10)))
	}
	if rb.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", rb.Len())
	}

	got := rb.After(0)
	if len(got) != 5 {
		t.Fatalf("After(0): expected 5, got %d", len(got))
	}
	if string(got[0]) != "4" || string(got[4]) != "8" {
		t.Errorf("oldest/newest = %s/%s, want 4/8", got[0], got[4])
	}
}

func TestReplayBuffer_Empty(t *testing.T) {
	if got := NewReplayBuffer(10).After(0); len(got) != 0 {
		t.Fatalf("empty buffer After should return 0, got %d", len(got))
	}
}
