package bucketing

import (
	"sync"
	"testing"
)

func TestBucketsAreStable(t *testing.T) {
	m := NewManager(64, 16)

	for _, key := range []string{"user-a", "user-b", "+15550001111"} {
		first := m.UserBucket(key)
		for i := 0; i < 10; i++ {
			if got := m.UserBucket(key); got != first {
				t.Fatalf("UserBucket(%q) unstable: %d then %d", key, first, got)
			}
		}
	}
}

func TestBucketsInRange(t *testing.T) {
	m := NewManager(64, 16)

	keys := []string{"", "a", "user-1", "user-2", "+15550001111", "long-key-with-suffix-0123456789"}
	for _, key := range keys {
		if b := m.UserBucket(key); b < 0 || b >= 64 {
			t.Fatalf("UserBucket(%q) = %d out of range", key, b)
		}
		if b := m.EventBucket(key); b < 0 || b >= 16 {
			t.Fatalf("EventBucket(%q) = %d out of range", key, b)
		}
	}
}

func TestDefaultsApplied(t *testing.T) {
	m := NewManager(0, -1)
	if b := m.UserBucket("x"); b < 0 || b >= 64 {
		t.Fatalf("default user bucket %d out of range", b)
	}
	if b := m.EventBucket("x"); b < 0 || b >= 16 {
		t.Fatalf("default event bucket %d out of range", b)
	}
}

func TestConcurrentHashing(t *testing.T) {
	m := NewManager(64, 16)
	want := m.UserBucket("shared-key")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if got := m.UserBucket("shared-key"); got != want {
					t.Errorf("UserBucket = %d, want %d", got, want)
					return
				}
			}
		}()
	}
	wg.Wait()
}
