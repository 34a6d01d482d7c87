package service

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestUserIDIsDeterministic(t *testing.T) {
	a := UserID("+15550001111")
	b := UserID("+15550001111")
	if a != b {
		t.Fatalf("same identity mapped to %q and %q", a, b)
	}
	if a == UserID("+15550002222") {
		t.Fatal("different identities collided")
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Fatalf("UserID %q is not a uuid: %v", a, err)
	}
}

func TestErrorMessages(t *testing.T) {
	throttled := &ThrottledError{RetryAfter: 30 * time.Minute, Axis: "identity"}
	if throttled.Error() == "" {
		t.Fatal("empty throttled message")
	}

	locked := &LockedError{Until: time.Now().Add(time.Hour)}
	if locked.Error() == "" {
		t.Fatal("empty locked message")
	}
}
