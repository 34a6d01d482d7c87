package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"authcore/internal/client"
	"authcore/internal/config"
	"authcore/internal/model"
	redisrepo "authcore/internal/repository/redis"
)

func testGuardConfig() config.GuardConfig {
	return config.GuardConfig{
		IdentitySendCeiling: 3,
		OriginSendCeiling:   10,
		SendWindow:          time.Hour,
		LockoutThreshold:    3,
		LockoutDuration:     time.Hour,
	}
}

func newTestGuard(t *testing.T) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { rc.Close() })
	return New(redisrepo.NewAbuseCache(rc), nil, testGuardConfig()), mr
}

func TestAdmitSendIdentityCeiling(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()
	identity := "+15550001111"

	for i := 0; i < 3; i++ {
		adm, err := g.AdmitSend(ctx, identity, "198.51.100.1")
		if err != nil {
			t.Fatalf("AdmitSend %d: %v", i+1, err)
		}
		if !adm.Admitted {
			t.Fatalf("send %d rejected below ceiling", i+1)
		}
	}

	adm, err := g.AdmitSend(ctx, identity, "198.51.100.1")
	if err != nil {
		t.Fatalf("AdmitSend: %v", err)
	}
	if adm.Admitted {
		t.Fatal("4th send admitted past identity ceiling")
	}
	if adm.Axis != "identity" {
		t.Fatalf("rejection axis = %q, want identity", adm.Axis)
	}
	if adm.RetryAfter <= 0 {
		t.Fatal("no retry-after on rejection")
	}
}

func TestAdmitSendOriginCeiling(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()
	origin := "198.51.100.2"

	// Ten distinct identities exhaust the shared origin ceiling.
	identities := []string{
		"+15550000001", "+15550000002", "+15550000003", "+15550000004",
		"+15550000005", "+15550000006", "+15550000007", "+15550000008",
		"+15550000009", "+15550000010",
	}
	for i, identity := range identities {
		adm, err := g.AdmitSend(ctx, identity, origin)
		if err != nil {
			t.Fatalf("AdmitSend %d: %v", i+1, err)
		}
		if !adm.Admitted {
			t.Fatalf("send %d rejected below origin ceiling", i+1)
		}
	}

	adm, err := g.AdmitSend(ctx, "+15550000011", origin)
	if err != nil {
		t.Fatalf("AdmitSend: %v", err)
	}
	if adm.Admitted {
		t.Fatal("11th send admitted past origin ceiling")
	}
	if adm.Axis != "origin" {
		t.Fatalf("rejection axis = %q, want origin", adm.Axis)
	}
}

func TestWindowRollover(t *testing.T) {
	g, mr := newTestGuard(t)
	ctx := context.Background()
	identity := "+15550002222"

	for i := 0; i < 3; i++ {
		if adm, err := g.AdmitSend(ctx, identity, "198.51.100.3"); err != nil || !adm.Admitted {
			t.Fatalf("warmup send %d: adm=%+v err=%v", i+1, adm, err)
		}
	}

	mr.FastForward(time.Hour + time.Second)

	adm, err := g.AdmitSend(ctx, identity, "198.51.100.3")
	if err != nil {
		t.Fatalf("AdmitSend after window: %v", err)
	}
	if !adm.Admitted {
		t.Fatal("send rejected after window rollover")
	}
}

func TestLockoutLifecycle(t *testing.T) {
	g, mr := newTestGuard(t)
	ctx := context.Background()
	identity := "+15550003333"

	lock, err := g.CheckLocked(ctx, identity)
	if err != nil {
		t.Fatalf("CheckLocked: %v", err)
	}
	if lock.Locked {
		t.Fatal("identity locked before any failure")
	}

	for i := 1; i <= 3; i++ {
		lockedNow, err := g.RegisterFailure(ctx, identity)
		if err != nil {
			t.Fatalf("RegisterFailure %d: %v", i, err)
		}
		if lockedNow != (i == 3) {
			t.Fatalf("failure %d lockedNow=%v", i, lockedNow)
		}
	}

	lock, err = g.CheckLocked(ctx, identity)
	if err != nil {
		t.Fatalf("CheckLocked: %v", err)
	}
	if !lock.Locked {
		t.Fatal("identity not locked after threshold")
	}
	until := time.Until(lock.Until)
	if until <= 59*time.Minute || until > time.Hour {
		t.Fatalf("lockout remaining %s, want about an hour", until)
	}

	mr.FastForward(time.Hour + time.Second)

	lock, err = g.CheckLocked(ctx, identity)
	if err != nil {
		t.Fatalf("CheckLocked: %v", err)
	}
	if lock.Locked {
		t.Fatal("lockout survived its duration")
	}
}

func TestResetClearsFailuresNotLockout(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()
	identity := "+15550004444"

	// Two failures, then a successful verify resets the counter.
	for i := 0; i < 2; i++ {
		if _, err := g.RegisterFailure(ctx, identity); err != nil {
			t.Fatalf("RegisterFailure: %v", err)
		}
	}
	if err := g.Reset(ctx, identity); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	// The counter starts over: two more failures do not lock.
	for i := 0; i < 2; i++ {
		lockedNow, err := g.RegisterFailure(ctx, identity)
		if err != nil {
			t.Fatalf("RegisterFailure: %v", err)
		}
		if lockedNow {
			t.Fatal("locked before threshold after reset")
		}
	}

	// Once locked, Reset must not unlock.
	if _, err := g.RegisterFailure(ctx, identity); err != nil {
		t.Fatalf("RegisterFailure: %v", err)
	}
	if err := g.Reset(ctx, identity); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	lock, err := g.CheckLocked(ctx, identity)
	if err != nil {
		t.Fatalf("CheckLocked: %v", err)
	}
	if !lock.Locked {
		t.Fatal("Reset cleared an active lockout")
	}
}

func TestConcurrentAdmitSendHoldsCeiling(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()
	identity := "+15550005555"

	const workers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			// Distinct origins keep the origin ceiling out of the way.
			adm, err := g.AdmitSend(ctx, identity, "198.51.100.1")
			if err != nil {
				t.Errorf("AdmitSend: %v", err)
				return
			}
			results <- adm.Admitted
		}(i)
	}
	close(start)
	wg.Wait()
	close(results)

	admitted := 0
	for ok := range results {
		if ok {
			admitted++
		}
	}
	if admitted != 3 {
		t.Fatalf("%d concurrent sends admitted, want exactly 3", admitted)
	}
}

// failingAbuseStore simulates an unreachable counter store.
type failingAbuseStore struct{}

var errDown = errors.New("connection refused")

func (failingAbuseStore) AdmitIdentity(context.Context, string, int, time.Duration) (bool, time.Duration, error) {
	return false, 0, errDown
}
func (failingAbuseStore) AdmitOrigin(context.Context, string, int, time.Duration) (bool, time.Duration, error) {
	return false, 0, errDown
}
func (failingAbuseStore) RegisterFailure(context.Context, string, int, time.Duration, time.Duration) (bool, error) {
	return false, errDown
}
func (failingAbuseStore) LockoutTTL(context.Context, string) (time.Duration, error) {
	return 0, errDown
}
func (failingAbuseStore) ResetFailures(context.Context, string) error { return errDown }

func TestGuardFailsOverToFallback(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { rc.Close() })

	fallback := redisrepo.NewAbuseCache(rc)
	g := New(failingAbuseStore{}, fallback, testGuardConfig())

	var degraded int
	g.OnDegrade(func(op string, err error) { degraded++ })

	adm, err := g.AdmitSend(context.Background(), "+15550006666", "198.51.100.9")
	if err != nil {
		t.Fatalf("AdmitSend in degraded mode: %v", err)
	}
	if !adm.Admitted {
		t.Fatal("send rejected in degraded mode")
	}
	if degraded == 0 {
		t.Fatal("degraded-mode hook never fired")
	}
}

func TestGuardNoFallbackSurfacesStorageUnavailable(t *testing.T) {
	g := New(failingAbuseStore{}, nil, testGuardConfig())

	_, err := g.AdmitSend(context.Background(), "+15550007777", "198.51.100.9")
	if !errors.Is(err, model.ErrStorageUnavailable) {
		t.Fatalf("AdmitSend = %v, want ErrStorageUnavailable", err)
	}
}
