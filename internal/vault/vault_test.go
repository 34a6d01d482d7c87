package vault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"authcore/internal/client"
	"authcore/internal/config"
	"authcore/internal/keys"
	"authcore/internal/model"
	redisrepo "authcore/internal/repository/redis"
)

type fakeGuard struct {
	mu        sync.Mutex
	failures  int
	threshold int
}

func (g *fakeGuard) RegisterFailure(ctx context.Context, identityKey string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	return g.failures >= g.threshold, nil
}

func testKeyProvider(t *testing.T) *keys.Provider {
	t.Helper()
	cfg := &config.Config{
		Environment: "development",
		Keys: config.KeysConfig{
			MasterSecret:  "test-master-secret",
			ActiveKeyID:   "k1",
			RetiredKeyIDs: []string{"k0"},
		},
	}
	provider, err := keys.NewProvider(cfg, nil)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return provider
}

func testOTPConfig() config.OTPConfig {
	return config.OTPConfig{
		Digits:        6,
		TTL:           5 * time.Minute,
		MaxAttempts:   3,
		ReissueWindow: time.Minute,
	}
}

func newTestVault(t *testing.T) (*Vault, *fakeGuard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { rc.Close() })

	g := &fakeGuard{threshold: 3}
	v := New(redisrepo.NewChallengeCache(rc), nil, testKeyProvider(t), g, testOTPConfig())
	return v, g, mr
}

func TestIssueAndVerify(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()
	identity := "+15550001111"

	handle, err := v.Issue(ctx, identity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(handle.Code) != 6 {
		t.Fatalf("code %q is not 6 digits", handle.Code)
	}
	for _, r := range handle.Code {
		if r < '0' || r > '9' {
			t.Fatalf("code %q contains non-digit", handle.Code)
		}
	}

	outcome, err := v.Verify(ctx, identity, handle.Code)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome.Status != model.VerifyValid {
		t.Fatalf("Verify = %s, want valid", outcome.Status)
	}

	// The challenge is single-use.
	outcome, err = v.Verify(ctx, identity, handle.Code)
	if err != nil {
		t.Fatalf("second Verify: %v", err)
	}
	if outcome.Status != model.VerifyNotFound {
		t.Fatalf("second Verify = %s, want not_found", outcome.Status)
	}
}

func TestVerifyWrongCodeBurnsAttempts(t *testing.T) {
	v, g, _ := newTestVault(t)
	ctx := context.Background()
	identity := "+15550002222"

	handle, err := v.Issue(ctx, identity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	wrong := "000000"
	if wrong == handle.Code {
		wrong = "000001"
	}

	for want := 2; want >= 0; want-- {
		outcome, err := v.Verify(ctx, identity, wrong)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if outcome.Status != model.VerifyInvalid {
			t.Fatalf("Verify = %s, want invalid", outcome.Status)
		}
		if outcome.RemainingAttempts != want {
			t.Fatalf("remaining attempts = %d, want %d", outcome.RemainingAttempts, want)
		}
	}

	if g.failures != 3 {
		t.Fatalf("guard saw %d failures, want 3", g.failures)
	}

	// The budget is burned: even the right code no longer works.
	outcome, err := v.Verify(ctx, identity, handle.Code)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome.Status != model.VerifyNotFound {
		t.Fatalf("Verify after exhausted budget = %s, want not_found", outcome.Status)
	}
}

func TestVerifyThresholdReached(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()
	identity := "+15550003333"

	if _, err := v.Issue(ctx, identity); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var last model.VerifyOutcome
	for i := 0; i < 3; i++ {
		outcome, err := v.Verify(ctx, identity, "999999")
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if i < 2 && outcome.ThresholdReached {
			t.Fatalf("threshold reported on failure %d", i+1)
		}
		last = outcome
	}
	if !last.ThresholdReached {
		t.Fatal("3rd failure did not report threshold reached")
	}
}

func TestVerifyExpiredCode(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { rc.Close() })

	cfg := testOTPConfig()
	cfg.TTL = 10 * time.Millisecond
	g := &fakeGuard{threshold: 3}
	v := New(redisrepo.NewChallengeCache(rc), nil, testKeyProvider(t), g, cfg)

	ctx := context.Background()
	identity := "+15550004444"

	handle, err := v.Issue(ctx, identity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	outcome, err := v.Verify(ctx, identity, handle.Code)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome.Status != model.VerifyExpired {
		t.Fatalf("Verify past TTL = %s, want expired", outcome.Status)
	}
}

func TestVerifyUnknownIdentity(t *testing.T) {
	v, _, _ := newTestVault(t)

	outcome, err := v.Verify(context.Background(), "+15559999999", "123456")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome.Status != model.VerifyNotFound {
		t.Fatalf("Verify = %s, want not_found", outcome.Status)
	}
}

func TestIssueRejectsEarlyReissue(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()
	identity := "+15550005550"

	if _, err := v.Issue(ctx, identity); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// The challenge has almost its full 5 minutes left; reissue opens only
	// inside the final minute.
	_, err := v.Issue(ctx, identity)
	var active *ActiveChallengeError
	if !errors.As(err, &active) {
		t.Fatalf("immediate reissue = %v, want ActiveChallengeError", err)
	}
	if active.Remaining <= 4*time.Minute || active.Remaining > 5*time.Minute {
		t.Fatalf("remaining %s out of range", active.Remaining)
	}
	if active.RetryIn <= 3*time.Minute || active.RetryIn > 4*time.Minute {
		t.Fatalf("retry-in %s out of range", active.RetryIn)
	}
}

func TestReissueReplacesCode(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { rc.Close() })

	// The reissue window spans the whole validity here, so the second issue
	// is admitted; the gate itself is tested separately.
	cfg := testOTPConfig()
	cfg.ReissueWindow = cfg.TTL
	g := &fakeGuard{threshold: 3}
	v := New(redisrepo.NewChallengeCache(rc), nil, testKeyProvider(t), g, cfg)

	ctx := context.Background()
	identity := "+15550005555"

	first, err := v.Issue(ctx, identity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	second, err := v.Issue(ctx, identity)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}

	if first.Code == second.Code {
		t.Skip("codes collided; astronomically unlikely but not a bug")
	}

	outcome, err := v.Verify(ctx, identity, first.Code)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome.Status != model.VerifyInvalid {
		t.Fatalf("old code = %s, want invalid", outcome.Status)
	}

	outcome, err = v.Verify(ctx, identity, second.Code)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome.Status != model.VerifyValid {
		t.Fatalf("new code = %s, want valid", outcome.Status)
	}
}

func TestConcurrentVerifySingleWinner(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()
	identity := "+15550006666"

	handle, err := v.Issue(ctx, identity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const workers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	outcomes := make(chan model.VerifyStatus, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			outcome, err := v.Verify(ctx, identity, handle.Code)
			if err != nil {
				t.Errorf("Verify: %v", err)
				return
			}
			outcomes <- outcome.Status
		}()
	}
	close(start)
	wg.Wait()
	close(outcomes)

	valid := 0
	for status := range outcomes {
		if status == model.VerifyValid {
			valid++
		}
	}
	if valid != 1 {
		t.Fatalf("%d concurrent verifies succeeded, want exactly 1", valid)
	}
}

func TestPeekRemainingValidity(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()
	identity := "+15550007777"

	if _, err := v.PeekRemainingValidity(ctx, identity); !errors.Is(err, model.ErrNoChallenge) {
		t.Fatalf("Peek with no challenge = %v, want ErrNoChallenge", err)
	}

	if _, err := v.Issue(ctx, identity); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	remaining, err := v.PeekRemainingValidity(ctx, identity)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if remaining <= 4*time.Minute || remaining > 5*time.Minute {
		t.Fatalf("remaining %s out of range", remaining)
	}
}

// failingStore simulates an unreachable primary store.
type failingStore struct{}

var errDown = errors.New("connection refused")

func (failingStore) Store(context.Context, *model.VerificationChallenge, bool) (int, error) {
	return 0, errDown
}
func (failingStore) Fetch(context.Context, string) (*model.VerificationChallenge, error) {
	return nil, errDown
}
func (failingStore) RegisterMismatch(context.Context, string, int) (int, error) { return 0, errDown }
func (failingStore) Consume(context.Context, string) (bool, error)              { return false, errDown }
func (failingStore) RemainingValidity(context.Context, string) (time.Duration, error) {
	return 0, errDown
}
func (failingStore) DeleteExpired(context.Context, string) error { return errDown }

func TestDegradedModeFailsOver(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { rc.Close() })

	g := &fakeGuard{threshold: 3}
	v := New(failingStore{}, redisrepo.NewChallengeCache(rc), testKeyProvider(t), g, testOTPConfig())

	var degraded int
	v.OnDegrade(func(op string, err error) { degraded++ })

	ctx := context.Background()
	identity := "+15550008888"

	handle, err := v.Issue(ctx, identity)
	if err != nil {
		t.Fatalf("Issue in degraded mode: %v", err)
	}
	outcome, err := v.Verify(ctx, identity, handle.Code)
	if err != nil {
		t.Fatalf("Verify in degraded mode: %v", err)
	}
	if outcome.Status != model.VerifyValid {
		t.Fatalf("Verify = %s, want valid", outcome.Status)
	}
	if degraded == 0 {
		t.Fatal("degraded-mode hook never fired")
	}
}

func TestNoFallbackSurfacesStorageUnavailable(t *testing.T) {
	g := &fakeGuard{threshold: 3}
	v := New(failingStore{}, nil, testKeyProvider(t), g, testOTPConfig())

	_, err := v.Issue(context.Background(), "+15550009999")
	if !errors.Is(err, model.ErrStorageUnavailable) {
		t.Fatalf("Issue = %v, want ErrStorageUnavailable", err)
	}
}
