package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/fetchrelay/backend/internal/errors"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fixedClock) {
	clock := &fixedClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New("fetch", Config{FailureThreshold: threshold, Cooldown: cooldown})
	b.now = clock.Now
	return b, clock
}

var errDownstream = errors.New("downstream failure")

func fail(ctx context.Context) error { return errDownstream }
func ok(ctx context.Context) error   { return nil }

func TestExecute_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errDownstream) {
			t.Fatalf("call %d: expected downstream error, got %v", i+1, err)
		}
		if b.State() != StateClosed {
			t.Fatalf("call %d: breaker should still be closed", i+1)
		}
	}

	b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 consecutive failures, got %s", b.State())
	}
}

func TestExecute_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	b.Execute(ctx, fail)
	b.Execute(ctx, fail)
	b.Execute(ctx, ok)
	b.Execute(ctx, fail)
	b.Execute(ctx, fail)

	if b.State() != StateClosed {
		t.Fatalf("interleaved success should reset the streak, got %s", b.State())
	}
}

func TestExecute_OpenFailsFastWithoutInvoking(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	invoked := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if invoked {
		t.Fatal("wrapped call must not run while the breaker is open")
	}
	if apperrors.Code(err) != apperrors.CodeDependencyUnavailable {
		t.Fatalf("expected DEPENDENCY_UNAVAILABLE, got %v", err)
	}
}

func TestExecute_ProbeAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	b.Execute(ctx, fail)
	clock.Advance(time.Minute)

	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("probe after cooldown should run, got %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("successful probe should close the breaker, got %s", b.State())
	}
}

func TestExecute_FailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	b.Execute(ctx, fail)
	clock.Advance(time.Minute)

	if err := b.Execute(ctx, fail); !errors.Is(err, errDownstream) {
		t.Fatalf("probe should run and return the downstream error, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("failed probe should reopen the breaker, got %s", b.State())
	}

	// cooldown restarted: still rejecting before it elapses again
	clock.Advance(30 * time.Second)
	err := b.Execute(ctx, ok)
	if apperrors.Code(err) != apperrors.CodeDependencyUnavailable {
		t.Fatalf("expected fail-fast during renewed cooldown, got %v", err)
	}
}

func TestExecute_CooldownNeverShrinksBelowConfigured(t *testing.T) {
	// a cooldown above the default cap must not be pulled down by it
	clock := &fixedClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New("fetch", Config{FailureThreshold: 1, Cooldown: 20 * time.Minute})
	b.now = clock.Now
	ctx := context.Background()

	b.Execute(ctx, fail)
	clock.Advance(20 * time.Minute)

	// failed probe backs off further, never below the configured cooldown
	if err := b.Execute(ctx, fail); !errors.Is(err, errDownstream) {
		t.Fatalf("probe should run after cooldown, got %v", err)
	}

	clock.Advance(15 * time.Minute)
	err := b.Execute(ctx, ok)
	if apperrors.Code(err) != apperrors.CodeDependencyUnavailable {
		t.Fatalf("expected fail-fast inside the configured cooldown, got %v", err)
	}

	clock.Advance(5 * time.Minute)
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("probe after the full cooldown should run, got %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("successful probe should close the breaker, got %s", b.State())
	}
}

func TestExecute_SingleProbeUnderConcurrency(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	b.Execute(ctx, fail)
	clock.Advance(time.Minute)

	probeStarted := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	invocations := 0

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Execute(ctx, func(ctx context.Context) error {
			mu.Lock()
			invocations++
			mu.Unlock()
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted

	// while the probe is in flight every other caller fails fast
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Execute(ctx, func(ctx context.Context) error {
				mu.Lock()
				invocations++
				mu.Unlock()
				return nil
			})
			if err == nil {
				t.Error("concurrent caller should be rejected while probe is in flight")
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if invocations != 1 {
		t.Fatalf("expected exactly one probe invocation, got %d", invocations)
	}
}

func TestRegistry_SharesBreakerPerDependency(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, Cooldown: time.Minute})

	if r.Get("fetch") != r.Get("fetch") {
		t.Fatal("same dependency should yield the same breaker")
	}
	if r.Get("fetch") == r.Get("delivery") {
		t.Fatal("different dependencies should have independent breakers")
	}

	r.Get("fetch").Execute(context.Background(), fail)
	if r.Get("fetch").State() != StateOpen {
		t.Fatal("fetch breaker should be open")
	}
	if r.Get("delivery").State() != StateClosed {
		t.Fatal("delivery breaker should be unaffected")
	}

	if got := len(r.Snapshots()); got != 2 {
		t.Fatalf("expected 2 snapshots, got %d", got)
	}
}
