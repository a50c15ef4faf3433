package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainEvents(r *Registry) []Event {
	var events []Event
	for {
		select {
		case e := <-r.Events():
			events = append(events, e)
		default:
			return events
		}
	}
}

func testRegistry(cfg Config) *Registry {
	r := NewRegistry(cfg)
	r.jitter = func() float64 { return 0 }
	return r
}

// ============================================================================
// ExecuteWithRetry Tests
// ============================================================================

func TestExecuteWithRetrySuccess(t *testing.T) {
	r := testRegistry(Config{})
	result, err := ExecuteWithRetry(context.Background(), r, "ep", "req-1",
		func(context.Context) (string, error) { return "ok", nil },
		Hooks[string]{})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	stats := r.State("ep").Snapshot()
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.CompletedRequests)
	assert.Equal(t, int64(0), stats.RateLimitHits)

	events := drainEvents(r)
	require.Len(t, events, 2)
	assert.Equal(t, EventSlotAcquired, events[0].Type)
	assert.Equal(t, EventSlotReleased, events[1].Type)
}

func TestExecuteWithRetryThenSuccess(t *testing.T) {
	r := testRegistry(Config{MaxRetries: 3, BaseDelay: time.Millisecond})

	calls := 0
	op := func(context.Context) (string, error) {
		calls++
		if calls <= 2 {
			return "", errors.New("Rate limit")
		}
		return "ok", nil
	}

	result, err := ExecuteWithRetry(context.Background(), r, "ep", "req-1", op, Hooks[string]{})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)

	stats := r.State("ep").Snapshot()
	assert.Equal(t, int64(2), stats.RetriedRequests)
	assert.Equal(t, int64(2), stats.RateLimitHits)

	events := drainEvents(r)
	counts := map[EventType]int{}
	for _, e := range events {
		counts[e.Type]++
	}
	assert.Equal(t, 2, counts[EventRateLimitHit])
	assert.Equal(t, 2, counts[EventRequestRetrying])
	assert.Equal(t, 1, counts[EventSlotAcquired])
	assert.Equal(t, 1, counts[EventSlotReleased])

	// slot:released is the last lifecycle event for the request.
	assert.Equal(t, EventSlotAcquired, events[0].Type)
	assert.Equal(t, EventSlotReleased, events[len(events)-1].Type)
}

func TestExecuteWithRetryExhausted(t *testing.T) {
	r := testRegistry(Config{MaxRetries: 2, BaseDelay: time.Millisecond})

	calls := 0
	op := func(context.Context) (string, error) {
		calls++
		return "", errors.New("429 too many requests")
	}

	_, err := ExecuteWithRetry(context.Background(), r, "ep", "req-1", op, Hooks[string]{})
	require.Error(t, err)

	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, "ep", rlErr.Key)
	assert.Equal(t, 3, rlErr.Attempts)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")

	stats := r.State("ep").Snapshot()
	assert.Equal(t, int64(3), stats.RateLimitHits)
	assert.Equal(t, int64(2), stats.RetriedRequests)
	assert.Equal(t, int64(1), stats.FailedRequests)
}

func TestExecuteWithRetryNonRateLimitErrorNotRetried(t *testing.T) {
	r := testRegistry(Config{MaxRetries: 5, BaseDelay: time.Millisecond})

	calls := 0
	boom := errors.New("connection refused")
	_, err := ExecuteWithRetry(context.Background(), r, "ep", "req-1",
		func(context.Context) (string, error) {
			calls++
			return "", boom
		}, Hooks[string]{})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(0), r.State("ep").Snapshot().RetriedRequests)
}

func TestExecuteWithRetryHookDetection(t *testing.T) {
	r := testRegistry(Config{MaxRetries: 1, BaseDelay: time.Millisecond})

	calls := 0
	op := func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "slow down", nil
		}
		return "ok", nil
	}
	hooks := Hooks[string]{
		IsRateLimited: func(res string) bool { return res == "slow down" },
	}

	result, err := ExecuteWithRetry(context.Background(), r, "ep", "req-1", op, hooks)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, calls)
}

func TestExecuteWithRetryHonorsRetryAfter(t *testing.T) {
	r := testRegistry(Config{MaxRetries: 1, BaseDelay: time.Millisecond})

	calls := 0
	op := func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("rate limit")
		}
		return "ok", nil
	}
	hooks := Hooks[string]{
		GetRetryAfter: func(string) time.Duration { return 100 * time.Millisecond },
	}

	start := time.Now()
	_, err := ExecuteWithRetry(context.Background(), r, "ep", "req-1", op, hooks)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond,
		"retry-after must win over the shorter backoff")
}

func TestExecuteWithRetryStatusHeaderDetection(t *testing.T) {
	r := testRegistry(Config{MaxRetries: 1, BaseDelay: time.Millisecond})

	calls := 0
	op := func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("bad gateway")
		}
		return "ok", nil
	}
	hooks := Hooks[string]{
		GetHeaders: func(string) map[string]string {
			if calls == 1 {
				return map[string]string{"status": "429"}
			}
			return nil
		},
	}

	result, err := ExecuteWithRetry(context.Background(), r, "ep", "req-1", op, hooks)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, calls, "429 status via headers triggers a retry")
}

func TestExecuteWithRetryCancellation(t *testing.T) {
	r := testRegistry(Config{InitialConcurrency: 1})
	st := r.State("ep")
	require.NoError(t, st.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := ExecuteWithRetry(ctx, r, "ep", "req-1",
			func(context.Context) (string, error) { return "never", nil },
			Hooks[string]{})
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled request did not wake promptly")
	}

	stats := st.Snapshot()
	assert.Equal(t, int64(1), stats.FailedRequests)
	assert.Equal(t, int64(0), stats.CompletedRequests)
	st.release()
}

func TestExecuteWithRetryConcurrencyCap(t *testing.T) {
	r := testRegistry(Config{InitialConcurrency: 3})

	var mu sync.Mutex
	active, maxActive := 0, 0
	op := func(context.Context) (int, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return 0, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_, err := ExecuteWithRetry(context.Background(), r, "ep", fmt.Sprintf("req-%d", i), op, Hooks[int]{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxActive, 3, "in-flight operations must respect the cap")
	assert.Equal(t, int64(10), r.State("ep").Snapshot().CompletedRequests)
}

// ============================================================================
// Registry Tests
// ============================================================================

func TestRegistrySharedState(t *testing.T) {
	r := testRegistry(Config{})
	assert.Same(t, r.State("ep"), r.State("ep"))
	assert.NotSame(t, r.State("ep"), r.State("other"))
}

func TestRegistryConfigure(t *testing.T) {
	r := testRegistry(Config{})
	r.Configure("ep", Config{InitialConcurrency: 2, MinConcurrency: 1})
	assert.Equal(t, 2, r.State("ep").MaxConcurrency())
}

func TestRegistryDispose(t *testing.T) {
	r := testRegistry(Config{})
	st := r.State("ep")

	require.NoError(t, st.acquire(context.Background()))
	assert.Error(t, r.Dispose("ep"), "dispose must refuse while a request is active")

	st.release()
	assert.NoError(t, r.Dispose("ep"))
	assert.NoError(t, r.Dispose("unknown"))
}

func TestBackoffDelayGrowth(t *testing.T) {
	cfg := Config{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
	cfg.applyDefaults()

	assert.Equal(t, 1*time.Millisecond, backoffDelay(cfg, 0, 0))
	assert.Equal(t, 2*time.Millisecond, backoffDelay(cfg, 1, 0))
	assert.Equal(t, 4*time.Millisecond, backoffDelay(cfg, 2, 0))
	assert.Equal(t, 4*time.Millisecond, backoffDelay(cfg, 3, 0), "capped at max delay")

	jittered := backoffDelay(Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterFactor: 0.5}, 0, 1.0)
	assert.Equal(t, 150*time.Millisecond, jittered)
}

func TestIsRateLimitMessage(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		expected bool
	}{
		{"empty", "", false},
		{"429 code", "unexpected status 429", true},
		{"rate limit lowercase", "rate limit exceeded", true},
		{"rate limit mixed case", "Rate Limit hit", true},
		{"too many requests", "Too Many Requests", true},
		{"unrelated", "connection reset by peer", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isRateLimitMessage(tt.message))
		})
	}
}
