package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"linear", StrategyLinear, false},
		{"EXPONENTIAL", StrategyExponential, false},
		{"Fibonacci", StrategyFibonacci, false},
		{"quadratic", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDelayer_Exponential(t *testing.T) {
	d := newDelayer(Policy{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Strategy:     StrategyExponential,
	})

	assert.Equal(t, 1*time.Second, d.Delay(0))
	assert.Equal(t, 2*time.Second, d.Delay(1))
	assert.Equal(t, 4*time.Second, d.Delay(2))
	assert.Equal(t, 8*time.Second, d.Delay(3))
}

func TestDelayer_Linear(t *testing.T) {
	d := newDelayer(Policy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     60 * time.Second,
		Strategy:     StrategyLinear,
	})

	for attempt := 0; attempt < 5; attempt++ {
		assert.Equal(t, 500*time.Millisecond, d.Delay(attempt))
	}
}

func TestDelayer_Fibonacci(t *testing.T) {
	d := newDelayer(Policy{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Strategy:     StrategyFibonacci,
	})

	// initialDelay * fib(n+1): 1, 1, 2, 3, 5, 8
	want := []time.Duration{1, 1, 2, 3, 5, 8}
	for attempt, mult := range want {
		assert.Equal(t, mult*time.Second, d.Delay(attempt), "attempt %d", attempt)
	}
}

func TestDelayer_ClampToMaxDelay(t *testing.T) {
	d := newDelayer(Policy{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Strategy:     StrategyExponential,
	})

	// 2^3 = 8s exceeds the 5s cap and returns exactly MaxDelay.
	assert.Equal(t, 5*time.Second, d.Delay(3))
	assert.Equal(t, 5*time.Second, d.Delay(10))
	// Huge attempt numbers must not overflow.
	assert.Equal(t, 5*time.Second, d.Delay(70))
}

func TestDelayer_MonotonicWithoutJitter(t *testing.T) {
	for _, strategy := range []Strategy{StrategyExponential, StrategyFibonacci} {
		d := newDelayer(Policy{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     time.Minute,
			Strategy:     strategy,
		})
		prev := time.Duration(0)
		for attempt := 0; attempt < 20; attempt++ {
			cur := d.base(attempt)
			assert.GreaterOrEqual(t, cur, prev, "strategy %s attempt %d", strategy, attempt)
			prev = cur
		}
	}
}

func TestDelayer_JitterBounds(t *testing.T) {
	d := newDelayer(Policy{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Strategy:     StrategyLinear,
		Jitter:       0.5,
	})

	for i := 0; i < 200; i++ {
		delay := d.Delay(0)
		assert.GreaterOrEqual(t, delay, 500*time.Millisecond)
		assert.LessOrEqual(t, delay, 1500*time.Millisecond)
	}
}

func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Microsecond,
		MaxDelay:     time.Millisecond,
		Strategy:     StrategyExponential,
	}
}

func TestOrchestrator_AllSucceedFirstPass(t *testing.T) {
	o := New[int](fastPolicy(3))

	results, summary := o.Run(context.Background(), []int{1, 2, 3}, func(_ context.Context, _ int) error {
		return nil
	})

	require.Len(t, results, 3)
	for i, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, i+1, r.Payload)
		assert.Equal(t, 1, r.Attempts)
	}
	assert.Equal(t, 3, summary.TotalRetries)
	assert.Equal(t, 3, summary.SuccessfulRetries)
	assert.Equal(t, 0, summary.FailedRetries)
}

func TestOrchestrator_TerminalAfterMaxRetries(t *testing.T) {
	var failureCalls int
	o := New[string](fastPolicy(3),
		WithFailureCallback[string](func(_ string, _ error) { failureCalls++ }))

	attempts := 0
	results, summary := o.Run(context.Background(), []string{"doc"}, func(_ context.Context, _ string) error {
		attempts++
		return domain.ErrTimeout
	})

	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, 1, failureCalls)
	assert.Equal(t, 3, summary.FailedRetries)
	assert.Equal(t, 3, summary.ErrorTypes["timeout"])
}

func TestOrchestrator_EventualSuccess(t *testing.T) {
	o := New[string](fastPolicy(5))

	attempts := 0
	results, summary := o.Run(context.Background(), []string{"doc"}, func(_ context.Context, _ string) error {
		attempts++
		if attempts < 3 {
			return domain.ErrBrokerConnection
		}
		return nil
	})

	require.NoError(t, results[0].Err)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, 1, summary.SuccessfulRetries)
	assert.Equal(t, 2, summary.FailedRetries)
	assert.Positive(t, summary.AvgRetryDelay)
}

func TestOrchestrator_NonRetryablePredicate(t *testing.T) {
	var failed []string
	o := New[string](fastPolicy(5),
		WithRetryable[string](domain.IsRetryable),
		WithFailureCallback[string](func(p string, _ error) { failed = append(failed, p) }))

	attempts := 0
	results, _ := o.Run(context.Background(), []string{"doc"}, func(_ context.Context, _ string) error {
		attempts++
		return &domain.ValidationError{Messages: []string{"too short"}}
	})

	assert.Equal(t, 1, attempts, "non-retryable error must not be retried")
	require.Error(t, results[0].Err)
	require.Len(t, failed, 1)
	assert.Equal(t, "doc", failed[0])
}

func TestOrchestrator_FailingItemDoesNotBlockOthers(t *testing.T) {
	o := New[int](fastPolicy(2))

	results, _ := o.Run(context.Background(), []int{0, 1, 2}, func(_ context.Context, n int) error {
		if n == 1 {
			return errors.New("always fails")
		}
		return nil
	})

	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)
}

func TestOrchestrator_ResultsInInputOrder(t *testing.T) {
	o := New[int](fastPolicy(3))

	seen := map[int]int{}
	results, _ := o.Run(context.Background(), []int{10, 20, 30}, func(_ context.Context, n int) error {
		seen[n]++
		if n == 20 && seen[n] == 1 {
			return errors.New("transient")
		}
		return nil
	})

	require.Len(t, results, 3)
	assert.Equal(t, 10, results[0].Payload)
	assert.Equal(t, 20, results[1].Payload)
	assert.Equal(t, 30, results[2].Payload)
	assert.NoError(t, results[1].Err)
}

func TestOrchestrator_GlobalTimeout(t *testing.T) {
	policy := fastPolicy(100)
	policy.InitialDelay = 50 * time.Millisecond
	policy.MaxDelay = time.Second
	policy.GlobalTimeout = 60 * time.Millisecond
	o := New[string](policy)

	start := time.Now()
	results, _ := o.Run(context.Background(), []string{"doc"}, func(_ context.Context, _ string) error {
		return errors.New("always fails")
	})
	elapsed := time.Since(start)

	require.Error(t, results[0].Err)
	assert.ErrorIs(t, results[0].Err, domain.ErrDeadlineExceeded)
	// Bounded by the timeout plus one retry tick.
	assert.Less(t, elapsed, policy.GlobalTimeout+idleTick+50*time.Millisecond)
}

func TestOrchestrator_ContextCancellation(t *testing.T) {
	policy := fastPolicy(100)
	policy.InitialDelay = 20 * time.Millisecond
	o := New[string](policy)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	results, _ := o.Run(ctx, []string{"doc"}, func(_ context.Context, _ string) error {
		return errors.New("always fails")
	})

	require.Error(t, results[0].Err)
	assert.ErrorIs(t, results[0].Err, domain.ErrDeadlineExceeded)
}

func TestOrchestrator_EmptyInput(t *testing.T) {
	o := New[int](fastPolicy(3))
	results, summary := o.Run(context.Background(), nil, func(_ context.Context, _ int) error {
		t.Fatal("op must not be called")
		return nil
	})
	assert.Empty(t, results)
	assert.Equal(t, 0, summary.TotalRetries)
}

func TestOrchestrator_ZeroMaxRetries(t *testing.T) {
	o := New[int](fastPolicy(0))
	results, _ := o.Run(context.Background(), []int{1}, func(_ context.Context, _ int) error {
		t.Fatal("op must not be called")
		return nil
	})
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrNoAttempts)
	assert.Equal(t, 0, results[0].Attempts)
}

func TestOrchestrator_ProgressCallback(t *testing.T) {
	var successes, failures int
	o := New[int](fastPolicy(1),
		WithProgress[int](func(ok bool) {
			if ok {
				successes++
			} else {
				failures++
			}
		}))

	o.Run(context.Background(), []int{1, 2, 3}, func(_ context.Context, n int) error {
		if n == 2 {
			return errors.New("boom")
		}
		return nil
	})

	assert.Equal(t, 2, successes)
	assert.Equal(t, 1, failures)
}
