package retry

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// ErrNoAttempts marks items that could never be attempted because the
// policy allows zero retries.
var ErrNoAttempts = errors.New("retries exhausted before any attempt")

// idleTick bounds the sleep between eligibility passes so that a
// waiting orchestrator never busy-spins and never oversleeps a deadline
// by more than one tick.
const idleTick = 100 * time.Millisecond

// Policy configures an orchestrator.
type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Strategy      Strategy
	Jitter        float64 // fraction in [0, 1]
	GlobalTimeout time.Duration
}

// Result is the terminal outcome for one input item, in input order.
type Result[T any] struct {
	Payload  T
	Err      error // nil on success
	Attempts int
}

// Summary aggregates one Run.
type Summary struct {
	TotalRetries      int
	SuccessfulRetries int
	FailedRetries     int
	AvgRetryDelay     time.Duration
	ErrorTypes        map[string]int
}

// Orchestrator drives per-item retries. A failing item never blocks
// other items in the same pass, and terminal items are reported in the
// results rather than raised.
type Orchestrator[T any] struct {
	policy     Policy
	delayer    *delayer
	retryable  func(error) bool
	onFailure  func(payload T, err error)
	onProgress func(success bool)
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration)
}

// Option customizes an orchestrator.
type Option[T any] func(*Orchestrator[T])

// WithRetryable installs a predicate deciding whether an error may be
// retried. Returning false marks the item terminal immediately.
func WithRetryable[T any](fn func(error) bool) Option[T] {
	return func(o *Orchestrator[T]) { o.retryable = fn }
}

// WithFailureCallback installs a callback invoked once per terminal item.
func WithFailureCallback[T any](fn func(payload T, err error)) Option[T] {
	return func(o *Orchestrator[T]) { o.onFailure = fn }
}

// WithProgress installs a callback invoked once per settled item.
func WithProgress[T any](fn func(success bool)) Option[T] {
	return func(o *Orchestrator[T]) { o.onProgress = fn }
}

// New creates an orchestrator for the policy.
func New[T any](policy Policy, opts ...Option[T]) *Orchestrator[T] {
	o := &Orchestrator[T]{
		policy:  policy,
		delayer: newDelayer(policy),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Delay exposes the computed delay for a 0-based attempt number.
func (o *Orchestrator[T]) Delay(attempt int) time.Duration {
	return o.delayer.Delay(attempt)
}

type pendingItem[T any] struct {
	index int
	item  domain.BatchItem[T]
}

// Run attempts op for every input item under the policy. Results are
// returned in input order; the summary counts attempts and delays.
func (o *Orchestrator[T]) Run(ctx context.Context, items []T, op func(context.Context, T) error) ([]Result[T], Summary) {
	results := make([]Result[T], len(items))
	summary := Summary{ErrorTypes: make(map[string]int)}

	pending := make([]*pendingItem[T], 0, len(items))
	for i, it := range items {
		results[i] = Result[T]{Payload: it}
		pending = append(pending, &pendingItem[T]{
			index: i,
			item:  domain.BatchItem[T]{Payload: it, NextRetryAt: o.now()},
		})
	}

	var deadline time.Time
	if o.policy.GlobalTimeout > 0 {
		deadline = o.now().Add(o.policy.GlobalTimeout)
	}

	var delaySum time.Duration
	var delayCount int

	for len(pending) > 0 {
		if o.expired(ctx, deadline) {
			for _, p := range pending {
				o.settle(results, p, domain.ErrDeadlineExceeded, p.item.Attempt)
			}
			break
		}

		now := o.now()
		eligible := pending[:0:0]
		rest := pending[:0]
		for _, p := range pending {
			if p.item.Attempt < o.policy.MaxRetries && !p.item.NextRetryAt.After(now) {
				eligible = append(eligible, p)
			} else if p.item.Attempt >= o.policy.MaxRetries {
				// Only reachable with MaxRetries == 0.
				o.settle(results, p, ErrNoAttempts, 0)
			} else {
				rest = append(rest, p)
			}
		}

		if len(eligible) == 0 {
			pending = rest
			if len(pending) == 0 {
				break
			}
			o.sleep(ctx, o.idleDelay(rest, deadline))
			continue
		}

		still := rest
		for _, p := range eligible {
			err := op(ctx, p.item.Payload)
			if err == nil {
				summary.TotalRetries++
				summary.SuccessfulRetries++
				results[p.index] = Result[T]{Payload: p.item.Payload, Attempts: p.item.Attempt + 1}
				if o.onProgress != nil {
					o.onProgress(true)
				}
				continue
			}

			summary.TotalRetries++
			summary.FailedRetries++
			summary.ErrorTypes[domain.ErrorKind(err)]++
			p.item.LastError = err

			if o.retryable != nil && !o.retryable(err) {
				o.settle(results, p, err, p.item.Attempt+1)
				continue
			}
			if p.item.Attempt+1 >= o.policy.MaxRetries {
				o.settle(results, p, err, p.item.Attempt+1)
				continue
			}

			delay := o.delayer.Delay(p.item.Attempt)
			delaySum += delay
			delayCount++
			p.item.NextRetryAt = o.now().Add(delay)
			p.item.Attempt++
			still = append(still, p)
		}
		pending = still
	}

	if delayCount > 0 {
		summary.AvgRetryDelay = delaySum / time.Duration(delayCount)
	}

	slog.Debug("retry run finished",
		slog.Int("total_retries", summary.TotalRetries),
		slog.Int("successful_retries", summary.SuccessfulRetries),
		slog.Int("failed_retries", summary.FailedRetries),
		slog.Duration("avg_retry_delay", summary.AvgRetryDelay))

	return results, summary
}

// settle marks an item terminal with the number of attempts actually
// made. Terminal items are reported, never raised.
func (o *Orchestrator[T]) settle(results []Result[T], p *pendingItem[T], err error, attempts int) {
	results[p.index] = Result[T]{Payload: p.item.Payload, Err: err, Attempts: attempts}
	if o.onFailure != nil && err != nil {
		o.onFailure(p.item.Payload, err)
	}
	if o.onProgress != nil {
		o.onProgress(err == nil)
	}
}

func (o *Orchestrator[T]) expired(ctx context.Context, deadline time.Time) bool {
	if ctx.Err() != nil {
		return true
	}
	return !deadline.IsZero() && !o.now().Before(deadline)
}

// idleDelay picks how long to wait when no item is eligible yet.
func (o *Orchestrator[T]) idleDelay(pending []*pendingItem[T], deadline time.Time) time.Duration {
	wait := idleTick
	now := o.now()
	for _, p := range pending {
		if until := p.item.NextRetryAt.Sub(now); until > 0 && until < wait {
			wait = until
		}
	}
	if !deadline.IsZero() {
		if until := deadline.Sub(now); until > 0 && until < wait {
			wait = until
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
