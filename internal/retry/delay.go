// Package retry implements the per-item retry orchestrator with
// policy-driven backoff.
package retry

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Strategy selects the backoff curve.
type Strategy int

// Supported delay strategies.
const (
	StrategyLinear Strategy = iota
	StrategyExponential
	StrategyFibonacci
)

func (s Strategy) String() string {
	switch s {
	case StrategyLinear:
		return "linear"
	case StrategyExponential:
		return "exponential"
	case StrategyFibonacci:
		return "fibonacci"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "linear":
		return StrategyLinear, nil
	case "exponential":
		return StrategyExponential, nil
	case "fibonacci":
		return StrategyFibonacci, nil
	default:
		return 0, fmt.Errorf("unknown retry strategy %q", s)
	}
}

// fibCache memoizes the fibonacci sequence across delay computations.
type fibCache struct {
	mu   sync.Mutex
	vals []int64
}

func newFibCache() *fibCache {
	return &fibCache{vals: []int64{0, 1, 1}}
}

// at returns fib(n) with fib(1)=fib(2)=1.
func (f *fibCache) at(n int) int64 {
	if n < 0 {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.vals) <= n {
		f.vals = append(f.vals, f.vals[len(f.vals)-1]+f.vals[len(f.vals)-2])
	}
	return f.vals[n]
}

// delayer computes attempt delays for a policy.
type delayer struct {
	policy Policy
	fib    *fibCache
	rand   *rand.Rand
	randMu sync.Mutex
}

func newDelayer(policy Policy) *delayer {
	return &delayer{
		policy: policy,
		fib:    newFibCache(),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// base returns the un-jittered delay for a 0-based attempt number.
func (d *delayer) base(attempt int) time.Duration {
	initial := d.policy.InitialDelay
	var raw time.Duration
	switch d.policy.Strategy {
	case StrategyLinear:
		raw = initial
	case StrategyExponential:
		raw = initial << uint(attempt)
		if attempt >= 62 || raw < 0 {
			raw = d.policy.MaxDelay
		}
	case StrategyFibonacci:
		raw = time.Duration(int64(initial) * d.fib.at(attempt+1))
		if raw < 0 {
			raw = d.policy.MaxDelay
		}
	default:
		raw = initial
	}
	if raw > d.policy.MaxDelay {
		raw = d.policy.MaxDelay
	}
	return raw
}

// Delay returns the jittered, clamped delay for a 0-based attempt.
func (d *delayer) Delay(attempt int) time.Duration {
	delay := d.base(attempt)
	if d.policy.Jitter > 0 {
		d.randMu.Lock()
		u := d.rand.Float64()*2 - 1 // uniform in [-1, 1)
		d.randMu.Unlock()
		delay = time.Duration(float64(delay) * (1 + u*d.policy.Jitter))
		if delay > d.policy.MaxDelay {
			delay = d.policy.MaxDelay
		}
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
