package validation

import (
	"fmt"
	"sync"
	"time"

	"log/slog"
)

// ResourceProbe answers whether an additional memory requirement fits.
type ResourceProbe interface {
	CheckMemory(requiredMB float64) bool
}

// WindowProbe exposes the rolling statistics of a named operation.
type WindowProbe interface {
	SuccessRate(name string) float64
	AvgDuration(name string) time.Duration
}

// ResourceAwareParams configures a ResourceAwareValidator.
type ResourceAwareParams struct {
	Operation              string
	RequiredMB             float64
	MinSuccessRate         float64
	MaxAvgDuration         time.Duration
	MaxConsecutiveFailures int
}

// ResourceAwareValidator gates processing on current memory headroom,
// the rolling success rate, and the average duration of the watched
// operation. It also tracks consecutive failures and surfaces an error
// once the configured threshold is reached; any success resets the
// counter.
type ResourceAwareValidator struct {
	params    ResourceAwareParams
	resources ResourceProbe
	window    WindowProbe

	mu                  sync.Mutex
	consecutiveFailures int
}

// NewResourceAwareValidator wires the validator to its probes.
func NewResourceAwareValidator(params ResourceAwareParams, resources ResourceProbe, window WindowProbe) *ResourceAwareValidator {
	return &ResourceAwareValidator{params: params, resources: resources, window: window}
}

// Validate returns the current precondition violations.
func (v *ResourceAwareValidator) Validate() []string {
	var msgs []string

	if v.resources != nil && !v.resources.CheckMemory(v.params.RequiredMB) {
		msgs = append(msgs, fmt.Sprintf("insufficient memory for %.1f MB", v.params.RequiredMB))
	}
	if v.window != nil {
		if rate := v.window.SuccessRate(v.params.Operation); rate < v.params.MinSuccessRate {
			msgs = append(msgs, fmt.Sprintf("success rate %.2f below threshold %.2f", rate, v.params.MinSuccessRate))
		}
		if v.params.MaxAvgDuration > 0 {
			if avg := v.window.AvgDuration(v.params.Operation); avg > v.params.MaxAvgDuration {
				msgs = append(msgs, fmt.Sprintf("average duration %s above threshold %s", avg, v.params.MaxAvgDuration))
			}
		}
	}

	v.mu.Lock()
	failures := v.consecutiveFailures
	v.mu.Unlock()
	if v.params.MaxConsecutiveFailures > 0 && failures >= v.params.MaxConsecutiveFailures {
		msgs = append(msgs, fmt.Sprintf("consecutive failures %d reached limit %d", failures, v.params.MaxConsecutiveFailures))
	}
	return msgs
}

// RecordSuccess resets the consecutive-failure counter.
func (v *ResourceAwareValidator) RecordSuccess() {
	v.mu.Lock()
	v.consecutiveFailures = 0
	v.mu.Unlock()
}

// RecordFailure increments the consecutive-failure counter.
func (v *ResourceAwareValidator) RecordFailure() {
	v.mu.Lock()
	v.consecutiveFailures++
	count := v.consecutiveFailures
	v.mu.Unlock()

	if v.params.MaxConsecutiveFailures > 0 && count == v.params.MaxConsecutiveFailures {
		slog.Warn("consecutive failure limit reached",
			slog.String("operation", v.params.Operation),
			slog.Int("consecutive_failures", count))
	}
}

// ConsecutiveFailures reports the current counter value.
func (v *ResourceAwareValidator) ConsecutiveFailures() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.consecutiveFailures
}
