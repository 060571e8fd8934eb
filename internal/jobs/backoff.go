// ABOUTME: Pure retry/backoff policy: exponential delay by attempt number,
// ABOUTME: terminal abandonment once the attempt budget is spent.
package jobs

import (
	"math"
	"time"
)

// Policy maps an attempt number to the next eligibility delay or to terminal
// abandonment. Stateless and safe for concurrent use.
type Policy struct {
	// BaseSeconds is the exponential base: delay(n) = BaseSeconds^n seconds.
	BaseSeconds int
	// MaxAttempts is the attempt budget. An attempt numbered MaxAttempts or
	// higher is the last one: a retryable failure on it becomes terminal.
	MaxAttempts int
}

// Exhausted reports whether attempt (the attempt number just made, 1-based)
// has spent the budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Delay returns the backoff delay after a retryable failure on the given
// attempt number. Strictly increasing in attempt for any base > 1.
func (p Policy) Delay(attempt int) time.Duration {
	secs := math.Pow(float64(p.BaseSeconds), float64(attempt))
	return time.Duration(secs * float64(time.Second))
}

// NextAttemptAt returns when the job becomes eligible again after a retryable
// failure on the given attempt, or false when the budget is exhausted and the
// job must go terminal instead.
func (p Policy) NextAttemptAt(now time.Time, attempt int) (time.Time, bool) {
	if p.Exhausted(attempt) {
		return time.Time{}, false
	}
	return now.Add(p.Delay(attempt)), true
}
