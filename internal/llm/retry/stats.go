package retry

import (
	"sync/atomic"
	"time"
)

// retryStats tracks retry activity with atomic counters.
type retryStats struct {
	totalAttempts           atomic.Int64 // Every call to the next handler
	successfulRetries       atomic.Int64 // Succeeded after at least one retry
	successfulFirstAttempts atomic.Int64 // Succeeded on the first attempt
	exhausted               atomic.Int64 // Gave up after all attempts
	invalidRequests         atomic.Int64 // Rejected without retry
	maxBackoff              atomic.Int64 // Nanoseconds
}

// Stats is a snapshot of retry activity.
type Stats struct {
	TotalAttempts     int64         `json:"total_attempts"`
	SuccessfulRetries int64         `json:"successful_retries"`
	FirstAttemptOK    int64         `json:"first_attempt_ok"`
	Exhausted         int64         `json:"exhausted"`
	InvalidRequests   int64         `json:"invalid_requests"`
	AverageAttempts   float64       `json:"average_attempts"`
	MaxBackoff        time.Duration `json:"max_backoff"`
}

func (s *retryStats) recordBackoff(d time.Duration) {
	n := d.Nanoseconds()
	for {
		cur := s.maxBackoff.Load()
		if n <= cur || s.maxBackoff.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (s *retryStats) snapshot() Stats {
	st := Stats{
		TotalAttempts:     s.totalAttempts.Load(),
		SuccessfulRetries: s.successfulRetries.Load(),
		FirstAttemptOK:    s.successfulFirstAttempts.Load(),
		Exhausted:         s.exhausted.Load(),
		InvalidRequests:   s.invalidRequests.Load(),
		MaxBackoff:        time.Duration(s.maxBackoff.Load()),
		AverageAttempts:   1.0,
	}
	if requests := st.FirstAttemptOK + st.SuccessfulRetries + st.Exhausted + st.InvalidRequests; requests > 0 {
		st.AverageAttempts = float64(st.TotalAttempts) / float64(requests)
	}
	return st
}
