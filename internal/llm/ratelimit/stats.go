package ratelimit

import (
	"sync/atomic"
	"time"
)

// stats holds middleware counters updated without locks.
type stats struct {
	acquired  atomic.Int64
	denied    atomic.Int64
	waits     atomic.Int64
	totalWait atomic.Int64 // nanoseconds
	maxWait   atomic.Int64 // nanoseconds
}

// Stats is a snapshot of limiter activity for monitoring.
type Stats struct {
	// Acquired is the number of tokens granted.
	Acquired int64 `json:"acquired"`
	// Denied is the number of acquire calls that found the bucket empty.
	Denied int64 `json:"denied"`
	// Waits is the number of calls that had to sleep before being granted.
	Waits int64 `json:"waits"`
	// TotalWait is the summed sleep time.
	TotalWait time.Duration `json:"total_wait"`
	// MaxWait is the longest single call's sleep time.
	MaxWait time.Duration `json:"max_wait"`
}

func (s *stats) recordWait(d time.Duration) {
	s.waits.Add(1)
	s.totalWait.Add(int64(d))
	for {
		cur := s.maxWait.Load()
		if int64(d) <= cur || s.maxWait.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

func (s *stats) snapshot() Stats {
	return Stats{
		Acquired:  s.acquired.Load(),
		Denied:    s.denied.Load(),
		Waits:     s.waits.Load(),
		TotalWait: time.Duration(s.totalWait.Load()),
		MaxWait:   time.Duration(s.maxWait.Load()),
	}
}
