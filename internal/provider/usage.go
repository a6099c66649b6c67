package provider

import (
	"sync"
	"time"
)

// UsageStats is a read-only snapshot of a provider's usage counters.
type UsageStats struct {
	TotalCalls        int64
	TotalInputTokens  int64
	TotalOutputTokens int64
	AvgLatencyMs      float64
	ErrorCount        int64
}

// usageTracker accumulates UsageStats. The zero value is ready to use.
type usageTracker struct {
	mu    sync.Mutex
	stats UsageStats
}

// record accounts for a call that reached the backend.
func (u *usageTracker) record(latency time.Duration, inputTokens, outputTokens int, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.stats.TotalCalls++
	ms := float64(latency) / float64(time.Millisecond)
	u.stats.AvgLatencyMs += (ms - u.stats.AvgLatencyMs) / float64(u.stats.TotalCalls)
	if err != nil {
		u.stats.ErrorCount++
		return
	}
	u.stats.TotalInputTokens += int64(inputTokens)
	u.stats.TotalOutputTokens += int64(outputTokens)
}

// recordRejected accounts for a call refused before reaching the backend.
func (u *usageTracker) recordRejected() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stats.ErrorCount++
}

func (u *usageTracker) snapshot() UsageStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stats
}
