package common

import (
	"log"
	"strconv"
	"sync"
	"time"
)

// WeightUsage tracks the venue's own request-weight budget from the
// X-MBX-USED-WEIGHT-1M response header, independent of and in addition to
// this process's local admission limiter: the local limiter caps how fast
// this process submits/cancels, this tracks how close the whole API key is
// to Binance's own ban threshold. This process no longer does local
// admission through it; internal/ratelimit owns that.
type WeightUsage struct {
	mu            sync.RWMutex
	used          int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
}

func NewWeightUsage(limit int, resetInterval time.Duration) *WeightUsage {
	return &WeightUsage{limit: limit, resetInterval: resetInterval, lastReset: time.Now()}
}

// UpdateFromHeader parses the X-MBX-USED-WEIGHT-1M header value and logs a
// warning as usage approaches the ban threshold.
func (w *WeightUsage) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if time.Since(w.lastReset) >= w.resetInterval {
		w.lastReset = time.Now()
	}
	w.used = weight

	pct := float64(w.used) / float64(w.limit) * 100
	if pct >= 95 {
		log.Printf("exchange: request weight critical: %d/%d (%.1f%%)", w.used, w.limit, pct)
	} else if pct >= 80 {
		log.Printf("exchange: request weight warning: %d/%d (%.1f%%)", w.used, w.limit, pct)
	}
}

func (w *WeightUsage) Usage() (used, limit int, percentage float64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if time.Since(w.lastReset) >= w.resetInterval {
		return 0, w.limit, 0
	}
	return w.used, w.limit, float64(w.used) / float64(w.limit) * 100
}
