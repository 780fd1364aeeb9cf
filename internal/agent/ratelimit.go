package agent

import (
	"context"
	"sync"
	"time"
)

// bucket is a token bucket for one conversation.
type bucket struct {
	tokens   float64
	lastTime time.Time
}

// sweepEvery is how often Wait drops buckets that have refilled.
const sweepEvery = 10 * time.Minute

// TurnLimiter throttles turns per conversation with independent token
// buckets.
type TurnLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	max       float64
	rate      float64 // tokens per second
	now       func() time.Time
	lastSweep time.Time
}

func NewTurnLimiter(maxBurst int, turnsPerMinute float64) *TurnLimiter {
	if maxBurst <= 0 {
		maxBurst = 5
	}
	if turnsPerMinute <= 0 {
		turnsPerMinute = 20
	}
	return &TurnLimiter{
		buckets: make(map[string]*bucket),
		max:     float64(maxBurst),
		rate:    turnsPerMinute / 60.0,
		now:     time.Now,
	}
}

// Wait blocks until convID may start another turn or ctx is done. A nil
// limiter never blocks.
func (tl *TurnLimiter) Wait(ctx context.Context, convID string) error {
	if tl == nil {
		return nil
	}
	for {
		tl.mu.Lock()
		now := tl.now()
		if now.Sub(tl.lastSweep) >= sweepEvery {
			tl.sweepLocked(now)
			tl.lastSweep = now
		}
		b, ok := tl.buckets[convID]
		if !ok {
			b = &bucket{tokens: tl.max, lastTime: now}
			tl.buckets[convID] = b
		}
		b.tokens += now.Sub(b.lastTime).Seconds() * tl.rate
		if b.tokens > tl.max {
			b.tokens = tl.max
		}
		b.lastTime = now

		if b.tokens >= 1.0 {
			b.tokens -= 1.0
			tl.mu.Unlock()
			return nil
		}

		waitSec := (1.0 - b.tokens) / tl.rate
		tl.mu.Unlock()

		timer := time.NewTimer(time.Duration(waitSec * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// sweepLocked drops idle buckets that have refilled completely. A full
// bucket behaves exactly like a missing one.
func (tl *TurnLimiter) sweepLocked(now time.Time) int {
	removed := 0
	for id, b := range tl.buckets {
		if b.tokens+now.Sub(b.lastTime).Seconds()*tl.rate >= tl.max {
			delete(tl.buckets, id)
			removed++
		}
	}
	return removed
}
