package session

import (
	"math"
	"time"
)

// tokenBucketLimiter limits operations per participant. It is owned by the
// session worker and needs no locking.
type tokenBucketLimiter struct {
	buckets   map[string]*bucket
	maxTokens float64
	perSecond float64
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// newTokenBucketLimiter returns a limiter allowing bursts of maxTokens,
// refilled at perSecond. A non-positive rate disables limiting.
func newTokenBucketLimiter(maxTokens int, perSecond float64) *tokenBucketLimiter {
	return &tokenBucketLimiter{
		buckets:   make(map[string]*bucket),
		maxTokens: float64(maxTokens),
		perSecond: perSecond,
	}
}

// allow takes a token for key. When none is left it reports how long until
// the next one.
func (l *tokenBucketLimiter) allow(key string, now time.Time) (bool, time.Duration) {
	if l.perSecond <= 0 || l.maxTokens <= 0 {
		return true, 0
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.maxTokens, lastRefill: now}
		l.buckets[key] = b
	}

	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		b.tokens = math.Min(l.maxTokens, b.tokens+elapsed.Seconds()*l.perSecond)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.perSecond * float64(time.Second))
	return false, wait
}

func (l *tokenBucketLimiter) reset(key string) {
	delete(l.buckets, key)
}
