package export

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter paces backend submissions with a token bucket.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter allows at most rps submissions per second. Burst is one token, so any
// one-second window sees at most rps calls. rps <= 0 disables limiting.
func NewLimiter(rps float64) *Limiter {
	if rps <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(rps), 1)}
}

// Wait blocks until a submission token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.limiter == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// SetRate changes the submission ceiling.
func (l *Limiter) SetRate(rps float64) {
	if l == nil || l.limiter == nil {
		return
	}
	if rps <= 0 {
		l.limiter.SetLimit(rate.Inf)
		l.limiter.SetBurst(0)
		return
	}
	l.limiter.SetLimit(rate.Limit(rps))
	l.limiter.SetBurst(1)
}

// Rate returns the current ceiling in calls per second; 0 means unlimited.
func (l *Limiter) Rate() float64 {
	if l == nil || l.limiter == nil || l.limiter.Limit() == rate.Inf {
		return 0
	}
	return float64(l.limiter.Limit())
}
