// Package pacer provides jittered, rate-capped pacing for retry loops.
//
// Contended acquisition paths (the in-process re-entrancy guard, the
// cross-process lock poll) retry on a randomized interval so that competing
// waiters do not fall into lockstep. A rate limiter caps the attempt
// frequency independently of the jitter window.
package pacer

import (
	"context"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces out retry attempts. Safe for concurrent use.
type Pacer struct {
	min     time.Duration
	max     time.Duration
	limiter *rate.Limiter
}

// New returns a pacer sleeping a uniform random duration in [min, max] per
// wait, with attempt frequency additionally capped at one per min interval.
// Non-positive or inverted bounds fall back to [1ms, 5ms].
func New(min, max time.Duration) *Pacer {
	if min <= 0 {
		min = time.Millisecond
	}
	if max < min {
		max = 5 * time.Millisecond
		if max < min {
			max = min
		}
	}
	return &Pacer{
		min:     min,
		max:     max,
		limiter: rate.NewLimiter(rate.Every(min), 1),
	}
}

// Wait blocks for one paced interval or until ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	d := p.min
	if span := int64(p.max - p.min); span > 0 {
		d += time.Duration(rand.Int64N(span + 1))
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Interval reports the configured jitter window.
func (p *Pacer) Interval() (min, max time.Duration) {
	return p.min, p.max
}
