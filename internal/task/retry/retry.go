// Package retry runs an operation with bounded attempts and exponential backoff.
//
// It is shared by the poll cycle (upstream fetches) and the notification senders.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Policy describes a retry schedule. Attempt n+1 waits Base*Multiplier^(n-1),
// capped at MaxDelay, with ±Jitter applied.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter is a fraction (0.2 = ±20%). 0 disables jitter.
	Jitter float64
}

// Default is 3 attempts, 1s base, doubling, 30s cap, ±20% jitter.
func Default() Policy {
	return Policy{MaxAttempts: 3, Base: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second, Jitter: 0.2}
}

func (p Policy) WithDefaults() Policy {
	d := Default()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the wait after failed attempt number `failed` (1-based).
func (p Policy) Delay(failed int, rng *rand.Rand) time.Duration {
	p = p.WithDefaults()
	if failed < 1 {
		failed = 1
	}
	d := float64(p.Base)
	for i := 1; i < failed; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.Jitter > 0 && rng != nil {
		d *= 1 + (rng.Float64()*2-1)*p.Jitter
	}
	if d < 0 {
		d = 0
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Options customise a single Do call. The zero value retries every error
// except those wrapped with NoRetry.
type Options struct {
	// Retryable reports whether err is worth another attempt.
	Retryable func(err error) bool
	// OnRetry is called before sleeping for the next attempt.
	OnRetry func(next int, delay time.Duration, err error)
	// Sleep waits for d or until ctx is done. Defaults to a timer wait.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  *rand.Rand
}

var (
	rngMu     sync.Mutex
	sharedRng = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func jitterRand() *rand.Rand {
	rngMu.Lock()
	seed := sharedRng.Int63()
	rngMu.Unlock()
	return rand.New(rand.NewSource(seed))
}

// Do runs fn until it succeeds, returns a non-retryable error, the policy is
// exhausted, or ctx is done. It returns the number of attempts made.
//
// Retry-after hints (see RetryAfter) replace the computed delay, bounded by MaxDelay.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, opt Options) (int, error) {
	if fn == nil {
		return 0, errors.New("retry: nil func")
	}
	p = p.WithDefaults()
	sleep := opt.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	rng := opt.Rand
	if rng == nil && p.Jitter > 0 {
		rng = jitterRand()
	}

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				err = cerr
			}
			return attempt - 1, err
		}
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if IsNoRetry(err) {
			return attempt, unwrapNoRetry(err)
		}
		if opt.Retryable != nil && !opt.Retryable(err) {
			return attempt, err
		}
		if attempt >= p.MaxAttempts {
			return attempt, err
		}

		delay := p.Delay(attempt, rng)
		var ra RetryAfterError
		if errors.As(err, &ra) && ra.RetryAfter() > 0 {
			delay = ra.RetryAfter()
			if delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
		if opt.OnRetry != nil {
			opt.OnRetry(attempt+1, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return attempt, fmt.Errorf("%w (last error: %v)", serr, err)
		}
	}
	return p.MaxAttempts, err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
