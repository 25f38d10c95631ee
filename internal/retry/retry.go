// Package retry runs a judge call under a bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/mpataki/jury/internal/judge"
	"github.com/mpataki/jury/internal/models"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 60 * time.Second
	DefaultMultiplier  = 2.0
	DefaultJitter      = 0.2
)

// Policy decides how many times a transient failure is retried and how long
// to wait between attempts. The zero value is usable and takes the defaults.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter spreads each delay by up to this fraction in either direction.
	Jitter float64

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a value in [0,1). Tests replace it.
	Rand func() float64
}

// Result is the resolution of one configuration's attempts.
type Result struct {
	Err      error
	Attempts int
	Class    models.ErrorClass
	// Abandoned means the stop signal arrived during a backoff wait. Nothing
	// should be recorded so the configuration is dispatched again on resume.
	Abandoned bool
	Delays    []time.Duration
}

func (r Result) OK() bool {
	return r.Err == nil && !r.Abandoned
}

// Retries is the number of attempts after the first.
func (r Result) Retries() int {
	if r.Attempts > 1 {
		return r.Attempts - 1
	}
	return 0
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Multiplier:  DefaultMultiplier,
		Jitter:      DefaultJitter,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
	if p.Rand == nil {
		p.Rand = lockedRand()
	}
	return p
}

// Do calls fn until it succeeds, fails permanently, runs out of attempts, or
// ctx is cancelled while waiting between attempts. ctx only governs the waits;
// fn receives the attempt number starting at 1 and owns its own call context.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) Result {
	p = p.withDefaults()
	var res Result

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		err := fn(attempt)
		if err == nil {
			res.Err = nil
			res.Class = ""
			return res
		}

		class := judge.ClassOf(err)
		if class != models.ErrorClassTransient {
			res.Err = err
			res.Class = class
			return res
		}

		if attempt >= p.MaxAttempts {
			res.Err = fmt.Errorf("retries exhausted after %d attempts: %w", attempt, err)
			res.Class = models.ErrorClassPermanent
			return res
		}

		delay := p.Delay(attempt)
		if hint := judge.RetryAfterOf(err); hint > delay {
			delay = hint
		}
		res.Delays = append(res.Delays, delay)

		if err := p.Sleep(ctx, delay); err != nil {
			res.Err = err
			res.Class = models.ErrorClassTransient
			res.Abandoned = true
			return res
		}
	}
}

// Delay is the wait after the given failed attempt: BaseDelay*Multiplier^(n-1)
// capped at MaxDelay, then jittered.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*p.Rand() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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

func lockedRand() func() float64 {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		return rng.Float64()
	}
}
