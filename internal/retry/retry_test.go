package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mpataki/jury/internal/judge"
	"github.com/mpataki/jury/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	delays []time.Duration
	err    error
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return r.err
}

func testPolicy(rec *recorder) Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2,
		Sleep:       rec.sleep,
		Rand:        func() float64 { return 0.5 },
	}
}

func TestDo_FailTwiceThenSucceed(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	calls := 0
	res := testPolicy(rec).Do(context.Background(), func(attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return judge.Transient(errors.New("rate limited"))
		}
		return nil
	})

	require.True(t, res.OK())
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2, res.Retries())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, rec.delays)
	assert.Equal(t, rec.delays, res.Delays)
}

func TestDo_PermanentIsNotRetried(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	calls := 0
	res := testPolicy(rec).Do(context.Background(), func(int) error {
		calls++
		return judge.Permanent(errors.New("bad request"))
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, models.ErrorClassPermanent, res.Class)
	assert.Empty(t, rec.delays)
	assert.False(t, res.Abandoned)
}

func TestDo_ExhaustedBecomesPermanent(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	res := testPolicy(rec).Do(context.Background(), func(int) error {
		return judge.Transient(errors.New("503"))
	})

	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, models.ErrorClassPermanent, res.Class)
	assert.ErrorContains(t, res.Err, "retries exhausted after 3 attempts")
	assert.Len(t, rec.delays, 2)
}

func TestDo_HonorsRetryAfter(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	attempts := 0
	testPolicy(rec).Do(context.Background(), func(int) error {
		attempts++
		if attempts == 1 {
			return &judge.Error{Class: models.ErrorClassTransient, StatusCode: 429, RetryAfter: 30 * time.Second, Err: errors.New("slow down")}
		}
		return nil
	})

	assert.Equal(t, []time.Duration{30 * time.Second}, rec.delays)
}

func TestDo_CancelDuringBackoffAbandons(t *testing.T) {
	t.Parallel()

	rec := &recorder{err: context.Canceled}
	calls := 0
	res := testPolicy(rec).Do(context.Background(), func(int) error {
		calls++
		return judge.Transient(errors.New("timeout"))
	})

	assert.Equal(t, 1, calls)
	assert.True(t, res.Abandoned)
	assert.False(t, res.OK())
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestDelay_CapAndJitter(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: 0.2, Rand: func() float64 { return 1 }}
	assert.Equal(t, 1200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 12*time.Second, p.Delay(10))

	p.Rand = func() float64 { return 0 }
	assert.Equal(t, 800*time.Millisecond, p.Delay(1))

	p.Jitter = 0
	assert.Equal(t, 8*time.Second, p.Delay(4))
}

func TestSleepCtx(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))
}
