// ABOUTME: Tests for the backoff combinator.
// ABOUTME: An instant timer records requested delays instead of sleeping.

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instant fires immediately and records the delays it was asked for.
type instant struct {
	delays []time.Duration
}

func (i *instant) After(d time.Duration) <-chan time.Time {
	i.delays = append(i.delays, d)
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func TestDelays_VerificationSchedule(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, DelayFirst: true}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, p.Delays())
}

func TestDelays_NoInitialWaitAndCap(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	assert.Equal(t, []time.Duration{
		0, time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second,
	}, p.Delays())
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	clock := &instant{}
	calls := 0
	var retried []int

	err := Do(context.Background(), Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		After:       clock.After,
		OnRetry: func(attempt int, _ time.Duration, _ error) {
			retried = append(retried, attempt)
		},
	}, func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.delays)
	assert.Equal(t, []int{2, 3}, retried)
}

func TestDo_Exhausted(t *testing.T) {
	clock := &instant{}
	last := errors.New("still untrusted")

	err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Second, DelayFirst: true, After: clock.After},
		func(context.Context, int) error { return last })

	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, last)
	assert.Len(t, clock.delays, 5)
	assert.Equal(t, 16*time.Second, clock.delays[4])
}

func TestDo_Permanent(t *testing.T) {
	clock := &instant{}
	fatal := errors.New("forbidden")
	calls := 0

	err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Second, After: clock.After},
		func(context.Context, int) error {
			calls++
			return Permanent(fatal)
		})

	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, calls)
	assert.Nil(t, Permanent(nil))
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	never := func(time.Duration) <-chan time.Time { return make(chan time.Time) }
	calls := 0

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, Policy{MaxAttempts: 3, BaseDelay: time.Hour, After: never},
			func(context.Context, int) error {
				calls++
				return errors.New("fail")
			})
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}
