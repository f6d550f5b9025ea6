package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := NewBreaker(3, time.Minute).WithClock(clock.now)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())

	allowed, wait := b.Allow()
	assert.False(t, allowed)
	assert.Equal(t, time.Minute, wait)
}

func TestBreakerHalfOpenAllowsSingleTrial(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := NewBreaker(1, 10*time.Second).WithClock(clock.now)

	var transitions []BreakerState
	b.OnStateChange(func(_, to BreakerState) { transitions = append(transitions, to) })

	b.RecordFailure()
	clock.advance(10 * time.Second)

	allowed, _ := b.Allow()
	assert.True(t, allowed)
	assert.Equal(t, BreakerHalfOpen, b.State())

	allowed, wait := b.Allow()
	assert.False(t, allowed, "second trial must wait")
	assert.Less(t, wait, time.Duration(0))

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}, transitions)
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := NewBreaker(2, 5*time.Second).WithClock(clock.now)

	b.RecordFailure()
	b.RecordFailure()
	clock.advance(6 * time.Second)
	allowed, _ := b.Allow()
	assert.True(t, allowed)

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	allowed, wait := b.Allow()
	assert.False(t, allowed)
	assert.Equal(t, 5*time.Second, wait)
}

func TestBreakerAbandonReturnsTrial(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := NewBreaker(1, time.Second).WithClock(clock.now)
	b.RecordFailure()
	clock.advance(time.Second)

	allowed, _ := b.Allow()
	assert.True(t, allowed)
	b.Abandon()
	allowed, _ = b.Allow()
	assert.True(t, allowed)
}
