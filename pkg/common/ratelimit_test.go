package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterReserveWithBudget(t *testing.T) {
	rl := NewRateLimiter(100, 10)
	rl.Update(50, time.Now().Add(time.Hour))

	wait := rl.Reserve()
	assert.LessOrEqual(t, wait, time.Second, "ample budget should not impose a long wait")

	remaining, _ := rl.Remaining()
	assert.Equal(t, int64(49), remaining, "reserve should optimistically decrement")
}

func TestRateLimiterExhaustedBudgetWaitsUntilReset(t *testing.T) {
	rl := NewRateLimiter(100, 10)
	reset := time.Now().Add(30 * time.Second)
	rl.Update(0, reset)

	wait := rl.Reserve()
	require.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Until(reset)+time.Second)
	assert.GreaterOrEqual(t, wait, time.Until(reset)-time.Second)
}

func TestRateLimiterExpiredResetAllowsResync(t *testing.T) {
	rl := NewRateLimiter(100, 10)
	rl.Update(0, time.Now().Add(-time.Minute))

	wait := rl.Reserve()
	assert.LessOrEqual(t, wait, time.Second, "a rolled-over window should let one call through")
}

func TestRateLimiterConservativeMerge(t *testing.T) {
	rl := NewRateLimiter(100, 10)
	reset := time.Now().Add(time.Hour).Truncate(time.Second)

	rl.Update(50, reset)
	rl.Update(10, reset)
	remaining, _ := rl.Remaining()
	assert.Equal(t, int64(10), remaining, "server reporting fewer calls must win")

	// A larger value within the same window never raises the local count.
	rl.Update(40, reset)
	remaining, _ = rl.Remaining()
	assert.Equal(t, int64(10), remaining)

	// A new window replaces the budget wholesale.
	newReset := reset.Add(time.Hour)
	rl.Update(40, newReset)
	remaining, gotReset := rl.Remaining()
	assert.Equal(t, int64(40), remaining)
	assert.True(t, gotReset.Equal(newReset))
}
