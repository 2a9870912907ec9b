package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimSleepAdvances(t *testing.T) {
	start := time.Date(2011, 8, 19, 18, 0, 0, 0, time.UTC)
	c := NewSim(start)

	require.NoError(t, c.Sleep(context.Background(), 3*time.Second))
	assert.Equal(t, start.Add(3*time.Second), c.Now())

	c.Advance(-time.Hour)
	assert.Equal(t, start.Add(3*time.Second), c.Now())
}

func TestSimSleepCancelled(t *testing.T) {
	c := NewSim(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.Sleep(ctx, time.Minute), context.Canceled)
	assert.Equal(t, time.Unix(0, 0).UTC(), c.Now())
}

func TestRealSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Real{}.Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
