package system

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNowIsUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := New().Now()
	assert.Equal(t, time.UTC, got.Location())
	assert.WithinRange(t, got, before, time.Now().Add(time.Second))
}

func TestSleep(t *testing.T) {
	t.Parallel()

	var clk Clock

	t.Run("elapses", func(t *testing.T) {
		t.Parallel()
		start := time.Now()
		require.NoError(t, clk.Sleep(context.Background(), 10*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	})

	t.Run("zero duration", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, clk.Sleep(context.Background(), 0))
	})

	t.Run("canceled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.ErrorIs(t, clk.Sleep(ctx, time.Hour), context.Canceled)
		require.ErrorIs(t, clk.Sleep(ctx, 0), context.Canceled)
	})

	t.Run("deadline", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, clk.Sleep(ctx, time.Hour), context.DeadlineExceeded)
	})
}
