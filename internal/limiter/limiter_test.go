package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInflight_AllowAndRelease(t *testing.T) {
	l := New(2)

	r1, ok := l.Allow("Model")
	require.True(t, ok)
	r2, ok := l.Allow("model")
	require.True(t, ok)
	_, ok = l.Allow("MODEL")
	assert.False(t, ok)
	assert.Equal(t, 2, l.InUse("model"))

	// other models have their own slots
	r3, ok := l.Allow("other")
	require.True(t, ok)
	r3()

	r1()
	r1()
	assert.Equal(t, 1, l.InUse("model"))
	r2()
	assert.Equal(t, 0, l.InUse("model"))
}

func TestInflight_AcquireWaitsAndHonoursContext(t *testing.T) {
	l := New(0)
	release, err := l.Acquire(context.Background(), "m")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "m")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan struct{})
	go func() {
		r, err := l.Acquire(context.Background(), "m")
		if err == nil {
			r()
		}
		close(got)
	}()
	time.Sleep(10 * time.Millisecond)
	release()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the slot")
	}
}
