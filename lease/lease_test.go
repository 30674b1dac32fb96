package lease

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_ExclusiveUntilReleased(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	release, err := l.Acquire(ctx, "accrual", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "accrual", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	_, err = l.Acquire(ctx, "other", time.Minute)
	assert.NoError(t, err, "different names are independent")

	require.NoError(t, release(ctx))
	_, err = l.Acquire(ctx, "accrual", time.Minute)
	assert.NoError(t, err)
}

func TestLocal_Expires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal()
	l.now = func() time.Time { return now }

	staleRelease, err := l.Acquire(ctx, "accrual", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = l.Acquire(ctx, "accrual", time.Minute)
	require.NoError(t, err, "expired lease can be taken over")

	// The first holder's release must not drop the new holder's lease.
	require.NoError(t, staleRelease(ctx))
	_, err = l.Acquire(ctx, "accrual", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)
}

func TestRedis_Exclusive(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL is not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	r := NewRedis(client, "test:lease:")
	name := "accrual-" + time.Now().Format("150405.000000")

	release, err := r.Acquire(ctx, name, 10*time.Second)
	require.NoError(t, err)

	_, err = r.Acquire(ctx, name, 10*time.Second)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, release(ctx))
	release, err = r.Acquire(ctx, name, 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}
