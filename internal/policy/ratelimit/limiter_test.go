package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitDelaysSecondCall(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1: one token every 100ms.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/2"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterDomainsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://B.com/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, 2, l.Domains())
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.com"))
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "not a url"))
	}
	require.Equal(t, 1, l.Domains())

	var nilLimiter *Limiter
	require.NoError(t, nilLimiter.Wait(context.Background(), "https://x"))
}

func TestLimiterEvictsLeastRecentDomain(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1, MaxDomains: 2})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	require.NoError(t, l.Wait(ctx, "https://c.com/1"))
	require.Equal(t, 2, l.Domains())

	// a.com was evicted, so its bucket starts full again.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://a.com/2"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}
