package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowsBurstThenRejects(t *testing.T) {
	t.Parallel()

	l := New(Config{
		RequestsPerWindow: 5,
		WindowSeconds:     10,
		Burst:             3,
	})

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("run-1", "client-a"), "request %d should fit the burst", i)
	}
	require.False(t, l.Allow("run-1", "client-a"))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{
		RequestsPerWindow: 1,
		WindowSeconds:     60,
		Burst:             1,
	})

	require.True(t, l.Allow("run-1", "client-a"))
	require.False(t, l.Allow("run-1", "client-a"))

	// Same run, different client.
	require.True(t, l.Allow("run-1", "client-b"))
	// Same client, different run.
	require.True(t, l.Allow("run-2", "client-a"))
}

func TestLimiter_ResetsWhenKeyMapFull(t *testing.T) {
	t.Parallel()

	l := New(Config{
		RequestsPerWindow: 1,
		WindowSeconds:     60,
		Burst:             1,
		MaxKeys:           2,
	})

	require.True(t, l.Allow("run-1", "client-a"))
	require.False(t, l.Allow("run-1", "client-a"))
	require.True(t, l.Allow("run-2", "client-a"))

	// The third distinct key trips the purge; the first key gets a fresh
	// bucket afterwards, which is the documented at-worst behavior.
	require.True(t, l.Allow("run-3", "client-a"))
	require.True(t, l.Allow("run-1", "client-a"))
}

func TestLimiter_UnlimitedWhenUnconfigured(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("run-1", "client-a"))
	}
}
