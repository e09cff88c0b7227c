package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidURL(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), "not-a-redis-url")
	require.ErrorContains(t, err, "invalid redis URL")
}

// TestStore_Integration runs against a real server when AUDIT_TEST_REDIS_URL
// is set, e.g. redis://localhost:6379/15.
func TestStore_Integration(t *testing.T) {
	redisURL := os.Getenv("AUDIT_TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("AUDIT_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	s, err := New(ctx, redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	key := "pagespeed-test:" + uuid.NewString()
	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, key, []byte("payload"), time.Second))
	got, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), got)

	require.Eventually(t, func() bool {
		_, ok, err := s.Get(ctx, key)
		return err == nil && !ok
	}, 3*time.Second, 100*time.Millisecond)
}
