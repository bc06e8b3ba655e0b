package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNopAlwaysMisses(t *testing.T) {
	ctx := context.Background()
	var s Store = Nop{}

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, s.SetAll(ctx, Entry{Key: "a", Value: "1", TTL: time.Minute}))

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, v)

	n, err := s.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = s.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	deleted, err := s.Del(ctx, "k", "a")
	require.NoError(t, err)
	require.Zero(t, deleted)

	require.NoError(t, s.Ping(ctx))
}
