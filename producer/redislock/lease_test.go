// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package redislock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/optirollup/sequencer/util/redisutil"
	"github.com/optirollup/sequencer/util/testhelpers"
)

func Require(t *testing.T, err error, printables ...interface{}) {
	t.Helper()
	testhelpers.RequireImpl(t, err, printables...)
}

func newTestLease(t *testing.T, ctx context.Context, url string, ready *bool) *Lease {
	t.Helper()
	client, err := redisutil.RedisClientFromURL(url)
	Require(t, err)
	lease, err := New(client, func() *Config { return &TestConfig }, func() bool { return *ready })
	Require(t, err)
	return lease
}

func TestLeaseIsExclusive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	url := redisutil.CreateTestRedis(ctx, t)
	ready := true
	first := newTestLease(t, ctx, url, &ready)
	second := newTestLease(t, ctx, url, &ready)
	require.NotEqual(t, first.HolderID(), second.HolderID())

	require.True(t, first.Acquire(ctx))
	require.True(t, first.Held())
	require.False(t, second.Acquire(ctx))
	require.False(t, second.Held())

	// refreshing our own lease works
	_, err := first.tryAcquire(ctx)
	Require(t, err)
	require.True(t, first.Held())

	first.Release(ctx)
	require.False(t, first.Held())
	require.True(t, second.Acquire(ctx))
	require.False(t, first.Acquire(ctx))
}

func TestLeaseWaitsUntilReady(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	url := redisutil.CreateTestRedis(ctx, t)
	ready := false
	lease := newTestLease(t, ctx, url, &ready)
	require.False(t, lease.Acquire(ctx))
	ready = true
	require.True(t, lease.Acquire(ctx))
}

func TestLeaseWithoutRedis(t *testing.T) {
	lease, err := New(nil, func() *Config { return &TestConfig }, nil)
	Require(t, err)
	require.True(t, lease.Held())
	require.True(t, lease.Acquire(context.Background()))
	lease.Release(context.Background())
	require.True(t, lease.Held())
}
