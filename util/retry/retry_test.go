// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUntilSucceeds(t *testing.T) {
	calls := 0
	got, err := UntilSucceeds(context.Background(), time.Millisecond, "test", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, got)
	require.Equal(t, 3, calls)
}

func TestUntilSucceedsCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := UntilSucceeds(ctx, time.Millisecond, "test", func(context.Context) (struct{}, error) {
		return struct{}{}, errors.New("never")
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
