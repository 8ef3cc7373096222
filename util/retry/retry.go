// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package retry

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// UntilSucceeds calls fn every interval until it succeeds or ctx is done.
func UntilSucceeds[T any](ctx context.Context, interval time.Duration, what string, fn func(context.Context) (T, error)) (T, error) {
	for attempt := 1; ; attempt++ {
		got, err := fn(ctx)
		if err == nil {
			return got, nil
		}
		log.Warn("Retrying", "what", what, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(interval):
		}
	}
}
