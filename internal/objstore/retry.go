package objstore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry wraps op with exponential backoff. The adapter itself never
// retries (spec §4.1): this helper exists for callers — the sequence
// allocator's background persistence and the checkpointer's periodic
// flush — that have explicitly decided a transient StoreUnavailable is
// worth retrying before giving up.
func Retry(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = maxElapsed
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
