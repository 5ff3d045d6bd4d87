package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
)

// retryPolicy builds the backoff used for one store operation.
type retryPolicy func() backoff.BackOff

func defaultRetryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithMaxRetries(b, 5)
}

// withRetry retries op while it fails with a transient backend error. When the
// budget runs out the last error is wrapped in ErrStoreUnavailable; any other
// error is returned unchanged.
func (s *SubscriptionStore) withRetry(ctx context.Context, op func() error) error {
	var transient error
	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isTransient(err) {
			transient = err
			return err
		}
		transient = nil
		return backoff.Permanent(err)
	}, backoff.WithContext(s.retry(), ctx))

	if err != nil && transient != nil && errors.Is(err, transient) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}

func isTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
