package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ctiengine/internal/metrics"
)

// retryConflicts runs fn until it stops returning ErrWriteConflict, at most maxRetries
// extra times. Any other error is returned immediately. Exhaustion yields ErrStoreUnavailable.
func retryConflicts(ctx context.Context, backend string, maxRetries int, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 2 * time.Millisecond
	eb.MaxInterval = 100 * time.Millisecond
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries)), ctx)
	err := backoff.Retry(func() error {
		err := fn()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrWriteConflict):
			metrics.StoreConflicts.WithLabelValues(backend).Inc()
			return err
		default:
			return backoff.Permanent(err)
		}
	}, policy)
	if errors.Is(err, ErrWriteConflict) {
		return fmt.Errorf("%w: retries exhausted: %v", ErrStoreUnavailable, err)
	}
	return err
}
