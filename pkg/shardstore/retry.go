package shardstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sys/unix"
)

// isTransient reports errno values worth retrying: the operation was
// interrupted or the resource was briefly unavailable.
func isTransient(err error) bool {
	return errors.Is(err, unix.EINTR) ||
		errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EBUSY)
}

// ioRetrier runs filesystem operations with bounded retries of transient
// failures. Non-transient failures return immediately.
type ioRetrier struct {
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// do runs fn until it succeeds, fails permanently, or attempts run out.
// Not-found errors are returned unwrapped; every other failure is wrapped
// in ErrIO.
func (r ioRetrier) do(ctx context.Context, op string, path string, fn func() error) error {
	b := retry.WithMaxRetries(uint64(r.attempts-1), retry.NewExponential(r.backoff))
	attempt := 0

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++

		err := fn()
		if err == nil || !isTransient(err) {
			return err
		}

		r.logger.DebugContext(ctx, "retrying transient io failure",
			"op", op, "path", path, "attempt", attempt, "error", err)

		return retry.RetryableError(err)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, os.ErrNotExist) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("%w: %s %s: %w", ErrIO, op, path, err)
}
