package transfer

import (
	"context"
	"time"

	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/logging"
)

// Send encodes payload and writes it chunk by chunk, strictly in order.
// onProgress, when set, gets round(100*sent/total) after each acknowledged
// chunk.
func Send(ctx context.Context, ch Channel, payload interface{}, chunkSize int, onProgress func(percent int)) error {
	text, err := Encode(payload)
	if err != nil {
		return err
	}
	chunks := Chunk(text, chunkSize)

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return apperrors.Wrap(apperrors.ErrTransferFailed, "transfer cancelled", err)
		}
		if err := ch.WriteChunk(ctx, Frame(chunk)); err != nil {
			return err
		}
		if onProgress != nil {
			onProgress(Progress(i+1, len(chunks)))
		}
	}
	return nil
}

// RetryPolicy bounds SendWithRetry. The wait before attempt n+1 is
// BaseDelay * n.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy is 3 attempts with 1s linear backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithRetry runs attempt until it succeeds or the policy is exhausted, and
// returns the last error.
func WithRetry(ctx context.Context, policy RetryPolicy, attempt func(ctx context.Context) error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	sleep := policy.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for n := 1; n <= policy.MaxAttempts; n++ {
		if err = attempt(ctx); err == nil {
			return nil
		}
		logging.Warn("Transfer attempt failed", map[string]interface{}{
			"attempt":      n,
			"max_attempts": policy.MaxAttempts,
			"error":        err.Error(),
		})
		if n == policy.MaxAttempts {
			break
		}
		if serr := sleep(ctx, policy.BaseDelay*time.Duration(n)); serr != nil {
			return apperrors.Wrap(apperrors.ErrTransferFailed, "transfer retry cancelled", serr)
		}
	}
	return err
}

// SendWithRetry is Send under WithRetry. Each attempt resends every chunk.
func SendWithRetry(ctx context.Context, ch Channel, payload interface{}, chunkSize int, policy RetryPolicy, onProgress func(int)) error {
	return WithRetry(ctx, policy, func(ctx context.Context) error {
		return Send(ctx, ch, payload, chunkSize, onProgress)
	})
}
