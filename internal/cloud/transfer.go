package cloud

import (
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"vmi/internal/image"
)

// PartUploader sends one chunk to the provider. Part numbers start at 1
// and arrive in increasing order, though completions may interleave.
type PartUploader func(ctx context.Context, partNumber int32, data []byte) error

// UploadParts streams r in partSize chunks through upload with at most
// concurrency parts in flight. A failed part is retried with exponential
// backoff up to retryLimit attempts before the whole transfer fails.
// Returns the number of parts sent.
func UploadParts(ctx context.Context, r io.Reader, partSize int64, concurrency, retryLimit int, upload PartUploader) (int32, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var parts int32
	for {
		if err := ctx.Err(); err != nil {
			break
		}

		buf := make([]byte, partSize)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			parts++
			num := parts
			chunk := buf[:n]
			g.Go(func() error {
				return withRetry(ctx, retryLimit, func() error {
					return upload(ctx, num, chunk)
				})
			})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			g.Wait()
			return parts, image.Wrap(image.IOFailure, err, "reading part %d", parts+1)
		}
	}

	if err := g.Wait(); err != nil {
		return parts, err
	}
	if err := ctx.Err(); err != nil {
		return parts, image.Wrap(image.IOFailure, err, "upload cancelled")
	}
	return parts, nil
}

// withRetry runs op up to limit attempts with exponential backoff between
// failures, stopping early on context cancellation.
func withRetry(ctx context.Context, limit int, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newBackOff(), uint64(limit-1)), ctx)
	return backoff.Retry(op, policy)
}

// RetryAttempts runs op until it succeeds or limit attempts are exhausted
// and reports how many attempts were made.
func RetryAttempts(ctx context.Context, limit int, op func() error) (int, error) {
	attempts := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newBackOff(), uint64(limit-1)), ctx)
	err := backoff.Retry(func() error {
		attempts++
		return op()
	}, policy)
	return attempts, err
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}
