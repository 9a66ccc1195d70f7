package downloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gcottom/go-zaplog"
	"go.uber.org/zap"
)

// Retrier runs a job through the extractor up to Attempts times.
type Retrier struct {
	Extractor Extractor
	Attempts  int
	Delay     time.Duration
}

// Run returns the first success or the last error once every attempt failed.
// onRetry is called before each attempt after the first.
func (r *Retrier) Run(ctx context.Context, job Job, progress ProgressFunc, onRetry func(attempt, total int)) Result {
	total := r.Attempts
	if total < 1 {
		total = 1
	}

	var lastErr error
	for attempt := 1; attempt <= total; attempt++ {
		if attempt > 1 {
			if r.Delay > 0 {
				select {
				case <-time.After(r.Delay):
				case <-ctx.Done():
					return Result{Err: lastErr}
				}
			}
			if onRetry != nil {
				onRetry(attempt, total)
			}
		}

		path, err := r.attempt(ctx, job, progress)
		if err == nil {
			return Result{FilePath: path}
		}
		lastErr = err
		zaplog.WarnC(ctx, "download attempt failed", zap.Int("task_id", job.TaskID), zap.Int("attempt", attempt), zap.Int("attempts", total), zap.Error(err))

		if IsPermanent(err) {
			zaplog.WarnC(ctx, "not retrying permanent failure", zap.Int("task_id", job.TaskID))
			break
		}
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				lastErr = ErrCancelled
			}
			break
		}
	}
	return Result{Err: lastErr}
}

func (r *Retrier) attempt(ctx context.Context, job Job, progress ProgressFunc) (path string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("extractor panic: %v", rec)
		}
	}()
	return r.Extractor.Fetch(ctx, job, progress)
}
