package jobs

import (
	"context"
	"time"
)

// TurnSweeper evicts conversation turns past retention.
type TurnSweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// RetentionWorker applies conversation retention on every poll.
type RetentionWorker struct {
	sweeper TurnSweeper
	timeout time.Duration
}

func NewRetentionWorker(sweeper TurnSweeper, timeout time.Duration) *RetentionWorker {
	return &RetentionWorker{sweeper: sweeper, timeout: timeout}
}

// ProcessJobs implements the JobProcessor interface
func (w *RetentionWorker) ProcessJobs(ctx context.Context) error {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	_, err := w.sweeper.Sweep(ctx)
	return err
}
