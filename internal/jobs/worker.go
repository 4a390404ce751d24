package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// JobProcessor is one unit of periodic background work.
type JobProcessor interface {
	ProcessJobs(ctx context.Context) error
}

// Worker runs a JobProcessor on a fixed interval until stopped.
type Worker struct {
	name         string
	processor    JobProcessor
	pollInterval time.Duration
	logger       *zap.Logger
	failures     int
	stopChan     chan struct{}
	doneChan     chan struct{}
}

func NewWorker(name string, processor JobProcessor, pollInterval time.Duration, logger *zap.Logger) *Worker {
	return &Worker{
		name:         name,
		processor:    processor,
		pollInterval: pollInterval,
		logger:       logger.With(zap.String("component", "worker"), zap.String("worker", name)),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

func (w *Worker) Name() string { return w.name }

// Start polls until ctx is done or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	defer close(w.doneChan)

	w.logger.Info("worker started", zap.Duration("poll_interval", w.pollInterval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped", zap.String("reason", "context_done"))
			return
		case <-w.stopChan:
			w.logger.Info("worker stopped", zap.String("reason", "stop"))
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce runs one pass. Consecutive failures are counted so a stuck
// dependency shows up as a growing streak rather than identical lines.
func (w *Worker) runOnce(ctx context.Context) error {
	start := time.Now()
	err := w.processor.ProcessJobs(ctx)
	elapsed := time.Since(start)

	if err != nil {
		w.failures++
		w.logger.Error("worker run failed",
			zap.Duration("duration", elapsed),
			zap.Int("consecutive_failures", w.failures),
			zap.Error(err))
		return err
	}
	if w.failures > 0 {
		w.logger.Info("worker recovered", zap.Int("after_failures", w.failures))
		w.failures = 0
	}
	w.logger.Debug("worker run complete", zap.Duration("duration", elapsed))
	return nil
}

func (w *Worker) Stop() {
	close(w.stopChan)
	<-w.doneChan
	w.logger.Info("worker shutdown complete")
}
