package jobs

import (
	"context"
	"fmt"

	"github.com/cloo-solutions/strata/internal/domain"
	"go.uber.org/zap"
)

const (
	// MaxRetries is the maximum number of retries for a failed job
	MaxRetries = 3
)

// EmbeddingJobRepository defines the interface for embedding job persistence
type EmbeddingJobRepository interface {
	// GetPendingJobs retrieves and claims pending embedding jobs
	GetPendingJobs(ctx context.Context) ([]*domain.EmbeddingJob, error)

	// UpdateJobStatus updates the status of an embedding job
	UpdateJobStatus(ctx context.Context, jobID string, status domain.EmbeddingJobStatus, errMsg string) error

	// IncrementRetries increments the retry count for a job
	IncrementRetries(ctx context.Context, jobID string) error
}

// EmbeddingService computes and stores the embedding of an item
type EmbeddingService interface {
	GenerateEmbedding(ctx context.Context, itemID string) error
}

// EmbeddingWorker backfills embeddings of items stored while the
// provider was unavailable.
type EmbeddingWorker struct {
	repo    EmbeddingJobRepository
	service EmbeddingService
	logger  *zap.Logger
}

// NewEmbeddingWorker creates a new EmbeddingWorker instance
func NewEmbeddingWorker(repo EmbeddingJobRepository, service EmbeddingService, logger *zap.Logger) *EmbeddingWorker {
	return &EmbeddingWorker{
		repo:    repo,
		service: service,
		logger:  logger.With(zap.String("component", "embedding_worker")),
	}
}

// ProcessJobs implements the JobProcessor interface
func (w *EmbeddingWorker) ProcessJobs(ctx context.Context) error {
	jobs, err := w.repo.GetPendingJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch pending jobs: %w", err)
	}

	if len(jobs) == 0 {
		return nil
	}

	w.logger.Info("processing pending embedding jobs", zap.Int("count", len(jobs)))

	for _, job := range jobs {
		if err := w.processJob(ctx, job); err != nil {
			w.logger.Error("error processing job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	return nil
}

func (w *EmbeddingWorker) processJob(ctx context.Context, job *domain.EmbeddingJob) error {
	if job.ItemID == "" {
		return fmt.Errorf("job %s has no item_id", job.ID)
	}

	if err := w.service.GenerateEmbedding(ctx, job.ItemID); err != nil {
		return w.handleJobFailure(ctx, job, err)
	}

	if err := w.repo.UpdateJobStatus(ctx, job.ID, domain.EmbeddingJobStatusCompleted, ""); err != nil {
		return fmt.Errorf("failed to update job status to completed: %w", err)
	}

	w.logger.Debug("job completed", zap.String("job_id", job.ID), zap.String("item_id", job.ItemID))
	return nil
}

// handleJobFailure handles a failed job with retry logic
func (w *EmbeddingWorker) handleJobFailure(ctx context.Context, job *domain.EmbeddingJob, jobErr error) error {
	w.logger.Warn("job failed", zap.String("job_id", job.ID), zap.Error(jobErr))

	if err := w.repo.IncrementRetries(ctx, job.ID); err != nil {
		return fmt.Errorf("failed to increment retries: %w", err)
	}

	if job.Retries+1 >= MaxRetries {
		w.logger.Warn("job exceeded max retries, marking as failed",
			zap.String("job_id", job.ID), zap.Int("max_retries", MaxRetries))
		errMsg := fmt.Sprintf("max retries exceeded: %v", jobErr)
		if err := w.repo.UpdateJobStatus(ctx, job.ID, domain.EmbeddingJobStatusFailed, errMsg); err != nil {
			return fmt.Errorf("failed to update job status to failed: %w", err)
		}
		return nil
	}

	errMsg := fmt.Sprintf("retry %d: %v", job.Retries+1, jobErr)
	if err := w.repo.UpdateJobStatus(ctx, job.ID, domain.EmbeddingJobStatusPending, errMsg); err != nil {
		return fmt.Errorf("failed to reset job status to pending: %w", err)
	}

	return nil
}
