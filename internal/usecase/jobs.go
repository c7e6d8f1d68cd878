package usecase

import (
	"fmt"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
)

// JobService exposes job queries and the manual retry.
type JobService struct {
	jobs  domain.JobRepository
	queue domain.Queue
}

func NewJobService(jobs domain.JobRepository, queue domain.Queue) *JobService {
	return &JobService{jobs: jobs, queue: queue}
}

func (s *JobService) Get(ctx domain.Context, id string) (domain.IncomingJob, error) {
	return s.jobs.Get(ctx, id)
}

func (s *JobService) List(ctx domain.Context, status domain.JobStatus, limit, offset int) ([]domain.IncomingJob, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.jobs.List(ctx, status, limit, offset)
}

// Retry is the explicit FAILED -> QUEUED edge: clears the error, bumps
// retry count and re-enqueues.
func (s *JobService) Retry(ctx domain.Context, id string) error {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=job_retry get: %w", err)
	}
	if job.Status != domain.JobFailed {
		return fmt.Errorf("op=job_retry job=%s status=%s: %w", id, job.Status, domain.ErrIllegalTransition)
	}
	if err := s.jobs.MarkQueued(ctx, id, true); err != nil {
		return fmt.Errorf("op=job_retry mark queued: %w", err)
	}
	if _, err := s.queue.EnqueueProcess(ctx, domain.ProcessTaskPayload{
		JobID:     id,
		WebhookID: job.WebhookID,
		TicketID:  job.TicketID,
		Attempt:   job.RetryCount + 1,
	}); err != nil {
		return fmt.Errorf("op=job_retry enqueue: %w", err)
	}
	observability.EnqueueJob("process_email_retry")
	return nil
}
