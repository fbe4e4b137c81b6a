package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"catalog-import-service/internal/models"

	"github.com/redis/go-redis/v9"
)

const jobKeyPrefix = "catalog_import:job:"

// JobStore keeps import job status in Redis with a TTL.
// It also acts as a progress sink: each event overwrites the job's latest snapshot.
type JobStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewJobStore creates a new JobStore
func NewJobStore(client *redis.Client, ttl time.Duration) *JobStore {
	return &JobStore{client: client, ttl: ttl}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

// Create stores a new pending job
func (s *JobStore) Create(ctx context.Context, job *models.ImportJob) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.ImportStatusPending
	}
	return s.save(ctx, job)
}

// Get returns a job or ErrNotFound once it expired
func (s *JobStore) Get(ctx context.Context, id string) (*models.ImportJob, error) {
	val, err := s.client.Get(ctx, jobKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	var job models.ImportJob
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		return nil, fmt.Errorf("failed to parse job %s: %w", id, err)
	}
	return &job, nil
}

// Emit records a progress event as the job's latest snapshot
func (s *JobStore) Emit(ctx context.Context, progress models.ImportProgress) error {
	job, err := s.Get(ctx, progress.JobID)
	if err != nil {
		return err
	}
	p := progress
	job.Progress = &p
	switch progress.Status {
	case models.PhaseCompleted:
		job.Status = models.ImportStatusCompleted
	case models.PhaseError:
		job.Status = models.ImportStatusFailed
	default:
		job.Status = models.ImportStatusProcessing
	}
	job.UpdatedAt = time.Now().UTC()
	return s.save(ctx, job)
}

// Complete stores the final result of a job. A non-nil runErr marks it failed.
func (s *JobStore) Complete(ctx context.Context, id string, result interface{}, runErr error) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal job result: %w", err)
		}
		job.Result = data
	}
	if runErr != nil {
		job.Status = models.ImportStatusFailed
		job.Error = runErr.Error()
	} else {
		job.Status = models.ImportStatusCompleted
	}
	job.UpdatedAt = time.Now().UTC()
	return s.save(ctx, job)
}

func (s *JobStore) save(ctx context.Context, job *models.ImportJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := s.client.Set(ctx, jobKey(job.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store job %s: %w", job.ID, err)
	}
	return nil
}
