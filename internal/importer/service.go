package importer

import (
	"context"
	"fmt"

	"catalog-import-service/internal/events"
	"catalog-import-service/internal/metrics"
	"catalog-import-service/internal/models"
	"catalog-import-service/internal/repository"

	"github.com/sirupsen/logrus"
)

// Source yields the decoded header row and data records of an import
type Source interface {
	Read(ctx context.Context) ([]string, []Record, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context) ([]string, []Record, error)

func (f SourceFunc) Read(ctx context.Context) ([]string, []Record, error) {
	return f(ctx)
}

// Job is one import request
type Job struct {
	ID       string
	Source   Source
	Mapping  ColumnMapping // optional; headers are auto-mapped when empty
	Options  models.ImportOptions
	Artifact Artifact    // optional
	Sink     events.Sink // optional
}

// Outcome is what Run produced. Result is nil for dry runs.
type Outcome struct {
	Plan   *Plan            `json:"plan"`
	Result *ExecutionResult `json:"result,omitempty"`
}

// Service runs imports end to end: read, plan, execute
type Service struct {
	planner  *Planner
	executor *Executor
	logger   *logrus.Entry
}

// NewService creates a Service over store
func NewService(store repository.Store, logger *logrus.Entry, m *metrics.Metrics, workers int) *Service {
	return &Service{
		planner:  NewPlanner(store, logger, workers),
		executor: NewExecutor(store, logger, m),
		logger:   logger.WithField("component", "import-service"),
	}
}

// Preview plans the job without writing anything
func (s *Service) Preview(ctx context.Context, job Job) (*Plan, error) {
	job.Options.DryRun = true
	out, err := s.Run(ctx, job)
	if err != nil {
		return nil, err
	}
	return out.Plan, nil
}

// Run reads, plans and, unless the job is a dry run, executes it. The job
// artifact is released on every path.
func (s *Service) Run(ctx context.Context, job Job) (*Outcome, error) {
	artifact := releaseOnce(job.Artifact)
	defer func() {
		if err := artifact.Release(); err != nil {
			s.logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to release import artifact")
		}
	}()

	progress := NewProgress(job.ID, job.Sink, s.logger)
	fail := func(err error) (*Outcome, error) {
		progress.Enter(ctx, models.PhaseError, err.Error())
		return nil, err
	}

	if job.Source == nil {
		return fail(fmt.Errorf("import %s has no source", job.ID))
	}
	progress.Enter(ctx, models.PhaseReadingFile, "Reading file")
	headers, records, err := job.Source.Read(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to read import file: %w", err))
	}

	plan, err := s.planner.Plan(ctx, PlanRequest{
		Headers:  headers,
		Records:  records,
		Mapping:  job.Mapping,
		Options:  job.Options,
		Progress: progress,
	})
	if err != nil {
		return fail(err)
	}

	if job.Options.DryRun {
		progress.Enter(ctx, models.PhaseCompleted, "Preview ready")
		return &Outcome{Plan: plan}, nil
	}

	result, err := s.executor.Execute(ctx, ExecuteRequest{
		JobID:    job.ID,
		Plan:     plan,
		Artifact: artifact,
		Progress: progress,
	})
	if err != nil {
		if !progress.Phase().Terminal() {
			progress.Enter(ctx, models.PhaseError, err.Error())
		}
		return &Outcome{Plan: plan, Result: result}, err
	}
	return &Outcome{Plan: plan, Result: result}, nil
}
