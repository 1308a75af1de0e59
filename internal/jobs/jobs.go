// Package jobs implements the job lifecycle: submitting procedure executions
// and driving the pending → running → done/error state machine. The
// pending→running edge is claimed with a single conditional update so that
// out of any number of concurrent claimants exactly one wins.
package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/metrics"
	"github.com/perfectstorm-io/storm/internal/render"
	"github.com/perfectstorm-io/storm/internal/store"
)

// ErrConflict is returned when a state transition loses to a concurrent one:
// claiming a job that is no longer pending, or finishing a job that is not
// running.
var ErrConflict = errors.New("job state conflict")

// Service drives job submission and state transitions.
type Service struct {
	store    *store.Store
	renderer render.Renderer
	logger   *zap.Logger
}

// New creates a Service.
func New(st *store.Store, renderer render.Renderer, logger *zap.Logger) *Service {
	return &Service{
		store:    st,
		renderer: renderer,
		logger:   logger.Named("jobs"),
	}
}

// ExecRequest carries the caller-supplied overrides for one execution.
type ExecRequest struct {
	Procedure string
	Target    string
	Options   map[string]any
	Params    map[string]any
}

// Exec submits one execution of a procedure against a target resource.
// Request options and params override the procedure's defaults key by key;
// the merged params are substituted into the content template before the job
// is stored, so the job is self-contained even if the procedure later
// changes.
func (s *Service) Exec(ctx context.Context, req ExecRequest) (*db.Job, error) {
	proc, err := s.store.GetProcedure(ctx, req.Procedure)
	if err != nil {
		return nil, err
	}

	options := merge(proc.Options, req.Options)
	params := merge(proc.Params, req.Params)

	content, err := s.renderer.Render(proc.Content, params)
	if err != nil {
		return nil, fmt.Errorf("jobs: render content: %w", err)
	}

	job := &db.Job{
		Type:      proc.Type,
		Target:    req.Target,
		Procedure: &proc.ID,
		Content:   content,
		Options:   db.JSONMap(options),
		Params:    db.JSONMap(params),
		Status:    db.JobPending,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	metrics.JobsSubmitted.Inc()
	s.logger.Info("job submitted",
		zap.String("job", job.ID),
		zap.String("procedure", proc.ID),
		zap.String("target", job.Target),
	)
	return job, nil
}

// Handle claims a pending job for an agent. The claim is a single update
// conditional on the pending status; when several agents race, exactly one
// update changes a row and everyone else gets ErrConflict.
func (s *Service) Handle(ctx context.Context, jobRef, agentRef string) (*db.Job, error) {
	job, err := s.store.GetJob(ctx, jobRef)
	if err != nil {
		return nil, err
	}
	agent, err := s.store.GetAgent(ctx, agentRef)
	if err != nil {
		return nil, err
	}

	res := s.store.DB().WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND status = ?", job.ID, db.JobPending).
		Updates(map[string]any{"status": db.JobRunning, "owner": agent.ID})
	if res.Error != nil {
		return nil, fmt.Errorf("jobs: claim %s: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		// The job existed a moment ago, so a zero-row update means someone
		// else moved it out of pending first.
		metrics.ClaimConflicts.Inc()
		return nil, ErrConflict
	}

	job.Status = db.JobRunning
	job.Owner = &agent.ID
	metrics.JobsClaimed.Inc()
	s.store.RecordUpdated(ctx, "job", job.ID)
	s.logger.Info("job claimed",
		zap.String("job", job.ID),
		zap.String("agent", agent.ID),
	)
	return job, nil
}

// Complete finishes a running job successfully, storing the result and
// releasing the owner.
func (s *Service) Complete(ctx context.Context, jobRef string, result map[string]any) (*db.Job, error) {
	return s.finish(ctx, jobRef, db.JobDone, result)
}

// Fail finishes a running job as failed, storing the result and releasing
// the owner.
func (s *Service) Fail(ctx context.Context, jobRef string, result map[string]any) (*db.Job, error) {
	return s.finish(ctx, jobRef, db.JobError, result)
}

func (s *Service) finish(ctx context.Context, jobRef, status string, result map[string]any) (*db.Job, error) {
	job, err := s.store.GetJob(ctx, jobRef)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = map[string]any{}
	}

	res := s.store.DB().WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND status = ?", job.ID, db.JobRunning).
		Updates(map[string]any{
			"status": status,
			"owner":  nil,
			"result": db.JSONMap(result),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("jobs: finish %s: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrConflict
	}

	job.Status = status
	job.Owner = nil
	job.Result = db.JSONMap(result)
	metrics.JobsFinished.WithLabelValues(status).Inc()
	s.store.RecordUpdated(ctx, "job", job.ID)
	s.logger.Info("job finished",
		zap.String("job", job.ID),
		zap.String("status", status),
	)
	return job, nil
}

// merge overlays overrides on top of defaults without mutating either.
func merge(defaults db.JSONMap, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
