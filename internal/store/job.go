package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/perfectstorm-io/storm/internal/db"
	"github.com/perfectstorm-io/storm/internal/ident"
)

const entityJob = "job"

// validateJob resolves target and procedure references and checks the status
// value. Owner is managed by the claim/complete transitions, never validated
// here.
func (s *Store) validateJob(ctx context.Context, j *db.Job) error {
	verr := newValidationError()
	requireNonBlank(verr, "type", j.Type)
	if j.Content == "" {
		verr.Addf("content", "this field is required")
	}
	if j.Status == "" {
		j.Status = db.JobPending
	}
	requireChoice(verr, "status", j.Status,
		[]string{db.JobPending, db.JobRunning, db.JobDone, db.JobError})

	if j.Target == "" {
		verr.Addf("target", "this field is required")
	} else if id, err := s.resolveRef(ctx, ident.PrefixResource, j.Target); err != nil {
		verr.Addf("target", "unknown resource %q", j.Target)
	} else {
		j.Target = id
	}

	if j.Procedure != nil {
		id, err := s.resolveRef(ctx, ident.PrefixProcedure, *j.Procedure)
		if err != nil {
			verr.Addf("procedure", "unknown procedure %q", *j.Procedure)
		} else {
			*j.Procedure = id
		}
	}

	return verr.errOrNil()
}

// CreateJob persists a new job and emits a created event. Jobs start pending
// with no owner.
func (s *Store) CreateJob(ctx context.Context, j *db.Job) error {
	if err := s.validateJob(ctx, j); err != nil {
		return err
	}
	if j.Options == nil {
		j.Options = db.JSONMap{}
	}
	if j.Params == nil {
		j.Params = db.JSONMap{}
	}
	if j.Result == nil {
		j.Result = db.JSONMap{}
	}
	if err := s.db.WithContext(ctx).Create(j).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	s.record(ctx, db.EventCreated, entityJob, j.ID, []string{})
	return nil
}

// GetJob retrieves a job by id. Jobs have no name, so only well-formed job
// ids resolve.
func (s *Store) GetJob(ctx context.Context, ref string) (*db.Job, error) {
	if kind, ok := ident.Kind(ref); !ok || kind != ident.PrefixJob {
		return nil, ErrNotFound
	}
	var j db.Job
	err := s.db.WithContext(ctx).First(&j, "id = ?", ref).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get: %w", err)
	}
	return &j, nil
}

// ListJobs returns jobs filtered by opts, ordered by submission time so
// agents work the queue oldest-first.
func (s *Store) ListJobs(ctx context.Context, opts ListOptions) ([]db.Job, error) {
	var jobs []db.Job
	if err := s.db.WithContext(ctx).Order("created ASC, id ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list: %w", err)
	}
	return filterPage(jobs, opts), nil
}

// SaveJob persists modified fields of an existing job and emits an updated
// event. Status and owner transitions go through the state machine, not
// through here; callers only hand in jobs whose status they have not touched.
func (s *Store) SaveJob(ctx context.Context, j *db.Job) error {
	if err := s.validateJob(ctx, j); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Save(j)
	if res.Error != nil {
		return fmt.Errorf("jobs: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.record(ctx, db.EventUpdated, entityJob, j.ID, []string{})
	return nil
}

// RequeueJobs returns every running job owned by the agent to the pending
// pool. Used when an agent goes offline or is deleted.
func (s *Store) RequeueJobs(ctx context.Context, ownerID string) ([]db.Job, error) {
	var owned []db.Job
	err := s.db.WithContext(ctx).
		Find(&owned, "owner = ? AND status = ?", ownerID, db.JobRunning).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: find owned: %w", err)
	}

	var requeued []db.Job
	for i := range owned {
		j := &owned[i]
		res := s.db.WithContext(ctx).Model(&db.Job{}).
			Where("id = ? AND owner = ? AND status = ?", j.ID, ownerID, db.JobRunning).
			Updates(map[string]any{"owner": nil, "status": db.JobPending})
		if res.Error != nil {
			return requeued, fmt.Errorf("jobs: requeue %s: %w", j.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		j.Owner = nil
		j.Status = db.JobPending
		s.record(ctx, db.EventUpdated, entityJob, j.ID, []string{})
		requeued = append(requeued, *j)
	}
	return requeued, nil
}

// DeleteJob removes a job by id.
func (s *Store) DeleteJob(ctx context.Context, ref string) error {
	j, err := s.GetJob(ctx, ref)
	if err != nil {
		return err
	}
	return s.deleteJob(ctx, j)
}

func (s *Store) deleteJob(ctx context.Context, j *db.Job) error {
	res := s.db.WithContext(ctx).Delete(&db.Job{}, "id = ?", j.ID)
	if res.Error != nil {
		return fmt.Errorf("jobs: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.record(ctx, db.EventDeleted, entityJob, j.ID, []string{})
	return nil
}
