package schedule

import (
	"context"
	"fmt"

	"github.com/msageha/conveyor/internal/job"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/txn"
)

// finishJob runs a terminal transition and the stage completion it causes in
// one transaction under the pipeline's scheduling mutex. Follow-up scheduling
// starts after the mutex is released.
func (s *Service) finishJob(ctx context.Context, buildID int64, fn func(ctx context.Context) (*model.JobInstance, bool, error)) (*model.JobInstance, bool, error) {
	current, ok := s.store.Job(buildID)
	if !ok {
		return nil, false, fmt.Errorf("%w: %d", job.ErrJobNotFound, buildID)
	}
	var (
		j       *model.JobInstance
		changed bool
		passed  bool
	)
	err := s.mutexes.With(scheduleKey(current.Identifier.Name), func() error {
		return s.txm.Do(ctx, func(ctx context.Context, tx *txn.Tx) error {
			var err error
			j, changed, err = fn(ctx)
			if err != nil || !changed {
				return err
			}
			passed, err = s.completeStage(tx, j.Identifier.Stage())
			return err
		})
	})
	if err != nil {
		return nil, false, err
	}
	if changed && s.pool != nil {
		s.pool.Remove(buildID)
	}
	if passed {
		s.afterStagePassed(ctx, j.Identifier.Stage())
	}
	return j, changed, nil
}

func (s *Service) Assign(ctx context.Context, buildID int64, agentUUID string) (*model.JobInstance, error) {
	return s.jobs.Assign(ctx, buildID, agentUUID)
}

// Fail ends a job that could not be dispatched.
func (s *Service) Fail(ctx context.Context, buildID int64) (*model.JobInstance, error) {
	j, _, err := s.finishJob(ctx, buildID, func(ctx context.Context) (*model.JobInstance, bool, error) {
		j, err := s.jobs.Fail(ctx, buildID)
		return j, err == nil, err
	})
	return j, err
}

// Cancel cancels a job. Cancelling a finished job is a no-op.
func (s *Service) Cancel(ctx context.Context, buildID int64) (*model.JobInstance, bool, error) {
	return s.finishJob(ctx, buildID, func(ctx context.Context) (*model.JobInstance, bool, error) {
		return s.jobs.Cancel(ctx, buildID)
	})
}

func (s *Service) CancelJob(ctx context.Context, buildID int64) error {
	_, _, err := s.Cancel(ctx, buildID)
	return err
}

func (s *Service) ReportBuilding(ctx context.Context, buildID int64) error {
	_, err := s.jobs.ReportBuilding(ctx, buildID)
	return err
}

func (s *Service) JobCompleting(ctx context.Context, buildID int64, result model.JobResult) error {
	_, err := s.jobs.Completing(ctx, buildID, result)
	return err
}

func (s *Service) JobCompleted(ctx context.Context, buildID int64, result model.JobResult) error {
	_, _, err := s.finishJob(ctx, buildID, func(ctx context.Context) (*model.JobInstance, bool, error) {
		j, err := s.jobs.Complete(ctx, buildID, result)
		return j, err == nil, err
	})
	return err
}

// UpdateJobStatus applies a status reported by the agent running the job.
func (s *Service) UpdateJobStatus(ctx context.Context, buildID int64, state model.JobState, result model.JobResult) error {
	switch state {
	case model.JobBuilding:
		return s.ReportBuilding(ctx, buildID)
	case model.JobCompleting:
		return s.JobCompleting(ctx, buildID, result)
	case model.JobCompleted:
		return s.JobCompleted(ctx, buildID, result)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedState, state)
	}
}

// RescheduleJob replaces the job with a fresh Scheduled copy and pools its plan.
func (s *Service) RescheduleJob(ctx context.Context, buildID int64) (*model.JobInstance, error) {
	fresh, err := s.jobs.Reschedule(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if s.pool != nil {
		s.pool.Remove(buildID)
		if plan, ok := s.store.Plan(fresh.ID()); ok {
			s.pool.Add(plan)
		}
	}
	return fresh, nil
}
