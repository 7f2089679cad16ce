package schedule

import (
	"context"
	"fmt"

	"github.com/msageha/conveyor/internal/store"
	"github.com/msageha/conveyor/internal/txn"
)

// Pause stops new runs of the pipeline. Running stages finish normally.
func (s *Service) Pause(ctx context.Context, pipeline, user, cause string) error {
	cfg, ok := s.config.Current().PipelineConfigNamed(pipeline)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPipelineNotFound, pipeline)
	}
	err := s.txm.Do(ctx, func(_ context.Context, tx *txn.Tx) error {
		s.store.SetPaused(tx, cfg.Name, store.PauseInfo{Paused: true, PausedBy: user, Cause: cause, PausedAt: s.now()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("pause %s: %w", cfg.Name, err)
	}
	s.logger.Infof("pipeline %s paused by %s: %s", cfg.Name, user, cause)
	return nil
}

func (s *Service) Unpause(ctx context.Context, pipeline, user string) error {
	cfg, ok := s.config.Current().PipelineConfigNamed(pipeline)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPipelineNotFound, pipeline)
	}
	err := s.txm.Do(ctx, func(_ context.Context, tx *txn.Tx) error {
		s.store.SetPaused(tx, cfg.Name, store.PauseInfo{})
		return nil
	})
	if err != nil {
		return fmt.Errorf("unpause %s: %w", cfg.Name, err)
	}
	s.logger.Infof("pipeline %s unpaused by %s", cfg.Name, user)
	return nil
}
