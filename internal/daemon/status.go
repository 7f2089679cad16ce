package daemon

import (
	"os"
	"time"

	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/status"
)

// Status reports what the daemon knows right now.
func (d *Daemon) Status() status.Snapshot {
	snap := d.publisher.Current()
	s := status.Snapshot{
		Daemon: status.DaemonStatus{
			Running:        true,
			Pid:            os.Getpid(),
			ConfigChecksum: snap.Checksum(),
			Maintenance:    d.maintenance.Load(),
			TrackedJobs:    d.monitor.Tracked(),
		},
		Queued: d.service.Queued(),
		Health: d.health.All(),
	}

	for _, cfg := range snap.Pipelines() {
		ps := status.PipelineStatus{Name: cfg.Name}
		if run, ok := d.store.LatestPipeline(cfg.Name); ok {
			ps.LatestRun = run.Identifier.Counter
			ps.Label = run.Identifier.Label
			for i := len(cfg.Stages) - 1; i >= 0; i-- {
				if st, ok := d.store.LatestStage(run.Identifier, cfg.Stages[i].Name); ok {
					ps.Stage = st.Identifier.StageName
					ps.StageState = string(st.State)
					break
				}
			}
		}
		if pause := d.store.PauseInfo(cfg.Name); pause.Paused {
			ps.Paused = true
			ps.PausedBy = pause.PausedBy
		}
		if owner, locked := d.locks.LockedBy(cfg.Name); locked {
			ps.LockedBy = owner.Pipeline().String()
		}
		if next, ok := d.timers.Next(cfg.Name); ok && !next.IsZero() {
			ps.NextTimerAt = next.Format(time.RFC3339)
		}
		s.Pipelines = append(s.Pipelines, ps)
	}

	for _, p := range d.dispatcher.Pending() {
		s.Pool = append(s.Pool, pooled(p))
	}
	return s
}

func pooled(p *model.JobPlan) status.PooledJob {
	return status.PooledJob{BuildID: p.JobID, Job: p.Identifier.String(), Elastic: p.RequiresElasticAgent()}
}
