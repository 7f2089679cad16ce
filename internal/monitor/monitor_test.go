package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conveyor/internal/config"
	"github.com/msageha/conveyor/internal/health"
	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/model"
)

const pipelines = `
defaults:
  job_timeout_min: 5
  unresponsive_warning_min: 2
pipelines:
  - name: P
    materials:
      - type: git
        url: https://example.com/p.git
    stages:
      - name: build
        jobs:
          - name: unit
  - name: Forever
    job_timeout_min: 0
    materials:
      - type: git
        url: https://example.com/f.git
    stages:
      - name: build
        jobs:
          - name: unit
`

type fakeCanceller struct {
	mu        sync.Mutex
	cancelled []int64
	// failures is how many calls fail before cancels succeed.
	failures  int
	onCancel  func(int64)
}

func (c *fakeCanceller) CancelJob(_ context.Context, id int64) error {
	c.mu.Lock()
	c.cancelled = append(c.cancelled, id)
	fail := c.failures > 0
	if fail {
		c.failures--
	}
	c.mu.Unlock()
	if fail {
		return errors.New("stage locked")
	}
	if c.onCancel != nil {
		c.onCancel(id)
	}
	return nil
}

type fakeConsole struct {
	lines []string
}

func (c *fakeConsole) AppendToConsoleLog(_ model.JobIdentifier, text string) error {
	c.lines = append(c.lines, text)
	return nil
}

type fakeStore []*model.JobInstance

func (s fakeStore) JobsInState(states ...model.JobState) []*model.JobInstance {
	var out []*model.JobInstance
	for _, j := range s {
		for _, st := range states {
			if j.State == st {
				out = append(out, j)
			}
		}
	}
	return out
}

type fixture struct {
	m         *Monitor
	health    *health.Service
	console   *fakeConsole
	canceller *fakeCanceller
	clock     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	snap, err := config.Parse([]byte(pipelines))
	require.NoError(t, err)
	f := &fixture{
		health:    health.NewService(),
		console:   &fakeConsole{},
		canceller: &fakeCanceller{},
		clock:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.m = NewMonitor(config.NewPublisher(snap), f.health, f.console, f.canceller, logging.Discard())
	f.m.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func job(pipeline string, id int64, state model.JobState) *model.JobInstance {
	return &model.JobInstance{
		Identifier: model.JobIdentifier{
			StageIdentifier: model.StageIdentifier{
				PipelineIdentifier: model.PipelineIdentifier{Name: pipeline, Counter: 1},
				StageName:          "build",
				StageCounter:       1,
			},
			JobName: "unit",
			BuildID: id,
		},
		State: state,
	}
}

func scope(pipeline string) health.Scope { return health.ForJob(pipeline, "build", "unit") }

func TestSweep_WarnsThenCancels(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.JobStatusChanged(job("P", 1, model.JobBuilding)))

	f.advance(130 * time.Second)
	f.m.Sweep(context.Background())

	st, ok := f.health.Get(scope("P"))
	require.True(t, ok)
	assert.Equal(t, health.LevelWarning, st.Level)
	assert.Equal(t, "Job 'P/build/unit' is not responding", st.Message)
	assert.Equal(t, "Job P/build/unit is currently running but has not shown any console activity in the last 2 minute(s). This job may be hung.", st.Description)
	assert.Empty(t, f.canceller.cancelled)

	f.advance(180 * time.Second)
	f.m.Sweep(context.Background())

	assert.Equal(t, []int64{1}, f.canceller.cancelled)
	require.Len(t, f.console.lines, 1)
	assert.Equal(t, "Cancelled this job as it has not generated any console output for more than 5 minute(s)", f.console.lines[0])
	assert.Equal(t, 0, f.m.Tracked())
}

func TestSweep_WarningEscalates(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.JobStatusChanged(job("Forever", 1, model.JobBuilding)))

	var seen []string
	for _, d := range []time.Duration{150 * time.Second, 60 * time.Second, 120 * time.Second} {
		f.advance(d)
		f.m.Sweep(context.Background())
		st, ok := f.health.Get(scope("Forever"))
		require.True(t, ok)
		seen = append(seen, st.Description)
	}
	assert.Contains(t, seen[0], "last 2 minute(s)")
	assert.Contains(t, seen[1], "last 3 minute(s)")
	assert.Contains(t, seen[2], "last 5 minute(s)")
	assert.Empty(t, f.canceller.cancelled, "pipeline does not allow cancelling hung jobs")
}

func TestConsoleActivityClearsWarning(t *testing.T) {
	f := newFixture(t)
	j := job("P", 1, model.JobBuilding)
	require.NoError(t, f.m.JobStatusChanged(j))

	f.advance(3 * time.Minute)
	f.m.Sweep(context.Background())
	_, ok := f.health.Get(scope("P"))
	require.True(t, ok)

	f.m.ConsoleUpdatedFor(j.Identifier)
	_, ok = f.health.Get(scope("P"))
	assert.False(t, ok)

	f.advance(4 * time.Minute)
	f.m.Sweep(context.Background())
	assert.Empty(t, f.canceller.cancelled, "activity resets the silence window")
}

func TestTerminalStatusStopsTracking(t *testing.T) {
	tests := []struct {
		name  string
		state model.JobState
	}{
		{"completed", model.JobCompleted},
		{"cancelled", model.JobCancelled},
		{"rescheduled", model.JobRescheduled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.m.JobStatusChanged(job("P", 1, model.JobBuilding)))
			f.advance(3 * time.Minute)
			f.m.Sweep(context.Background())

			require.NoError(t, f.m.JobStatusChanged(job("P", 1, tt.state)))
			_, ok := f.health.Get(scope("P"))
			assert.False(t, ok)
			assert.Equal(t, 0, f.m.Tracked())

			f.advance(10 * time.Minute)
			f.m.Sweep(context.Background())
			assert.Empty(t, f.canceller.cancelled)
		})
	}
}

func TestUnassignedJobWarnsThenCancels(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.JobStatusChanged(job("P", 7, model.JobScheduled)))

	f.advance(3 * time.Minute)
	f.m.Sweep(context.Background())

	st, ok := f.health.Get(scope("P"))
	require.True(t, ok)
	assert.Equal(t, "Job P/build/unit is currently running but it has not been assigned an agent in the last 3 minute(s). This job may be hung.", st.Description)
	assert.Empty(t, f.canceller.cancelled)

	f.advance(3 * time.Minute)
	f.m.Sweep(context.Background())

	assert.Equal(t, []int64{7}, f.canceller.cancelled)
	assert.Equal(t, []string{"Cancelled this job as it has not been assigned an agent for more than 5 minute(s)"}, f.console.lines)
	assert.Equal(t, 0, f.m.Tracked())
}

func TestSeed_CountsJobsActiveFromStartup(t *testing.T) {
	f := newFixture(t)
	building := job("P", 1, model.JobBuilding)
	building.StateChangedAt = f.clock.Add(-2 * time.Hour)
	scheduled := job("P", 2, model.JobScheduled)
	scheduled.ScheduledAt = f.clock.Add(-time.Hour)
	done := job("P", 3, model.JobCompleted)

	f.m.Seed(fakeStore{building, scheduled, done})
	assert.Equal(t, 2, f.m.Tracked())

	f.advance(time.Second)
	f.m.Sweep(context.Background())
	assert.Empty(t, f.canceller.cancelled)
	assert.Empty(t, f.console.lines)
	_, ok := f.health.Get(scope("P"))
	assert.False(t, ok)

	f.advance(5 * time.Minute)
	f.m.Sweep(context.Background())
	assert.ElementsMatch(t, []int64{1, 2}, f.canceller.cancelled)
}

func TestSweep_RetriesFailedCancel(t *testing.T) {
	f := newFixture(t)
	f.canceller.failures = 1
	require.NoError(t, f.m.JobStatusChanged(job("P", 1, model.JobBuilding)))

	f.advance(6 * time.Minute)
	f.m.Sweep(context.Background())
	assert.Equal(t, []int64{1}, f.canceller.cancelled)
	assert.Equal(t, 1, f.m.Tracked(), "job stays tracked after a failed cancel")

	f.advance(time.Minute)
	f.m.Sweep(context.Background())
	assert.Equal(t, []int64{1, 1}, f.canceller.cancelled)
	assert.Equal(t, 0, f.m.Tracked())
	assert.Len(t, f.console.lines, 1, "cancel message is written once")
}

func TestCancelListenerReentry(t *testing.T) {
	f := newFixture(t)
	f.canceller.onCancel = func(id int64) {
		_ = f.m.JobStatusChanged(job("P", id, model.JobCancelled))
	}
	require.NoError(t, f.m.JobStatusChanged(job("P", 1, model.JobBuilding)))

	f.advance(6 * time.Minute)
	done := make(chan struct{})
	go func() {
		f.m.Sweep(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep deadlocked on listener callback")
	}
}
