package gate

import (
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func passing() State {
	return State{
		Pipeline:            "P",
		Stage:               "build",
		User:                "alice",
		PipelineExists:      true,
		StageExists:         true,
		Authorized:          true,
		PreviousStagePassed: true,
		FreeDiskMB:          10_000,
		MinFreeDiskMB:       100,
	}
}

func TestCompositions(t *testing.T) {
	tests := []struct {
		site CallSite
		want []string
	}{
		{ManualTrigger, []string{CheckMaintenance, CheckActive, CheckAuthorization, CheckNotPaused, CheckNotLocked, CheckStageNotActive, CheckDiskSpace, CheckAboutToTrigger}},
		{TimerTrigger, []string{CheckMaintenance, CheckActive, CheckNotPaused, CheckNotLocked, CheckStageNotActive, CheckDiskSpace, CheckAboutToTrigger}},
		{AutoTrigger, []string{CheckMaintenance, CheckActive, CheckNotPaused, CheckNotLocked, CheckStageNotActive, CheckDiskSpace}},
		{ScheduleStage, []string{CheckActive, CheckNotLocked, CheckStageNotActive, CheckPreviousPassed, CheckDiskSpace}},
		{RerunStage, []string{CheckMaintenance, CheckActive, CheckAuthorization, CheckNotLocked, CheckStageNotActive, CheckPreviousPassed}},
		{RerunJobs, []string{CheckMaintenance, CheckActive, CheckAuthorization, CheckNotLocked, CheckStageNotActive}},
	}
	for _, tt := range tests {
		t.Run(string(tt.site), func(t *testing.T) {
			if diff := cmp.Diff(tt.want, For(tt.site).Names()); diff != "" {
				t.Errorf("checkers mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRerunGates_AuthAndLockButNoDebounce(t *testing.T) {
	for _, site := range []CallSite{RerunStage, RerunJobs} {
		g := For(site)
		assert.True(t, g.Has(CheckAuthorization), site)
		assert.True(t, g.Has(CheckNotLocked), site)
		assert.False(t, g.Has(CheckAboutToTrigger), site)
	}
}

func TestTimerGate_NoAuthorization(t *testing.T) {
	s := passing()
	s.Authorized = false
	assert.False(t, For(TimerTrigger).Run(s).Failed())
	assert.True(t, For(ManualTrigger).Run(s).Failed())
}

func TestRun_FirstFailureWins(t *testing.T) {
	s := passing()
	s.Paused = true
	s.PausedBy = "admin"
	s.LockedByOtherRun = true
	s.LockOwner = "P/3"

	r := For(ManualTrigger).Run(s)
	assert.True(t, r.Failed())
	assert.Equal(t, http.StatusConflict, r.Code)
	assert.Equal(t, "Pipeline P is paused by admin", r.Description)
}

func TestCheckers(t *testing.T) {
	tests := []struct {
		name     string
		site     CallSite
		mutate   func(*State)
		wantCode int
		wantMsg  string
	}{
		{"passes", ManualTrigger, func(*State) {}, http.StatusOK, ""},
		{"maintenance", AutoTrigger, func(s *State) { s.MaintenanceMode = true }, http.StatusServiceUnavailable, "Server is in maintenance mode"},
		{"missing pipeline", ManualTrigger, func(s *State) { s.PipelineExists = false }, http.StatusNotFound, "Pipeline 'P' not found"},
		{"unauthorized", RerunStage, func(s *State) { s.Authorized = false }, http.StatusForbidden, "Failed to trigger pipeline: P"},
		{"locked", RerunJobs, func(s *State) { s.LockedByOtherRun = true }, http.StatusConflict, "Failed to trigger pipeline [P]"},
		{"stage active", ScheduleStage, func(s *State) { s.StageActive = true }, http.StatusConflict, "Failed to trigger pipeline [P]"},
		{"disk", AutoTrigger, func(s *State) { s.FreeDiskMB = 10 }, http.StatusServiceUnavailable, "Not enough disk space"},
		{"debounce", ManualTrigger, func(s *State) { s.AboutToBeTriggered = true }, http.StatusConflict, "Pipeline already forced"},
		{"previous failed", ScheduleStage, func(s *State) {
			s.Stage = "ft"
			s.PreviousStage = "dev"
			s.PreviousStageResult = "Failed"
			s.PreviousStagePassed = false
		}, http.StatusConflict, "Cannot schedule ft as the previous stage dev has Failed!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := passing()
			tt.mutate(&s)
			r := For(tt.site).Run(s)
			assert.Equal(t, tt.wantCode, r.Code)
			assert.Equal(t, tt.wantMsg, r.Message)
		})
	}
}

func TestRerunStage_IgnoresDisk(t *testing.T) {
	s := passing()
	s.FreeDiskMB = 1
	assert.False(t, For(RerunStage).Run(s).Failed())
}

func TestOperators(t *testing.T) {
	o := NewOperators("Alice")
	assert.True(t, o.CanOperateStage("alice", "P", "build"))
	assert.True(t, o.CanOperateStage(TimerUser, "P", "build"))
	assert.False(t, o.CanOperateStage("mallory", "P", "build"))
}
