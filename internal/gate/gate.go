// Package gate evaluates the preconditions of a scheduling attempt. Each call
// site has a fixed, ordered list of checkers; the first failure wins.
package gate

import (
	"fmt"
	"net/http"
)

// Result is the caller-visible outcome of a scheduling attempt.
type Result struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	Description string `json:"description,omitempty"`
	failed      bool
}

func OK() Result {
	return Result{Code: http.StatusOK}
}

func (r *Result) Fail(code int, message, description string) {
	r.Code = code
	r.Message = message
	r.Description = description
	r.failed = true
}

// Accept marks a successful outcome with a message and an optional code.
func (r *Result) Accept(code int, message string) {
	r.Code = code
	r.Message = message
	r.failed = false
}

func (r Result) Failed() bool {
	return r.failed
}

// Failure builds a failed result outside a checker chain.
func Failure(code int, message, description string) Result {
	var r Result
	r.Fail(code, message, description)
	return r
}

// State is everything a checker may look at, loaded before the chain runs.
type State struct {
	Pipeline string
	Stage    string
	User     string

	PipelineExists      bool
	StageExists         bool
	Authorized          bool
	Paused              bool
	PausedBy            string
	PauseCause          string
	LockedByOtherRun    bool
	LockOwner           string
	StageActive         bool
	ActiveStage         string
	AboutToBeTriggered  bool
	PreviousStage       string
	PreviousStageResult string
	PreviousStagePassed bool
	MaintenanceMode     bool
	FreeDiskMB          int64
	MinFreeDiskMB       int64
}

// Checker is one named precondition. check writes a failure into the result
// or leaves it untouched.
type Checker struct {
	Name  string
	check func(State, *Result)
}

const (
	CheckMaintenance    = "not-in-maintenance-mode"
	CheckActive         = "pipeline-active"
	CheckAuthorization  = "stage-authorization"
	CheckNotPaused      = "pipeline-not-paused"
	CheckNotLocked      = "pipeline-not-locked"
	CheckStageNotActive = "stage-not-active"
	CheckDiskSpace      = "disk-space"
	CheckAboutToTrigger = "about-to-be-triggered"
	CheckPreviousPassed = "previous-stage-passed"
)

var (
	maintenanceChecker = Checker{CheckMaintenance, func(s State, r *Result) {
		if s.MaintenanceMode {
			r.Fail(http.StatusServiceUnavailable, "Server is in maintenance mode",
				fmt.Sprintf("Pipeline %s cannot be scheduled while the server is in maintenance mode.", s.Pipeline))
		}
	}}
	activeChecker = Checker{CheckActive, func(s State, r *Result) {
		if !s.PipelineExists {
			r.Fail(http.StatusNotFound, fmt.Sprintf("Pipeline '%s' not found", s.Pipeline),
				fmt.Sprintf("Pipeline '%s' does not exist or has been deleted.", s.Pipeline))
			return
		}
		if s.Stage != "" && !s.StageExists {
			r.Fail(http.StatusNotFound, fmt.Sprintf("Stage '%s' not found in pipeline '%s'", s.Stage, s.Pipeline),
				fmt.Sprintf("Stage '%s' does not exist in pipeline '%s'.", s.Stage, s.Pipeline))
		}
	}}
	authorizationChecker = Checker{CheckAuthorization, func(s State, r *Result) {
		if !s.Authorized {
			r.Fail(http.StatusForbidden, fmt.Sprintf("Failed to trigger pipeline: %s", s.Pipeline),
				fmt.Sprintf("User %s does not have permission to schedule %s/%s", s.User, s.Pipeline, s.Stage))
		}
	}}
	notPausedChecker = Checker{CheckNotPaused, func(s State, r *Result) {
		if s.Paused {
			desc := fmt.Sprintf("Pipeline %s is paused", s.Pipeline)
			if s.PausedBy != "" {
				desc += " by " + s.PausedBy
			}
			if s.PauseCause != "" {
				desc += ": " + s.PauseCause
			}
			r.Fail(http.StatusConflict, fmt.Sprintf("Failed to trigger pipeline [%s]", s.Pipeline), desc)
		}
	}}
	notLockedChecker = Checker{CheckNotLocked, func(s State, r *Result) {
		if s.LockedByOtherRun {
			r.Fail(http.StatusConflict, fmt.Sprintf("Failed to trigger pipeline [%s]", s.Pipeline),
				fmt.Sprintf("Pipeline %s is locked by %s", s.Pipeline, s.LockOwner))
		}
	}}
	stageNotActiveChecker = Checker{CheckStageNotActive, func(s State, r *Result) {
		if !s.StageActive {
			return
		}
		desc := fmt.Sprintf("Pipeline %s is still in progress", s.Pipeline)
		if s.ActiveStage != "" {
			desc = fmt.Sprintf("Stage [%s] in pipeline [%s] is still in progress", s.ActiveStage, s.Pipeline)
		}
		r.Fail(http.StatusConflict, fmt.Sprintf("Failed to trigger pipeline [%s]", s.Pipeline), desc)
	}}
	diskSpaceChecker = Checker{CheckDiskSpace, func(s State, r *Result) {
		if s.MinFreeDiskMB > 0 && s.FreeDiskMB < s.MinFreeDiskMB {
			r.Fail(http.StatusServiceUnavailable, "Not enough disk space",
				fmt.Sprintf("conveyor has less than %dMb of disk space available. Scheduling has stopped.", s.MinFreeDiskMB))
		}
	}}
	aboutToTriggerChecker = Checker{CheckAboutToTrigger, func(s State, r *Result) {
		if s.AboutToBeTriggered {
			r.Fail(http.StatusConflict, "Pipeline already forced",
				fmt.Sprintf("Pipeline %s is already being triggered", s.Pipeline))
		}
	}}
	previousPassedChecker = Checker{CheckPreviousPassed, func(s State, r *Result) {
		if s.PreviousStage != "" && !s.PreviousStagePassed {
			msg := fmt.Sprintf("Cannot schedule %s as the previous stage %s has %s!", s.Stage, s.PreviousStage, s.PreviousStageResult)
			r.Fail(http.StatusConflict, msg, msg)
		}
	}}
)

type CallSite string

const (
	ManualTrigger CallSite = "manual_trigger"
	TimerTrigger  CallSite = "timer_trigger"
	AutoTrigger   CallSite = "auto_trigger"
	ScheduleStage CallSite = "schedule_stage"
	RerunStage    CallSite = "rerun_stage"
	RerunJobs     CallSite = "rerun_jobs"
)

var compositions = map[CallSite][]Checker{
	ManualTrigger: {maintenanceChecker, activeChecker, authorizationChecker, notPausedChecker, notLockedChecker, stageNotActiveChecker, diskSpaceChecker, aboutToTriggerChecker},
	TimerTrigger:  {maintenanceChecker, activeChecker, notPausedChecker, notLockedChecker, stageNotActiveChecker, diskSpaceChecker, aboutToTriggerChecker},
	AutoTrigger:   {maintenanceChecker, activeChecker, notPausedChecker, notLockedChecker, stageNotActiveChecker, diskSpaceChecker},
	ScheduleStage: {activeChecker, notLockedChecker, stageNotActiveChecker, previousPassedChecker, diskSpaceChecker},
	RerunStage:    {maintenanceChecker, activeChecker, authorizationChecker, notLockedChecker, stageNotActiveChecker, previousPassedChecker},
	RerunJobs:     {maintenanceChecker, activeChecker, authorizationChecker, notLockedChecker, stageNotActiveChecker},
}

type Gate struct {
	site     CallSite
	checkers []Checker
}

// For returns the gate of a call site. Unknown call sites get an empty gate.
func For(site CallSite) Gate {
	return Gate{site: site, checkers: compositions[site]}
}

func (g Gate) Site() CallSite {
	return g.site
}

// Names lists the checker names in evaluation order.
func (g Gate) Names() []string {
	out := make([]string, len(g.checkers))
	for i, c := range g.checkers {
		out[i] = c.Name
	}
	return out
}

func (g Gate) Has(name string) bool {
	for _, c := range g.checkers {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Run evaluates checkers in order and stops at the first failure.
func (g Gate) Run(s State) Result {
	r := OK()
	for _, c := range g.checkers {
		c.check(s, &r)
		if r.Failed() {
			return r
		}
	}
	return r
}
