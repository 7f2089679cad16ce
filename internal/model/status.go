package model

import (
	"errors"
	"fmt"
)

type JobState string

const (
	JobScheduled   JobState = "Scheduled"
	JobAssigned    JobState = "Assigned"
	JobBuilding    JobState = "Building"
	JobCompleting  JobState = "Completing"
	JobCompleted   JobState = "Completed"
	JobCancelled   JobState = "Cancelled"
	JobRescheduled JobState = "Rescheduled"
)

type JobResult string

const (
	ResultUnknown   JobResult = "Unknown"
	ResultPassed    JobResult = "Passed"
	ResultFailed    JobResult = "Failed"
	ResultCancelled JobResult = "Cancelled"
)

type StageState string

const (
	StageBuilding  StageState = "Building"
	StagePassed    StageState = "Passed"
	StageFailed    StageState = "Failed"
	StageCancelled StageState = "Cancelled"
)

var terminalJobStates = map[JobState]bool{
	JobCompleted:   true,
	JobCancelled:   true,
	JobRescheduled: true,
}

// Failing a job during dispatch moves it straight to Completed with a Failed result.
var validJobTransitions = map[JobState]map[JobState]bool{
	JobScheduled: {
		JobAssigned:    true,
		JobCompleted:   true,
		JobCancelled:   true,
		JobRescheduled: true,
	},
	JobAssigned: {
		JobBuilding:    true,
		JobCompleting:  true,
		JobCompleted:   true,
		JobCancelled:   true,
		JobRescheduled: true,
	},
	JobBuilding: {
		JobCompleting:  true,
		JobCompleted:   true,
		JobCancelled:   true,
		JobRescheduled: true,
	},
	JobCompleting: {
		JobCompleted:   true,
		JobCancelled:   true,
		JobRescheduled: true,
	},
}

var validJobResults = map[JobResult]bool{
	ResultUnknown:   true,
	ResultPassed:    true,
	ResultFailed:    true,
	ResultCancelled: true,
}

func IsJobTerminal(s JobState) bool {
	return terminalJobStates[s]
}

// IsActiveOnAgent reports whether an agent holds a job in state s and must be
// told when it is cancelled. A completing job has already reported its result.
func IsActiveOnAgent(s JobState) bool {
	return s == JobAssigned || s == JobBuilding
}

func ValidJobResult(r JobResult) bool {
	return validJobResults[r]
}

// ErrInvalidTransition wraps every rejected job state change.
var ErrInvalidTransition = errors.New("invalid job transition")

func ValidateJobTransition(from, to JobState) error {
	if IsJobTerminal(from) {
		return fmt.Errorf("%w: job is in terminal state %q", ErrInvalidTransition, from)
	}
	allowed, ok := validJobTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown job state %q", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %q → %q", ErrInvalidTransition, from, to)
	}
	return nil
}

func IsStageCompleted(s StageState) bool {
	return s != StageBuilding
}
