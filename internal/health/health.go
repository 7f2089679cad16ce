// Package health keeps scoped server health messages (errors and warnings about
// pipelines, stages and jobs) for the status surface.
package health

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type ScopeType string

const (
	ScopeGlobal   ScopeType = "global"
	ScopePipeline ScopeType = "pipeline"
	ScopeStage    ScopeType = "stage"
	ScopeJob      ScopeType = "job"
)

type Scope struct {
	Type     ScopeType `json:"type"`
	Pipeline string    `json:"pipeline,omitempty"`
	Stage    string    `json:"stage,omitempty"`
	Job      string    `json:"job,omitempty"`
}

func Global() Scope { return Scope{Type: ScopeGlobal} }

func ForPipeline(pipeline string) Scope {
	return Scope{Type: ScopePipeline, Pipeline: pipeline}
}

func ForStage(pipeline, stage string) Scope {
	return Scope{Type: ScopeStage, Pipeline: pipeline, Stage: stage}
}

func ForJob(pipeline, stage, job string) Scope {
	return Scope{Type: ScopeJob, Pipeline: pipeline, Stage: stage, Job: job}
}

func (s Scope) key() string {
	return strings.ToLower(fmt.Sprintf("%s|%s|%s|%s", s.Type, s.Pipeline, s.Stage, s.Job))
}

type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
)

type State struct {
	Level       Level     `json:"level"`
	Message     string    `json:"message"`
	Description string    `json:"description"`
	Scope       Scope     `json:"scope"`
	Timestamp   time.Time `json:"timestamp"`
}

func Error(message, description string, scope Scope) State {
	return State{Level: LevelError, Message: message, Description: description, Scope: scope}
}

func Warning(message, description string, scope Scope) State {
	return State{Level: LevelWarning, Message: message, Description: description, Scope: scope}
}

// Service holds at most one state per scope. Later updates replace earlier ones.
type Service struct {
	mu     sync.RWMutex
	states map[string]State
	now    func() time.Time
}

func NewService() *Service {
	return &Service{states: make(map[string]State), now: time.Now}
}

func (s *Service) Update(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.Timestamp.IsZero() {
		st.Timestamp = s.now()
	}
	s.states[st.Scope.key()] = st
}

func (s *Service) RemoveByScope(scope Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, scope.key())
}

func (s *Service) Get(scope Scope) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[scope.key()]
	return st, ok
}

// All returns every state, errors first and then by message.
func (s *Service) All() []State {
	s.mu.RLock()
	out := make([]State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level == LevelError
		}
		return out[i].Message < out[j].Message
	})
	return out
}

// PurgeMissingPipelines drops states scoped to pipelines that exists rejects.
func (s *Service) PurgeMissingPipelines(exists func(pipeline string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, st := range s.states {
		if st.Scope.Type != ScopeGlobal && !exists(st.Scope.Pipeline) {
			delete(s.states, k)
		}
	}
}
