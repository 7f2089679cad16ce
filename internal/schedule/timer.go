package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/msageha/conveyor/internal/config"
	"github.com/msageha/conveyor/internal/gate"
	"github.com/msageha/conveyor/internal/logging"
)

// Triggerer produces build causes.
type Triggerer interface {
	ProduceBuildCause(ctx context.Context, req TriggerRequest) gate.Result
}

// TimerScheduler triggers pipelines on their cron timers. Entries are rebuilt
// from every configuration snapshot.
type TimerScheduler struct {
	cron    *cron.Cron
	trigger Triggerer
	logger  *logging.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
}

func NewTimerScheduler(trigger Triggerer, logger *logging.Logger) *TimerScheduler {
	return &TimerScheduler{
		cron:    cron.New(cron.WithParser(config.TimerParser)),
		trigger: trigger,
		logger:  logger,
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
	}
}

type timerJob struct {
	scheduler *TimerScheduler
	pipeline  string
}

func (j timerJob) Run() {
	j.scheduler.fire(j.pipeline)
}

func (t *TimerScheduler) fire(pipeline string) {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	r := t.trigger.ProduceBuildCause(ctx, TriggerRequest{Pipeline: pipeline, Site: gate.TimerTrigger, User: gate.TimerUser})
	if r.Failed() {
		t.logger.Warnf("timer trigger pipeline=%s: %d %s", pipeline, r.Code, r.Message)
		return
	}
	t.logger.Infof("timer trigger pipeline=%s: %s", pipeline, r.Message)
}

// Rebuild replaces every entry with the timers of snap.
func (t *TimerScheduler) Rebuild(snap *config.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, id := range t.entries {
		t.cron.Remove(id)
		delete(t.entries, name)
	}
	for _, p := range snap.Pipelines() {
		if p.Timer == nil || p.Timer.Spec == "" {
			continue
		}
		id, err := t.cron.AddJob(p.Timer.Spec, timerJob{scheduler: t, pipeline: p.Name})
		if err != nil {
			t.logger.Errorf("timer for pipeline %s: %v", p.Name, err)
			continue
		}
		t.entries[p.Name] = id
	}
	t.logger.Debugf("timers rebuilt entries=%d", len(t.entries))
}

// Next returns the next firing time of the pipeline's timer.
func (t *TimerScheduler) Next(pipeline string) (time.Time, bool) {
	t.mu.Lock()
	id, ok := t.entries[pipeline]
	t.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return t.cron.Entry(id).Next, true
}

// Entries lists the pipelines that have a timer.
func (t *TimerScheduler) Entries() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.entries))
	for name := range t.entries {
		out = append(out, name)
	}
	return out
}

func (t *TimerScheduler) Start(ctx context.Context) {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()
	t.cron.Start()
}

// Stop stops the timers and waits for running triggers.
func (t *TimerScheduler) Stop() {
	<-t.cron.Stop().Done()
}
