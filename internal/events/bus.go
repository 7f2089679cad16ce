// Package events carries scheduler notifications to asynchronous consumers:
// job result messages for agents, lock changes, and the audit trail.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/conveyor/internal/logging"
)

// EventType names a topic.
type EventType string

const (
	// EventJobResult tells the agent running a job that it must stop.
	EventJobResult EventType = "job_result"
	// EventJobStatusChanged is published after every persisted job transition.
	EventJobStatusChanged EventType = "job_status_changed"
	// EventLockStatusChanged is published after a pipeline lock or unlock commits.
	EventLockStatusChanged EventType = "lock_status_changed"
	// EventBuildCauseProduced is published when a pipeline is queued to run.
	EventBuildCauseProduced EventType = "build_cause_produced"
	// EventSchedulingRejected is published when a gate refuses a trigger.
	EventSchedulingRejected EventType = "scheduling_rejected"
	// EventJobAssigned is published when a plan is handed to an agent.
	EventJobAssigned EventType = "job_assigned"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

type Subscriber func(Event)

type subscription struct {
	ch   chan Event
	once sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Bus delivers each topic's events to its subscribers in publish order. Every
// subscriber has its own buffer; an event that does not fit is dropped for
// that subscriber only and counted.
type Bus struct {
	size    int
	logger  *logging.Logger
	now     func() time.Time
	dropped atomic.Int64
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	topics map[EventType][]*subscription
}

func NewBus(bufferSize int, logger *logging.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		size:   bufferSize,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		topics: make(map[EventType][]*subscription),
	}
}

// Subscribe runs fn on a dedicated goroutine for every event of eventType and
// returns a function that cancels the subscription. Subscribing to a closed
// bus does nothing.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	sub := &subscription{ch: make(chan Event, b.size)}
	b.topics[eventType] = append(b.topics[eventType], sub)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for e := range sub.ch {
			b.deliver(fn, e)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[eventType]
		for i, s := range subs {
			if s == sub {
				b.topics[eventType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		sub.close()
	}
}

func (b *Bus) deliver(fn Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("subscriber panic on %s: %v", e.Type, r)
		}
	}()
	fn(e)
}

func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	e := Event{Type: eventType, Timestamp: b.now(), Data: data}
	for _, sub := range b.topics[eventType] {
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
			b.logger.Warnf("dropped %s event: subscriber buffer full", eventType)
		}
	}
}

// Dropped reports how many deliveries were lost to full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops accepting events and waits until subscribers have handled
// everything already buffered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for t, subs := range b.topics {
		for _, s := range subs {
			s.close()
		}
		delete(b.topics, t)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
