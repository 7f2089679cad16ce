package schedule

import (
	"strings"
	"sync"
	"time"
)

// TriggerMonitor remembers pipelines whose trigger was accepted but whose run
// has not been created yet. A mark older than the window no longer counts.
type TriggerMonitor struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	marked map[string]time.Time
}

// NewTriggerMonitor returns a monitor whose marks expire after window. A
// window of zero or less never expires.
func NewTriggerMonitor(window time.Duration) *TriggerMonitor {
	return &TriggerMonitor{window: window, now: time.Now, marked: make(map[string]time.Time)}
}

func (m *TriggerMonitor) live(k string) bool {
	at, ok := m.marked[k]
	if !ok {
		return false
	}
	if m.window > 0 && m.now().Sub(at) > m.window {
		delete(m.marked, k)
		return false
	}
	return true
}

// MarkTriggered marks the pipeline. It returns false when it was already marked.
func (m *TriggerMonitor) MarkTriggered(pipeline string) bool {
	k := strings.ToLower(pipeline)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live(k) {
		return false
	}
	m.marked[k] = m.now()
	return true
}

func (m *TriggerMonitor) IsTriggered(pipeline string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(strings.ToLower(pipeline))
}

func (m *TriggerMonitor) Clear(pipeline string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.marked, strings.ToLower(pipeline))
}
