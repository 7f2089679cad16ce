package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/conveyor/internal/logging"
)

// Publisher hands out the current snapshot and delivers new ones to subscribers.
// A slow subscriber only ever sees the latest snapshot.
type Publisher struct {
	mu      sync.RWMutex
	current *Snapshot
	subs    map[int]chan *Snapshot
	nextID  int
}

func NewPublisher(initial *Snapshot) *Publisher {
	if initial == nil {
		initial = Empty()
	}
	return &Publisher{current: initial, subs: make(map[int]chan *Snapshot)}
}

func (p *Publisher) Current() *Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe returns a channel receiving every subsequently published snapshot
// and a function that cancels the subscription.
func (p *Publisher) Subscribe() (<-chan *Snapshot, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	ch := make(chan *Snapshot, 1)
	p.subs[id] = ch
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(c)
		}
	}
}

func (p *Publisher) Publish(s *Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = s
	for _, ch := range p.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

// Watcher reloads the pipelines file on change and publishes valid snapshots.
type Watcher struct {
	path      string
	publisher *Publisher
	logger    *logging.Logger
	onError   func(error)
	debounce  time.Duration
}

func NewWatcher(path string, publisher *Publisher, logger *logging.Logger, onError func(error)) *Watcher {
	if onError == nil {
		onError = func(error) {}
	}
	return &Watcher{path: path, publisher: publisher, logger: logger, onError: onError, debounce: 200 * time.Millisecond}
}

// Reload reads the file once and publishes it if its content changed.
func (w *Watcher) Reload() error {
	s, err := Load(w.path)
	if err != nil {
		w.logger.Errorf("reload %s: %v", w.path, err)
		w.onError(err)
		return err
	}
	if s.Checksum() == w.publisher.Current().Checksum() {
		return nil
	}
	w.logger.Infof("pipelines config changed checksum=%s pipelines=%d", s.Checksum(), len(s.Pipelines()))
	w.publisher.Publish(s)
	return nil
}

// Run watches the file's directory until ctx is done. Editors that replace the
// file by rename are handled by watching the directory instead of the file.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	var fire <-chan time.Time
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				if timer != nil {
					timer.Stop()
				}
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			}
		case <-fire:
			fire = nil
			_ = w.Reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Errorf("fsnotify error=%v", err)
		}
	}
}
