package events

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditEntry is one line of the scheduling audit trail. Pipeline, JobID,
// BuildID and AgentUUID are copied out of the event payload so the log can be
// filtered without parsing Details.
type AuditEntry struct {
	Seq        uint64                 `json:"seq"`
	Timestamp  time.Time              `json:"timestamp"`
	EventType  string                 `json:"event_type"`
	TrackingID string                 `json:"tracking_id,omitempty"`
	Pipeline   string                 `json:"pipeline,omitempty"`
	JobID      string                 `json:"job_id,omitempty"`
	BuildID    string                 `json:"build_id,omitempty"`
	AgentUUID  string                 `json:"agent_uuid,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	// Prev is the Hash of the entry before this one in the same file.
	Prev string `json:"prev,omitempty"`
	Hash string `json:"hash"`
}

func (e *AuditEntry) digest() string {
	c := *e
	c.Hash = ""
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// AuditLogger appends hash-chained JSONL entries to a size-rotated file.
type AuditLogger struct {
	mu   sync.Mutex
	w    io.WriteCloser
	now  func() time.Time
	seq  uint64
	last string
}

func NewAuditLogger(logPath string, maxSizeMB, maxBackups int) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	l := newAuditLogger(&lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	})
	// Continue the chain of the current file after a restart.
	if last, ok := lastEntry(logPath); ok {
		l.seq, l.last = last.Seq, last.Hash
	}
	return l, nil
}

func newAuditLogger(w io.WriteCloser) *AuditLogger {
	return &AuditLogger{w: w, now: time.Now}
}

func stringField(details map[string]interface{}, key string) string {
	v, _ := details[key].(string)
	return v
}

// Log records one event payload.
func (l *AuditLogger) Log(eventType string, details map[string]interface{}) error {
	return l.write(AuditEntry{
		EventType:  eventType,
		TrackingID: stringField(details, "tracking_id"),
		Pipeline:   stringField(details, "pipeline"),
		JobID:      stringField(details, "job_id"),
		BuildID:    stringField(details, "build_id"),
		AgentUUID:  stringField(details, "agent_uuid"),
		Details:    details,
	})
}

func (l *AuditLogger) write(e AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Seq = l.seq + 1
	e.Timestamp = l.now().UTC()
	e.Prev = l.last
	e.Hash = e.digest()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := l.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	l.seq, l.last = e.Seq, e.Hash
	return nil
}

// Attach records every event of the given types until the returned function
// is called.
func (l *AuditLogger) Attach(bus *Bus, types ...EventType) func() {
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, bus.Subscribe(t, func(e Event) {
			_ = l.Log(string(e.Type), e.Data)
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}

// Verification summarizes a check of one audit file.
type Verification struct {
	Entries int
	// BrokenAt is the 1-based line of the first entry whose hash or link does
	// not match, or 0 when the whole chain holds.
	BrokenAt int
}

func (v Verification) Intact() bool { return v.BrokenAt == 0 }

// VerifyAuditLog walks the hash chain of the file at path. An undecodable line
// counts as a break.
func VerifyAuditLog(path string) (Verification, error) {
	f, err := os.Open(path)
	if err != nil {
		return Verification{}, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var (
		v    Verification
		prev string
		line int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line++
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			v.BrokenAt = line
			break
		}
		v.Entries++
		// The first entry of a rotated file links to a record that is now in
		// a backup, so only later links are checked.
		if e.Hash != e.digest() || (line > 1 && e.Prev != prev) {
			v.BrokenAt = line
			break
		}
		prev = e.Hash
	}
	if err := sc.Err(); err != nil {
		return v, fmt.Errorf("read audit log: %w", err)
	}
	return v, nil
}

func lastEntry(path string) (AuditEntry, bool) {
	f, err := os.Open(path)
	if err != nil {
		return AuditEntry{}, false
	}
	defer f.Close()

	var last AuditEntry
	found := false
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e AuditEntry
		if json.Unmarshal(sc.Bytes(), &e) == nil {
			last, found = e, true
		}
	}
	return last, found
}
