// Package console stores per-job console output as append-only log files.
package console

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/msageha/conveyor/internal/model"
)

// Sink appends server-generated lines to a job's console log.
type Sink interface {
	AppendToConsoleLog(id model.JobIdentifier, text string) error
}

type FileSink struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir, now: time.Now}
}

func (s *FileSink) pathFor(id model.JobIdentifier) string {
	return filepath.Join(s.dir,
		id.Name, strconv.Itoa(id.Counter),
		id.StageName, strconv.Itoa(id.StageCounter),
		id.JobName+".log")
}

func (s *FileSink) AppendToConsoleLog(id model.JobIdentifier, text string) error {
	return s.write(id, fmt.Sprintf("[conveyor] %s %s\n", s.now().Format(time.RFC3339), text))
}

// AppendAgentOutput stores output streamed by the agent, unmodified.
func (s *FileSink) AppendAgentOutput(id model.JobIdentifier, text string) error {
	return s.write(id, text)
}

func (s *FileSink) write(id model.JobIdentifier, line string) error {
	path := s.pathFor(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create console dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open console log: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append console log: %w", err)
	}
	return nil
}

func (s *FileSink) Read(id model.JobIdentifier) (string, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		return "", fmt.Errorf("read console log: %w", err)
	}
	return string(data), nil
}
