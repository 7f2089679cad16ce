package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/msageha/conveyor/internal/model"
)

// Defaults applied to zero-valued settings.
const (
	defaultPoolRefreshSec  = 10
	defaultQueueDrainSec   = 2
	defaultMonitorSweepSec = 60
	defaultNegotiationMs   = 5000
	defaultDebounceSec     = 300
	defaultFaninBacktrack  = 100
	defaultShutdownTimeout = 30
	defaultEventBufferSize = 256
	defaultAuditMaxSizeMB  = 10
	defaultAuditMaxBackups = 3
	pipelinesFileName      = "pipelines.yaml"
	configFileName         = "config.yaml"
	auditLogName           = "audit.jsonl"
	daemonLockName         = "daemon.lock"
)

// LoadConfig reads config.yaml from stateDir and fills unset values.
func LoadConfig(stateDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, configFileName))
	if err != nil {
		return model.Config{}, fmt.Errorf("read %s: %w", configFileName, err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse %s: %w", configFileName, err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *model.Config) {
	s := &cfg.Scheduler
	if s.PoolRefreshIntervalSec <= 0 {
		s.PoolRefreshIntervalSec = defaultPoolRefreshSec
	}
	if s.QueueDrainIntervalSec <= 0 {
		s.QueueDrainIntervalSec = defaultQueueDrainSec
	}
	if s.MonitorSweepIntervalSec <= 0 {
		s.MonitorSweepIntervalSec = defaultMonitorSweepSec
	}
	if s.NegotiationTimeoutMs <= 0 {
		s.NegotiationTimeoutMs = defaultNegotiationMs
	}
	if s.TriggerDebounceSec <= 0 {
		s.TriggerDebounceSec = defaultDebounceSec
	}
	if s.MaxFaninBacktrack <= 0 {
		s.MaxFaninBacktrack = defaultFaninBacktrack
	}
	if cfg.Daemon.ShutdownTimeoutSec <= 0 {
		cfg.Daemon.ShutdownTimeoutSec = defaultShutdownTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
