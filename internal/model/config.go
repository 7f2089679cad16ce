// Package model defines the data structures shared by the scheduler: identifiers,
// materials, build causes, job and stage instances, and the server configuration.
package model

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Name            string `yaml:"name"`
	ArtifactsDir    string `yaml:"artifacts_dir"`
	MinFreeDiskMB   int64  `yaml:"min_free_disk_mb"`
	MaintenanceMode bool   `yaml:"maintenance_mode"`
}

type SchedulerConfig struct {
	PoolRefreshIntervalSec  int `yaml:"pool_refresh_interval_sec"`
	QueueDrainIntervalSec   int `yaml:"queue_drain_interval_sec"`
	MonitorSweepIntervalSec int `yaml:"monitor_sweep_interval_sec"`
	NegotiationTimeoutMs    int `yaml:"negotiation_timeout_ms"`
	TriggerDebounceSec      int `yaml:"trigger_debounce_sec"`
	MaxFaninBacktrack       int `yaml:"max_fanin_backtrack"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}
