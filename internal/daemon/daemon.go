// Package daemon runs the scheduler: it owns every long-lived component, keeps
// them in step with the pipelines file, and serves requests on a Unix socket.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/msageha/conveyor/internal/buildcause"
	"github.com/msageha/conveyor/internal/config"
	"github.com/msageha/conveyor/internal/console"
	"github.com/msageha/conveyor/internal/dispatch"
	"github.com/msageha/conveyor/internal/events"
	"github.com/msageha/conveyor/internal/gate"
	"github.com/msageha/conveyor/internal/health"
	"github.com/msageha/conveyor/internal/job"
	"github.com/msageha/conveyor/internal/lock"
	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/materials"
	"github.com/msageha/conveyor/internal/metrics"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/monitor"
	"github.com/msageha/conveyor/internal/pipelinelock"
	"github.com/msageha/conveyor/internal/schedule"
	"github.com/msageha/conveyor/internal/secrets"
	"github.com/msageha/conveyor/internal/store"
	"github.com/msageha/conveyor/internal/txn"
	"github.com/msageha/conveyor/internal/uds"
)

// auditedEvents are copied to the audit log.
var auditedEvents = []events.EventType{
	events.EventBuildCauseProduced,
	events.EventSchedulingRejected,
	events.EventJobStatusChanged,
	events.EventJobAssigned,
	events.EventJobResult,
	events.EventLockStatusChanged,
}

// Daemon is the scheduler process.
type Daemon struct {
	stateDir string
	config   model.Config
	logger   *logging.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	audit    *events.AuditLogger

	store      *store.Store
	publisher  *config.Publisher
	watcher    *config.Watcher
	bus        *events.Bus
	health     *health.Service
	metrics    *metrics.Metrics
	console    *console.FileSink
	locks      *pipelinelock.Manager
	tracker    *job.Tracker
	service    *schedule.Service
	dispatcher *dispatch.Dispatcher
	monitor    *monitor.Monitor
	timers     *schedule.TimerScheduler
	secrets    *secrets.Resolver

	maintenance atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New creates a daemon logging to stateDir/logs/daemon.log.
func New(stateDir string, cfg model.Config) (*Daemon, error) {
	w, err := logging.NewRotatingFile(stateDir, cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(stateDir, cfg, w, w)
}

func newDaemon(stateDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	applyDefaults(&cfg)
	ctx, cancel := context.WithCancel(context.Background())
	logger := logging.New(w, logging.ParseLevel(cfg.Logging.Level), "daemon")

	d := &Daemon{
		stateDir: stateDir,
		config:   cfg,
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(stateDir, "locks", daemonLockName)),
		server:   uds.NewServer(filepath.Join(stateDir, uds.DefaultSocketName), logger.With("uds")),
		ctx:      ctx,
		cancel:   cancel,
	}
	d.maintenance.Store(cfg.Server.MaintenanceMode)
	d.wire()
	d.registerHandlers()
	return d, nil
}

// wire builds the component graph. Nothing here touches the filesystem.
func (d *Daemon) wire() {
	cfg := d.config
	logger := d.logger

	d.store = store.New(d.stateDir)
	d.publisher = config.NewPublisher(config.Empty())
	d.watcher = config.NewWatcher(filepath.Join(d.stateDir, pipelinesFileName), d.publisher, logger.With("config"), d.configError)
	d.bus = events.NewBus(defaultEventBufferSize, logger.With("events"))
	d.health = health.NewService()
	d.metrics = metrics.New()
	d.server.SetObserver(d.metrics.RequestServed)
	d.console = console.NewFileSink(filepath.Join(d.stateDir, "console"))

	txm := txn.NewManager(logger.With("txn"))
	mutexes := lock.NewMutexMap()

	d.locks = pipelinelock.NewManager(d.store, d.publisher, txm, mutexes, logger.With("lock"))
	d.tracker = job.NewTracker(d.store, txm, d.health, d.bus, mutexes, logger.With("job"))

	resolver := buildcause.NewResolver(d.store, logger.With("buildcause"), cfg.Scheduler.MaxFaninBacktrack)
	d.service = schedule.NewService(d.store, d.publisher, txm, mutexes, resolver, materials.NewDefaultRegistry(d.store), d.locks, d.tracker, d.health, logger.With("schedule"))
	d.service.SetEventBus(d.bus)
	d.service.SetMetrics(d.metrics)
	d.service.SetMaintenanceMode(d.maintenance.Load)
	d.service.SetDiskSpace(gate.StatfsDiskSpace{Path: cfg.Server.ArtifactsDir}, cfg.Server.MinFreeDiskMB)
	d.service.SetTriggerMonitor(schedule.NewTriggerMonitor(time.Duration(cfg.Scheduler.TriggerDebounceSec) * time.Second))

	d.secrets = secrets.NewResolver(d.publisher, logger.With("secrets"))
	d.secrets.Register(secrets.FilePluginID, secrets.FileBackend{})

	d.dispatcher = dispatch.NewDispatcher(d.store, d.publisher, d.service, d.secrets, d.console, logger.With("dispatch"))
	d.dispatcher.SetNegotiator(nil, time.Duration(cfg.Scheduler.NegotiationTimeoutMs)*time.Millisecond)
	d.dispatcher.SetMaintenanceMode(d.maintenance.Load)
	d.dispatcher.SetMetrics(d.metrics)
	d.service.SetPool(d.dispatcher)

	d.monitor = monitor.NewMonitor(d.publisher, d.health, d.console, d.service, logger.With("monitor"))
	d.monitor.SetMetrics(d.metrics)
	d.tracker.RegisterListener(d.monitor)
	d.tracker.RegisterListener(job.ListenerFunc(func(j *model.JobInstance) error {
		d.metrics.JobTransition(string(j.State))
		return nil
	}))

	d.locks.RegisterListener(pipelinelock.ListenerFunc(func(e pipelinelock.Event) error {
		d.metrics.LockEvent(e.Locked)
		d.bus.Publish(events.EventLockStatusChanged, map[string]interface{}{
			"pipeline":  e.PipelineName,
			"locked":    e.Locked,
			"locked_by": e.LockedBy.String(),
		})
		return nil
	}))

	d.timers = schedule.NewTimerScheduler(d.service, logger.With("timer"))
}

func (d *Daemon) configError(err error) {
	d.health.Update(health.Error("Invalid pipelines configuration", err.Error(), health.Global()))
}

// Run starts the daemon and blocks until a signal or a shutdown request.
func (d *Daemon) Run() error {
	if err := d.start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

func (d *Daemon) start() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Infof("daemon starting pid=%d server=%s", os.Getpid(), d.config.Server.Name)

	if d.config.Server.ArtifactsDir != "" {
		if err := os.MkdirAll(d.config.Server.ArtifactsDir, 0755); err != nil {
			d.cleanup()
			return fmt.Errorf("create artifacts dir: %w", err)
		}
	}
	recovered, err := d.store.Load()
	if err != nil {
		d.cleanup()
		return err
	}
	for _, r := range recovered {
		d.logger.Warnf("state recovery: %s", r)
	}
	if err := d.watcher.Reload(); err != nil {
		d.cleanup()
		return fmt.Errorf("load %s: %w", pipelinesFileName, err)
	}
	d.applyConfig(d.publisher.Current())

	if err := d.dispatcher.Refresh(d.ctx); err != nil {
		d.logger.Warnf("initial pool refresh: %v", err)
	}
	d.monitor.Seed(d.store)

	audit, err := events.NewAuditLogger(filepath.Join(d.stateDir, "logs", auditLogName), defaultAuditMaxSizeMB, defaultAuditMaxBackups)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit
	audit.Attach(d.bus, auditedEvents...)

	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Infof("UDS server listening on %s", filepath.Join(d.stateDir, uds.DefaultSocketName))

	d.startLoops()
	d.timers.Start(d.ctx)
	d.logger.Infof("daemon ready")
	return nil
}

func (d *Daemon) startLoops() {
	updates, unsubscribe := d.publisher.Subscribe()
	sc := d.config.Scheduler

	d.wg.Add(5)
	go func() {
		defer d.wg.Done()
		if err := d.watcher.Run(d.ctx); err != nil {
			d.logger.Errorf("config watcher stopped: %v", err)
		}
	}()
	go func() {
		defer d.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-d.ctx.Done():
				return
			case snap, ok := <-updates:
				if !ok {
					return
				}
				d.applyConfig(snap)
			}
		}
	}()
	go d.tick(time.Duration(sc.PoolRefreshIntervalSec)*time.Second, func() {
		if err := d.dispatcher.Refresh(d.ctx); err != nil && d.ctx.Err() == nil {
			d.logger.Warnf("pool refresh: %v", err)
		}
	})
	go d.tick(time.Duration(sc.QueueDrainIntervalSec)*time.Second, func() {
		if n := d.service.ScheduleFromQueue(d.ctx); n > 0 {
			d.logger.Debugf("scheduled %d pipeline runs", n)
		}
	})
	go func() {
		defer d.wg.Done()
		d.monitor.Run(d.ctx, time.Duration(sc.MonitorSweepIntervalSec)*time.Second)
	}()
}

func (d *Daemon) tick(interval time.Duration, fn func()) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// applyConfig brings every component in line with a new snapshot.
func (d *Daemon) applyConfig(snap *config.Snapshot) {
	d.health.RemoveByScope(health.Global())
	if err := d.service.OnConfigChange(d.ctx, snap); err != nil {
		d.logger.Errorf("reconcile pipeline locks: %v", err)
	}
	d.dispatcher.OnConfigChange(d.ctx, snap)
	d.timers.Rebuild(snap)
	d.logger.Infof("config applied checksum=%s pipelines=%d", snap.Checksum(), len(snap.Pipelines()))
}

func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Infof("received signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			d.logger.Warnf("received second signal, forcing exit")
			os.Exit(1)
		}()
		d.Shutdown()
	case <-d.ctx.Done():
	}
}

// Shutdown stops the daemon. It is safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infof("shutdown started")
		d.cancel()
		d.timers.Stop()
		d.server.Stop()

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.logger.Infof("all goroutines drained")
		case <-time.After(timeout):
			d.logger.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		d.bus.Close()
		d.logger.Infof("daemon stopped")
		d.cleanup()
	})
}

func (d *Daemon) cleanup() {
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.logger.Warnf("close audit log: %v", err)
		}
		d.audit = nil
	}
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}
