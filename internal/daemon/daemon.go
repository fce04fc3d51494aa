package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/memoryapp/gamify/internal/api"
	"github.com/memoryapp/gamify/internal/app/engagement"
	"github.com/memoryapp/gamify/internal/domain"
	"github.com/memoryapp/gamify/internal/health"
	"github.com/memoryapp/gamify/internal/infra/alertbus"
	"github.com/memoryapp/gamify/internal/infra/metrics"
	"github.com/memoryapp/gamify/internal/infra/pgstore"
	"github.com/memoryapp/gamify/internal/infra/sqlite"
	"github.com/memoryapp/gamify/internal/log"
	"github.com/memoryapp/gamify/internal/rules"
)

// Job names, also used as metric labels.
const (
	JobExpiry  = "expire_quests"
	JobFlash   = "flash_tick"
	JobAlerts  = "dispatch_alerts"
	JobArchive = "archive_quests"
)

// Daemon is the gamify runtime. It wires together all services.
type Daemon struct {
	Config Config
	Store  domain.Store
	Rules  *rules.Rules
	Engine *engagement.Engine
	Server *api.Server
	Health *health.Checker
	Bus    *alertbus.RedisPublisher // nil when alerts go to the log

	scheduler gocron.Scheduler
	cancel    context.CancelFunc
}

// New loads configuration and creates a Daemon with all services wired.
// An empty configPath means $GAMIFY_HOME/config.toml.
func New(configPath string) (*Daemon, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.SetLevel(cfg.Logging.Level)
	log.SetFormat(cfg.Logging.Format)

	rl, err := loadRules(cfg.Engine.RulesFile)
	if err != nil {
		return nil, err
	}

	store, dataDir, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		Config: cfg,
		Store:  store,
		Rules:  rl,
	}

	ttl := parseDuration(cfg.Alerts.DedupTTL, alertbus.DefaultTTL)
	var publisher domain.AlertPublisher
	if cfg.Alerts.RedisAddr != "" {
		d.Bus = alertbus.NewRedisPublisher(cfg.Alerts.RedisAddr, cfg.Alerts.Channel, ttl)
		publisher = d.Bus
	} else {
		publisher = alertbus.NewLogPublisher(ttl)
	}

	opts := []engagement.Option{engagement.WithPublisher(publisher)}
	if cfg.Engine.MaxCASAttempts > 0 {
		opts = append(opts, engagement.WithMaxAttempts(cfg.Engine.MaxCASAttempts))
	}
	if cfg.Engine.Parallelism > 0 {
		opts = append(opts, engagement.WithParallelism(cfg.Engine.Parallelism))
	}
	d.Engine = engagement.New(store, rl, opts...)

	d.Health = health.NewChecker(store, dataDir)
	d.Health.Add(health.Check{
		Name: "rules",
		CheckFn: func(ctx context.Context) error {
			return rl.Validate()
		},
	})
	if d.Bus != nil {
		d.Health.Add(health.Check{
			Name:    "alert_bus",
			CheckFn: d.Bus.Ping,
		})
	}

	d.Server = api.NewServer(d.Engine)
	d.Server.SetChecker(d.Health)
	d.Server.SetTimeout(parseDuration(cfg.API.RequestTimeout, 0))
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}

	return d, nil
}

func loadRules(path string) (*rules.Rules, error) {
	if path == "" {
		return rules.Default()
	}
	rl, err := rules.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	log.Infof("[daemon] rules %s loaded from %s", rl.Version, path)
	return rl, nil
}

// openStore returns the configured store and, for sqlite, its directory.
func openStore(cfg StorageConfig) (domain.Store, string, error) {
	switch cfg.Driver {
	case DriverPostgres:
		s, err := pgstore.Open(cfg.DSN)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		return s, "", nil
	default:
		db, err := sqlite.Open(cfg.Dir)
		if err != nil {
			return nil, "", fmt.Errorf("open database: %w", err)
		}
		return db, cfg.Dir, nil
	}
}

// ─── Background jobs ────────────────────────────────────────────────────────

type jobFunc func(ctx context.Context, now time.Time) (int64, error)

type job struct {
	interval string
	run      jobFunc
}

func (d *Daemon) jobs() map[string]job {
	q, a := d.Engine.Quests, d.Engine.Alerts
	return map[string]job{
		JobExpiry: {d.Config.Jobs.ExpiryInterval, func(ctx context.Context, now time.Time) (int64, error) {
			n, err := q.ExpireStaleQuests(ctx, now)
			return int64(n), err
		}},
		JobFlash: {d.Config.Jobs.FlashInterval, func(ctx context.Context, now time.Time) (int64, error) {
			n, err := q.FlashTick(ctx, now)
			return int64(n), err
		}},
		JobAlerts: {d.Config.Jobs.AlertInterval, func(ctx context.Context, now time.Time) (int64, error) {
			n, err := a.Dispatch(ctx, now)
			return int64(n), err
		}},
		JobArchive: {d.Config.Jobs.ArchiveInterval, q.ArchiveQuests},
	}
}

// startJobs schedules every job with a non-empty interval. A pass still
// running when its next tick fires is rescheduled, not overlapped.
func (d *Daemon) startJobs(ctx context.Context) error {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	for name, j := range d.jobs() {
		if j.interval == "" {
			continue
		}
		name, run := name, j.run
		_, err := s.NewJob(
			gocron.DurationJob(parseDuration(j.interval, time.Hour)),
			gocron.NewTask(func() { d.runJob(ctx, name, run) }),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		log.Debugf("[jobs] %s every %s", name, j.interval)
	}
	s.Start()
	d.scheduler = s
	return nil
}

// runJob executes one pass and records its outcome.
func (d *Daemon) runJob(ctx context.Context, name string, run jobFunc) {
	start := time.Now()
	n, err := run(ctx, start)
	metrics.JobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.JobRuns.WithLabelValues(name, "error").Inc()
		log.WithFields(log.Fields{"job": name, "err": err}).Error("[jobs] run failed")
		return
	}
	metrics.JobRuns.WithLabelValues(name, "ok").Inc()
	if n > 0 {
		log.Infof("[jobs] %s: %d affected in %s", name, n, time.Since(start).Round(time.Millisecond))
	}
}

// SweepResult reports one maintenance pass.
type SweepResult struct {
	Expired  int   `json:"expired"`
	Archived int64 `json:"archived"`
}

// Sweep expires overdue quests and archives old terminal ones once.
func (d *Daemon) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	n, err := d.Engine.Quests.ExpireStaleQuests(ctx, now)
	if err != nil {
		return res, fmt.Errorf("expire quests: %w", err)
	}
	res.Expired = n

	archived, err := d.Engine.Quests.ArchiveQuests(ctx, now)
	if err != nil {
		return res, fmt.Errorf("archive quests: %w", err)
	}
	res.Archived = archived
	return res, nil
}

// ─── Serving ────────────────────────────────────────────────────────────────

// Serve starts the HTTP server and background jobs and blocks until
// shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go d.Health.Run(ctx)

	if d.Config.Jobs.Enabled {
		if err := d.startJobs(ctx); err != nil {
			cancel()
			return err
		}
	}

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
	}()

	log.Infof("[daemon] gamify serving on http://%s (store: %s)", addr, d.Config.Storage.Driver)
	if d.Config.Telemetry.Prometheus {
		log.Infof("[daemon] metrics on http://%s/metrics", addr)
	}

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		cancel()
		<-done
		d.Close()
		return err
	}
	<-done
	d.Close()
	return nil
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.scheduler != nil {
		if err := d.scheduler.Shutdown(); err != nil {
			log.Warnf("[daemon] scheduler shutdown: %v", err)
		}
		d.scheduler = nil
	}
	if d.Bus != nil {
		_ = d.Bus.Close()
		d.Bus = nil
	}
	if d.Store != nil {
		_ = d.Store.Close()
		d.Store = nil
	}
}
