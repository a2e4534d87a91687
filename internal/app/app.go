package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"compliance-watch/internal/alerting"
	"compliance-watch/internal/alerts"
	"compliance-watch/internal/cache"
	"compliance-watch/internal/config"
	"compliance-watch/internal/escalation"
	"compliance-watch/internal/fetcher"
	"compliance-watch/internal/metrics"
	"compliance-watch/internal/monitor"
	"compliance-watch/internal/risk"
	"compliance-watch/internal/service"
	"compliance-watch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer

	// repo replaces the configured store when set.
	repo storage.Repository
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// engine is the wired object graph shared by the commands.
type engine struct {
	store      storage.Repository
	locker     storage.AdvisoryLocker
	router     *alerting.Router
	risk       *risk.Engine
	escalation *escalation.Engine
	alerts     *alerts.Manager
	monitor    *monitor.Monitor
	closers    []func()
}

func (e *engine) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func (a *App) openStore(ctx context.Context) (storage.Repository, storage.AdvisoryLocker, func(), error) {
	if a.repo != nil {
		return a.repo, nil, func() {}, nil
	}
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory storage")
		return storage.NewMemoryStore(), nil, func() {}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, nil, err
	}
	store := storage.NewStore(pool)
	return store, store, store.Close, nil
}

func (a *App) openCache(ctx context.Context) (cache.Cache, func()) {
	cfg := a.Config.Cache
	if strings.EqualFold(cfg.Backend, "redis") {
		rc, err := cache.NewRedis(cfg.RedisURL, cfg.Prefix)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err = rc.Ping(pingCtx)
			cancel()
			if err == nil {
				return rc, func() { _ = rc.Close() }
			}
			_ = rc.Close()
		}
		a.Logger.Warn().Err(err).Msg("redis cache unavailable; falling back to in-memory cache")
	}
	return cache.NewMemory(nil), func() {}
}

func (a *App) newRouter() *alerting.Router {
	router := alerting.NewRouter(a.Config.Alerting.Routes, a.Logger)
	router.Register("log", alerting.NewLogNotifier(a.Logger))
	if tg := a.Config.Alerting.Telegram; tg.Enabled {
		router.Register("telegram", alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, tg.Timeout, a.Logger))
	}
	return router
}

func (a *App) newAuthority() *fetcher.Authority {
	cfg := a.Config.Authority
	return fetcher.NewAuthority(fetcher.AuthorityOptions{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		Timeout:    cfg.RequestTimeout,
		MaxRetries: cfg.MaxRetries,
		RateLimit:  cfg.RateLimit,
		Burst:      cfg.Burst,
		UserAgent:  cfg.UserAgent,
	}, a.Logger)
}

func (a *App) escalationOptions() (escalation.Options, error) {
	cfg := a.Config.Escalation
	hours, err := escalation.BusinessHoursFromConfig(cfg, a.Config.Location())
	if err != nil {
		return escalation.Options{}, err
	}

	intervals := make([]time.Duration, 0, len(cfg.Intervals))
	for _, m := range cfg.Intervals {
		intervals = append(intervals, time.Duration(m)*time.Minute)
	}

	var delays map[storage.Severity]time.Duration
	if len(cfg.InitialDelays) > 0 {
		delays = make(map[storage.Severity]time.Duration, len(cfg.InitialDelays))
		for sev, d := range cfg.InitialDelays {
			delays[storage.ParseSeverity(sev)] = d
		}
	}

	contacts := make([]escalation.Contact, 0, len(cfg.Contacts))
	for _, c := range cfg.Contacts {
		contacts = append(contacts, escalation.Contact{Level: c.Level, Name: c.Name, Channels: c.Channels})
	}

	return escalation.Options{
		MaxLevel:      cfg.MaxLevel,
		Intervals:     intervals,
		InitialDelays: delays,
		Hours:         hours,
		Contacts:      contacts,
	}, nil
}

func (a *App) monitorOptions() monitor.Options {
	cfg := a.Config.Monitor
	rules := make([]monitor.IntervalRule, 0, len(cfg.Intervals))
	for _, r := range cfg.Intervals {
		rules = append(rules, monitor.IntervalRule{MinScore: r.MinScore, Minutes: r.Minutes})
	}
	return monitor.Options{
		FailureThreshold:    cfg.FailureThreshold,
		Cooldown:            cfg.Cooldown,
		CacheTTL:            a.Config.Cache.TTL,
		RescheduleThreshold: cfg.RescheduleThreshold,
		DailyHour:           cfg.DailyHour,
		CheckTimeout:        cfg.CheckTimeout,
		AlertMinSeverity:    storage.ParseSeverity(cfg.AlertMinSeverity),
		RiskJumpThreshold:   cfg.RiskJumpThreshold,
		Intervals:           rules,
	}
}

// build wires the object graph. A nil source uses the authority client.
func (a *App) build(ctx context.Context, rec *metrics.Recorder, source fetcher.SnapshotSource) (*engine, error) {
	store, locker, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	eng := &engine{store: store, locker: locker, closers: []func(){closeStore}}

	escOpts, err := a.escalationOptions()
	if err != nil {
		eng.close()
		return nil, err
	}

	resultCache, closeCache := a.openCache(ctx)
	eng.closers = append(eng.closers, closeCache)

	if source == nil {
		source = a.newAuthority()
	}

	eng.router = a.newRouter()
	eng.risk = risk.NewEngine(store, risk.Options{
		DeadlineDay:        a.Config.Risk.DeadlineDay,
		HistoryMonths:      a.Config.Risk.HistoryMonths,
		PredictiveMonths:   a.Config.Risk.PredictiveMonths,
		IndustryMultiplier: a.Config.Risk.IndustryMultiplier,
		Location:           a.Config.Location(),
	}, rec, a.Logger)
	eng.escalation = escalation.NewEngine(store, eng.router, escOpts, rec, a.Logger)
	eng.alerts = alerts.NewManager(store, eng.escalation, eng.router, alerts.Options{
		DedupWindow: a.Config.Alerting.DedupWindow,
		Retention:   a.Config.Alerting.Retention,
	}, rec, a.Logger)
	eng.monitor = monitor.New(store, source, eng.risk, eng.alerts, resultCache, a.monitorOptions(), rec, a.Logger)
	eng.closers = append(eng.closers, eng.escalation.Stop, eng.monitor.Stop)
	return eng, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.New(registry)

	eng, err := a.build(ctx, rec, nil)
	if err != nil {
		return err
	}
	defer eng.close()

	svc := service.New(eng.monitor, eng.escalation, eng.alerts, eng.risk, eng.locker, service.Options{
		Interval:     a.Config.Maintenance.Interval,
		StartupDelay: a.Config.Maintenance.StartupDelay,
		LockKey:      a.Config.Maintenance.AdvisoryLockKey,
		Recalculate:  a.Config.Maintenance.Recalculate,
	}, a.Logger)

	if a.Config.Metrics.Enabled {
		srv := &http.Server{
			Addr:              a.Config.Metrics.Listen,
			Handler:           newOpsRouter(registry, eng.health),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.Logger.Info().Str("listen", srv.Addr).Msg("ops server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error().Err(err).Msg("ops server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	a.Logger.Info().Strs("channels", eng.router.Channels()).Msg("starting compliance monitoring service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("compliance monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting risk calculations.
type ExportOptions struct {
	EntityID  string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	EntityID string
	Limit    int
}

// AlertListOptions configure the alerts list command.
type AlertListOptions struct {
	EntityID string
	Severity string
	Type     string
	// All includes resolved alerts.
	All   bool
	Limit int
}

// SimulateOptions describe the snapshot fed through a simulated check.
type SimulateOptions struct {
	EntityID           string
	FiscalActive       bool
	VATRegistered      bool
	OverdueFilings     int
	LateCorrections    int
	PendingObligations int
}
