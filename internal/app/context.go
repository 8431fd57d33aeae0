package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"pulseline/internal/activity"
	"pulseline/internal/briefing"
	"pulseline/internal/config"
	"pulseline/internal/engine"
	"pulseline/internal/events"
	"pulseline/internal/logging"
	"pulseline/internal/metrics"
	"pulseline/internal/state"
	"pulseline/internal/transport"
)

// Options tune Open.
type Options struct {
	// Registerer receives the metrics collectors; nil uses a private registry.
	Registerer prometheus.Registerer
	Log        *zap.SugaredLogger
	Now        func() time.Time
}

// App is every component of a workspace, wired together.
type App struct {
	Workspace string
	Store     events.Store
	Engine    engine.Engine
	State     *state.File
	Activity  *activity.Tracker
	Scheduler *briefing.Scheduler
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry
	Log       *zap.SugaredLogger

	mu  sync.RWMutex
	cfg *config.Config
}

// ResolveConfig loads the workspace config, or path when it is set. A missing
// workspace config yields defaults.
func ResolveConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

// Open builds the store, engine, tracker and scheduler for workspace.
func Open(ctx context.Context, workspace string, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log := logging.Named(opts.Log, "app")
	dir := cfg.StorageDir(workspace)

	store, err := events.Open(ctx, cfg.Backend(), dir, opts.Log)
	if err != nil {
		return nil, fmt.Errorf("open %s store in %s: %w", cfg.Backend(), dir, err)
	}
	a := &App{Workspace: workspace, cfg: cfg, Store: store, State: state.NewFile(dir), Log: log}

	reg := opts.Registerer
	if reg == nil {
		a.Registry = prometheus.NewRegistry()
		reg = a.Registry
	}
	a.Metrics = metrics.New(reg)

	a.Engine = engine.New(store)
	if opts.Now != nil {
		a.Engine.Now = opts.Now
	}
	a.Activity = NewTracker(cfg, opts.Now)

	a.Scheduler, err = briefing.NewScheduler(briefing.Options{
		Config:  cfg,
		Engine:  a.Engine,
		State:   a.State,
		Sender:  NewSender(cfg),
		Metrics: a.Metrics,
		Log:     opts.Log,
		Now:     opts.Now,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

// Config returns the config currently in effect. It is replaced, never
// mutated, by Reload.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Reload applies a changed config to the running scheduler and tracker.
// Storage settings and activity.enabled are not hot-swappable and keep their
// original values. cfg itself is not modified.
func (a *App) Reload(cfg *config.Config) error {
	cur := a.Config()
	next := *cfg
	next.Storage = cur.Storage
	if next.Activity.Enabled != cur.Activity.Enabled {
		a.Log.Warnw("activity.enabled changes apply on restart", "enabled", cur.Activity.Enabled)
		next.Activity.Enabled = cur.Activity.Enabled
	}
	if err := a.Scheduler.SetConfig(&next); err != nil {
		return err
	}
	a.Scheduler.SetSender(NewSender(&next))
	a.Activity.Configure(trackerOptions(&next, nil))

	a.mu.Lock()
	a.cfg = &next
	a.mu.Unlock()
	a.Log.Infow("config reloaded", "observe", next.Observe.Enabled, "transport", next.Transport.Enabled)
	return nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

// NewSender returns the channel client, or nil when delivery is disabled or
// the credential is missing (briefings are then only logged).
func NewSender(cfg *config.Config) transport.Sender {
	if !briefing.ChannelConfigured(cfg) {
		if cfg.Transport.Enabled {
			logging.Logger.Warnw("transport enabled without channel or credential; briefings are log-only",
				"channel", cfg.Transport.ChannelID, "token_env", cfg.Transport.TokenEnv)
		}
		return nil
	}
	return transport.NewChannelClient(transport.ChannelOptions{
		BaseURL:      cfg.TransportBaseURL(),
		Token:        cfg.TransportToken(),
		Timeout:      cfg.TransportTimeout(),
		MaxPerMinute: cfg.Transport.MaxPerMinute,
	})
}

// NewTracker builds the activity tracker, or nil when tracking is disabled.
func NewTracker(cfg *config.Config, now func() time.Time) *activity.Tracker {
	if !cfg.Activity.Enabled {
		return nil
	}
	return activity.New(trackerOptions(cfg, now))
}

func trackerOptions(cfg *config.Config, now func() time.Time) activity.Options {
	return activity.Options{
		MaxRecentCalls: cfg.Activity.MaxRecentCalls,
		MaxAgents:      cfg.Activity.MaxAgents,
		ExcludeTools:   cfg.Activity.ExcludeTools,
		Now:            now,
	}
}
