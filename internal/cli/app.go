package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/flowwatch/internal/batch"
	"github.com/lucasnoah/flowwatch/internal/config"
	"github.com/lucasnoah/flowwatch/internal/engine"
	"github.com/lucasnoah/flowwatch/internal/history"
	"github.com/lucasnoah/flowwatch/internal/tracker"
)

var (
	configFile string
	engineURL  string
	logLevel   string
)

// loadConfig resolves the configuration from --config or the default search
// path and applies flag overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, _, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if engineURL != "" {
		cfg.Engine.URL = engineURL
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func validConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	return cfg, nil
}

func openHistory(ctx context.Context, cfg *config.Config) (history.Database, error) {
	db, err := history.Open(ctx, cfg.History.Driver, cfg.History.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return db, nil
}

// appOptions select which parts of the session a command needs. Only
// long-running commands set reconnect; the others fail when the event stream
// drops.
type appOptions struct {
	history      bool
	reconnect    bool
	onChange     func(tracker.ExecutionState)
	onComplete   func(tracker.ExecutionState)
	onBatch      func(batch.Execution)
	onDisconnect func()
	onReconnect  func(*tracker.RestoreReport)
}

// app is one wired tracker session against the configured engine.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	client  *engine.Client
	history history.Database
	batches *batch.Tracker
	tracker *tracker.Tracker
}

func newApp(cmd *cobra.Command, opts appOptions) (*app, func(), error) {
	cfg, err := validConfig()
	if err != nil {
		return nil, nil, err
	}
	log := newLogger(cfg.Log, cmd.ErrOrStderr())

	ecfg := engine.Config{URL: cfg.Engine.URL, RequestTimeout: cfg.Engine.RequestTimeout, Logger: log.Named("engine")}
	a := &app{
		cfg:    cfg,
		log:    log,
		client: engine.NewClient(ecfg),
	}

	var sink tracker.HistorySink
	if opts.history {
		db, err := openHistory(cmd.Context(), cfg)
		if err != nil {
			// Tracking still works without persistence.
			log.Warn("history unavailable", zap.Error(err))
		} else {
			a.history = db
			sink = db
		}
	}

	a.batches = batch.NewTracker(a.client, batch.Config{
		HistorySize: cfg.Batch.HistorySize,
		Logger:      log.Named("batch"),
		OnChange:    opts.onBatch,
	})
	reconnectDelay := cfg.Engine.ReconnectDelay
	if !opts.reconnect {
		reconnectDelay = -1
	}
	a.tracker = tracker.New(a.client, engine.NewStream(ecfg), tracker.Options{
		OutputCapacity:    cfg.Tracker.OutputCapacity,
		FlushInterval:     cfg.Tracker.FlushInterval,
		FlushThreshold:    cfg.Tracker.FlushThreshold,
		Logger:            log.Named("tracker"),
		History:           sink,
		OnChange:          opts.onChange,
		OnComplete:        opts.onComplete,
		Handlers:          []tracker.EventHandler{a.batches},
		ReconnectDelay:    reconnectDelay,
		MaxReconnectDelay: cfg.Engine.MaxReconnectDelay,
		OnDisconnect:      opts.onDisconnect,
		OnReconnect:       opts.onReconnect,
	})

	cleanup := func() {
		if err := a.tracker.Close(); err != nil && !errors.Is(err, tracker.ErrNotAttached) {
			log.Debug("close tracker", zap.Error(err))
		}
		a.client.Close()
		if a.history != nil {
			a.history.Close()
		}
		_ = log.Sync()
	}
	return a, cleanup, nil
}

// attach subscribes and restores, logging what was restored.
func (a *app) attach(ctx context.Context) (*tracker.RestoreReport, error) {
	report, err := a.tracker.Attach(ctx)
	if err != nil {
		a.log.Error("attach to engine failed", zap.String("url", a.cfg.Engine.URL), zap.Error(err))
		return nil, fmt.Errorf("attach to engine: %w", err)
	}
	a.log.Debug("attached",
		zap.Strings("restored", report.Restored),
		zap.Strings("skipped", report.Skipped))
	return report, nil
}
