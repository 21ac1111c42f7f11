package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/botflow/internal/actions"
	"github.com/rendis/botflow/internal/engine"
	"github.com/rendis/botflow/internal/expressions"
	"github.com/rendis/botflow/internal/logging"
	"github.com/rendis/botflow/internal/plugins"
	"github.com/rendis/botflow/internal/registry"
	"github.com/rendis/botflow/internal/store"
	"github.com/rendis/botflow/internal/streaming"
	"github.com/rendis/botflow/internal/templates"
	"github.com/rendis/botflow/internal/validation"
	"github.com/rendis/botflow/pkg/mcp"
)

// app is the wired process. The run history store is optional.
type app struct {
	cfg      *Config
	logger   *slog.Logger
	library  *templates.Library
	registry *registry.Registry
	actions  *actions.Registry
	engine   *engine.Engine
	store    store.RunStore
	plugins  *plugins.Manager
	events   *streaming.MemoryHub
}

// newApp wires every component from cfg. Logs go to logOut.
func newApp(ctx context.Context, cfg *Config, logOut io.Writer) (_ *app, err error) {
	logger := logging.New(logOut, cfg.LogLevel, cfg.LogFormat)

	evaluator, err := expressions.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("init condition evaluator: %w", err)
	}

	acts := actions.NewRegistry()
	httpCfg := actions.HTTPConfig{
		Timeout:         cfg.HTTP.Timeout,
		MaxResponseBody: cfg.HTTP.MaxResponseBody,
		Services:        cfg.HTTP.Services,
	}
	if err := actions.RegisterBuiltins(acts, httpCfg, logger); err != nil {
		return nil, fmt.Errorf("register builtin actions: %w", err)
	}

	// Plugins register before simulation so real bot actions win.
	pluginMgr := plugins.NewManager(acts, logger)
	defer func() {
		if err != nil {
			_ = pluginMgr.Close()
		}
	}()
	for _, pc := range cfg.Plugins {
		if _, err := pluginMgr.Load(ctx, pc); err != nil {
			logger.Warn("plugin unavailable", slog.String("plugin", pc.Name), slog.String("error", err.Error()))
		}
	}

	validator, err := validation.New(evaluator)
	if err != nil {
		return nil, fmt.Errorf("init validator: %w", err)
	}
	// Template packs name bot actions this host may not provide, so only
	// custom workflows are checked against the action registry.
	library, err := templates.New(validator, cfg.TemplatePacks...)
	if err != nil {
		return nil, fmt.Errorf("load template packs: %w", err)
	}
	if cfg.Simulate {
		n := acts.RegisterSimulated(library.Actions()...)
		logger.Info("simulating bot actions", slog.Int("count", n))
	}
	customValidator := validator
	if cfg.StrictActions {
		if customValidator, err = validation.New(evaluator, validation.WithActionLookup(acts)); err != nil {
			return nil, fmt.Errorf("init validator: %w", err)
		}
	}

	retry, err := engine.ParseRetryPolicy(cfg.Retry.Backoff, cfg.Retry.Delay, cfg.Retry.MaxDelay)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		library:  library,
		registry: registry.New(library, registry.WithValidator(customValidator), registry.WithLogger(logger)),
		actions:  acts,
		plugins:  pluginMgr,
		events:   streaming.NewMemoryHub(),
	}

	engCfg := engine.Config{Logger: logger, Retry: retry}
	if cfg.CircuitBreaker.Enabled {
		engCfg.CircuitBreaker = &engine.CircuitBreakerConfig{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			Cooldown:         cfg.CircuitBreaker.Cooldown,
			HalfOpenMax:      cfg.CircuitBreaker.HalfOpenMax,
		}
	}
	engCfg.Events = a.events
	if cfg.History.Enabled {
		st, err := openHistory(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.store = st
		engCfg.Recorder = st
		engCfg.Events = streaming.Fanout{st, a.events}
	}
	a.engine = engine.New(a.registry, evaluator, engCfg)
	return a, nil
}

func openHistory(ctx context.Context, cfg *Config, logger *slog.Logger) (store.RunStore, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate history store: %w", err)
	}
	if cfg.History.Retention > 0 {
		pruned, err := st.PruneRuns(ctx, time.Now().UTC().Add(-cfg.History.Retention))
		if err != nil {
			logger.Warn("prune run history", slog.String("error", err.Error()))
		} else if pruned > 0 {
			logger.Info("pruned run history", slog.Int64("runs", pruned))
		}
	}
	return st, nil
}

// mcpServer builds the MCP tool surface over the wired components.
func (a *app) mcpServer() *mcp.Server {
	return mcp.NewServer(mcp.ServerDeps{
		Engine:   a.engine,
		Registry: a.registry,
		Actions:  a.actions,
		Store:    a.store,
		Logger:   a.logger,
	})
}

// Close disconnects plugins and releases the history store.
func (a *app) Close() error {
	err := a.plugins.Close()
	if a.store != nil {
		if serr := a.store.Close(); serr != nil {
			err = serr
		}
	}
	return err
}
