package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/catalog"
	"github.com/openfroyo/deployer/pkg/config"
	"github.com/openfroyo/deployer/pkg/orchestrator"
	"github.com/openfroyo/deployer/pkg/policy"
	"github.com/openfroyo/deployer/pkg/runner"
	"github.com/openfroyo/deployer/pkg/stores"
	"github.com/openfroyo/deployer/pkg/telemetry"
	"github.com/openfroyo/deployer/pkg/vcs"
)

// app is the wired deployer: configuration, telemetry, the store and the
// orchestrator built on them.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	store    *stores.SQLiteStore
	policies *policy.Engine
	presets  *catalog.PresetBuilder
	git      *vcs.Git
	orch     *orchestrator.Orchestrator
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadDefault()
}

// openStore opens and migrates the database named by cfg.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	path := cfg.DatabasePath()
	if path != stores.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		BusyTimeout:  cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// openApp wires every component from the configuration file.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	policies, err := policy.NewEngine(telemetry.ComponentLogger(logger, "policy"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := policies.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	presets := catalog.NewPresetBuilder(cfg.Catalog.PresetTimeout, logger)
	if cfg.Catalog.PresetDir != "" {
		if _, err := presets.LoadDir(cfg.Catalog.PresetDir); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	git := vcs.New(cfg.RepositoriesDir(), telemetry.ComponentLogger(logger, "vcs"))

	orch, err := orchestrator.New(orchestrator.Options{
		Store: store,
		Validator: policy.NewValidator(policy.ValidatorOptions{
			Engine:       policies,
			Schemas:      catalog.NewSchemaRegistry(),
			Quotas:       store,
			MaxResources: cfg.Session.MaxResources,
			Logger:       telemetry.ComponentLogger(logger, "validator"),
			Metrics:      tel.Metrics,
		}),
		VCS: git,
		Runners: runner.NewFactory(runner.Options{
			Binary:    cfg.Runner.Binary,
			PlanFile:  cfg.Runner.PlanFile,
			Timeout:   cfg.Runner.Timeout,
			Logger:    telemetry.ComponentLogger(logger, "runner"),
			Telemetry: tel,
		}, cfg.Runner.MaxConcurrent),
		Renderer:  catalog.NewRenderer(),
		Presets:   presets,
		WorkRoot:  cfg.SessionsDir(),
		Telemetry: tel,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		tel:      tel,
		logger:   logger,
		store:    store,
		policies: policies,
		presets:  presets,
		git:      git,
		orch:     orch,
	}, nil
}

// Close waits for in-flight applies, then releases the store and flushes
// telemetry.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Runner.Timeout+time.Minute)
	defer cancel()

	if err := a.orch.Shutdown(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Shutdown incomplete")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close store")
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to flush telemetry")
	}
}

// withApp runs fn against a wired app and closes it afterwards.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
