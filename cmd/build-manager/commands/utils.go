package commands

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/footron/build-manager/internal/config"
	"github.com/footron/build-manager/pkg/db"
	"github.com/footron/build-manager/pkg/errors"
	appfsm "github.com/footron/build-manager/pkg/fsm"
	"github.com/footron/build-manager/pkg/github"
	"github.com/footron/build-manager/pkg/metrics"
	"github.com/footron/build-manager/pkg/registry"
	"github.com/footron/build-manager/pkg/security"
	"github.com/footron/build-manager/pkg/state"
	"github.com/footron/build-manager/pkg/status"
	"github.com/footron/build-manager/pkg/storage"
	"github.com/footron/build-manager/pkg/syncer"
	"github.com/superfly/fsm"
)

// loadConfig loads and validates configuration and applies the log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	level, _ := cfg.SlogLevel()
	LogLevel.Set(level)
	return cfg, nil
}

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(cfg *config.Config) error {
	dirs := []string{filepath.Dir(cfg.SQLitePath)}
	if cfg.StateBackend == config.BackendJSON {
		dirs = append(dirs, filepath.Dir(cfg.StatePath))
	}
	if cfg.Engine == config.EngineFSM {
		dirs = append(dirs, cfg.FSMDBPath)
	}
	dirs = append(dirs, cfg.WorkDir)

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "failed to create directory %s", dir)
		}
	}
	return nil
}

// openState opens the deployment history database and the fingerprint
// store on the configured backend. The caller closes the repository.
func openState(ctx context.Context, cfg *config.Config) (*state.Store, *db.Repository, error) {
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "db init failed")
	}

	var backend state.Backend = repo
	if cfg.StateBackend == config.BackendJSON {
		backend = state.NewFileBackend(cfg.StatePath)
	}

	store, err := state.Open(ctx, backend)
	if err != nil {
		repo.Close()
		return nil, nil, err
	}
	return store, repo, nil
}

// app holds the wired components of one process.
type app struct {
	cfg      *config.Config
	registry *registry.Registry
	store    *state.Store
	history  *db.Repository
	github   *github.Client
	notifier *status.Notifier
	metrics  *metrics.Metrics
	pipeline *appfsm.Pipeline
	machine  *appfsm.Machine

	closers []func()
}

// newApp wires the pipeline from cfg. With the fsm engine the pipeline is
// driven by a superfly/fsm manager.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := ensureDirectories(cfg); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	if a.registry, err = registry.Load(cfg.TargetsPath); err != nil {
		return nil, err
	}

	if a.store, a.history, err = openState(ctx, cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { a.history.Close() })

	a.github, err = github.NewClient(github.Config{
		BaseURL:    cfg.GitHubAPIURL,
		Token:      cfg.GitHubToken,
		HTTPClient: &http.Client{Timeout: cfg.CallTimeout},
	})
	if err != nil {
		return nil, errors.Wrap(err, "GitHub client failed")
	}

	s3Client, err := storage.NewS3Client(ctx, cfg.S3Region, cfg.S3Anonymous)
	if err != nil {
		return nil, errors.Wrap(err, "S3 client failed")
	}

	reporter := status.Multi{
		status.NewGitHubReporter(a.github, cfg.StatusNamespace),
		status.LogReporter{},
	}
	a.notifier = status.NewNotifier(reporter, 30*time.Second)

	a.pipeline = appfsm.NewPipeline(appfsm.Deps{
		Registry:      a.registry,
		Store:         a.store,
		Fetcher:       storage.NewFetcher(a.github, storage.NewHTTPDownloader(a.github), s3Client),
		Notifier:      a.notifier,
		History:       a.history,
		Executors:     syncer.NewCommandFactory(syncer.ExecRunner{}, cfg.RsyncBin, cfg.SSHBin),
		Reloader:      &syncer.HTTPReloader{Client: &http.Client{}},
		Limits:        security.NewLimits(cfg.MaxFileSize, cfg.MaxTotalSize, cfg.MaxCompressionRatio),
		Metrics:       a.metrics,
		WorkDir:       cfg.WorkDir,
		CallTimeout:   cfg.CallTimeout,
		Parallelism:   cfg.SyncParallelism,
		MaxConcurrent: cfg.MaxConcurrentRuns,
	})

	if cfg.Engine == config.EngineFSM {
		manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
		if err != nil {
			return nil, errors.Wrap(err, "FSM manager failed")
		}
		a.closers = append(a.closers, func() { manager.Shutdown(10 * time.Second) })

		if a.machine, err = appfsm.NewMachine(ctx, manager, a.pipeline, cfg.FSMMaxRetries); err != nil {
			return nil, err
		}
		a.pipeline.UseDriver(a.machine)
	}

	slog.Info("app_ready",
		"engine", cfg.Engine,
		"state_backend", cfg.StateBackend,
		"targets", a.registry.Len())
	ok = true
	return a, nil
}

// resume accounts for runs a previous process left unfinished.
func (a *app) resume(ctx context.Context) error {
	if a.machine == nil {
		return nil
	}
	return a.machine.Resume(ctx)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
