package syncer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/footron/build-manager/pkg/diff"
	"github.com/footron/build-manager/pkg/registry"
	"golang.org/x/sync/errgroup"
)

// Stage names. Descriptions are what status consumers see.
const (
	StageDelete    = "delete"
	StageSync      = "sync"
	StageEditorial = "editorial"
	StageReload    = "reload"
	StageWeb       = "web"
)

// EditorialConfigs are mirrored from the experiences artifact root to the
// controller root.
var EditorialConfigs = []string{"folders.toml", "tags.toml", "collections.toml"}

// MediaExcludes are never pushed with experiences.
var MediaExcludes = []string{"*.mp4", "*.webm"}

// Stage is one step of a deployment plan.
type Stage struct {
	Name        string
	Description string
	Run         func(ctx context.Context) error
}

// StageError reports which stage failed.
type StageError struct {
	Stage       string
	Description string
	Err         error
}

func (e *StageError) Error() string {
	return e.Description + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// Hooks observe stage execution. Either may be nil.
type Hooks struct {
	Before func(Stage)
	After  func(Stage, time.Duration, error)
}

// Execute runs stages in order and stops at the first failure. Completed
// stages are not rolled back.
func Execute(ctx context.Context, stages []Stage, hooks Hooks) error {
	for _, stage := range stages {
		if hooks.Before != nil {
			hooks.Before(stage)
		}

		start := time.Now()
		err := stage.Run(ctx)
		if hooks.After != nil {
			hooks.After(stage, time.Since(start), err)
		}

		if err != nil {
			slog.Error("stage_failed", "stage", stage.Name, "error", err)
			return &StageError{Stage: stage.Name, Description: stage.Description, Err: err}
		}
		slog.Info("stage_complete", "stage", stage.Name, "duration_ms", time.Since(start).Milliseconds())
	}
	return nil
}

// Plan builds the stage lists for one target and one unpacked artifact.
type Plan struct {
	Target      registry.Target
	ScratchDir  string
	Executors   Factory
	Reloader    Reloader
	Parallelism int
	CallTimeout time.Duration
}

// call bounds a single external operation by the call timeout.
func (p Plan) call(ctx context.Context, fn func(context.Context) error) error {
	if p.CallTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, p.CallTimeout)
	defer cancel()
	return fn(ctx)
}

// Experiences returns delete, sync, editorial and reload stages for result.
func (p Plan) Experiences(result diff.Result) []Stage {
	controller := p.Target.Controller()
	executor := p.Executors.For(controller)

	return []Stage{
		{
			Name:        StageDelete,
			Description: "Deleting deleted experiences",
			Run: func(ctx context.Context) error {
				for _, key := range result.Deleted {
					path := controller.Join("experiences", key).Path
					if err := p.call(ctx, func(ctx context.Context) error {
						return executor.Remove(ctx, path)
					}); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Name:        StageSync,
			Description: "Syncing experiences",
			Run: func(ctx context.Context) error {
				g, ctx := errgroup.WithContext(ctx)
				g.SetLimit(max(p.Parallelism, 1))
				for _, key := range result.Pending() {
					spec := MirrorSpec{
						Sources:  []string{filepath.Join(p.ScratchDir, "experiences", key) + "/"},
						Dest:     controller.Join("experiences", key).Path,
						Excludes: MediaExcludes,
					}
					g.Go(func() error {
						return p.call(ctx, func(ctx context.Context) error {
							return executor.Mirror(ctx, spec)
						})
					})
				}
				return g.Wait()
			},
		},
		{
			Name:        StageEditorial,
			Description: "Syncing editorial configs",
			Run: func(ctx context.Context) error {
				var sources []string
				for _, name := range EditorialConfigs {
					path := filepath.Join(p.ScratchDir, name)
					if _, err := os.Stat(path); err == nil {
						sources = append(sources, path)
					} else {
						slog.Warn("editorial_config_missing", "file", name)
					}
				}
				if len(sources) == 0 {
					return nil
				}
				return p.call(ctx, func(ctx context.Context) error {
					return executor.Mirror(ctx, MirrorSpec{Sources: sources, Dest: controller.Path})
				})
			},
		},
		p.reloadStage(),
	}
}

// Controls returns the full web build mirror followed by a reload. It
// never consults fingerprints.
func (p Plan) Controls() []Stage {
	web := p.Target.Web()
	executor := p.Executors.For(web)

	return []Stage{
		{
			Name:        StageWeb,
			Description: "Copying web build",
			Run: func(ctx context.Context) error {
				return p.call(ctx, func(ctx context.Context) error {
					return executor.Mirror(ctx, MirrorSpec{
						Sources: []string{filepath.Join(p.ScratchDir, "build") + "/"},
						Dest:    web.Path,
					})
				})
			},
		},
		p.reloadStage(),
	}
}

func (p Plan) reloadStage() Stage {
	return Stage{
		Name:        StageReload,
		Description: "Reloading controller",
		Run: func(ctx context.Context) error {
			return p.call(ctx, func(ctx context.Context) error {
				return p.Reloader.Reload(ctx, p.Target.ControllerAPIURL)
			})
		},
	}
}
