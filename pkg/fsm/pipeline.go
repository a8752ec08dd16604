package fsm

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/footron/build-manager/pkg/archive"
	"github.com/footron/build-manager/pkg/db"
	"github.com/footron/build-manager/pkg/diff"
	"github.com/footron/build-manager/pkg/errors"
	"github.com/footron/build-manager/pkg/metrics"
	"github.com/footron/build-manager/pkg/registry"
	"github.com/footron/build-manager/pkg/security"
	"github.com/footron/build-manager/pkg/state"
	"github.com/footron/build-manager/pkg/status"
	"github.com/footron/build-manager/pkg/storage"
	"github.com/footron/build-manager/pkg/syncer"
	"golang.org/x/sync/semaphore"
)

// Fetcher downloads a named artifact of a workflow run.
type Fetcher interface {
	Fetch(ctx context.Context, artifactsURL, name, destZip string) (*storage.DownloadResult, error)
}

// History records run outcomes.
type History interface {
	RecordDeployment(ctx context.Context, d *db.Deployment) error
}

// Driver executes the steps of a run.
type Driver interface {
	Drive(ctx context.Context, job *Job, st *RunState) error
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Registry  *registry.Registry
	Store     *state.Store
	Fetcher   Fetcher
	Notifier  *status.Notifier
	History   History // optional
	Executors syncer.Factory
	Reloader  syncer.Reloader
	Limits    *security.Limits
	Metrics   *metrics.Metrics // optional

	WorkDir       string
	CallTimeout   time.Duration
	Parallelism   int
	MaxConcurrent int64 // 0 means unbounded
	Now           func() time.Time
}

// Pipeline deploys jobs: fetch, extract, diff, sync, commit.
type Pipeline struct {
	Deps
	slots  *semaphore.Weighted
	driver Driver
}

// NewPipeline creates a Pipeline that runs its steps inline.
func NewPipeline(deps Deps) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	p := &Pipeline{Deps: deps}
	if deps.MaxConcurrent > 0 {
		p.slots = semaphore.NewWeighted(deps.MaxConcurrent)
	}
	p.driver = inline{p}
	return p
}

// UseDriver replaces the step driver.
func (p *Pipeline) UseDriver(d Driver) {
	p.driver = d
}

// step is one named unit of a run, shared by every driver.
type step struct {
	state string
	run   func(ctx context.Context, job *Job, st *RunState) error
}

// steps lists the steps for kind in order. Controls never diff or commit
// fingerprints.
func (p *Pipeline) steps(kind Kind) []step {
	switch kind {
	case KindExperiences:
		return []step{
			{StateFetch, p.fetch},
			{StateExtract, p.extract},
			{StateDiff, p.diff},
			{StateSync, p.sync},
			{StateCommit, p.commit},
			{StateComplete, p.complete},
		}
	case KindControls:
		return []step{
			{StateFetch, p.fetch},
			{StateExtract, p.extract},
			{StateSync, p.sync},
			{StateComplete, p.complete},
		}
	}
	return nil
}

func (p *Pipeline) stepFor(kind Kind, name string) (step, bool) {
	for _, s := range p.steps(kind) {
		if s.state == name {
			return s, true
		}
	}
	return step{}, false
}

// inline runs the steps in order on the calling goroutine.
type inline struct {
	p *Pipeline
}

func (d inline) Drive(ctx context.Context, job *Job, st *RunState) error {
	for _, s := range d.p.steps(job.Kind) {
		if err := s.run(ctx, job, st); err != nil {
			return err
		}
		st.Completed = s.state
	}
	return nil
}

// Deploy runs job to completion, reports its outcome and records it.
// Runs for the same key are serialized; the returned error is the run's
// failure, already reported.
func (p *Pipeline) Deploy(ctx context.Context, job *Job) (*Outcome, error) {
	logger := job.Logger()
	start := p.Now()

	unlock := p.Store.Lock(job.Key)
	defer unlock()

	if p.slots != nil {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return nil, errors.Wrap(err, "failed to acquire run slot")
		}
		defer p.slots.Release(1)
	}

	p.Metrics.RunStarted()
	logger.Info("deployment_start", "workflow", job.Workflow)

	st := &RunState{}
	err := p.run(ctx, job, st)
	return p.finish(ctx, job, st, start, err), err
}

func (p *Pipeline) run(ctx context.Context, job *Job, st *RunState) error {
	if !job.Kind.Valid() {
		return fmt.Errorf("%w: %q", errors.ErrUnknownEventKind, job.Kind)
	}
	if _, ok := p.Registry.Resolve(job.Key); !ok {
		return fmt.Errorf("%w: %q", errors.ErrUnknownTarget, job.Key)
	}

	scratch, err := storage.NewScratch(p.WorkDir, job.RunID)
	if err != nil {
		return err
	}
	defer scratch.Release()
	st.ScratchDir = scratch.Dir

	return p.driver.Drive(ctx, job, st)
}

func (p *Pipeline) finish(ctx context.Context, job *Job, st *RunState, start time.Time, runErr error) *Outcome {
	logger := job.Logger()
	elapsed := p.Now().Sub(start)

	outcome := &Outcome{
		RunID:    job.RunID,
		Key:      job.Key,
		Revision: job.Revision,
		Kind:     job.Kind,
		Status:   StatusSuccess,
		Elapsed:  elapsed,
		Diff:     st.Diff,
	}

	report := status.Report{
		Repository: job.Repository,
		Revision:   job.Revision,
		Workflow:   job.Workflow,
	}
	if runErr != nil {
		outcome.Status = StatusFailure
		outcome.Detail = runErr.Error()
		report.State = status.StateFailure
		report.Description = failureDescription(runErr)
		logger.Error("deployment_failed", "error", runErr, "elapsed_ms", elapsed.Milliseconds())
	} else {
		report.State = status.StateSuccess
		report.Description = fmt.Sprintf("Successful in %ds", int(math.Round(elapsed.Seconds())))
		logger.Info("deployment_complete", "elapsed_ms", elapsed.Milliseconds(), "diff", st.Diff.String())
	}

	p.Notifier.Notify(ctx, report)
	p.Metrics.RunFinished(string(job.Kind), runErr, elapsed)
	p.record(ctx, outcome)
	return outcome
}

func (p *Pipeline) record(ctx context.Context, o *Outcome) {
	if p.History == nil {
		return
	}
	err := p.History.RecordDeployment(ctx, &db.Deployment{
		RunID:        o.RunID,
		DeployKey:    o.Key,
		Revision:     o.Revision,
		Kind:         string(o.Kind),
		Status:       o.Status,
		DurationMS:   o.Elapsed.Milliseconds(),
		Added:        len(o.Diff.Added),
		Changed:      len(o.Diff.Changed),
		Deleted:      len(o.Diff.Deleted),
		ErrorMessage: o.Detail,
	})
	if err != nil {
		// A failed insert never fails the run.
		slog.Warn("history_record_failed", "run_id", o.RunID, "error", err)
	}
}

// failureDescription is the short status text for a failed run.
func failureDescription(err error) string {
	var stageErr *syncer.StageError
	switch {
	case stderrors.As(err, &stageErr):
		return stageErr.Description + " failed: " + stageErr.Err.Error()
	case stderrors.Is(err, errors.ErrMissingArtifact):
		return "Missing build artifact"
	case stderrors.Is(err, errors.ErrManifest):
		return "Invalid hashes.json"
	default:
		return "Deployment failed: " + err.Error()
	}
}

func (p *Pipeline) pending(ctx context.Context, job *Job, description string) {
	p.Notifier.Notify(ctx, status.Report{
		Repository:  job.Repository,
		Revision:    job.Revision,
		State:       status.StatePending,
		Workflow:    job.Workflow,
		Description: description,
	})
}

func (p *Pipeline) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.CallTimeout)
}

// fetch downloads the kind's artifact into <scratch>/download, apart from
// the extracted tree.
func (p *Pipeline) fetch(ctx context.Context, job *Job, st *RunState) error {
	p.pending(ctx, job, "Downloading artifacts")

	name := job.Kind.ArtifactName()
	downloadDir := filepath.Join(st.ScratchDir, "download")
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		return errors.Wrap(err, "create download dir")
	}
	dest := filepath.Join(downloadDir, name+".zip")

	callCtx, cancel := p.callCtx(ctx)
	defer cancel()

	result, err := p.Fetcher.Fetch(callCtx, job.ArtifactsURL, name, dest)
	if err != nil {
		return errors.Wrap(err, "fetch artifact")
	}

	st.ArchivePath = result.LocalPath
	st.ArchiveSHA256 = result.SHA256
	st.ArchiveSize = result.Size
	return nil
}

// extract unpacks the archive: the web build into <scratch>/build, the
// experiences artifact into the scratch root.
func (p *Pipeline) extract(ctx context.Context, job *Job, st *RunState) error {
	p.pending(ctx, job, "Extracting artifacts")

	dest := st.ScratchDir
	if job.Kind == KindControls {
		dest = filepath.Join(st.ScratchDir, "build")
	}

	stats, err := archive.ExtractZip(st.ArchivePath, dest, p.Limits)
	if err != nil {
		return errors.Wrap(err, "extract artifact")
	}
	st.ExtractedFiles = stats.Files
	return nil
}

// diff compares the artifact's manifest with the committed fingerprints.
func (p *Pipeline) diff(ctx context.Context, job *Job, st *RunState) error {
	p.pending(ctx, job, "Comparing hashes")

	next, err := diff.ReadManifest(filepath.Join(st.ScratchDir, diff.ManifestName))
	if err != nil {
		return err
	}

	previous, err := p.Store.Current(ctx, job.Key)
	if err != nil {
		return err
	}

	st.Fingerprints = next
	st.Diff = diff.Compute(next, previous)

	job.Logger().Info("diff_computed",
		"added", st.Diff.Added,
		"changed", st.Diff.Changed,
		"deleted", st.Diff.Deleted,
		"unchanged", len(st.Diff.Unchanged))
	return nil
}

// sync executes the kind's stage plan against the target.
func (p *Pipeline) sync(ctx context.Context, job *Job, st *RunState) error {
	target, ok := p.Registry.Resolve(job.Key)
	if !ok {
		return fmt.Errorf("%w: %q", errors.ErrUnknownTarget, job.Key)
	}

	plan := syncer.Plan{
		Target:      target,
		ScratchDir:  st.ScratchDir,
		Executors:   p.Executors,
		Reloader:    p.Reloader,
		Parallelism: p.Parallelism,
		CallTimeout: p.CallTimeout,
	}

	var stages []syncer.Stage
	if job.Kind == KindControls {
		stages = plan.Controls()
	} else {
		stages = plan.Experiences(st.Diff)
	}

	return syncer.Execute(ctx, stages, syncer.Hooks{
		Before: func(s syncer.Stage) { p.pending(ctx, job, s.Description) },
		After: func(s syncer.Stage, elapsed time.Duration, err error) {
			p.Metrics.ObserveStage(s.Name, err, elapsed)
		},
	})
}

// commit persists the artifact's fingerprints as the key's new state.
func (p *Pipeline) commit(ctx context.Context, job *Job, st *RunState) error {
	if err := p.Store.Replace(ctx, job.Key, st.Fingerprints); err != nil {
		return errors.Wrap(err, "commit state")
	}
	job.Logger().Info("state_committed", "fingerprints", len(st.Fingerprints))
	return nil
}

func (p *Pipeline) complete(ctx context.Context, job *Job, st *RunState) error {
	return nil
}

// interrupted reports a run that a restart cut short. Its scratch space
// is gone, so it cannot continue.
func (p *Pipeline) interrupted(ctx context.Context, job *Job) {
	err := fmt.Errorf("run %s interrupted by restart", job.RunID)
	p.Metrics.RunStarted()
	p.finish(ctx, job, &RunState{}, p.Now(), err)
}
