package fsm

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/footron/build-manager/pkg/diff"
	"github.com/footron/build-manager/pkg/errors"
	"github.com/footron/build-manager/pkg/registry"
	"github.com/footron/build-manager/pkg/security"
	"github.com/footron/build-manager/pkg/state"
	"github.com/footron/build-manager/pkg/status"
	"github.com/footron/build-manager/pkg/storage"
	"github.com/footron/build-manager/pkg/syncer"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zipFetcher serves an in-memory file set as the requested artifact.
type zipFetcher struct {
	files map[string]string
	err   error
	names []string
}

func (f *zipFetcher) Fetch(ctx context.Context, artifactsURL, name, destZip string) (*storage.DownloadResult, error) {
	f.names = append(f.names, name)
	if f.err != nil {
		return nil, f.err
	}

	out, err := os.Create(destZip)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for path, content := range f.files {
		w, err := zw.Create(path)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(content)); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	info, err := out.Stat()
	if err != nil {
		return nil, err
	}
	return &storage.DownloadResult{LocalPath: destZip, Size: info.Size()}, nil
}

type executorLog struct {
	mu        sync.Mutex
	removes   []string
	mirrors   []syncer.MirrorSpec
	removeErr error
}

func (l *executorLog) For(loc registry.Location) syncer.Executor { return l }

func (l *executorLog) Remove(ctx context.Context, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removes = append(l.removes, path)
	return l.removeErr
}

func (l *executorLog) Mirror(ctx context.Context, spec syncer.MirrorSpec) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mirrors = append(l.mirrors, spec)
	return nil
}

type reloadLog struct {
	urls []string
}

func (r *reloadLog) Reload(ctx context.Context, apiURL string) error {
	r.urls = append(r.urls, apiURL)
	return nil
}

type reportLog struct {
	reports []status.Report
}

func (r *reportLog) Report(ctx context.Context, rep status.Report) error {
	r.reports = append(r.reports, rep)
	return nil
}

func (r *reportLog) pending() []string {
	var out []string
	for _, rep := range r.reports {
		if rep.State == status.StatePending {
			out = append(out, rep.Description)
		}
	}
	return out
}

func (r *reportLog) last() status.Report {
	return r.reports[len(r.reports)-1]
}

type harness struct {
	pipeline *Pipeline
	store    *state.Store
	fetcher  *zipFetcher
	exec     *executorLog
	reloads  *reloadLog
	reports  *reportLog
	workDir  string
}

func newHarness(t *testing.T, files map[string]string) *harness {
	t.Helper()

	reg, err := registry.New(map[string]registry.Target{
		"main": {
			ControllerPath:   "/srv/footron",
			WebPath:          "/srv/footron/web",
			ControllerAPIURL: "http://localhost:8000",
		},
	})
	require.NoError(t, err)

	store, err := state.Open(context.Background(), state.NewFileBackend(filepath.Join(t.TempDir(), "state.json")))
	require.NoError(t, err)

	h := &harness{
		store:   store,
		fetcher: &zipFetcher{files: files},
		exec:    &executorLog{},
		reloads: &reloadLog{},
		reports: &reportLog{},
		workDir: t.TempDir(),
	}
	h.pipeline = NewPipeline(Deps{
		Registry:    reg,
		Store:       store,
		Fetcher:     h.fetcher,
		Notifier:    status.NewNotifier(h.reports, 0),
		Executors:   h.exec,
		Reloader:    h.reloads,
		Limits:      security.NewLimits(1<<20, 10<<20, 1000),
		WorkDir:     h.workDir,
		Parallelism: 2,
	})
	return h
}

func experiencesJob() *Job {
	return NewJob("main", "abc123", KindExperiences, "https://api.github.com/runs/1/artifacts", "byu/footron", "build-experiences")
}

func TestDeploy_FirstExperiencesDeploy(t *testing.T) {
	h := newHarness(t, map[string]string{
		"hashes.json":                  `{"clock": "h1", "weather": "h2"}`,
		"experiences/clock/index.html": "clock",
		"experiences/weather/app.js":   "weather",
		"folders.toml":                 "[folders]",
	})

	job := experiencesJob()
	outcome, err := h.pipeline.Deploy(context.Background(), job)
	require.NoError(t, err)
	require.True(t, outcome.Succeeded())

	assert.Equal(t, []string{"experiences"}, h.fetcher.names)
	assert.Equal(t, []string{"clock", "weather"}, outcome.Diff.Added)
	assert.Empty(t, h.exec.removes)

	// Two experience mirrors plus one editorial mirror.
	require.Len(t, h.exec.mirrors, 3)
	var dests []string
	for _, m := range h.exec.mirrors {
		dests = append(dests, m.Dest)
	}
	assert.ElementsMatch(t, []string{
		"/srv/footron/experiences/clock",
		"/srv/footron/experiences/weather",
		"/srv/footron",
	}, dests)
	assert.Equal(t, []string{"http://localhost:8000"}, h.reloads.urls)

	assert.Equal(t, diff.FingerprintMap{"clock": "h1", "weather": "h2"}, h.store.Fingerprints("main"))

	assert.Equal(t, []string{
		"Downloading artifacts",
		"Extracting artifacts",
		"Comparing hashes",
		"Deleting deleted experiences",
		"Syncing experiences",
		"Syncing editorial configs",
		"Reloading controller",
	}, h.reports.pending())

	final := h.reports.last()
	assert.Equal(t, status.StateSuccess, final.State)
	assert.True(t, strings.HasPrefix(final.Description, "Successful in "), final.Description)
	assert.Equal(t, "byu/footron", final.Repository)
	assert.Equal(t, "abc123", final.Revision)

	_, statErr := os.Stat(filepath.Join(h.workDir, "runs", job.RunID))
	assert.True(t, os.IsNotExist(statErr), "scratch space is released")
}

func TestDeploy_IncrementalSkipsUnchanged(t *testing.T) {
	h := newHarness(t, map[string]string{
		"hashes.json":                  `{"clock": "h1", "weather": "h3"}`,
		"experiences/clock/index.html": "clock",
		"experiences/weather/app.js":   "weather",
	})
	require.NoError(t, h.store.Replace(context.Background(), "main", diff.FingerprintMap{
		"clock": "h1", "weather": "h2", "retired": "h9",
	}))

	outcome, err := h.pipeline.Deploy(context.Background(), experiencesJob())
	require.NoError(t, err)

	assert.Equal(t, []string{"weather"}, outcome.Diff.Changed)
	assert.Equal(t, []string{"retired"}, outcome.Diff.Deleted)
	assert.Equal(t, []string{"/srv/footron/experiences/retired"}, h.exec.removes)
	require.Len(t, h.exec.mirrors, 1, "no editorial configs in the artifact")
	assert.Equal(t, "/srv/footron/experiences/weather", h.exec.mirrors[0].Dest)
	assert.Equal(t, diff.FingerprintMap{"clock": "h1", "weather": "h3"}, h.store.Fingerprints("main"))
}

func TestDeploy_StageFailureKeepsState(t *testing.T) {
	h := newHarness(t, map[string]string{
		"hashes.json":                  `{"clock": "h2"}`,
		"experiences/clock/index.html": "clock",
	})
	previous := diff.FingerprintMap{"old": "h1"}
	require.NoError(t, h.store.Replace(context.Background(), "main", previous))
	h.exec.removeErr = fmt.Errorf("permission denied")

	outcome, err := h.pipeline.Deploy(context.Background(), experiencesJob())
	require.Error(t, err)
	assert.False(t, outcome.Succeeded())

	assert.Empty(t, h.exec.mirrors, "later stages never run")
	assert.Empty(t, h.reloads.urls)
	assert.Equal(t, previous, h.store.Fingerprints("main"))

	final := h.reports.last()
	assert.Equal(t, status.StateFailure, final.State)
	assert.Equal(t, "Deleting deleted experiences failed: permission denied", final.Description)
}

func TestDeploy_EmptyManifestDeletesEverything(t *testing.T) {
	h := newHarness(t, map[string]string{"hashes.json": `{}`})
	require.NoError(t, h.store.Replace(context.Background(), "main", diff.FingerprintMap{"a": "1", "b": "2"}))

	_, err := h.pipeline.Deploy(context.Background(), experiencesJob())
	require.NoError(t, err)

	assert.Equal(t, []string{"/srv/footron/experiences/a", "/srv/footron/experiences/b"}, h.exec.removes)
	assert.Empty(t, h.store.Fingerprints("main"))
}

func TestDeploy_InvalidManifest(t *testing.T) {
	h := newHarness(t, map[string]string{"hashes.json": `{"../escape": "h1"}`})

	_, err := h.pipeline.Deploy(context.Background(), experiencesJob())
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrManifest))
	assert.Equal(t, "Invalid hashes.json", h.reports.last().Description)
	assert.Empty(t, h.exec.removes)
	assert.Empty(t, h.exec.mirrors)
}

func TestDeploy_ControlsMirrorsWholeBuild(t *testing.T) {
	h := newHarness(t, map[string]string{
		"index.html":    "<html>",
		"static/app.js": "app",
	})
	require.NoError(t, h.store.Replace(context.Background(), "main", diff.FingerprintMap{"clock": "h1"}))

	job := NewJob("main", "def456", KindControls, "https://api.github.com/runs/2/artifacts", "byu/footron", "build-controls")
	outcome, err := h.pipeline.Deploy(context.Background(), job)
	require.NoError(t, err)
	require.True(t, outcome.Succeeded())

	assert.Equal(t, []string{"web-build"}, h.fetcher.names)
	assert.Empty(t, h.exec.removes)
	require.Len(t, h.exec.mirrors, 1)
	assert.Equal(t, "/srv/footron/web", h.exec.mirrors[0].Dest)
	assert.True(t, strings.HasSuffix(h.exec.mirrors[0].Sources[0], string(filepath.Separator)+"build/"))
	assert.Equal(t, []string{"http://localhost:8000"}, h.reloads.urls)

	assert.Equal(t, diff.FingerprintMap{"clock": "h1"}, h.store.Fingerprints("main"), "controls never touch fingerprints")
	assert.Equal(t, []string{
		"Downloading artifacts",
		"Extracting artifacts",
		"Copying web build",
		"Reloading controller",
	}, h.reports.pending())
}

func TestDeploy_MissingArtifact(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.err = fmt.Errorf("%w: %q", errors.ErrMissingArtifact, "experiences")

	job := experiencesJob()
	_, err := h.pipeline.Deploy(context.Background(), job)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrMissingArtifact))

	final := h.reports.last()
	assert.Equal(t, status.StateFailure, final.State)
	assert.Equal(t, "Missing build artifact", final.Description)

	_, statErr := os.Stat(filepath.Join(h.workDir, "runs", job.RunID))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeploy_UnknownTarget(t *testing.T) {
	h := newHarness(t, nil)

	job := NewJob("feature-x", "abc", KindExperiences, "", "byu/footron", "build-experiences")
	_, err := h.pipeline.Deploy(context.Background(), job)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrUnknownTarget))
	assert.Empty(t, h.fetcher.names)
	assert.Equal(t, status.StateFailure, h.reports.last().State)
}

func TestFailureDescription(t *testing.T) {
	stageErr := &syncer.StageError{Stage: syncer.StageReload, Description: "Reloading controller", Err: fmt.Errorf("status 502")}

	assert.Equal(t, "Reloading controller failed: status 502", failureDescription(errors.Wrap(stageErr, "sync")))
	assert.Equal(t, "Deployment failed: boom", failureDescription(fmt.Errorf("boom")))
}

func TestSteps(t *testing.T) {
	p := NewPipeline(Deps{})

	var names []string
	for _, s := range p.steps(KindControls) {
		names = append(names, s.state)
	}
	assert.Equal(t, []string{StateFetch, StateExtract, StateSync, StateComplete}, names)

	_, ok := p.stepFor(KindControls, StateCommit)
	assert.False(t, ok, "controls never commit")
	_, ok = p.stepFor(KindExperiences, StateCommit)
	assert.True(t, ok)
	assert.Nil(t, p.steps(Kind("docs")))
}

func TestDeploy_ArtifactCannotOverwriteItsArchive(t *testing.T) {
	h := newHarness(t, map[string]string{
		"hashes.json":              `{"clock": "h1"}`,
		"download/experiences.zip": "clobbered",
	})

	_, err := h.pipeline.Deploy(context.Background(), experiencesJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overwrite the archive")
	assert.Empty(t, h.exec.mirrors)
	assert.Empty(t, h.store.Fingerprints("main"))
}
