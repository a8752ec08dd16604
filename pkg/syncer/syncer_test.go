package syncer

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/footron/build-manager/pkg/diff"
	"github.com/footron/build-manager/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	return r.err
}

func fixedFactory(runner CommandRunner) *CommandFactory {
	f := NewCommandFactory(runner, "rsync", "ssh")
	f.Now = func() time.Time { return time.Date(2026, 3, 7, 14, 5, 0, 0, time.UTC) }
	return f
}

func TestRemoteExecutor_Commands(t *testing.T) {
	runner := &recordingRunner{}
	exec := fixedFactory(runner).For(registry.Location{Host: "footron-01", Path: "/srv/footron"})

	require.NoError(t, exec.Remove(context.Background(), "/srv/footron/experiences/it's"))
	require.NoError(t, exec.Mirror(context.Background(), MirrorSpec{
		Sources:  []string{"/tmp/run/experiences/clock/"},
		Dest:     "/srv/footron/experiences/clock",
		Excludes: MediaExcludes,
	}))

	require.Len(t, runner.calls, 2)
	assert.Equal(t, []string{
		"ssh", "-o", "SetEnv=FT_PRODUCTION=0714", "footron-01",
		`rm -rf -- '/srv/footron/experiences/it'\''s'`,
	}, runner.calls[0])
	assert.Equal(t, []string{
		"rsync", "-a", "--delete", "-e", "ssh -o SetEnv=FT_PRODUCTION=0714",
		"--exclude=*.mp4", "--exclude=*.webm",
		"/tmp/run/experiences/clock/", "footron-01:/srv/footron/experiences/clock",
	}, runner.calls[1])
}

func TestLocalExecutor(t *testing.T) {
	runner := &recordingRunner{}
	exec := fixedFactory(runner).For(registry.Location{Path: "/srv/footron"})

	dir := filepath.Join(t.TempDir(), "experiences", "clock")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("x"), 0644))

	require.NoError(t, exec.Remove(context.Background(), dir))
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	// Removing a missing path is fine.
	require.NoError(t, exec.Remove(context.Background(), dir))
	assert.Empty(t, runner.calls)

	require.NoError(t, exec.Mirror(context.Background(), MirrorSpec{Sources: []string{"/tmp/build/"}, Dest: "/srv/web"}))
	assert.Equal(t, [][]string{{"rsync", "-a", "--delete", "/tmp/build/", "/srv/web"}}, runner.calls)
}

func TestExecRunner_FailureCarriesOutput(t *testing.T) {
	err := ExecRunner{}.Run(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	require.NoError(t, ExecRunner{}.Run(context.Background(), "true"))
}

// op is one recorded executor call.
type op struct {
	Kind string
	Host string
	Path string
}

type fakeFactory struct {
	mu       sync.Mutex
	ops      []op
	failOn   string
	failPath string
}

func (f *fakeFactory) For(loc registry.Location) Executor {
	return &fakeExecutor{host: loc.Host, f: f}
}

func (f *fakeFactory) record(o op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, o)
	if o.Kind == f.failOn && (f.failPath == "" || f.failPath == o.Path) {
		return fmt.Errorf("%s %s failed", o.Kind, o.Path)
	}
	return nil
}

func (f *fakeFactory) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, o := range f.ops {
		out = append(out, o.Kind)
	}
	return out
}

type fakeExecutor struct {
	host string
	f    *fakeFactory
}

func (e *fakeExecutor) Remove(ctx context.Context, path string) error {
	return e.f.record(op{Kind: "remove", Host: e.host, Path: path})
}

func (e *fakeExecutor) Mirror(ctx context.Context, spec MirrorSpec) error {
	return e.f.record(op{Kind: "mirror", Host: e.host, Path: spec.Dest + " <- " + strings.Join(spec.Sources, ",")})
}

type fakeReloader struct {
	calls []string
	err   error
}

func (r *fakeReloader) Reload(ctx context.Context, apiURL string) error {
	r.calls = append(r.calls, apiURL)
	return r.err
}

func testTarget(t *testing.T) registry.Target {
	t.Helper()
	reg, err := registry.New(map[string]registry.Target{
		"main": {
			ControllerPath:   "footron-01:/srv/footron",
			WebPath:          "footron-01:/srv/web",
			ControllerAPIURL: "http://footron-01:8000/api",
		},
	})
	require.NoError(t, err)
	target, ok := reg.Resolve("main")
	require.True(t, ok)
	return target
}

func TestPlan_ExperiencesStages(t *testing.T) {
	scratch := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "folders.toml"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "tags.toml"), nil, 0644))

	factory := &fakeFactory{}
	reloader := &fakeReloader{}
	plan := Plan{Target: testTarget(t), ScratchDir: scratch, Executors: factory, Reloader: reloader, Parallelism: 2}

	result := diff.Result{Added: []string{"gallery"}, Changed: []string{"clock"}, Deleted: []string{"old"}}
	stages := plan.Experiences(result)

	var described []string
	err := Execute(context.Background(), stages, Hooks{Before: func(s Stage) { described = append(described, s.Description) }})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Deleting deleted experiences",
		"Syncing experiences",
		"Syncing editorial configs",
		"Reloading controller",
	}, described)

	require.Len(t, factory.ops, 4)
	assert.Equal(t, op{Kind: "remove", Host: "footron-01", Path: "/srv/footron/experiences/old"}, factory.ops[0])

	synced := []string{factory.ops[1].Path, factory.ops[2].Path}
	sort.Strings(synced)
	assert.Equal(t, []string{
		"/srv/footron/experiences/clock <- " + filepath.Join(scratch, "experiences", "clock") + "/",
		"/srv/footron/experiences/gallery <- " + filepath.Join(scratch, "experiences", "gallery") + "/",
	}, synced)

	assert.Equal(t, "/srv/footron <- "+filepath.Join(scratch, "folders.toml")+","+filepath.Join(scratch, "tags.toml"), factory.ops[3].Path)
	assert.Equal(t, []string{"http://footron-01:8000/api"}, reloader.calls)
}

func TestPlan_DeleteFailureStopsLaterStages(t *testing.T) {
	factory := &fakeFactory{failOn: "remove"}
	reloader := &fakeReloader{}
	plan := Plan{Target: testTarget(t), ScratchDir: t.TempDir(), Executors: factory, Reloader: reloader, Parallelism: 4}

	result := diff.Result{Added: []string{"gallery"}, Deleted: []string{"old", "older"}}
	err := Execute(context.Background(), plan.Experiences(result), Hooks{})
	require.Error(t, err)

	var stageErr *StageError
	require.True(t, stderrors.As(err, &stageErr))
	assert.Equal(t, StageDelete, stageErr.Stage)
	assert.Equal(t, []string{"remove"}, factory.kinds(), "no push after a failed delete")
	assert.Empty(t, reloader.calls)
}

func TestPlan_SyncFailure(t *testing.T) {
	factory := &fakeFactory{failOn: "mirror"}
	reloader := &fakeReloader{}
	plan := Plan{Target: testTarget(t), ScratchDir: t.TempDir(), Executors: factory, Reloader: reloader, Parallelism: 1}

	err := Execute(context.Background(), plan.Experiences(diff.Result{Added: []string{"a", "b"}}), Hooks{})
	var stageErr *StageError
	require.True(t, stderrors.As(err, &stageErr))
	assert.Equal(t, StageSync, stageErr.Stage)
	assert.Empty(t, reloader.calls)
}

func TestPlan_Controls(t *testing.T) {
	scratch := t.TempDir()
	factory := &fakeFactory{}
	reloader := &fakeReloader{}
	plan := Plan{Target: testTarget(t), ScratchDir: scratch, Executors: factory, Reloader: reloader}

	var after []string
	err := Execute(context.Background(), plan.Controls(), Hooks{After: func(s Stage, _ time.Duration, err error) {
		after = append(after, s.Name)
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{StageWeb, StageReload}, after)
	require.Len(t, factory.ops, 1)
	assert.Equal(t, op{Kind: "mirror", Host: "footron-01", Path: "/srv/web <- " + filepath.Join(scratch, "build") + "/"}, factory.ops[0])
	assert.Len(t, reloader.calls, 1)
}

func TestPlan_CallTimeout(t *testing.T) {
	plan := Plan{
		Target:      testTarget(t),
		Executors:   &fakeFactory{},
		Reloader:    blockingReloader{},
		CallTimeout: 20 * time.Millisecond,
	}

	start := time.Now()
	err := Execute(context.Background(), []Stage{plan.reloadStage()}, Hooks{})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)
}

type blockingReloader struct{}

func (blockingReloader) Reload(ctx context.Context, apiURL string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestHTTPReloader(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if strings.HasPrefix(r.URL.Path, "/broken") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	r := &HTTPReloader{Client: server.Client()}
	require.NoError(t, r.Reload(context.Background(), server.URL+"/api"))
	require.NoError(t, r.Reload(context.Background(), server.URL+"/api/"))
	require.Error(t, r.Reload(context.Background(), server.URL+"/broken"))

	assert.Equal(t, []string{"/api/reload", "/api/reload", "/broken/reload"}, paths)
}
