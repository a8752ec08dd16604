package fsm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/footron/build-manager/pkg/diff"
	"github.com/footron/build-manager/pkg/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superfly/fsm"
)

func newMachine(t *testing.T, h *harness) *Machine {
	t.Helper()

	manager, err := fsm.New(fsm.Config{DBPath: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Shutdown(time.Second) })

	machine, err := NewMachine(context.Background(), manager, h.pipeline, 3)
	require.NoError(t, err)
	h.pipeline.UseDriver(machine)
	return machine
}

func TestMachine_DeploysExperiences(t *testing.T) {
	h := newHarness(t, map[string]string{
		"hashes.json":                  `{"clock": "h1"}`,
		"experiences/clock/index.html": "clock",
	})
	newMachine(t, h)

	outcome, err := h.pipeline.Deploy(context.Background(), experiencesJob())
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded())

	require.Len(t, h.exec.mirrors, 1)
	assert.Equal(t, "/srv/footron/experiences/clock", h.exec.mirrors[0].Dest)
	assert.Equal(t, []string{"http://localhost:8000"}, h.reloads.urls)
	assert.Equal(t, diff.FingerprintMap{"clock": "h1"}, h.store.Fingerprints("main"))
	assert.Equal(t, status.StateSuccess, h.reports.last().State)
}

func TestMachine_StageFailureAborts(t *testing.T) {
	h := newHarness(t, map[string]string{
		"hashes.json":                  `{"clock": "h2"}`,
		"experiences/clock/index.html": "clock",
	})
	previous := diff.FingerprintMap{"old": "h1"}
	require.NoError(t, h.store.Replace(context.Background(), "main", previous))
	h.exec.removeErr = fmt.Errorf("permission denied")
	newMachine(t, h)

	outcome, err := h.pipeline.Deploy(context.Background(), experiencesJob())
	require.Error(t, err)
	assert.False(t, outcome.Succeeded())
	assert.Contains(t, err.Error(), "permission denied")

	assert.Empty(t, h.exec.mirrors)
	assert.Empty(t, h.reloads.urls)
	assert.Equal(t, previous, h.store.Fingerprints("main"))
	assert.Equal(t, "Deleting deleted experiences failed: permission denied", h.reports.last().Description)
}

func TestMachine_OrphanedRunReportsFailure(t *testing.T) {
	h := newHarness(t, map[string]string{"hashes.json": `{}`})
	machine := newMachine(t, h)
	ctx := context.Background()

	// A run persisted by a previous process has no live state here.
	job := experiencesJob()
	version, err := machine.starts[KindExperiences](ctx, job.RunID, fsm.NewRequest(job, &RunState{}))
	require.NoError(t, err)
	assert.Error(t, machine.manager.Wait(ctx, version))

	assert.Empty(t, h.fetcher.names, "no stage runs for an orphan")
	final := h.reports.last()
	assert.Equal(t, status.StateFailure, final.State)
	assert.Contains(t, final.Description, "interrupted by restart")
	assert.Equal(t, "abc123", final.Revision)

	// Nothing is left to resume.
	require.NoError(t, machine.Resume(ctx))
}
