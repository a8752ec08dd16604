// Package fsm drives deployment runs. Each run walks the states fetch,
// extract, diff, sync, commit and complete (controls skip diff and
// commit). The steps can be driven inline or through the superfly/fsm
// manager, which persists transitions so a restart can account for runs
// it interrupted.
package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/footron/build-manager/pkg/errors"
	"github.com/superfly/fsm"
)

// Machine is a Driver backed by a superfly/fsm manager.
type Machine struct {
	pipeline   *Pipeline
	manager    *fsm.Manager
	maxRetries int

	starts  map[Kind]fsm.Start[Job, RunState]
	resumes []fsm.Resume

	// live maps RunID to the in-process state of runs started by Drive.
	live sync.Map
}

type liveRun struct {
	mu        sync.Mutex
	state     *RunState
	err       error
	completed string
}

// NewMachine registers one FSM per Kind with manager.
func NewMachine(ctx context.Context, manager *fsm.Manager, pipeline *Pipeline, maxRetries int) (*Machine, error) {
	m := &Machine{
		pipeline:   pipeline,
		manager:    manager,
		maxRetries: maxRetries,
		starts:     make(map[Kind]fsm.Start[Job, RunState]),
	}

	start, resume, err := fsm.Register[Job, RunState](manager, machineExperiences).
		Start(StateFetch, m.handler(KindExperiences, StateFetch)).
		To(StateExtract, m.handler(KindExperiences, StateExtract)).
		To(StateDiff, m.handler(KindExperiences, StateDiff)).
		To(StateSync, m.handler(KindExperiences, StateSync)).
		To(StateCommit, m.handler(KindExperiences, StateCommit)).
		To(StateComplete, m.handler(KindExperiences, StateComplete)).
		End(StateFailed).
		Build(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to register experiences FSM")
	}
	m.starts[KindExperiences] = start
	m.resumes = append(m.resumes, resume)

	start, resume, err = fsm.Register[Job, RunState](manager, machineControls).
		Start(StateFetch, m.handler(KindControls, StateFetch)).
		To(StateExtract, m.handler(KindControls, StateExtract)).
		To(StateSync, m.handler(KindControls, StateSync)).
		To(StateComplete, m.handler(KindControls, StateComplete)).
		End(StateFailed).
		Build(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to register controls FSM")
	}
	m.starts[KindControls] = start
	m.resumes = append(m.resumes, resume)

	return m, nil
}

// Resume picks up runs persisted by a previous process. Their scratch
// space is gone, so each is reported as failed and aborted.
func (m *Machine) Resume(ctx context.Context) error {
	for _, resume := range m.resumes {
		if err := resume(ctx); err != nil {
			return errors.Wrap(err, "failed to resume FSM runs")
		}
	}
	return nil
}

// Drive starts job on the FSM for its kind and waits for it to finish.
func (m *Machine) Drive(ctx context.Context, job *Job, st *RunState) error {
	start, ok := m.starts[job.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", errors.ErrUnknownEventKind, job.Kind)
	}

	run := &liveRun{state: st}
	m.live.Store(job.RunID, run)
	defer m.live.Delete(job.RunID)

	version, err := start(ctx, job.RunID, fsm.NewRequest(job, st))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm_started", "run_id", job.RunID, "version", version)

	waitErr := m.manager.Wait(ctx, version)

	run.mu.Lock()
	defer run.mu.Unlock()
	if run.err != nil {
		return run.err
	}
	if waitErr != nil {
		return errors.Wrap(waitErr, "FSM execution failed")
	}
	if run.completed != StateComplete {
		return fmt.Errorf("run %s stopped after state %q", job.RunID, run.completed)
	}
	return nil
}

// handler adapts a pipeline step to an FSM transition. Every failure
// aborts: stages are not safe to re-run blindly, and retries would repeat
// status reports.
func (m *Machine) handler(kind Kind, state string) func(context.Context, *fsm.Request[Job, RunState]) (*fsm.Response[RunState], error) {
	return func(ctx context.Context, req *fsm.Request[Job, RunState]) (*fsm.Response[RunState], error) {
		job := req.Msg
		slog.Info("fsm_state_"+state, "run_id", job.RunID, "deploy_key", job.Key)

		value, ok := m.live.Load(job.RunID)
		if !ok {
			slog.Warn("fsm_run_orphaned", "run_id", job.RunID, "state", state)
			m.pipeline.interrupted(ctx, job)
			return nil, fsm.Abort(fmt.Errorf("run %s has no live state", job.RunID))
		}
		run := value.(*liveRun)

		if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
			err := fmt.Errorf("max retries (%d) exceeded in state %s", m.maxRetries, state)
			m.fail(run, err)
			return nil, fsm.Abort(err)
		}

		s, ok := m.pipeline.stepFor(kind, state)
		if !ok {
			err := fmt.Errorf("no step %q for kind %q", state, kind)
			m.fail(run, err)
			return nil, fsm.Abort(err)
		}

		if err := s.run(ctx, job, run.state); err != nil {
			m.fail(run, err)
			return nil, fsm.Abort(err)
		}

		run.mu.Lock()
		run.completed = state
		run.state.Completed = state
		run.mu.Unlock()

		return fsm.NewResponse(run.state), nil
	}
}

func (m *Machine) fail(run *liveRun, err error) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.err == nil {
		run.err = err
	}
}
