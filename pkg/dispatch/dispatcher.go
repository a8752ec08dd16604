// Package dispatch classifies GitHub Actions webhooks and turns matching
// ones into deployment jobs.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/footron/build-manager/pkg/errors"
	"github.com/footron/build-manager/pkg/fsm"
	"github.com/footron/build-manager/pkg/github"
	"github.com/footron/build-manager/pkg/registry"
	"github.com/footron/build-manager/pkg/status"
)

// BuildJobName is the job whose queueing announces a deployment.
const BuildJobName = "build"

// Dispositions of a handled event.
const (
	Ignored  = "ignored"
	Queued   = "queued"
	Deploy   = "deploy"
	Rejected = "rejected"
)

var workflowKinds = map[string]fsm.Kind{
	"build-controls":    fsm.KindControls,
	"build-experiences": fsm.KindExperiences,
}

// KindForWorkflow maps a workflow name to its pipeline.
func KindForWorkflow(name string) (fsm.Kind, bool) {
	kind, ok := workflowKinds[name]
	return kind, ok
}

// RunGetter fetches a workflow run by API URL.
type RunGetter interface {
	GetWorkflowRun(ctx context.Context, runURL string) (*github.WorkflowRun, error)
}

// Result is the classification of one event. Job is set only when the
// disposition is Deploy.
type Result struct {
	Disposition string
	Job         *fsm.Job
}

// Dispatcher classifies webhook events. It never starts a deployment
// itself; callers hand the returned job to an engine.
type Dispatcher struct {
	registry *registry.Registry
	notifier *status.Notifier
	runs     RunGetter
}

// NewDispatcher creates a Dispatcher. runs is only needed for
// workflow_job events.
func NewDispatcher(reg *registry.Registry, notifier *status.Notifier, runs RunGetter) *Dispatcher {
	return &Dispatcher{registry: reg, notifier: notifier, runs: runs}
}

// Handle classifies one event. An unrecognized workflow for an otherwise
// matching run is reported as a failure and returns
// errors.ErrUnknownEventKind.
func (d *Dispatcher) Handle(ctx context.Context, eventType string, body []byte) (Result, error) {
	switch eventType {
	case EventWorkflowRun:
		var event WorkflowRunEvent
		if err := json.Unmarshal(body, &event); err != nil {
			return Result{Disposition: Rejected}, errors.Wrap(err, "parse workflow_run payload")
		}
		return d.handleRun(ctx, &event)
	case EventWorkflowJob:
		var event WorkflowJobEvent
		if err := json.Unmarshal(body, &event); err != nil {
			return Result{Disposition: Rejected}, errors.Wrap(err, "parse workflow_job payload")
		}
		return d.handleJob(ctx, &event)
	default:
		slog.Debug("event_ignored", "event", eventType)
		return Result{Disposition: Ignored}, nil
	}
}

func (d *Dispatcher) handleRun(ctx context.Context, event *WorkflowRunEvent) (Result, error) {
	run := event.WorkflowRun
	if event.Action != "completed" || run.Status != "completed" || run.Event != "push" {
		slog.Debug("workflow_run_ignored", "action", event.Action, "status", run.Status, "trigger", run.Event)
		return Result{Disposition: Ignored}, nil
	}
	if _, ok := d.registry.Resolve(run.HeadBranch); !ok {
		slog.Info("workflow_run_ignored", "reason", "unknown_branch", "branch", run.HeadBranch)
		return Result{Disposition: Ignored}, nil
	}

	kind, ok := KindForWorkflow(run.Name)
	if !ok {
		slog.Error("workflow_unrecognized", "workflow", run.Name, "branch", run.HeadBranch, "revision", run.HeadSHA)
		d.notifier.Notify(ctx, status.Report{
			Repository:  event.Repository.FullName,
			Revision:    run.HeadSHA,
			State:       status.StateFailure,
			Workflow:    run.Name,
			Description: fmt.Sprintf("Unrecognized workflow %q", run.Name),
		})
		return Result{Disposition: Rejected}, fmt.Errorf("%w: %q", errors.ErrUnknownEventKind, run.Name)
	}

	job := fsm.NewJob(run.HeadBranch, run.HeadSHA, kind, run.ArtifactsURL, event.Repository.FullName, run.Name)
	slog.Info("deployment_matched",
		"run_id", job.RunID,
		"deploy_key", job.Key,
		"revision", job.Revision,
		"kind", string(kind))
	return Result{Disposition: Deploy, Job: job}, nil
}

func (d *Dispatcher) handleJob(ctx context.Context, event *WorkflowJobEvent) (Result, error) {
	job := event.WorkflowJob
	if event.Action != "queued" || job.Name != BuildJobName {
		return Result{Disposition: Ignored}, nil
	}
	if d.runs == nil {
		return Result{Disposition: Ignored}, fmt.Errorf("no GitHub client to resolve %s", job.RunURL)
	}

	run, err := d.runs.GetWorkflowRun(ctx, job.RunURL)
	if err != nil {
		return Result{Disposition: Ignored}, errors.Wrap(err, "fetch workflow run")
	}
	if run.Event != "push" {
		return Result{Disposition: Ignored}, nil
	}
	if _, ok := KindForWorkflow(run.Name); !ok {
		return Result{Disposition: Ignored}, nil
	}
	if _, ok := d.registry.Resolve(run.HeadBranch); !ok {
		return Result{Disposition: Ignored}, nil
	}

	d.notifier.Notify(ctx, status.Report{
		Repository:  event.Repository.FullName,
		Revision:    job.HeadSHA,
		State:       status.StatePending,
		Workflow:    run.Name,
		Description: "Waiting for build to finish",
	})
	slog.Info("build_queued", "workflow", run.Name, "branch", run.HeadBranch, "revision", job.HeadSHA)
	return Result{Disposition: Queued}, nil
}
