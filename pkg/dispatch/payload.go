package dispatch

import "github.com/footron/build-manager/pkg/github"

// GitHub event types handled by the dispatcher.
const (
	EventWorkflowRun = "workflow_run"
	EventWorkflowJob = "workflow_job"
)

// Repository is the repository object embedded in every webhook.
type Repository struct {
	FullName string `json:"full_name"`
}

// WorkflowRunEvent is the workflow_run webhook payload.
type WorkflowRunEvent struct {
	Action      string             `json:"action"`
	WorkflowRun github.WorkflowRun `json:"workflow_run"`
	Repository  Repository         `json:"repository"`
}

// WorkflowJob is the job object of a workflow_job webhook.
type WorkflowJob struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	RunURL  string `json:"run_url"`
	HeadSHA string `json:"head_sha"`
}

// WorkflowJobEvent is the workflow_job webhook payload.
type WorkflowJobEvent struct {
	Action      string      `json:"action"`
	WorkflowJob WorkflowJob `json:"workflow_job"`
	Repository  Repository  `json:"repository"`
}
