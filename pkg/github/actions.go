package github

import (
	"context"
	"fmt"
)

// WorkflowRun is a GitHub Actions workflow run, as embedded in
// workflow_run webhooks and returned by the runs endpoint.
type WorkflowRun struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Event        string `json:"event"`
	Status       string `json:"status"`     // "queued", "in_progress", "completed"
	Conclusion   string `json:"conclusion"` // "success", "failure", "cancelled", ""
	HeadSHA      string `json:"head_sha"`
	HeadBranch   string `json:"head_branch"`
	HTMLURL      string `json:"html_url"`
	ArtifactsURL string `json:"artifacts_url"`
}

// Artifact is one entry of a workflow run's artifact listing.
type Artifact struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	SizeInBytes        int64  `json:"size_in_bytes"`
	ArchiveDownloadURL string `json:"archive_download_url"`
	Expired            bool   `json:"expired"`
}

// ArtifactList is the response of a run's artifacts_url.
type ArtifactList struct {
	TotalCount int        `json:"total_count"`
	Artifacts  []Artifact `json:"artifacts"`
}

// GetWorkflowRun fetches a run by its API URL (workflow_job.run_url).
func (client *Client) GetWorkflowRun(ctx context.Context, runURL string) (*WorkflowRun, error) {
	var run WorkflowRun
	if err := client.GetJSON(ctx, runURL, &run); err != nil {
		return nil, fmt.Errorf("getting workflow run %s: %w", runURL, err)
	}
	return &run, nil
}

// ListArtifacts fetches a run's artifact listing from its artifacts_url.
func (client *Client) ListArtifacts(ctx context.Context, artifactsURL string) (*ArtifactList, error) {
	var list ArtifactList
	if err := client.GetJSON(ctx, artifactsURL, &list); err != nil {
		return nil, fmt.Errorf("listing artifacts %s: %w", artifactsURL, err)
	}
	return &list, nil
}
