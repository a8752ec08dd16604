package github

import (
	"context"
	"fmt"
	"strings"
)

// CreateStatusRequest contains the fields for creating a commit status.
type CreateStatusRequest struct {
	// State is "error", "failure", "pending", or "success".
	State string `json:"state"`

	TargetURL string `json:"target_url,omitempty"`

	// Description is limited to 140 characters by GitHub.
	Description string `json:"description,omitempty"`

	Context string `json:"context,omitempty"`
}

// CommitStatus is a status attached to a commit.
type CommitStatus struct {
	ID          int64  `json:"id"`
	State       string `json:"state"`
	Description string `json:"description"`
	Context     string `json:"context"`
}

// CreateCommitStatus creates a status on a commit of repository
// ("owner/name").
func (client *Client) CreateCommitStatus(ctx context.Context, repository, sha string, request CreateStatusRequest) (*CommitStatus, error) {
	owner, repo, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("github: invalid repository name %q", repository)
	}

	var status CommitStatus
	path := fmt.Sprintf("/repos/%s/%s/statuses/%s", owner, repo, sha)
	if err := client.post(ctx, path, request, &status); err != nil {
		return nil, fmt.Errorf("creating status on %s@%s: %w", repository, sha[:min(len(sha), 8)], err)
	}
	return &status, nil
}
