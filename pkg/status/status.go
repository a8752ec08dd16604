// Package status publishes deployment progress as commit statuses.
package status

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/footron/build-manager/pkg/github"
)

// State of a commit status.
type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateFailure State = "failure"
)

// DefaultNamespace prefixes every status context.
const DefaultNamespace = "footron-ci"

// MaxDescription is GitHub's limit on status descriptions.
const MaxDescription = 140

// Report is one status update for a commit.
type Report struct {
	Repository  string
	Revision    string
	State       State
	Workflow    string
	Description string
}

// Reporter publishes reports.
type Reporter interface {
	Report(ctx context.Context, r Report) error
}

// statusClient is the part of the GitHub client used for statuses.
type statusClient interface {
	CreateCommitStatus(ctx context.Context, repository, sha string, request github.CreateStatusRequest) (*github.CommitStatus, error)
}

// GitHubReporter posts commit statuses with context <namespace>/<workflow>.
type GitHubReporter struct {
	client    statusClient
	namespace string
}

// NewGitHubReporter creates a GitHubReporter. An empty namespace uses
// DefaultNamespace.
func NewGitHubReporter(client *github.Client, namespace string) *GitHubReporter {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &GitHubReporter{client: client, namespace: namespace}
}

// Context returns the status context for workflow.
func (g *GitHubReporter) Context(workflow string) string {
	return g.namespace + "/" + workflow
}

// Report posts r to GitHub.
func (g *GitHubReporter) Report(ctx context.Context, r Report) error {
	_, err := g.client.CreateCommitStatus(ctx, r.Repository, r.Revision, github.CreateStatusRequest{
		State:       string(r.State),
		Description: r.Description,
		Context:     g.Context(r.Workflow),
	})
	return err
}

// LogReporter writes reports to the structured log.
type LogReporter struct {
	Logger *slog.Logger
}

// Report logs r.
func (l LogReporter) Report(ctx context.Context, r Report) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("deployment_status",
		"repository", r.Repository,
		"revision", r.Revision,
		"state", string(r.State),
		"workflow", r.Workflow,
		"description", r.Description)
	return nil
}

// Multi fans a report out to every reporter and joins their errors.
type Multi []Reporter

// Report sends r to every reporter, even after one fails.
func (m Multi) Report(ctx context.Context, r Report) error {
	var errs []error
	for _, reporter := range m {
		if err := reporter.Report(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Notifier delivers reports without ever failing the caller. Delivery is
// synchronous so the stage statuses of one run arrive in order.
type Notifier struct {
	reporter Reporter
	timeout  time.Duration
}

// NewNotifier wraps reporter. A positive timeout bounds each delivery.
func NewNotifier(reporter Reporter, timeout time.Duration) *Notifier {
	return &Notifier{reporter: reporter, timeout: timeout}
}

// Notify truncates the description, delivers r and logs any failure.
func (n *Notifier) Notify(ctx context.Context, r Report) {
	if n == nil || n.reporter == nil {
		return
	}
	r.Description = Truncate(r.Description, MaxDescription)

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	if err := n.reporter.Report(ctx, r); err != nil {
		slog.Warn("status_report_failed",
			"repository", r.Repository,
			"revision", r.Revision,
			"state", string(r.State),
			"error", err)
	}
}

// Truncate shortens s to at most limit runes, marking the cut with "...".
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}
