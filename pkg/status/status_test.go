package status

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/footron/build-manager/pkg/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	repository string
	sha        string
	requests   []github.CreateStatusRequest
	err        error
}

func (f *fakeClient) CreateCommitStatus(ctx context.Context, repository, sha string, req github.CreateStatusRequest) (*github.CommitStatus, error) {
	f.repository, f.sha = repository, sha
	f.requests = append(f.requests, req)
	return &github.CommitStatus{State: req.State}, f.err
}

type recorder struct {
	reports []Report
	err     error
}

func (r *recorder) Report(ctx context.Context, rep Report) error {
	r.reports = append(r.reports, rep)
	return r.err
}

func TestGitHubReporter_Context(t *testing.T) {
	client := &fakeClient{}
	g := &GitHubReporter{client: client, namespace: DefaultNamespace}

	err := g.Report(context.Background(), Report{
		Repository:  "byu/footron",
		Revision:    "abc123",
		State:       StateSuccess,
		Workflow:    "build-experiences",
		Description: "Successful in 12s",
	})
	require.NoError(t, err)

	assert.Equal(t, "byu/footron", client.repository)
	assert.Equal(t, "abc123", client.sha)
	require.Len(t, client.requests, 1)
	assert.Equal(t, github.CreateStatusRequest{
		State:       "success",
		Description: "Successful in 12s",
		Context:     "footron-ci/build-experiences",
	}, client.requests[0])
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: fmt.Errorf("sink down")}

	err := Multi{bad, ok}.Report(context.Background(), Report{State: StatePending})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink down")
	assert.Len(t, ok.reports, 1, "later reporters still run")
}

func TestNotifier_SwallowsErrorsAndTruncates(t *testing.T) {
	rec := &recorder{err: fmt.Errorf("github unavailable")}
	n := NewNotifier(rec, 0)

	long := strings.Repeat("é", 200)
	n.Notify(context.Background(), Report{State: StateFailure, Description: long})

	require.Len(t, rec.reports, 1)
	got := rec.reports[0].Description
	assert.Equal(t, MaxDescription, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "..."))

	var nilNotifier *Notifier
	nilNotifier.Notify(context.Background(), Report{})
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Truncate(tt.in, tt.limit), tt.in)
	}
}
