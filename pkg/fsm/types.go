package fsm

import (
	"log/slog"
	"time"

	"github.com/footron/build-manager/pkg/diff"
	"github.com/oklog/ulid/v2"
)

// Kind selects the deployment pipeline.
type Kind string

const (
	KindControls    Kind = "controls"
	KindExperiences Kind = "experiences"
)

// Valid reports whether k names a pipeline.
func (k Kind) Valid() bool {
	return k == KindControls || k == KindExperiences
}

// ArtifactName is the artifact each kind deploys.
func (k Kind) ArtifactName() string {
	if k == KindControls {
		return "web-build"
	}
	return "experiences"
}

// Job is the FSM input: one deployment of one revision to one key.
type Job struct {
	RunID        string `json:"run_id"`
	Key          string `json:"key"`
	Revision     string `json:"revision"`
	Kind         Kind   `json:"kind"`
	ArtifactsURL string `json:"artifacts_url"`
	Repository   string `json:"repository"`
	Workflow     string `json:"workflow"`
}

// NewJob creates a Job with a fresh run ID.
func NewJob(key, revision string, kind Kind, artifactsURL, repository, workflow string) *Job {
	return &Job{
		RunID:        ulid.Make().String(),
		Key:          key,
		Revision:     revision,
		Kind:         kind,
		ArtifactsURL: artifactsURL,
		Repository:   repository,
		Workflow:     workflow,
	}
}

// Logger returns a logger carrying the job's identity.
func (j *Job) Logger() *slog.Logger {
	return slog.With(
		"run_id", j.RunID,
		"deploy_key", j.Key,
		"revision", j.Revision,
		"kind", string(j.Kind))
}

// RunState is the FSM output, accumulated across transitions.
type RunState struct {
	// From fetch
	ScratchDir    string `json:"scratch_dir"`
	ArchivePath   string `json:"archive_path"`
	ArchiveSHA256 string `json:"archive_sha256"`
	ArchiveSize   int64  `json:"archive_size"`

	// From extract
	ExtractedFiles int `json:"extracted_files"`

	// From diff (experiences only)
	Fingerprints diff.FingerprintMap `json:"fingerprints,omitempty"`
	Diff         diff.Result         `json:"diff"`

	// Last completed state
	Completed string `json:"completed"`
}

// Outcome is the terminal result of a run.
type Outcome struct {
	RunID    string
	Key      string
	Revision string
	Kind     Kind
	Status   string
	Elapsed  time.Duration
	Detail   string
	Diff     diff.Result
}

// Succeeded reports whether the run deployed fully.
func (o *Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}
