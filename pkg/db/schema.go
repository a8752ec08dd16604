package db

// Schema defines the SQLite database schema.
// deploy_keys and fingerprints hold the committed state snapshot (a key
// row exists even when its fingerprint map is empty); deployments is the
// append-only history of pipeline outcomes.
const Schema = `
CREATE TABLE IF NOT EXISTS deploy_keys (
    deploy_key TEXT PRIMARY KEY,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS fingerprints (
    deploy_key TEXT NOT NULL REFERENCES deploy_keys(deploy_key) ON DELETE CASCADE,
    content_key TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    PRIMARY KEY (deploy_key, content_key)
);

CREATE TABLE IF NOT EXISTS deployments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    deploy_key TEXT NOT NULL,
    revision TEXT NOT NULL,
    kind TEXT NOT NULL CHECK(kind IN ('controls', 'experiences')),
    status TEXT NOT NULL CHECK(status IN ('success', 'failure')),
    duration_ms INTEGER NOT NULL,
    added INTEGER NOT NULL DEFAULT 0,
    changed INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_deployments_deploy_key ON deployments(deploy_key);
CREATE INDEX IF NOT EXISTS idx_deployments_created_at ON deployments(created_at);
`

// Status constants
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Deployment is one recorded pipeline outcome.
type Deployment struct {
	ID           int64
	RunID        string
	DeployKey    string
	Revision     string
	Kind         string
	Status       string
	DurationMS   int64
	Added        int
	Changed      int
	Deleted      int
	ErrorMessage string
	CreatedAt    string
}
