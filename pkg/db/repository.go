package db

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/footron/build-manager/pkg/diff"
	"github.com/footron/build-manager/pkg/errors"
	"github.com/footron/build-manager/pkg/state"
	_ "modernc.org/sqlite"
)

// Repository provides the SQLite state backend and the deployment history.
type Repository struct {
	db   *sql.DB
	path string
}

var (
	_ state.Backend = (*Repository)(nil)
	_ state.Locker  = (*Repository)(nil)
)

// NewRepository opens (creating if needed) the database at dbPath.
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// One writer at a time keeps SQLITE_BUSY out of concurrent commits.
	db.SetMaxOpenConns(1)

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db, path: dbPath}, nil
}

// LockState flocks <db>.lock so processes sharing the database commit
// state one at a time.
func (r *Repository) LockState(ctx context.Context) (func(), error) {
	return state.LockFile(ctx, r.path+".lock")
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Load reads the committed state snapshot.
func (r *Repository) Load(ctx context.Context) (state.Snapshot, error) {
	slog.Info("database_load_state")

	snapshot := state.Snapshot{}

	keys, err := r.db.QueryContext(ctx, `SELECT deploy_key FROM deploy_keys`)
	if err != nil {
		slog.Error("database_query_failed", "table", "deploy_keys", "error", err)
		return nil, errors.Wrap(err, "failed to query deploy keys")
	}
	for keys.Next() {
		var key string
		if err := keys.Scan(&key); err != nil {
			keys.Close()
			return nil, errors.Wrap(err, "failed to scan deploy key")
		}
		snapshot[key] = state.Entry{Hashes: diff.FingerprintMap{}}
	}
	if err := keys.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close deploy keys")
	}
	if err := keys.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}

	rows, err := r.db.QueryContext(ctx, `SELECT deploy_key, content_key, fingerprint FROM fingerprints`)
	if err != nil {
		slog.Error("database_query_failed", "table", "fingerprints", "error", err)
		return nil, errors.Wrap(err, "failed to query fingerprints")
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var key, contentKey, fingerprint string
		if err := rows.Scan(&key, &contentKey, &fingerprint); err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		entry, ok := snapshot[key]
		if !ok {
			entry = state.Entry{Hashes: diff.FingerprintMap{}}
			snapshot[key] = entry
		}
		entry.Hashes[contentKey] = fingerprint
		count++
	}
	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_state_loaded", "targets", len(snapshot), "fingerprints", count)
	return snapshot, nil
}

// Commit replaces the whole snapshot in a single transaction.
func (r *Repository) Commit(ctx context.Context, snapshot state.Snapshot) error {
	slog.Info("database_commit_state", "targets", len(snapshot))

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed_to_begin_transaction", "error", err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fingerprints`); err != nil {
		return errors.Wrap(err, "failed to clear fingerprints")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM deploy_keys`); err != nil {
		return errors.Wrap(err, "failed to clear deploy keys")
	}

	insertKey, err := tx.PrepareContext(ctx, `INSERT INTO deploy_keys (deploy_key) VALUES (?)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare key insert")
	}
	defer insertKey.Close()

	insertFingerprint, err := tx.PrepareContext(ctx,
		`INSERT INTO fingerprints (deploy_key, content_key, fingerprint) VALUES (?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare fingerprint insert")
	}
	defer insertFingerprint.Close()

	for key, entry := range snapshot {
		if _, err := insertKey.ExecContext(ctx, key); err != nil {
			slog.Error("database_insert_failed", "deploy_key", key, "error", err)
			return errors.Wrap(err, "failed to insert deploy key")
		}
		for contentKey, fingerprint := range entry.Hashes {
			if _, err := insertFingerprint.ExecContext(ctx, key, contentKey, fingerprint); err != nil {
				slog.Error("database_insert_failed", "deploy_key", key, "content_key", contentKey, "error", err)
				return errors.Wrap(err, "failed to insert fingerprint")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("failed_to_commit_transaction", "error", err)
		return errors.Wrap(err, "failed to commit transaction")
	}

	slog.Info("database_state_committed", "targets", len(snapshot))
	return nil
}

// RecordDeployment appends a pipeline outcome to the history.
func (r *Repository) RecordDeployment(ctx context.Context, d *Deployment) error {
	slog.Info("database_record_deployment", "run_id", d.RunID, "deploy_key", d.DeployKey, "status", d.Status)

	query := `
		INSERT INTO deployments (run_id, deploy_key, revision, kind, status, duration_ms,
		                         added, changed, deleted, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		d.RunID, d.DeployKey, d.Revision, d.Kind, d.Status, d.DurationMS,
		d.Added, d.Changed, d.Deleted, d.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "run_id", d.RunID, "error", err)
		return errors.Wrap(err, "failed to insert deployment")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	d.ID = id
	return nil
}

// ListDeployments returns the most recent outcomes, newest first. An empty
// deployKey lists all keys.
func (r *Repository) ListDeployments(ctx context.Context, deployKey string, limit int) ([]*Deployment, error) {
	slog.Info("database_list_deployments", "deploy_key", deployKey, "limit", limit)

	query := `
		SELECT id, run_id, deploy_key, revision, kind, status, duration_ms,
		       added, changed, deleted, error_message, created_at
		FROM deployments
		WHERE (? = '' OR deploy_key = ?)
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, deployKey, deployKey, limit)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list deployments")
	}
	defer rows.Close()

	var deployments []*Deployment
	for rows.Next() {
		var d Deployment
		var errorMessage sql.NullString

		err := rows.Scan(
			&d.ID, &d.RunID, &d.DeployKey, &d.Revision, &d.Kind, &d.Status, &d.DurationMS,
			&d.Added, &d.Changed, &d.Deleted, &errorMessage, &d.CreatedAt)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		d.ErrorMessage = errorMessage.String

		deployments = append(deployments, &d)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "deployment_count", len(deployments))
	return deployments, nil
}
