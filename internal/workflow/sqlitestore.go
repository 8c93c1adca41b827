package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pitabwire/reviewflow/model"
)

// sqliteSchema is applied in order by Migrate. Timestamps are stored as
// Unix nanoseconds so ordering comparisons stay numeric.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_instances (
		id               TEXT PRIMARY KEY,
		document_id      TEXT NOT NULL,
		workflow_id      TEXT NOT NULL,
		workflow_version TEXT NOT NULL DEFAULT '',
		current_stage_id TEXT NOT NULL,
		is_active        INTEGER NOT NULL,
		state            TEXT,
		completed_at     INTEGER,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL,
		version          INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS workflow_instances_one_active
		ON workflow_instances (document_id) WHERE is_active = 1`,
	`CREATE INDEX IF NOT EXISTS workflow_instances_document
		ON workflow_instances (document_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS workflow_history (
		seq                  INTEGER PRIMARY KEY AUTOINCREMENT,
		id                   TEXT NOT NULL UNIQUE,
		workflow_instance_id TEXT NOT NULL REFERENCES workflow_instances (id),
		stage_id             TEXT NOT NULL,
		stage_name           TEXT NOT NULL,
		action               TEXT NOT NULL,
		performed_by         TEXT NOT NULL,
		metadata             TEXT,
		created_at           INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS workflow_history_instance
		ON workflow_history (workflow_instance_id, seq)`,
}

// SQLiteInstanceStore is an InstanceStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). Use OpenSQLite to get a handle configured for
// serialized writes.
type SQLiteInstanceStore struct {
	db *sql.DB
}

var _ InstanceStore = (*SQLiteInstanceStore)(nil)

// NewSQLiteInstanceStore initializes the schema in db and returns a store.
func NewSQLiteInstanceStore(ctx context.Context, db *sql.DB) (*SQLiteInstanceStore, error) {
	s := &SQLiteInstanceStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens a SQLite database at path with foreign keys enabled and
// a single connection, so write transactions queue instead of failing with
// SQLITE_BUSY.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Migrate applies the schema. It is idempotent.
func (s *SQLiteInstanceStore) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

// withTx runs fn in a transaction, committing only when fn succeeds.
func (s *SQLiteInstanceStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.NewPersistenceError(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return model.NewPersistenceError(op, err)
	}
	return nil
}

// CreateInstance inserts the instance and its first history entry.
func (s *SQLiteInstanceStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance, entry model.WorkflowHistoryEntry) error {
	return s.withTx(ctx, "create instance", func(tx *sql.Tx) error {
		if err := sqliteInsertInstance(ctx, tx, inst); err != nil {
			return err
		}
		return sqliteInsertHistory(ctx, tx, entry)
	})
}

// GetInstance retrieves an instance by ID.
func (s *SQLiteInstanceStore) GetInstance(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectInstance+` WHERE id = ?`, instanceID)
	inst, err := scanSQLiteInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowInstance{}, notFoundInstance(instanceID)
	}
	if err != nil {
		return model.WorkflowInstance{}, model.NewPersistenceError("get instance", err)
	}
	return inst, nil
}

// GetActiveInstance retrieves the document's active instance.
func (s *SQLiteInstanceStore) GetActiveInstance(ctx context.Context, documentID string) (model.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectInstance+` WHERE document_id = ? AND is_active = 1`, documentID)
	inst, err := scanSQLiteInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowInstance{}, noActiveInstance(documentID)
	}
	if err != nil {
		return model.WorkflowInstance{}, model.NewPersistenceError("get active instance", err)
	}
	return inst, nil
}

// GetAllInstances returns the document's instances, newest first.
func (s *SQLiteInstanceStore) GetAllInstances(ctx context.Context, documentID string) ([]model.WorkflowInstance, error) {
	return s.queryInstances(ctx, "get all instances",
		sqliteSelectInstance+` WHERE document_id = ? ORDER BY created_at DESC, id DESC`, documentID)
}

// UpdateInstance applies patch under the version check and appends entry.
func (s *SQLiteInstanceStore) UpdateInstance(ctx context.Context, instanceID string, expectedVersion int, patch InstancePatch, entry model.WorkflowHistoryEntry) (model.WorkflowInstance, error) {
	var updated model.WorkflowInstance
	err := s.withTx(ctx, "update instance", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, sqliteSelectInstance+` WHERE id = ?`, instanceID)
		existing, err := scanSQLiteInstance(row)
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundInstance(instanceID)
		}
		if err != nil {
			return model.NewPersistenceError("update instance", err)
		}
		if existing.Version != expectedVersion {
			return versionConflict(instanceID, expectedVersion)
		}

		updated = existing
		patch.Apply(&updated)

		stateJSON, err := marshalJSON(updated.State)
		if err != nil {
			return model.NewPersistenceError("update instance", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE workflow_instances SET
				current_stage_id = ?,
				is_active = ?,
				state = ?,
				completed_at = ?,
				updated_at = ?,
				version = ?
			WHERE id = ? AND version = ?`,
			updated.CurrentStageID, updated.IsActive, stateJSON, nanosPtr(updated.CompletedAt),
			updated.UpdatedAt.UnixNano(), updated.Version,
			instanceID, expectedVersion,
		)
		if err != nil {
			return sqliteWriteError("update instance", updated.DocumentID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return versionConflict(instanceID, expectedVersion)
		}
		return sqliteInsertHistory(ctx, tx, entry)
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	return updated, nil
}

// DeleteInstance removes the instance after its history.
func (s *SQLiteInstanceStore) DeleteInstance(ctx context.Context, instanceID string) error {
	return s.withTx(ctx, "delete instance", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_history WHERE workflow_instance_id = ?`, instanceID); err != nil {
			return model.NewPersistenceError("delete history", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM workflow_instances WHERE id = ?`, instanceID)
		if err != nil {
			return model.NewPersistenceError("delete instance", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFoundInstance(instanceID)
		}
		return nil
	})
}

// AppendHistory inserts a history entry for an existing instance.
func (s *SQLiteInstanceStore) AppendHistory(ctx context.Context, entry model.WorkflowHistoryEntry) error {
	return s.withTx(ctx, "append history", func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM workflow_instances WHERE id = ?`, entry.WorkflowInstanceID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundInstance(entry.WorkflowInstanceID)
		}
		if err != nil {
			return model.NewPersistenceError("append history", err)
		}
		return sqliteInsertHistory(ctx, tx, entry)
	})
}

// GetHistory returns the instance's history in insertion order.
func (s *SQLiteInstanceStore) GetHistory(ctx context.Context, instanceID string) ([]model.WorkflowHistoryEntry, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_instance_id, stage_id, stage_name, action, performed_by, metadata, created_at
		FROM workflow_history
		WHERE workflow_instance_id = ?
		ORDER BY created_at ASC, seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, model.NewPersistenceError("get history", err)
	}
	defer rows.Close()

	var entries []model.WorkflowHistoryEntry
	for rows.Next() {
		var (
			e        model.WorkflowHistoryEntry
			metadata sql.NullString
			created  int64
		)
		if err := rows.Scan(&e.ID, &e.WorkflowInstanceID, &e.StageID, &e.StageName,
			&e.Action, &e.PerformedBy, &metadata, &created); err != nil {
			return nil, model.NewPersistenceError("scan history", err)
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, model.NewPersistenceError("scan history metadata", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewPersistenceError("get history", err)
	}
	return entries, nil
}

// ResetDocument replaces all of the document's instances with fresh.
func (s *SQLiteInstanceStore) ResetDocument(ctx context.Context, documentID string, fresh model.WorkflowInstance, entry model.WorkflowHistoryEntry) error {
	return s.withTx(ctx, "reset document", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM workflow_history
			WHERE workflow_instance_id IN (SELECT id FROM workflow_instances WHERE document_id = ?)`,
			documentID,
		); err != nil {
			return model.NewPersistenceError("reset history", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_instances WHERE document_id = ?`, documentID); err != nil {
			return model.NewPersistenceError("reset instances", err)
		}
		if err := sqliteInsertInstance(ctx, tx, fresh); err != nil {
			return err
		}
		return sqliteInsertHistory(ctx, tx, entry)
	})
}

// ListInstances returns instances matching filters, newest update first.
func (s *SQLiteInstanceStore) ListInstances(ctx context.Context, filters InstanceFilters) ([]model.WorkflowInstance, error) {
	var (
		where []string
		args  []any
	)
	if filters.DocumentID != "" {
		where = append(where, "document_id = ?")
		args = append(args, filters.DocumentID)
	}
	if filters.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filters.WorkflowID)
	}
	if filters.StageID != "" {
		where = append(where, "current_stage_id = ?")
		args = append(args, filters.StageID)
	}
	if filters.Active != nil {
		where = append(where, "is_active = ?")
		args = append(args, *filters.Active)
	}

	query := sqliteSelectInstance
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC"

	// SQLite requires LIMIT before OFFSET; -1 means unbounded.
	if filters.Limit > 0 || filters.Offset > 0 {
		limit := -1
		if filters.Limit > 0 {
			limit = filters.Limit
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filters.Offset)
	}
	return s.queryInstances(ctx, "list instances", query, args...)
}

// ListDocumentIDs returns every document with at least one instance.
func (s *SQLiteInstanceStore) ListDocumentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT document_id FROM workflow_instances ORDER BY document_id`)
	if err != nil {
		return nil, model.NewPersistenceError("list documents", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, model.NewPersistenceError("scan document id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewPersistenceError("list documents", err)
	}
	return ids, nil
}

// Ping checks the database connection.
func (s *SQLiteInstanceStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return model.NewPersistenceError("ping", err)
	}
	return nil
}

const sqliteSelectInstance = `
	SELECT id, document_id, workflow_id, workflow_version, current_stage_id,
	       is_active, state, completed_at, created_at, updated_at, version
	FROM workflow_instances`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteInstance(row rowScanner) (model.WorkflowInstance, error) {
	var (
		inst      model.WorkflowInstance
		stateJSON sql.NullString
		completed sql.NullInt64
		created   int64
		updated   int64
	)
	if err := row.Scan(
		&inst.ID, &inst.DocumentID, &inst.WorkflowID, &inst.WorkflowVersion, &inst.CurrentStageID,
		&inst.IsActive, &stateJSON, &completed, &created, &updated, &inst.Version,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.CreatedAt = time.Unix(0, created).UTC()
	inst.UpdatedAt = time.Unix(0, updated).UTC()
	if completed.Valid {
		t := time.Unix(0, completed.Int64).UTC()
		inst.CompletedAt = &t
	}
	if stateJSON.Valid && stateJSON.String != "" && stateJSON.String != "null" {
		if err := json.Unmarshal([]byte(stateJSON.String), &inst.State); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal state: %w", err)
		}
	}
	return inst, nil
}

func (s *SQLiteInstanceStore) queryInstances(ctx context.Context, op, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.NewPersistenceError(op, err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanSQLiteInstance(rows)
		if err != nil {
			return nil, model.NewPersistenceError(op, err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewPersistenceError(op, err)
	}
	return instances, nil
}

func sqliteInsertInstance(ctx context.Context, tx *sql.Tx, inst model.WorkflowInstance) error {
	stateJSON, err := marshalJSON(inst.State)
	if err != nil {
		return model.NewPersistenceError("insert instance", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_instances (
			id, document_id, workflow_id, workflow_version, current_stage_id,
			is_active, state, completed_at, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.DocumentID, inst.WorkflowID, inst.WorkflowVersion, inst.CurrentStageID,
		inst.IsActive, stateJSON, nanosPtr(inst.CompletedAt),
		inst.CreatedAt.UnixNano(), inst.UpdatedAt.UnixNano(), inst.Version,
	)
	if err != nil {
		return sqliteWriteError("insert instance", inst.DocumentID, err)
	}
	return nil
}

func sqliteInsertHistory(ctx context.Context, tx *sql.Tx, entry model.WorkflowHistoryEntry) error {
	metadata, err := marshalJSON(entry.Metadata)
	if err != nil {
		return model.NewPersistenceError("insert history", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_history (
			id, workflow_instance_id, stage_id, stage_name, action, performed_by, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?,
			MAX(?, COALESCE((SELECT MAX(created_at) FROM workflow_history WHERE workflow_instance_id = ?), 0)))`,
		entry.ID, entry.WorkflowInstanceID, entry.StageID, entry.StageName,
		entry.Action, entry.PerformedBy, metadata,
		entry.CreatedAt.UnixNano(), entry.WorkflowInstanceID,
	)
	if err != nil {
		return model.NewPersistenceError("insert history", err)
	}
	return nil
}

// sqliteWriteError maps a violation of the one-active index to
// DUPLICATE_ACTIVE_INSTANCE.
func sqliteWriteError(op, documentID string, err error) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") &&
		strings.Contains(err.Error(), "document_id") {
		return model.NewDuplicateActiveInstanceError(documentID)
	}
	return model.NewPersistenceError(op, err)
}

func marshalJSON(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nanosPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
