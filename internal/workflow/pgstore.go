package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/reviewflow/model"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// pgOneActiveIndex enforces the single-active-instance invariant.
const pgOneActiveIndex = "workflow_instances_one_active"

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_instances (
		id               TEXT PRIMARY KEY,
		document_id      TEXT NOT NULL,
		workflow_id      TEXT NOT NULL,
		workflow_version TEXT NOT NULL DEFAULT '',
		current_stage_id TEXT NOT NULL,
		is_active        BOOLEAN NOT NULL,
		state            JSONB,
		completed_at     TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL,
		version          INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + pgOneActiveIndex + `
		ON workflow_instances (document_id) WHERE is_active`,
	`CREATE INDEX IF NOT EXISTS workflow_instances_document
		ON workflow_instances (document_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS workflow_instances_updated
		ON workflow_instances (updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS workflow_history (
		seq                  BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		id                   TEXT NOT NULL UNIQUE,
		workflow_instance_id TEXT NOT NULL REFERENCES workflow_instances (id),
		stage_id             TEXT NOT NULL,
		stage_name           TEXT NOT NULL,
		action               TEXT NOT NULL,
		performed_by         TEXT NOT NULL,
		metadata             JSONB,
		created_at           TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS workflow_history_instance
		ON workflow_history (workflow_instance_id, seq)`,
}

// PgInstanceStore is a PostgreSQL-backed InstanceStore using pgx/v5.
type PgInstanceStore struct {
	pool *pgxpool.Pool
}

var _ InstanceStore = (*PgInstanceStore)(nil)

// NewPgInstanceStore creates a new PostgreSQL instance store.
func NewPgInstanceStore(pool *pgxpool.Pool) *PgInstanceStore {
	return &PgInstanceStore{pool: pool}
}

// Migrate creates tables and indexes if they do not exist.
func (s *PgInstanceStore) Migrate(ctx context.Context) error {
	for _, stmt := range pgSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

func (s *PgInstanceStore) withTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, fn)
	if err == nil {
		return nil
	}
	if _, ok := model.AsEnvelope(err); ok {
		return err
	}
	return model.NewPersistenceError(op, err)
}

// CreateInstance inserts the instance and its first history entry.
func (s *PgInstanceStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance, entry model.WorkflowHistoryEntry) error {
	return s.withTx(ctx, "create instance", func(tx pgx.Tx) error {
		if err := pgInsertInstance(ctx, tx, inst); err != nil {
			return err
		}
		return pgInsertHistory(ctx, tx, entry)
	})
}

// GetInstance retrieves an instance by ID.
func (s *PgInstanceStore) GetInstance(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	inst, err := scanPgInstance(s.pool.QueryRow(ctx, pgSelectInstance+` WHERE id = $1`, instanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, notFoundInstance(instanceID)
	}
	if err != nil {
		return model.WorkflowInstance{}, model.NewPersistenceError("get instance", err)
	}
	return inst, nil
}

// GetActiveInstance retrieves the document's active instance.
func (s *PgInstanceStore) GetActiveInstance(ctx context.Context, documentID string) (model.WorkflowInstance, error) {
	inst, err := scanPgInstance(s.pool.QueryRow(ctx, pgSelectInstance+` WHERE document_id = $1 AND is_active`, documentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, noActiveInstance(documentID)
	}
	if err != nil {
		return model.WorkflowInstance{}, model.NewPersistenceError("get active instance", err)
	}
	return inst, nil
}

// GetAllInstances returns the document's instances, newest first.
func (s *PgInstanceStore) GetAllInstances(ctx context.Context, documentID string) ([]model.WorkflowInstance, error) {
	return s.queryInstances(ctx, "get all instances",
		pgSelectInstance+` WHERE document_id = $1 ORDER BY created_at DESC, id DESC`, documentID)
}

// UpdateInstance applies patch with optimistic locking and appends entry.
// The row is locked for the duration of the transaction.
func (s *PgInstanceStore) UpdateInstance(ctx context.Context, instanceID string, expectedVersion int, patch InstancePatch, entry model.WorkflowHistoryEntry) (model.WorkflowInstance, error) {
	var updated model.WorkflowInstance
	err := s.withTx(ctx, "update instance", func(tx pgx.Tx) error {
		existing, err := scanPgInstance(tx.QueryRow(ctx, pgSelectInstance+` WHERE id = $1 FOR UPDATE`, instanceID))
		if errors.Is(err, pgx.ErrNoRows) {
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

		stateJSON, err := json.Marshal(updated.State)
		if err != nil {
			return model.NewPersistenceError("update instance", err)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_instances SET
				current_stage_id = $1,
				is_active = $2,
				state = $3,
				completed_at = $4,
				updated_at = $5,
				version = $6
			WHERE id = $7 AND version = $8`,
			updated.CurrentStageID, updated.IsActive, stateJSON, updated.CompletedAt,
			updated.UpdatedAt, updated.Version,
			instanceID, expectedVersion,
		)
		if err != nil {
			return pgWriteError("update instance", updated.DocumentID, err)
		}
		if tag.RowsAffected() == 0 {
			return versionConflict(instanceID, expectedVersion)
		}
		return pgInsertHistory(ctx, tx, entry)
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	return updated, nil
}

// DeleteInstance removes the instance after its history.
func (s *PgInstanceStore) DeleteInstance(ctx context.Context, instanceID string) error {
	return s.withTx(ctx, "delete instance", func(tx pgx.Tx) error {
		// Delete history first (foreign key).
		if _, err := tx.Exec(ctx, `DELETE FROM workflow_history WHERE workflow_instance_id = $1`, instanceID); err != nil {
			return model.NewPersistenceError("delete history", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM workflow_instances WHERE id = $1`, instanceID)
		if err != nil {
			return model.NewPersistenceError("delete instance", err)
		}
		if tag.RowsAffected() == 0 {
			return notFoundInstance(instanceID)
		}
		return nil
	})
}

// AppendHistory inserts a history entry for an existing instance.
func (s *PgInstanceStore) AppendHistory(ctx context.Context, entry model.WorkflowHistoryEntry) error {
	return s.withTx(ctx, "append history", func(tx pgx.Tx) error {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM workflow_instances WHERE id = $1 FOR SHARE`, entry.WorkflowInstanceID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return notFoundInstance(entry.WorkflowInstanceID)
		}
		if err != nil {
			return model.NewPersistenceError("append history", err)
		}
		return pgInsertHistory(ctx, tx, entry)
	})
}

// GetHistory returns the instance's history in insertion order.
func (s *PgInstanceStore) GetHistory(ctx context.Context, instanceID string) ([]model.WorkflowHistoryEntry, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_instance_id, stage_id, stage_name, action, performed_by, metadata, created_at
		FROM workflow_history
		WHERE workflow_instance_id = $1
		ORDER BY created_at ASC, seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, model.NewPersistenceError("get history", err)
	}
	defer rows.Close()

	var entries []model.WorkflowHistoryEntry
	for rows.Next() {
		var e model.WorkflowHistoryEntry
		var metadata []byte
		if err := rows.Scan(
			&e.ID, &e.WorkflowInstanceID, &e.StageID, &e.StageName,
			&e.Action, &e.PerformedBy, &metadata, &e.CreatedAt,
		); err != nil {
			return nil, model.NewPersistenceError("scan history", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		if metadata != nil {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
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
// Concurrent resets of one document are serialized on a transaction-scoped
// advisory lock keyed by the document ID.
func (s *PgInstanceStore) ResetDocument(ctx context.Context, documentID string, fresh model.WorkflowInstance, entry model.WorkflowHistoryEntry) error {
	return s.withTx(ctx, "reset document", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, documentID); err != nil {
			return model.NewPersistenceError("reset lock", err)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM workflow_history
			WHERE workflow_instance_id IN (SELECT id FROM workflow_instances WHERE document_id = $1)`,
			documentID,
		); err != nil {
			return model.NewPersistenceError("reset history", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM workflow_instances WHERE document_id = $1`, documentID); err != nil {
			return model.NewPersistenceError("reset instances", err)
		}
		if err := pgInsertInstance(ctx, tx, fresh); err != nil {
			return err
		}
		return pgInsertHistory(ctx, tx, entry)
	})
}

// ListInstances returns instances matching filters, newest update first.
func (s *PgInstanceStore) ListInstances(ctx context.Context, filters InstanceFilters) ([]model.WorkflowInstance, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filters.DocumentID != "" {
		where = append(where, "document_id = "+arg(filters.DocumentID))
	}
	if filters.WorkflowID != "" {
		where = append(where, "workflow_id = "+arg(filters.WorkflowID))
	}
	if filters.StageID != "" {
		where = append(where, "current_stage_id = "+arg(filters.StageID))
	}
	if filters.Active != nil {
		where = append(where, "is_active = "+arg(*filters.Active))
	}

	query := pgSelectInstance
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC"

	if filters.Limit > 0 {
		query += " LIMIT " + arg(filters.Limit)
	}
	if filters.Offset > 0 {
		query += " OFFSET " + arg(filters.Offset)
	}
	return s.queryInstances(ctx, "list instances", query, args...)
}

// ListDocumentIDs returns every document with at least one instance.
func (s *PgInstanceStore) ListDocumentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT document_id FROM workflow_instances ORDER BY document_id`)
	if err != nil {
		return nil, model.NewPersistenceError("list documents", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, model.NewPersistenceError("list documents", err)
	}
	return ids, nil
}

// Ping checks the pool.
func (s *PgInstanceStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return model.NewPersistenceError("ping", err)
	}
	return nil
}

const pgSelectInstance = `
	SELECT id, document_id, workflow_id, workflow_version, current_stage_id,
	       is_active, state, completed_at, created_at, updated_at, version
	FROM workflow_instances`

func scanPgInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var stateJSON []byte
	if err := row.Scan(
		&inst.ID, &inst.DocumentID, &inst.WorkflowID, &inst.WorkflowVersion, &inst.CurrentStageID,
		&inst.IsActive, &stateJSON, &inst.CompletedAt, &inst.CreatedAt, &inst.UpdatedAt, &inst.Version,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	if inst.CompletedAt != nil {
		t := inst.CompletedAt.UTC()
		inst.CompletedAt = &t
	}
	if stateJSON != nil {
		if err := json.Unmarshal(stateJSON, &inst.State); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal state: %w", err)
		}
	}
	return inst, nil
}

// queryInstances executes a query and returns workflow instances.
func (s *PgInstanceStore) queryInstances(ctx context.Context, op, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, model.NewPersistenceError(op, err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanPgInstance(rows)
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

func pgInsertInstance(ctx context.Context, tx pgx.Tx, inst model.WorkflowInstance) error {
	stateJSON, err := json.Marshal(inst.State)
	if err != nil {
		return model.NewPersistenceError("insert instance", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, document_id, workflow_id, workflow_version, current_stage_id,
			is_active, state, completed_at, created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inst.ID, inst.DocumentID, inst.WorkflowID, inst.WorkflowVersion, inst.CurrentStageID,
		inst.IsActive, stateJSON, inst.CompletedAt, inst.CreatedAt, inst.UpdatedAt, inst.Version,
	)
	if err != nil {
		return pgWriteError("insert instance", inst.DocumentID, err)
	}
	return nil
}

func pgInsertHistory(ctx context.Context, tx pgx.Tx, entry model.WorkflowHistoryEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return model.NewPersistenceError("insert history", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_history (
			id, workflow_instance_id, stage_id, stage_name, action, performed_by, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7,
			GREATEST($8::timestamptz, COALESCE(
				(SELECT max(created_at) FROM workflow_history WHERE workflow_instance_id = $2),
				$8::timestamptz)))`,
		entry.ID, entry.WorkflowInstanceID, entry.StageID, entry.StageName,
		entry.Action, entry.PerformedBy, metadata, entry.CreatedAt.UTC().Truncate(time.Microsecond),
	)
	if err != nil {
		return model.NewPersistenceError("insert history", err)
	}
	return nil
}

// pgWriteError maps a violation of the one-active index to
// DUPLICATE_ACTIVE_INSTANCE.
func pgWriteError(op, documentID string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == pgOneActiveIndex {
		return model.NewDuplicateActiveInstanceError(documentID)
	}
	return model.NewPersistenceError(op, err)
}
