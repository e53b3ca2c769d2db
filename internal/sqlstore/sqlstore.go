// Package sqlstore implements flow.Store on database/sql. The SQLite and
// Postgres stores share it and differ only in their Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/internal/xjson"
)

// Dialect captures what differs between SQL databases.
type Dialect struct {
	Name string

	// Blob is the column type of JSON documents
	Blob string

	// Numbered placeholders ($1, $2) instead of ?
	Numbered bool
}

var (
	SQLite   = Dialect{Name: "sqlite", Blob: "BLOB"}
	Postgres = Dialect{Name: "postgres", Blob: "BYTEA", Numbered: true}
)

// Store is a flow.Store backed by SQL tables.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ flow.Store = (*Store)(nil)

// New creates the schema if needed and returns the store.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to create %s schema: %w", dialect.Name, err)
	}
	return s, nil
}

// DB returns the underlying database
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS flow_workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			active INTEGER NOT NULL DEFAULT 0,
			definition ` + s.dialect.Blob + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS flow_executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			resume_token TEXT,
			version INTEGER NOT NULL,
			claimed_by TEXT NOT NULL DEFAULT '',
			claim_expires_at BIGINT,
			record ` + s.dialect.Blob + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS flow_executions_workflow ON flow_executions (workflow_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS flow_executions_status ON flow_executions (status)`,
		`DROP INDEX IF EXISTS flow_executions_token`,
		`CREATE UNIQUE INDEX IF NOT EXISTS flow_executions_resume_token ON flow_executions (resume_token)`,
		`CREATE TABLE IF NOT EXISTS flow_checkpoints (
			execution_id TEXT PRIMARY KEY,
			data ` + s.dialect.Blob + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS flow_steps (
			execution_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			data ` + s.dialect.Blob + ` NOT NULL,
			PRIMARY KEY (execution_id, sequence)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// bind rewrites ? placeholders for dialects with numbered placeholders.
func (s *Store) bind(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) SaveWorkflow(ctx context.Context, wf *flow.Workflow) (*flow.Workflow, error) {
	opts := wf.Options()
	if opts.ID == "" {
		opts.ID = flow.NewWorkflowID()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var version, active int
	err = tx.QueryRowContext(ctx, s.bind(`SELECT version, active FROM flow_workflows WHERE id = ?`), opts.ID).
		Scan(&version, &active)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		version, active = 0, 0
	case err != nil:
		return nil, err
	}
	opts.Version = version + 1
	opts.Active = active == 1

	definition, err := xjson.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.bind(`
		INSERT INTO flow_workflows (id, name, version, active, definition)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, version = excluded.version, definition = excluded.definition`),
		opts.ID, opts.Name, opts.Version, active, definition)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return flow.New(opts)
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*flow.Workflow, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT version, active, definition FROM flow_workflows WHERE id = ?`), id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, flow.ErrNotFound)
	}
	return wf, err
}

func (s *Store) ListWorkflows(ctx context.Context, activeOnly bool) ([]*flow.Workflow, error) {
	query := `SELECT version, active, definition FROM flow_workflows`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*flow.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *Store) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx, s.bind(`UPDATE flow_workflows SET active = ? WHERE id = ?`), flag, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("workflow %s: %w", id, flow.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*flow.Workflow, error) {
	var (
		version, active int
		definition      []byte
	)
	if err := row.Scan(&version, &active, &definition); err != nil {
		return nil, err
	}
	var opts flow.Options
	if err := xjson.Unmarshal(definition, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	opts.Version = version
	opts.Active = active == 1
	return flow.New(opts)
}

func (s *Store) CreateExecution(ctx context.Context, exec *flow.Execution) error {
	exec.Version = 1
	record, err := xjson.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.bind(`
		INSERT INTO flow_executions (id, workflow_id, status, started_at, resume_token, version, claimed_by, claim_expires_at, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		exec.ID, exec.WorkflowID, string(exec.Status), exec.StartedAt.UnixNano(),
		nullString(exec.ResumeToken), exec.Version, exec.ClaimedBy, nullTime(exec.ClaimExpiresAt), record)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*flow.Execution, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT version, claimed_by, claim_expires_at, record FROM flow_executions WHERE id = ?`), id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, flow.ErrNotFound)
	}
	return exec, err
}

func (s *Store) UpdateExecution(ctx context.Context, exec *flow.Execution) error {
	record, err := xjson.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.bind(`
		UPDATE flow_executions
		SET status = ?, resume_token = ?, version = version + 1, claimed_by = ?, claim_expires_at = ?, record = ?
		WHERE id = ? AND version = ?`),
		string(exec.Status), nullString(exec.ResumeToken), exec.ClaimedBy, nullTime(exec.ClaimExpiresAt), record,
		exec.ID, exec.Version)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetExecution(ctx, exec.ID); err != nil {
			return err
		}
		return fmt.Errorf("execution %s at version %d: %w", exec.ID, exec.Version, flow.ErrConflict)
	}
	exec.Version++
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, workflowID string, limit, offset int) ([]*flow.Execution, error) {
	query := `SELECT version, claimed_by, claim_expires_at, record FROM flow_executions`
	var args []any
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	} else if offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		if s.dialect.Numbered {
			query = strings.Replace(query, "LIMIT -1 ", "", 1)
		}
		args = append(args, offset)
	}
	return s.queryExecutions(ctx, query, args...)
}

func (s *Store) ListExecutionsByStatus(ctx context.Context, status flow.ExecutionStatus) ([]*flow.Execution, error) {
	return s.queryExecutions(ctx,
		`SELECT version, claimed_by, claim_expires_at, record FROM flow_executions WHERE status = ? ORDER BY started_at, id`,
		string(status))
}

func (s *Store) GetExecutionByResumeToken(ctx context.Context, token string) (*flow.Execution, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT version, claimed_by, claim_expires_at, record FROM flow_executions WHERE resume_token = ?`), token)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resume token: %w", flow.ErrNotFound)
	}
	return exec, err
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...any) ([]*flow.Execution, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*flow.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(row scanner) (*flow.Execution, error) {
	var (
		version   int
		claimedBy string
		claimExp  sql.NullInt64
		record    []byte
	)
	if err := row.Scan(&version, &claimedBy, &claimExp, &record); err != nil {
		return nil, err
	}
	var exec flow.Execution
	if err := xjson.Unmarshal(record, &exec); err != nil {
		return nil, fmt.Errorf("failed to decode execution: %w", err)
	}
	exec.Version = version
	exec.ClaimedBy = claimedBy
	if claimExp.Valid {
		t := time.Unix(0, claimExp.Int64)
		exec.ClaimExpiresAt = &t
	}
	return &exec, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint *flow.Checkpoint) error {
	data, err := xjson.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.bind(`
		INSERT INTO flow_checkpoints (execution_id, data) VALUES (?, ?)
		ON CONFLICT (execution_id) DO UPDATE SET data = excluded.data`),
		checkpoint.ExecutionID, data)
	return err
}

func (s *Store) LoadCheckpoint(ctx context.Context, executionID string) (*flow.Checkpoint, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT data FROM flow_checkpoints WHERE execution_id = ?`), executionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint for execution %s: %w", executionID, flow.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var cp flow.Checkpoint
	if err := xjson.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *Store) DeleteCheckpoint(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM flow_checkpoints WHERE execution_id = ?`), executionID)
	return err
}

// AppendStep writes a step row. A row whose sequence already exists, left
// by a worker that stopped before checkpointing, is replaced.
func (s *Store) AppendStep(ctx context.Context, step *flow.StepLog) error {
	data, err := xjson.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to encode step: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.bind(`
		INSERT INTO flow_steps (execution_id, sequence, data) VALUES (?, ?, ?)
		ON CONFLICT (execution_id, sequence) DO UPDATE SET data = excluded.data`),
		step.ExecutionID, step.Sequence, data)
	return err
}

func (s *Store) ListSteps(ctx context.Context, executionID string) ([]*flow.StepLog, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`SELECT data FROM flow_steps WHERE execution_id = ? ORDER BY sequence`), executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*flow.StepLog{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var step flow.StepLog
		if err := xjson.Unmarshal(data, &step); err != nil {
			return nil, fmt.Errorf("failed to decode step: %w", err)
		}
		out = append(out, &step)
	}
	return out, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
