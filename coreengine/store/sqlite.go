package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
)

// SQLiteStore persists records as JSON documents next to a version column.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Version checks run inside a transaction; one writer avoids upgrade
	// deadlocks between concurrent read-then-write transactions.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the underlying handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS handoffs (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			workflow_id TEXT,
			state       TEXT NOT NULL,
			version     INTEGER NOT NULL,
			data        TEXT NOT NULL,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_handoffs_workflow ON handoffs(workflow_id, seq)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			campaign_id TEXT,
			status      TEXT NOT NULL,
			version     INTEGER NOT NULL,
			data        TEXT NOT NULL,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status, seq)`,
		`CREATE TABLE IF NOT EXISTS exceptions (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			handoff_id  TEXT,
			workflow_id TEXT,
			status      TEXT NOT NULL,
			version     INTEGER NOT NULL,
			data        TEXT NOT NULL,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exceptions_handoff ON exceptions(handoff_id, seq)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id          TEXT PRIMARY KEY,
			type        TEXT,
			name        TEXT,
			location    TEXT,
			version     TEXT,
			size_bytes  INTEGER DEFAULT 0,
			field_count INTEGER DEFAULT 0,
			owner       TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// =============================================================================
// Generic document helpers
// =============================================================================

// document is one row of a versioned JSON table.
type document struct {
	table   string
	entity  string
	id      string
	version int64
	data    []byte
	// indexed columns besides id, version and data
	columns []string
	values  []any
}

// save runs the version check and the write in one transaction.
func (s *SQLiteStore) save(ctx context.Context, d document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var stored int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM `+d.table+` WHERE id = ?`, d.id).Scan(&stored)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("read %s version: %w", d.entity, err)
	}
	if err := checkVersion(d.entity, d.id, exists, stored, d.version); err != nil {
		return err
	}

	if !exists {
		cols := "id, version, data"
		marks := "?, ?, ?"
		args := []any{d.id, d.version + 1, string(d.data)}
		for i, c := range d.columns {
			cols += ", " + c
			marks += ", ?"
			args = append(args, d.values[i])
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO `+d.table+` (`+cols+`) VALUES (`+marks+`)`, args...); err != nil {
			return fmt.Errorf("insert %s: %w", d.entity, err)
		}
	} else {
		set := "version = ?, data = ?, updated_at = CURRENT_TIMESTAMP"
		args := []any{d.version + 1, string(d.data)}
		for i, c := range d.columns {
			set += ", " + c + " = ?"
			args = append(args, d.values[i])
		}
		args = append(args, d.id, d.version)
		res, err := tx.ExecContext(ctx, `UPDATE `+d.table+` SET `+set+` WHERE id = ? AND version = ?`, args...)
		if err != nil {
			return fmt.Errorf("update %s: %w", d.entity, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return handoff.NewConcurrentModificationError(d.entity, d.id, d.version, stored)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", d.entity, err)
	}
	return nil
}

func (s *SQLiteStore) load(ctx context.Context, table, entity, id string, dst any) (int64, error) {
	var version int64
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT version, data FROM `+table+` WHERE id = ?`, id).Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, handoff.NewNotFoundError(entity, id)
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", entity, err)
	}
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return 0, fmt.Errorf("decode %s %s: %w", entity, id, err)
	}
	return version, nil
}

// list decodes every data column returned by query, calling add per row.
func (s *SQLiteStore) list(ctx context.Context, entity, query string, args []any, add func(version int64, data []byte) error) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("list %s: %w", entity, err)
	}
	defer rows.Close()

	for rows.Next() {
		var version int64
		var data string
		if err := rows.Scan(&version, &data); err != nil {
			return fmt.Errorf("scan %s: %w", entity, err)
		}
		if err := add(version, []byte(data)); err != nil {
			return fmt.Errorf("decode %s: %w", entity, err)
		}
	}
	return rows.Err()
}

// =============================================================================
// Handoffs
// =============================================================================

// GetHandoff loads a handoff.
func (s *SQLiteStore) GetHandoff(ctx context.Context, id string) (*handoff.Handoff, error) {
	var h handoff.Handoff
	version, err := s.load(ctx, "handoffs", "handoff", id, &h)
	if err != nil {
		return nil, err
	}
	h.Version = version
	return &h, nil
}

// SaveHandoff inserts or updates h under the version contract.
func (s *SQLiteStore) SaveHandoff(ctx context.Context, h *handoff.Handoff) error {
	c := *h
	c.Version = h.Version + 1
	data, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("encode handoff: %w", err)
	}
	err = s.save(ctx, document{
		table: "handoffs", entity: "handoff", id: h.ID, version: h.Version, data: data,
		columns: []string{"workflow_id", "state"},
		values:  []any{h.WorkflowID, string(h.State)},
	})
	if err != nil {
		return err
	}
	h.Version++
	return nil
}

// ListHandoffs returns the handoffs of a workflow in creation order.
func (s *SQLiteStore) ListHandoffs(ctx context.Context, workflowID string) ([]*handoff.Handoff, error) {
	query := `SELECT version, data FROM handoffs ORDER BY seq`
	var args []any
	if workflowID != "" {
		query = `SELECT version, data FROM handoffs WHERE workflow_id = ? ORDER BY seq`
		args = []any{workflowID}
	}
	var out []*handoff.Handoff
	err := s.list(ctx, "handoffs", query, args, func(version int64, data []byte) error {
		var h handoff.Handoff
		if err := json.Unmarshal(data, &h); err != nil {
			return err
		}
		h.Version = version
		out = append(out, &h)
		return nil
	})
	return out, err
}

// =============================================================================
// Workflows
// =============================================================================

// GetWorkflow loads a workflow instance and re-indexes its stage graph.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*handoff.WorkflowInstance, error) {
	var w handoff.WorkflowInstance
	version, err := s.load(ctx, "workflows", "workflow", id, &w)
	if err != nil {
		return nil, err
	}
	w.Version = version
	if err := reindex(&w); err != nil {
		return nil, err
	}
	return &w, nil
}

// SaveWorkflow inserts or updates w under the version contract.
func (s *SQLiteStore) SaveWorkflow(ctx context.Context, w *handoff.WorkflowInstance) error {
	c := *w
	c.Version = w.Version + 1
	data, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	err = s.save(ctx, document{
		table: "workflows", entity: "workflow", id: w.ID, version: w.Version, data: data,
		columns: []string{"campaign_id", "status"},
		values:  []any{w.CampaignID, string(w.Status)},
	})
	if err != nil {
		return err
	}
	w.Version++
	return nil
}

// ListWorkflows returns workflows with status, or all when status is empty.
func (s *SQLiteStore) ListWorkflows(ctx context.Context, status handoff.WorkflowStatus) ([]*handoff.WorkflowInstance, error) {
	query := `SELECT version, data FROM workflows ORDER BY seq`
	var args []any
	if status != "" {
		query = `SELECT version, data FROM workflows WHERE status = ? ORDER BY seq`
		args = []any{string(status)}
	}
	var out []*handoff.WorkflowInstance
	err := s.list(ctx, "workflows", query, args, func(version int64, data []byte) error {
		var w handoff.WorkflowInstance
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		w.Version = version
		if err := reindex(&w); err != nil {
			return err
		}
		out = append(out, &w)
		return nil
	})
	return out, err
}

func reindex(w *handoff.WorkflowInstance) error {
	if w.Iterations == nil {
		w.Iterations = map[string]int{}
	}
	if w.Graph == nil {
		return nil
	}
	if err := w.Graph.Validate(); err != nil {
		return fmt.Errorf("workflow %s graph: %w", w.ID, err)
	}
	return nil
}

// =============================================================================
// Exceptions
// =============================================================================

// GetException loads an exception.
func (s *SQLiteStore) GetException(ctx context.Context, id string) (*handoff.Exception, error) {
	var e handoff.Exception
	version, err := s.load(ctx, "exceptions", "exception", id, &e)
	if err != nil {
		return nil, err
	}
	e.Version = version
	return &e, nil
}

// SaveException inserts or updates e under the version contract.
func (s *SQLiteStore) SaveException(ctx context.Context, e *handoff.Exception) error {
	c := *e
	c.Version = e.Version + 1
	data, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("encode exception: %w", err)
	}
	err = s.save(ctx, document{
		table: "exceptions", entity: "exception", id: e.ID, version: e.Version, data: data,
		columns: []string{"handoff_id", "workflow_id", "status"},
		values:  []any{e.HandoffID, e.WorkflowID, string(e.Status)},
	})
	if err != nil {
		return err
	}
	e.Version++
	return nil
}

// ListExceptions returns the exceptions of a handoff in creation order.
func (s *SQLiteStore) ListExceptions(ctx context.Context, handoffID string) ([]*handoff.Exception, error) {
	query := `SELECT version, data FROM exceptions ORDER BY seq`
	var args []any
	if handoffID != "" {
		query = `SELECT version, data FROM exceptions WHERE handoff_id = ? ORDER BY seq`
		args = []any{handoffID}
	}
	var out []*handoff.Exception
	err := s.list(ctx, "exceptions", query, args, func(version int64, data []byte) error {
		var e handoff.Exception
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		e.Version = version
		out = append(out, &e)
		return nil
	})
	return out, err
}

// =============================================================================
// Artifacts
// =============================================================================

// PutArtifact stores or replaces an artifact.
func (s *SQLiteStore) PutArtifact(ctx context.Context, a handoff.Artifact) error {
	if a.ID == "" {
		return handoff.NewInvalidHandoffError("artifact.id", "required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, type, name, location, version, size_bytes, field_count, owner)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			location = excluded.location,
			version = excluded.version,
			size_bytes = excluded.size_bytes,
			field_count = excluded.field_count,
			owner = excluded.owner`,
		a.ID, a.Type, a.Name, a.Location, a.Version, a.SizeBytes, a.FieldCount, a.OwnerHandoffID)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

// Resolve returns the artifact with id.
func (s *SQLiteStore) Resolve(ctx context.Context, id string) (*handoff.Artifact, error) {
	a := &handoff.Artifact{}
	var typ, name, location, version, owner sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, name, location, version, size_bytes, field_count, owner FROM artifacts WHERE id = ?`, id).
		Scan(&a.ID, &typ, &name, &location, &version, &a.SizeBytes, &a.FieldCount, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, handoff.NewNotFoundError("artifact", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	a.Type = typ.String
	a.Name = name.String
	a.Location = location.String
	a.Version = version.String
	a.OwnerHandoffID = owner.String
	return a, nil
}
