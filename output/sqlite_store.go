package output

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
)

// SQLiteStore persists entries through database/sql.
type SQLiteStore struct {
	db         *sql.DB
	table      string
	schemaOnce sync.Once
	schemaErr  error
}

func NewSQLiteStore(db *sql.DB, table string) *SQLiteStore {
	table = strings.TrimSpace(table)
	if table == "" {
		table = "orchestration_outputs"
	}
	return &SQLiteStore{db: db, table: table}
}

func (s *SQLiteStore) Insert(ctx context.Context, e Entry) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	isNull := 0
	if e.Payload == nil {
		isNull = 1
	}
	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (uuid, kind, plan_execution_id, producer_runtime_id, anchor_runtime_id, name, group_scope, payload, is_null, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	result, err := s.db.ExecContext(ctx, q,
		e.UUID,
		string(e.Kind),
		e.PlanExecutionID,
		e.ProducerRuntimeID,
		e.AnchorRuntimeID,
		e.Name,
		e.GroupScope,
		e.Payload,
		isNull,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *SQLiteStore) Find(ctx context.Context, kind Kind, planExecutionID, anchor, name string) (Entry, bool, error) {
	if err := s.ready(ctx); err != nil {
		return Entry{}, false, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE kind = ? AND plan_execution_id = ? AND anchor_runtime_id = ? AND name = ?`, entryColumns, s.table)
	e, err := scanEntry(s.db.QueryRowContext(ctx, q, string(kind), planExecutionID, anchor, name))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *SQLiteStore) ListByProducer(ctx context.Context, kind Kind, planExecutionID, producer string) ([]Entry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE kind = ? AND plan_execution_id = ? AND producer_runtime_id = ? ORDER BY name`, entryColumns, s.table)
	rows, err := s.db.QueryContext(ctx, q, string(kind), planExecutionID, producer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const entryColumns = `uuid, kind, plan_execution_id, producer_runtime_id, anchor_runtime_id, name, group_scope, payload, is_null, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var kind, createdAt string
	var groupScope sql.NullString
	var isNull int
	if err := row.Scan(&e.UUID, &kind, &e.PlanExecutionID, &e.ProducerRuntimeID, &e.AnchorRuntimeID, &e.Name, &groupScope, &e.Payload, &isNull, &createdAt); err != nil {
		return Entry{}, err
	}
	e.Kind = Kind(kind)
	e.GroupScope = groupScope.String
	if isNull == 1 {
		e.Payload = nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		e.CreatedAt = ts
	}
	return e, nil
}

func (s *SQLiteStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "sqlite output store not configured")
	}
	s.schemaOnce.Do(func() {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			uuid TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			plan_execution_id TEXT NOT NULL,
			producer_runtime_id TEXT NOT NULL,
			anchor_runtime_id TEXT NOT NULL,
			name TEXT NOT NULL,
			group_scope TEXT,
			payload BLOB,
			is_null INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE (kind, plan_execution_id, anchor_runtime_id, name)
		)`, s.table)
		_, s.schemaErr = s.db.ExecContext(ctx, ddl)
	})
	return s.schemaErr
}
