package execution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/codec"
)

// SQLiteStore persists executions through database/sql. Records are stored
// as codec frames next to the indexed storage-contract columns.
type SQLiteStore struct {
	db         *sql.DB
	nodeTable  string
	planTable  string
	codec      *codec.Codec
	now        func() time.Time
	schemaOnce sync.Once
	schemaErr  error
}

// NewSQLiteStore builds a store using the given DB. Tables are prefixed with prefix.
func NewSQLiteStore(db *sql.DB, prefix string, c *codec.Codec) *SQLiteStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "orchestration"
	}
	if c == nil {
		c = codec.New()
	}
	return &SQLiteStore{
		db:        db,
		nodeTable: prefix + "_node_executions",
		planTable: prefix + "_plan_executions",
		codec:     c,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *SQLiteStore) Save(ctx context.Context, n *NodeExecution) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	rec, err := normalizeNew(n, s.now())
	if err != nil {
		return err
	}
	data, err := s.codec.Marshal(rec)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (uuid, plan_execution_id, notify_id, parent_id, status, version, start_ts, data, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.nodeTable)
	result, err := s.db.ExecContext(ctx, q,
		rec.UUID,
		rec.Ambiance.PlanExecutionID,
		rec.NotifyID,
		rec.ParentID,
		string(rec.Status),
		rec.Version,
		formatTimestamp(rec.StartTS),
		data,
		formatTimestamp(rec.UpdatedAt),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return versionConflict(rec.UUID, 0)
	}
	*n = *rec.Clone()
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*NodeExecution, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT data, version FROM %s WHERE uuid = ?`, s.nodeTable)
	rec, err := s.scanNode(s.db.QueryRowContext(ctx, q, strings.TrimSpace(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	return rec, err
}

func (s *SQLiteStore) GetByNotifyID(ctx context.Context, notifyID string) (*NodeExecution, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	notifyID = strings.TrimSpace(notifyID)
	if notifyID == "" {
		return nil, notFound(notifyID)
	}
	q := fmt.Sprintf(`SELECT data, version FROM %s WHERE notify_id = ? LIMIT 1`, s.nodeTable)
	rec, err := s.scanNode(s.db.QueryRowContext(ctx, q, notifyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(notifyID)
	}
	return rec, err
}

func (s *SQLiteStore) ListByPlanExecution(ctx context.Context, planExecutionID string) ([]*NodeExecution, error) {
	return s.list(ctx, `plan_execution_id = ?`, planExecutionID)
}

func (s *SQLiteStore) ListActive(ctx context.Context, planExecutionID string) ([]*NodeExecution, error) {
	return s.list(ctx, `plan_execution_id = ? AND status IN ('QUEUED', 'RUNNING')`, planExecutionID)
}

func (s *SQLiteStore) ListAllActive(ctx context.Context) ([]*NodeExecution, error) {
	return s.list(ctx, `status IN ('QUEUED', 'RUNNING')`)
}

func (s *SQLiteStore) ListChildren(ctx context.Context, parentID string) ([]*NodeExecution, error) {
	if strings.TrimSpace(parentID) == "" {
		return nil, nil
	}
	return s.list(ctx, `parent_id = ?`, parentID)
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, to Status, mutate Mutator) (*NodeExecution, error) {
	return s.update(ctx, id, &to, mutate)
}

func (s *SQLiteStore) Update(ctx context.Context, id string, mutate Mutator) (*NodeExecution, error) {
	return s.update(ctx, id, nil, mutate)
}

func (s *SQLiteStore) MarkRetried(ctx context.Context, id string) (*NodeExecution, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		markRetried(next)
		next.Version = current.Version + 1
		next.UpdatedAt = s.now()
		ok, err := s.writeNode(ctx, next, current.Version)
		if err != nil {
			return nil, err
		}
		if ok {
			return next, nil
		}
	}
	return nil, versionConflict(id, -1)
}

func (s *SQLiteStore) ErrorOutActive(ctx context.Context, planExecutionID string, to Status, interrupt InterruptEffect) ([]*NodeExecution, error) {
	active, err := s.ListActive(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}
	var out []*NodeExecution
	for _, rec := range active {
		next, err := s.update(ctx, rec.UUID, &to, interruptMutator(interrupt, s.now()))
		if orchestration.IsInvalidStatusTransition(err) {
			// finished between list and update
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, next)
	}
	return out, nil
}

func (s *SQLiteStore) SavePlanExecution(ctx context.Context, p *PlanExecution) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if p == nil || strings.TrimSpace(p.UUID) == "" {
		return planNotFound("")
	}
	rec := p.Clone()
	now := s.now()
	if rec.StartTS.IsZero() {
		rec.StartTS = now
	}
	if rec.Status == "" {
		rec.Status = StatusRunning
	}
	rec.Version = 1
	rec.UpdatedAt = now
	data, err := s.codec.Marshal(rec)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (uuid, plan_id, status, version, data, updated_at) VALUES (?, ?, ?, ?, ?, ?)`, s.planTable)
	result, err := s.db.ExecContext(ctx, q, rec.UUID, rec.PlanID, string(rec.Status), rec.Version, data, formatTimestamp(now))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return versionConflict(rec.UUID, 0)
	}
	*p = *rec.Clone()
	return nil
}

func (s *SQLiteStore) GetPlanExecution(ctx context.Context, id string) (*PlanExecution, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT data, version FROM %s WHERE uuid = ?`, s.planTable)
	var data []byte
	var version int
	err := s.db.QueryRowContext(ctx, q, strings.TrimSpace(id)).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, planNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	var rec PlanExecution
	if err := s.codec.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	rec.Version = version
	return &rec, nil
}

func (s *SQLiteStore) UpdatePlanExecution(ctx context.Context, id string, mutate func(*PlanExecution) error) (*PlanExecution, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.GetPlanExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if mutate != nil {
			if err := mutate(next); err != nil {
				return nil, err
			}
		}
		now := s.now()
		next.UUID = current.UUID
		if next.Status.IsTerminal() && next.EndTS.IsZero() {
			next.EndTS = now
		}
		next.Version = current.Version + 1
		next.UpdatedAt = now
		data, err := s.codec.Marshal(next)
		if err != nil {
			return nil, err
		}
		q := fmt.Sprintf(`UPDATE %s SET status=?, version=?, data=?, updated_at=? WHERE uuid=? AND version=?`, s.planTable)
		result, err := s.db.ExecContext(ctx, q, string(next.Status), next.Version, data, formatTimestamp(now), next.UUID, current.Version)
		if err != nil {
			return nil, err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if rows == 1 {
			return next, nil
		}
	}
	return nil, versionConflict(id, -1)
}

func (s *SQLiteStore) update(ctx context.Context, id string, to *Status, mutate Mutator) (*NodeExecution, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := applyUpdate(current, to, mutate, s.now())
		if err != nil {
			return nil, err
		}
		ok, err := s.writeNode(ctx, next, current.Version)
		if err != nil {
			return nil, err
		}
		if ok {
			return next, nil
		}
	}
	return nil, versionConflict(id, -1)
}

func (s *SQLiteStore) writeNode(ctx context.Context, next *NodeExecution, expectedVersion int) (bool, error) {
	data, err := s.codec.Marshal(next)
	if err != nil {
		return false, err
	}
	q := fmt.Sprintf(`UPDATE %s SET notify_id=?, parent_id=?, status=?, version=?, data=?, updated_at=? WHERE uuid=? AND version=?`, s.nodeTable)
	result, err := s.db.ExecContext(ctx, q,
		next.NotifyID,
		next.ParentID,
		string(next.Status),
		next.Version,
		data,
		formatTimestamp(next.UpdatedAt),
		next.UUID,
		expectedVersion,
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

func (s *SQLiteStore) list(ctx context.Context, where string, args ...any) ([]*NodeExecution, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT data, version FROM %s WHERE %s ORDER BY start_ts, uuid`, s.nodeTable, where)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NodeExecution
	for rows.Next() {
		rec, err := s.scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanNode(row rowScanner) (*NodeExecution, error) {
	var data []byte
	var version int
	if err := row.Scan(&data, &version); err != nil {
		return nil, err
	}
	var rec NodeExecution
	if err := s.codec.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	rec.Version = version
	return &rec, nil
}

func (s *SQLiteStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "sqlite execution store not configured")
	}
	s.schemaOnce.Do(func() {
		s.schemaErr = s.ensureSchema(ctx)
	})
	return s.schemaErr
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	nodeDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		uuid TEXT PRIMARY KEY,
		plan_execution_id TEXT NOT NULL,
		notify_id TEXT,
		parent_id TEXT,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		start_ts TEXT,
		data BLOB NOT NULL,
		updated_at TEXT NOT NULL
	)`, s.nodeTable)
	if _, err := s.db.ExecContext(ctx, nodeDDL); err != nil {
		return err
	}
	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_plan_idx ON %s (plan_execution_id, status)`, s.nodeTable, s.nodeTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_notify_idx ON %s (notify_id)`, s.nodeTable, s.nodeTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_parent_idx ON %s (parent_id)`, s.nodeTable, s.nodeTable),
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	planDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		uuid TEXT PRIMARY KEY,
		plan_id TEXT,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		data BLOB NOT NULL,
		updated_at TEXT NOT NULL
	)`, s.planTable)
	_, err := s.db.ExecContext(ctx, planDDL)
	return err
}

// timestampLayout is fixed width so text ordering matches time ordering.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTimestamp(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(timestampLayout)
}
