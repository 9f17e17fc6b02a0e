package asynctask

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

// SQLiteStore persists responses through database/sql. Claims are a single
// conditional UPDATE ... RETURNING so concurrent workers cannot both win.
type SQLiteStore struct {
	db         *sql.DB
	table      string
	now        func() time.Time
	schemaOnce sync.Once
	schemaErr  error
}

func NewSQLiteStore(db *sql.DB, table string) *SQLiteStore {
	table = strings.TrimSpace(table)
	if table == "" {
		table = "async_task_responses"
	}
	return &SQLiteStore{
		db:    db,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *SQLiteStore) Insert(ctx context.Context, r Response) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	rec, err := normalizeResponse(r, s.now())
	if err != nil {
		return false, err
	}
	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (uuid, correlation_id, kind, payload, last_processing_attempt, valid_until, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table)
	result, err := s.db.ExecContext(ctx, q,
		rec.ID,
		rec.CorrelationID,
		string(rec.Kind),
		rec.Payload,
		formatTimestamp(rec.LastProcessingAttempt),
		formatTimestamp(rec.ValidUntil),
		formatTimestamp(rec.CreatedAt),
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

func (s *SQLiteStore) ClaimOne(ctx context.Context, kind Kind, staleBefore, now time.Time) (Response, bool, error) {
	if err := s.ready(ctx); err != nil {
		return Response{}, false, err
	}
	stale := formatTimestamp(staleBefore)
	q := fmt.Sprintf(`UPDATE %[1]s SET last_processing_attempt = ?
		WHERE uuid = (
			SELECT uuid FROM %[1]s
			WHERE kind = ? AND last_processing_attempt < ?
			ORDER BY created_at, rowid LIMIT 1
		) AND last_processing_attempt < ?
		RETURNING uuid, correlation_id, kind, payload, last_processing_attempt, valid_until, created_at`, s.table)
	row := s.db.QueryRowContext(ctx, q, formatTimestamp(now), string(kind), stale, stale)

	var (
		rec                        Response
		kindRaw                    string
		lastAttempt, valid, create string
	)
	err := row.Scan(&rec.ID, &rec.CorrelationID, &kindRaw, &rec.Payload, &lastAttempt, &valid, &create)
	if errors.Is(err, sql.ErrNoRows) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, err
	}
	rec.Kind = Kind(kindRaw)
	rec.LastProcessingAttempt = parseTimestamp(lastAttempt)
	rec.ValidUntil = parseTimestamp(valid)
	rec.CreatedAt = parseTimestamp(create)
	return rec, true, nil
}

func (s *SQLiteStore) DeleteBatch(ctx context.Context, ids []string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE uuid IN (%s)`, s.table, strings.Join(placeholders, ", "))
	result, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE valid_until != '' AND valid_until < ?`, s.table)
	result, err := s.db.ExecContext(ctx, q, formatTimestamp(now))
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

func (s *SQLiteStore) Count(ctx context.Context, kind Kind) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var n int
	var err error
	if kind == "" {
		err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE kind = ?`, s.table), string(kind)).Scan(&n)
	}
	return n, err
}

func (s *SQLiteStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "sqlite async response store not configured")
	}
	s.schemaOnce.Do(func() {
		s.schemaErr = s.ensureSchema(ctx)
	})
	return s.schemaErr
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		uuid TEXT PRIMARY KEY,
		correlation_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload BLOB,
		last_processing_attempt TEXT NOT NULL DEFAULT '',
		valid_until TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_claim_idx ON %s (kind, last_processing_attempt, created_at)`, s.table, s.table)
	_, err := s.db.ExecContext(ctx, idx)
	return err
}

const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTimestamp(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(timestampLayout)
}

func parseTimestamp(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	ts, err := time.Parse(timestampLayout, value)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}
