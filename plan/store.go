package plan

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

// Store keeps every plan version a plan execution may refer to. Versions
// are fingerprints, so a stored version never changes.
type Store interface {
	Save(ctx context.Context, p *Plan) (string, error)
	Get(ctx context.Context, planID, fingerprint string) (*Plan, error)
}

func notFound(planID, fingerprint string) error {
	return orchestration.NewError(orchestration.ErrPlanNotFound,
		"plan not found: "+planID, nil,
		map[string]any{"plan_id": planID, "fingerprint": fingerprint})
}

type versionKey struct {
	planID      string
	fingerprint string
}

// InMemoryStore keeps plans in process memory.
type InMemoryStore struct {
	mu    sync.RWMutex
	plans map[versionKey]*Plan
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{plans: make(map[versionKey]*Plan)}
}

// Save records p and returns its fingerprint. Saving the same content twice
// is a no-op.
func (s *InMemoryStore) Save(_ context.Context, p *Plan) (string, error) {
	if p == nil {
		return "", orchestration.Errorf(orchestration.ErrPlanInvalid, "plan required")
	}
	fp, err := p.Fingerprint()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := versionKey{p.UUID(), fp}
	if _, ok := s.plans[key]; !ok {
		s.plans[key] = p
	}
	return fp, nil
}

func (s *InMemoryStore) Get(_ context.Context, planID, fingerprint string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[versionKey{planID, fingerprint}]
	if !ok {
		return nil, notFound(planID, fingerprint)
	}
	return p, nil
}

// SQLiteStore persists plans through database/sql as codec frames.
type SQLiteStore struct {
	db         *sql.DB
	table      string
	codec      *codec.Codec
	schemaOnce sync.Once
	schemaErr  error
}

func NewSQLiteStore(db *sql.DB, table string, c *codec.Codec) *SQLiteStore {
	table = strings.TrimSpace(table)
	if table == "" {
		table = "orchestration_plans"
	}
	if c == nil {
		c = codec.New()
	}
	return &SQLiteStore{db: db, table: table, codec: c}
}

func (s *SQLiteStore) Save(ctx context.Context, p *Plan) (string, error) {
	if p == nil {
		return "", orchestration.Errorf(orchestration.ErrPlanInvalid, "plan required")
	}
	if err := s.ready(ctx); err != nil {
		return "", err
	}
	fp, err := p.Fingerprint()
	if err != nil {
		return "", err
	}
	data, err := s.codec.Marshal(p.document())
	if err != nil {
		return "", err
	}
	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (plan_id, fingerprint, data, created_at) VALUES (?, ?, ?, ?)`, s.table)
	if _, err := s.db.ExecContext(ctx, q, p.UUID(), fp, data, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return "", err
	}
	return fp, nil
}

func (s *SQLiteStore) Get(ctx context.Context, planID, fingerprint string) (*Plan, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT data FROM %s WHERE plan_id = ? AND fingerprint = ?`, s.table)
	var data []byte
	err := s.db.QueryRowContext(ctx, q, planID, fingerprint).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(planID, fingerprint)
	}
	if err != nil {
		return nil, err
	}
	var doc document
	if err := s.codec.Unmarshal(data, &doc); err != nil {
		return nil, orchestration.NewError(orchestration.ErrPayloadDecodeFailed,
			"decode plan "+planID, err, map[string]any{"plan_id": planID, "fingerprint": fingerprint})
	}
	return doc.build()
}

func (s *SQLiteStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "sqlite plan store not configured")
	}
	s.schemaOnce.Do(func() {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			plan_id TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (plan_id, fingerprint)
		)`, s.table)
		_, s.schemaErr = s.db.ExecContext(ctx, ddl)
	})
	return s.schemaErr
}
