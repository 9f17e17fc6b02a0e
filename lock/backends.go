package lock

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
)

// MemoryBackend keeps locks in process memory.
type MemoryBackend struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{locks: make(map[string]memoryEntry)}
}

func (b *MemoryBackend) Acquire(_ context.Context, key, token string, ttl time.Duration, now time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, held := b.locks[key]; held && now.Before(current.expiresAt) {
		return false, nil
	}
	b.locks[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) Extend(_ context.Context, key, token string, ttl time.Duration, now time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current, held := b.locks[key]
	if !held || current.token != token {
		return false, nil
	}
	b.locks[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) Release(_ context.Context, key, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, held := b.locks[key]; held && current.token == token {
		delete(b.locks, key)
	}
	return nil
}

// SQLiteBackend stores locks in one table. Acquisition is a conditional
// upsert that only replaces expired holders.
type SQLiteBackend struct {
	db         *sql.DB
	table      string
	schemaOnce sync.Once
	schemaErr  error
}

func NewSQLiteBackend(db *sql.DB, table string) *SQLiteBackend {
	table = strings.TrimSpace(table)
	if table == "" {
		table = "orchestration_locks"
	}
	return &SQLiteBackend{db: db, table: table}
}

func (b *SQLiteBackend) Acquire(ctx context.Context, key, token string, ttl time.Duration, now time.Time) (bool, error) {
	if err := b.ready(ctx); err != nil {
		return false, err
	}
	q := fmt.Sprintf(`INSERT INTO %[1]s (lock_key, token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(lock_key) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		WHERE %[1]s.expires_at <= ?`, b.table)
	result, err := b.db.ExecContext(ctx, q, key, token, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Extend moves the expiry while the row still carries token. A holder whose
// ttl passed can extend as long as nobody acquired the key meanwhile.
func (b *SQLiteBackend) Extend(ctx context.Context, key, token string, ttl time.Duration, now time.Time) (bool, error) {
	if err := b.ready(ctx); err != nil {
		return false, err
	}
	q := fmt.Sprintf(`UPDATE %s SET expires_at = ? WHERE lock_key = ? AND token = ?`, b.table)
	result, err := b.db.ExecContext(ctx, q, now.Add(ttl).UnixNano(), key, token)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (b *SQLiteBackend) Release(ctx context.Context, key, token string) error {
	if err := b.ready(ctx); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE lock_key = ? AND token = ?`, b.table), key, token)
	return err
}

func (b *SQLiteBackend) ready(ctx context.Context) error {
	if b == nil || b.db == nil {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "sqlite lock backend not configured")
	}
	b.schemaOnce.Do(func() {
		_, b.schemaErr = b.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			lock_key TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`, b.table))
	})
	return b.schemaErr
}

// RedisClient captures the minimal commands needed from a redis client.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// extendScript resets the ttl only while the key still holds our token.
const extendScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`

// RedisBackend uses SET NX PX for acquisition; redis expires the key.
type RedisBackend struct {
	client    RedisClient
	keyPrefix string
}

func NewRedisBackend(client RedisClient) *RedisBackend {
	return &RedisBackend{client: client, keyPrefix: "orchestration_lock:"}
}

func (b *RedisBackend) Acquire(ctx context.Context, key, token string, ttl time.Duration, _ time.Time) (bool, error) {
	if b == nil || b.client == nil {
		return false, orchestration.Errorf(orchestration.ErrInvalidConfig, "redis lock backend not configured")
	}
	return b.client.SetNX(ctx, b.keyPrefix+key, token, ttl)
}

func (b *RedisBackend) Extend(ctx context.Context, key, token string, ttl time.Duration, _ time.Time) (bool, error) {
	if b == nil || b.client == nil {
		return false, orchestration.Errorf(orchestration.ErrInvalidConfig, "redis lock backend not configured")
	}
	res, err := b.client.Eval(ctx, extendScript, []string{b.keyPrefix + key}, token, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (b *RedisBackend) Release(ctx context.Context, key, token string) error {
	if b == nil || b.client == nil {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "redis lock backend not configured")
	}
	_, err := b.client.Eval(ctx, releaseScript, []string{b.keyPrefix + key}, token)
	return err
}
