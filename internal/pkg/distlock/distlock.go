package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease guards a segment against concurrent recalculation by two workers.
// A Lease instance belongs to one recalculation; create a new one per run.
type Lease interface {
	// Acquire tries to take the lease. Returns false when another owner holds it.
	Acquire(ctx context.Context) (bool, error)
	// Extend keeps a held lease alive for another ttl. Returns ErrLeaseLost
	// once the lease has expired or changed hands.
	Extend(ctx context.Context, ttl time.Duration) error
	// Release gives the lease back if this instance still owns it.
	Release(ctx context.Context) error
}

// ErrLeaseLost is returned by Extend after the lease expired or was taken over.
var ErrLeaseLost = errors.New("lease lost")

// SegmentKey is the lock key used for a segment's recalculation lease.
func SegmentKey(segmentID int64) string {
	return fmt.Sprintf("segment:%d", segmentID)
}

// NewLease picks Redis when a client is configured and falls back to a
// Postgres advisory lock otherwise.
func NewLease(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) Lease {
	if redisClient != nil {
		return NewRedisLease(redisClient, key, ttl)
	}
	return NewAdvisoryLease(db, key)
}

// =============================================================================
// PostgreSQL advisory lock
// =============================================================================
// pg_try_advisory_lock is session scoped, so the lease pins one pooled
// connection between Acquire and Release. If the process dies the session
// ends and Postgres drops the lock.

// AdvisoryLease implements Lease using a session-level advisory lock.
type AdvisoryLease struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewAdvisoryLease derives a stable 64-bit lock id from key.
func NewAdvisoryLease(db *sql.DB, key string) *AdvisoryLease {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &AdvisoryLease{db: db, lockID: int64(h.Sum64())}
}

// Acquire is non-blocking.
func (l *AdvisoryLease) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lease conn: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lease acquire: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Extend confirms the session still holds the lock. Advisory locks do not
// expire, so ttl is ignored; a dropped session means the lock is gone.
func (l *AdvisoryLease) Extend(ctx context.Context, ttl time.Duration) error {
	if l.conn == nil {
		return ErrLeaseLost
	}
	var held bool
	err := l.conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory' AND granted AND pid = pg_backend_pid()
			  AND ((classid::bigint << 32) | objid::bigint) = $1
		)`, l.lockID).Scan(&held)
	if err != nil {
		return fmt.Errorf("advisory lease check: %w: %v", ErrLeaseLost, err)
	}
	if !held {
		return ErrLeaseLost
	}
	return nil
}

func (l *AdvisoryLease) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
