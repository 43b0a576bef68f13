package matview

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// buildLock is a session-level advisory lock held on a dedicated pool
// connection for the duration of one build. Every statement of the build
// runs on that connection so a build never needs a second one.
type buildLock struct {
	conn *pgxpool.Conn
	key  string
}

func buildLockKey(tenant, model string) string {
	return "matview:" + tenant + ":" + model
}

func acquireBuildLock(ctx context.Context, pool *pgxpool.Pool, key string) (*buildLock, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtextextended($1, 0))", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to take advisory lock %s: %w", key, err)
	}
	if !ok {
		conn.Release()
		return nil, fmt.Errorf("%w: %s", ErrBuildInProgress, key)
	}
	return &buildLock{conn: conn, key: key}, nil
}

// Release unlocks and returns the connection to the pool. If the unlock
// fails the connection is closed instead, which drops the lock with the
// session.
func (l *buildLock) Release(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	if _, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock(hashtextextended($1, 0))", l.key); err != nil {
		_ = l.conn.Hijack().Close(ctx)
		return fmt.Errorf("failed to release advisory lock %s: %w", l.key, err)
	}
	l.conn.Release()
	return nil
}
