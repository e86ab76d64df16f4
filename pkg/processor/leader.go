package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.jetify.com/typeid"
)

// Advisory lock keys, one per processor family. Outbox and view
// leadership are independent: an instance can lead one without the
// other.
const (
	OutboxLeaderLockKey int64 = 0x7449_4441_4C4F_5542 // "tIDALOUB"
	ViewsLeaderLockKey  int64 = 0x7449_4441_4C56_4957 // "tIDALVIW"
)

// LeaderElector holds single-leader election for one processor family
// using a session-scoped advisory lock on a dedicated connection.
// Ownership lasts as long as the connection: if the leader crashes or
// loses its connection, the database releases the lock and a follower
// wins the next round. No lease timeout is involved.
type LeaderElector struct {
	pool       *pgxpool.Pool
	lockKey    int64
	instanceID string
	logger     *slog.Logger

	onBecameLeader   func()
	onLostLeadership func()

	mu     sync.Mutex
	conn   *pgxpool.Conn
	leader bool
}

// ElectorOption configures a LeaderElector.
type ElectorOption func(*LeaderElector)

// WithElectorLogger sets the elector's logger.
func WithElectorLogger(logger *slog.Logger) ElectorOption {
	return func(e *LeaderElector) { e.logger = logger }
}

// WithLeadershipCallbacks registers hooks fired on leadership
// transitions. Callbacks run synchronously under the elector's lock
// and must not call back into the elector.
func WithLeadershipCallbacks(became, lost func()) ElectorOption {
	return func(e *LeaderElector) {
		e.onBecameLeader = became
		e.onLostLeadership = lost
	}
}

// WithInstanceID overrides the generated instance identifier.
func WithInstanceID(id string) ElectorOption {
	return func(e *LeaderElector) { e.instanceID = id }
}

// NewLeaderElector builds an elector over pool for the given advisory
// lock key. Each process gets a unique instance identifier.
func NewLeaderElector(pool *pgxpool.Pool, lockKey int64, opts ...ElectorOption) *LeaderElector {
	e := &LeaderElector{
		pool:    pool,
		lockKey: lockKey,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.instanceID == "" {
		tid, err := typeid.WithPrefix("proc")
		if err == nil {
			e.instanceID = tid.String()
		} else {
			e.instanceID = "proc_" + uuid.NewString()
		}
	}
	return e
}

// InstanceID returns this process's identifier, recorded in progress
// rows while it leads.
func (e *LeaderElector) InstanceID() string { return e.instanceID }

// TryAcquire makes one non-blocking attempt to take the lock. On
// success the elector pins the connection it won on; the lock is held
// until Release or connection loss.
func (e *LeaderElector) TryAcquire(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.leader {
		return true, nil
	}

	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire election connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", e.lockKey).Scan(&acquired); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	e.conn = conn
	e.leader = true
	e.logger.Info("became leader", "lock_key", e.lockKey, "instance_id", e.instanceID)
	if e.onBecameLeader != nil {
		e.onBecameLeader()
	}
	return true, nil
}

// Release gives up leadership and returns the pinned connection to the
// pool. Safe to call when not leading.
func (e *LeaderElector) Release(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseLocked(ctx)
}

func (e *LeaderElector) releaseLocked(ctx context.Context) {
	if !e.leader {
		return
	}
	if e.conn != nil {
		// Best effort: closing the connection releases the lock
		// anyway.
		_, _ = e.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", e.lockKey)
		e.conn.Release()
		e.conn = nil
	}
	e.leader = false
	e.logger.Info("lost leadership", "lock_key", e.lockKey, "instance_id", e.instanceID)
	if e.onLostLeadership != nil {
		e.onLostLeadership()
	}
}

// IsLeader reports whether this instance currently leads. It pings the
// pinned connection: a dead connection means the database already
// released the lock, so leadership is dropped immediately rather than
// on the next failed query.
func (e *LeaderElector) IsLeader(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.leader || e.conn == nil {
		return false
	}
	if err := e.conn.Conn().Ping(ctx); err != nil {
		e.logger.Warn("leader connection lost", "lock_key", e.lockKey, "error", err)
		e.conn.Release()
		e.conn = nil
		e.leader = false
		if e.onLostLeadership != nil {
			e.onLostLeadership()
		}
		return false
	}
	return true
}

// Run keeps attempting to win leadership at retryInterval until it
// succeeds or ctx is cancelled. After winning it returns; callers that
// want re-election after a loss call Run again.
func (e *LeaderElector) Run(ctx context.Context, retryInterval time.Duration) error {
	bo := backoff.WithContext(backoff.NewConstantBackOff(retryInterval), ctx)
	return backoff.Retry(func() error {
		acquired, err := e.TryAcquire(ctx)
		if err != nil {
			e.logger.Warn("leader election attempt failed", "lock_key", e.lockKey, "error", err)
			return err
		}
		if !acquired {
			return fmt.Errorf("lock %d held elsewhere", e.lockKey)
		}
		return nil
	}, bo)
}
