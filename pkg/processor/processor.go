// Package processor runs background consumers of the event store: each
// processor identity (an outbox topic/publisher pair or a view name)
// polls for new events past its recorded position, hands them to a
// handler inside a write transaction, and advances its progress row in
// the same transaction. Leader election over a session advisory lock
// keeps one active instance per processor family.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"go-tidal/pkg/dcb"
)

// Key identifies a single processor within a family. Implementations
// are small comparable values (a view name, a topic/publisher pair)
// whose String form is used in logs and error messages.
type Key interface {
	comparable
	fmt.Stringer
}

// Queryer is the subset of pgx execution methods shared by pools and
// transactions. The progress tracker takes a Queryer so progress
// updates can ride the processor's own write transaction.
type Queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner starts write transactions. *pgxpool.Pool implements it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Leader answers whether this instance may process. LeaderElector is
// the production implementation.
type Leader interface {
	// Run blocks until leadership is won or ctx is cancelled.
	Run(ctx context.Context, retryInterval time.Duration) error
	// IsLeader reports current leadership, verifying liveness.
	IsLeader(ctx context.Context) bool
	// Release gives leadership up.
	Release(ctx context.Context)
	// InstanceID identifies this process in progress rows.
	InstanceID() string
}

// Tracker is the progress bookkeeping the runtime relies on.
// ProgressTracker is the production implementation.
type Tracker[K Key] interface {
	AutoRegister(ctx context.Context, key K, instanceID string) error
	LastPosition(ctx context.Context, key K) (int64, error)
	UpdateProgress(ctx context.Context, q Queryer, key K, position int64) error
	RecordError(ctx context.Context, key K, msg string, maxErrors int) error
	ResetErrorCount(ctx context.Context, key K) error
	Status(ctx context.Context, key K) (Status, error)
	SetStatus(ctx context.Context, key K, status Status) error
	Heartbeat(ctx context.Context, key K, instanceID string) error
	Details(ctx context.Context, key K) (ProgressDetails, error)
}

// Fetcher returns the next ordered batch of events for a key, strictly
// ascending by position, restricted to events whose writing transaction
// is already visible to every snapshot.
type Fetcher[K Key] interface {
	Fetch(ctx context.Context, key K, afterPosition int64, limit int) ([]dcb.Event, error)
}

// Handler consumes one fetched batch inside the cycle's write
// transaction. It reports how many events it handled and the highest
// position it observed; returning an error rolls the transaction back
// and leaves the progress row untouched.
type Handler[K Key] interface {
	Handle(ctx context.Context, tx pgx.Tx, key K, events []dcb.Event) (handled int, lastPosition int64, err error)
}

// Config holds the per-processor scheduling knobs.
type Config struct {
	Enabled           bool
	PollingInterval   time.Duration
	BatchSize         int
	MaxRetries        int
	RetryDelay        time.Duration
	BackoffEnabled    bool
	BackoffThreshold  int
	BackoffMultiplier float64
	BackoffMaxSeconds int
	HeartbeatTTL      time.Duration
}

// DefaultConfig returns the scheduling defaults shared by outbox and
// view processors.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		PollingInterval:   500 * time.Millisecond,
		BatchSize:         100,
		MaxRetries:        10,
		RetryDelay:        time.Second,
		BackoffEnabled:    true,
		BackoffThreshold:  3,
		BackoffMultiplier: 2.0,
		BackoffMaxSeconds: 30,
		HeartbeatTTL:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollingInterval <= 0 {
		c.PollingInterval = d.PollingInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.BackoffThreshold <= 0 {
		c.BackoffThreshold = d.BackoffThreshold
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.BackoffMaxSeconds <= 0 {
		c.BackoffMaxSeconds = d.BackoffMaxSeconds
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = d.HeartbeatTTL
	}
	return c
}
