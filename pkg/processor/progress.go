package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"go-tidal/pkg/dcb"
)

const sqlstateUndefinedTable = "42P01"

// TableSpec describes the progress table for one processor family. The
// outbox and view tables share a shape but not column names, so the
// tracker is parameterized over both the key type and the column
// layout.
type TableSpec[K Key] struct {
	// Table is the progress table name.
	Table string
	// KeyColumns are the primary-key columns, in the order KeyValues
	// returns their values.
	KeyColumns []string
	// KeyValues maps a key to its column values.
	KeyValues func(K) []any
	// InstanceColumn records which instance last owned the row.
	InstanceColumn string
	// HeartbeatColumn is touched on every successful cycle.
	HeartbeatColumn string
	// UpdatedAtColumn is touched on every row mutation. May equal
	// HeartbeatColumn.
	UpdatedAtColumn string
}

// ProgressTracker reads and writes the progress rows for one processor
// family.
type ProgressTracker[K Key] struct {
	db   Queryer
	spec TableSpec[K]
}

// NewProgressTracker builds a tracker over db, which should be the
// write-side pool. Calls that must share the processor's cycle
// transaction take an explicit Queryer instead.
func NewProgressTracker[K Key](db Queryer, spec TableSpec[K]) *ProgressTracker[K] {
	return &ProgressTracker[K]{db: db, spec: spec}
}

// keyPredicate renders "col1 = $1 AND col2 = $2" starting at
// placeholder $start.
func (t *ProgressTracker[K]) keyPredicate(start int) string {
	parts := make([]string, len(t.spec.KeyColumns))
	for i, col := range t.spec.KeyColumns {
		parts[i] = fmt.Sprintf("%s = $%d", col, start+i)
	}
	return strings.Join(parts, " AND ")
}

// touchColumns renders the heartbeat and updated-at assignments,
// collapsing them when the table uses one column for both.
func (t *ProgressTracker[K]) touchColumns() string {
	if t.spec.HeartbeatColumn == t.spec.UpdatedAtColumn {
		return fmt.Sprintf("%s = now()", t.spec.UpdatedAtColumn)
	}
	return fmt.Sprintf("%s = now(), %s = now()", t.spec.HeartbeatColumn, t.spec.UpdatedAtColumn)
}

func (t *ProgressTracker[K]) wrapTableError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlstateUndefinedTable {
		return &dcb.TableNotFoundError{
			EventStoreError: dcb.EventStoreError{Op: op, Err: err},
			TableName:       t.spec.Table,
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// AutoRegister inserts the progress row for key if it does not exist.
// Safe to call every cycle.
func (t *ProgressTracker[K]) AutoRegister(ctx context.Context, key K, instanceID string) error {
	cols := append(append([]string{}, t.spec.KeyColumns...), t.spec.InstanceColumn, "status", "last_position")
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		t.spec.Table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(t.spec.KeyColumns, ", "),
	)
	args := append(t.spec.KeyValues(key), instanceID, string(StatusActive), int64(0))
	if _, err := t.db.Exec(ctx, sql, args...); err != nil {
		return t.wrapTableError("auto_register "+key.String(), err)
	}
	return nil
}

// LastPosition returns the recorded position for key, or 0 when the
// row does not exist yet.
func (t *ProgressTracker[K]) LastPosition(ctx context.Context, key K) (int64, error) {
	sql := fmt.Sprintf("SELECT last_position FROM %s WHERE %s", t.spec.Table, t.keyPredicate(1))
	var position int64
	err := t.db.QueryRow(ctx, sql, t.spec.KeyValues(key)...).Scan(&position)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, t.wrapTableError("last_position "+key.String(), err)
	}
	return position, nil
}

// UpdateProgress advances the recorded position for key on q, which is
// expected to be the cycle's write transaction so the advance commits
// with the handler's side effects.
func (t *ProgressTracker[K]) UpdateProgress(ctx context.Context, q Queryer, key K, position int64) error {
	n := len(t.spec.KeyColumns)
	sql := fmt.Sprintf(
		"UPDATE %s SET last_position = $%d, %s WHERE %s",
		t.spec.Table, n+1, t.touchColumns(), t.keyPredicate(1),
	)
	args := append(t.spec.KeyValues(key), position)
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return t.wrapTableError("update_progress "+key.String(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update_progress %s: progress row missing", key.String())
	}
	return nil
}

// RecordError increments the error counter for key and latches the row
// to FAILED when the new count reaches maxErrors.
func (t *ProgressTracker[K]) RecordError(ctx context.Context, key K, msg string, maxErrors int) error {
	n := len(t.spec.KeyColumns)
	sql := fmt.Sprintf(
		`UPDATE %s SET
			error_count = error_count + 1,
			last_error = $%d,
			last_error_at = now(),
			status = CASE WHEN error_count + 1 >= $%d THEN '%s' ELSE status END,
			%s
		WHERE %s`,
		t.spec.Table, n+1, n+2, StatusFailed, t.touchColumns(), t.keyPredicate(1),
	)
	args := append(t.spec.KeyValues(key), msg, maxErrors)
	if _, err := t.db.Exec(ctx, sql, args...); err != nil {
		return t.wrapTableError("record_error "+key.String(), err)
	}
	return nil
}

// ResetErrorCount clears the error fields for key and restores the row
// to ACTIVE. This is the manual recovery path out of FAILED.
func (t *ProgressTracker[K]) ResetErrorCount(ctx context.Context, key K) error {
	sql := fmt.Sprintf(
		`UPDATE %s SET
			error_count = 0,
			last_error = NULL,
			last_error_at = NULL,
			status = '%s',
			%s
		WHERE %s`,
		t.spec.Table, StatusActive, t.touchColumns(), t.keyPredicate(1),
	)
	if _, err := t.db.Exec(ctx, sql, t.spec.KeyValues(key)...); err != nil {
		return t.wrapTableError("reset_error_count "+key.String(), err)
	}
	return nil
}

// Status returns the row's status, or ACTIVE when the row does not
// exist yet (auto-registration happens later in the cycle).
func (t *ProgressTracker[K]) Status(ctx context.Context, key K) (Status, error) {
	sql := fmt.Sprintf("SELECT status FROM %s WHERE %s", t.spec.Table, t.keyPredicate(1))
	var status string
	err := t.db.QueryRow(ctx, sql, t.spec.KeyValues(key)...).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return StatusActive, nil
	}
	if err != nil {
		return "", t.wrapTableError("get_status "+key.String(), err)
	}
	return Status(status), nil
}

// SetStatus overwrites the row's status.
func (t *ProgressTracker[K]) SetStatus(ctx context.Context, key K, status Status) error {
	n := len(t.spec.KeyColumns)
	sql := fmt.Sprintf(
		"UPDATE %s SET status = $%d, %s WHERE %s",
		t.spec.Table, n+1, t.touchColumns(), t.keyPredicate(1),
	)
	args := append(t.spec.KeyValues(key), string(status))
	if _, err := t.db.Exec(ctx, sql, args...); err != nil {
		return t.wrapTableError("set_status "+key.String(), err)
	}
	return nil
}

// Heartbeat touches the liveness columns for key without moving its
// position. Called on empty cycles so operators can tell an idle
// processor from a dead one.
func (t *ProgressTracker[K]) Heartbeat(ctx context.Context, key K, instanceID string) error {
	n := len(t.spec.KeyColumns)
	sql := fmt.Sprintf(
		"UPDATE %s SET %s = $%d, %s WHERE %s",
		t.spec.Table, t.spec.InstanceColumn, n+1, t.touchColumns(), t.keyPredicate(1),
	)
	args := append(t.spec.KeyValues(key), instanceID)
	if _, err := t.db.Exec(ctx, sql, args...); err != nil {
		return t.wrapTableError("heartbeat "+key.String(), err)
	}
	return nil
}

// Details returns a management snapshot of the progress row for key.
func (t *ProgressTracker[K]) Details(ctx context.Context, key K) (ProgressDetails, error) {
	sql := fmt.Sprintf(
		"SELECT status, last_position, error_count, COALESCE(last_error, ''), last_error_at, COALESCE(%s, ''), %s, created_at FROM %s WHERE %s",
		t.spec.InstanceColumn, t.spec.HeartbeatColumn, t.spec.Table, t.keyPredicate(1),
	)
	var (
		d         ProgressDetails
		status    string
		heartbeat *time.Time
	)
	err := t.db.QueryRow(ctx, sql, t.spec.KeyValues(key)...).Scan(
		&status, &d.LastPosition, &d.ErrorCount, &d.LastError, &d.LastErrorAt,
		&d.InstanceID, &heartbeat, &d.CreatedAt,
	)
	if err != nil {
		return ProgressDetails{}, t.wrapTableError("progress_details "+key.String(), err)
	}
	d.Key = key.String()
	d.Status = Status(status)
	d.HeartbeatAt = heartbeat
	return d, nil
}
