package views

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"go-tidal/pkg/processor"
)

// progressTable describes the view progress rows for the generic
// tracker. The table has a single timestamp column doing double duty
// as heartbeat and updated-at.
func progressTable() processor.TableSpec[Key] {
	return processor.TableSpec[Key]{
		Table:           "view_progress",
		KeyColumns:      []string{"view_name"},
		KeyValues:       func(k Key) []any { return []any{string(k)} },
		InstanceColumn:  "instance_id",
		HeartbeatColumn: "last_updated_at",
		UpdatedAtColumn: "last_updated_at",
	}
}

// NewProgressTracker builds the view progress tracker over the
// write-side pool.
func NewProgressTracker(db processor.Queryer) *processor.ProgressTracker[Key] {
	return processor.NewProgressTracker(db, progressTable())
}

// NewRuntime assembles the full view processor family: one worker per
// subscribed view, leader election on the views lock key, fetching
// from readPool and projecting on writePool. Every subscription must
// have a projector with a matching ViewName.
func NewRuntime(
	writePool *pgxpool.Pool,
	readPool *pgxpool.Pool,
	cfg Config,
	projectors []Projector,
	logger *slog.Logger,
) (*processor.Runtime[Key], error) {
	if logger == nil {
		logger = slog.Default()
	}
	if readPool == nil {
		readPool = writePool
	}

	subscriptions := cfg.SubscriptionsByName()
	byName := make(map[string]Projector, len(projectors))
	for _, p := range projectors {
		byName[p.ViewName()] = p
	}
	for name := range subscriptions {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("view %q subscribed but has no projector", name)
		}
	}

	tracker := NewProgressTracker(writePool)
	fetcher := NewFetcher(readPool, subscriptions)
	handler := NewHandler(subscriptions, byName, logger)
	elector := processor.NewLeaderElector(writePool, processor.ViewsLeaderLockKey,
		processor.WithElectorLogger(logger))

	procCfg := cfg.ProcessorConfig()
	configs := make(map[Key]processor.Config)
	for _, key := range cfg.Keys() {
		configs[key] = procCfg
	}

	return processor.NewRuntime(
		"views",
		writePool,
		tracker,
		fetcher,
		handler,
		elector,
		configs,
		processor.WithRuntimeLogger[Key](logger),
		processor.WithLeaderRetryInterval[Key](cfg.LeaderRetryInterval()),
	), nil
}
