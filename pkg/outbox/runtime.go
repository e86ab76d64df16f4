package outbox

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"go-tidal/pkg/processor"
)

// progressTable describes the outbox progress rows for the generic
// tracker.
func progressTable() processor.TableSpec[Key] {
	return processor.TableSpec[Key]{
		Table:           "outbox_topic_progress",
		KeyColumns:      []string{"topic", "publisher"},
		KeyValues:       func(k Key) []any { return []any{k.Topic, k.Publisher} },
		InstanceColumn:  "leader_instance",
		HeartbeatColumn: "leader_heartbeat",
		UpdatedAtColumn: "updated_at",
	}
}

// NewProgressTracker builds the outbox progress tracker over the
// write-side pool.
func NewProgressTracker(db processor.Queryer) *processor.ProgressTracker[Key] {
	return processor.NewProgressTracker(db, progressTable())
}

// NewRuntime assembles the full outbox processor family: one worker
// per (topic, publisher) pair, leader election on the outbox lock key,
// fetching from readPool and committing progress on writePool.
// publishers is keyed by Publisher.Name; every name referenced by a
// topic must be present.
func NewRuntime(
	writePool *pgxpool.Pool,
	readPool *pgxpool.Pool,
	cfg Config,
	publishers map[string]Publisher,
	logger *slog.Logger,
) *processor.Runtime[Key] {
	if logger == nil {
		logger = slog.Default()
	}
	if readPool == nil {
		readPool = writePool
	}

	topics := cfg.TopicsByName()
	tracker := NewProgressTracker(writePool)
	fetcher := NewFetcher(readPool, topics)
	handler := NewHandler(topics, publishers, logger)
	elector := processor.NewLeaderElector(writePool, processor.OutboxLeaderLockKey,
		processor.WithElectorLogger(logger))

	procCfg := cfg.ProcessorConfig()
	configs := make(map[Key]processor.Config)
	for _, key := range cfg.Keys() {
		configs[key] = procCfg
	}

	return processor.NewRuntime(
		"outbox",
		writePool,
		tracker,
		fetcher,
		handler,
		elector,
		configs,
		processor.WithRuntimeLogger[Key](logger),
		processor.WithLeaderRetryInterval[Key](cfg.LeaderRetryInterval()),
	)
}
