package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go-tidal/pkg/dcb"
)

// Runtime schedules one worker per configured key. Each worker polls
// independently: fetch a batch past the recorded position, hand it to
// the handler inside a write transaction, advance progress in that
// same transaction, commit. Only the elected leader's workers do any
// work; followers idle at the polling interval until they win.
type Runtime[K Key] struct {
	family      string
	pool        TxBeginner
	tracker     Tracker[K]
	fetcher     Fetcher[K]
	handler     Handler[K]
	elector     Leader
	configs     map[K]Config
	leaderRetry time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	kicks   map[K]chan struct{}
	cycleMu map[K]*sync.Mutex
}

// RuntimeOption configures a Runtime.
type RuntimeOption[K Key] func(*Runtime[K])

// WithRuntimeLogger sets the runtime's logger.
func WithRuntimeLogger[K Key](logger *slog.Logger) RuntimeOption[K] {
	return func(r *Runtime[K]) { r.logger = logger }
}

// WithLeaderRetryInterval sets how often followers retry the election.
func WithLeaderRetryInterval[K Key](d time.Duration) RuntimeOption[K] {
	return func(r *Runtime[K]) { r.leaderRetry = d }
}

// NewRuntime assembles a runtime for one processor family. pool is the
// write side; the fetcher may read from a replica. configs holds one
// entry per processor key.
func NewRuntime[K Key](
	family string,
	pool TxBeginner,
	tracker Tracker[K],
	fetcher Fetcher[K],
	handler Handler[K],
	elector Leader,
	configs map[K]Config,
	opts ...RuntimeOption[K],
) *Runtime[K] {
	r := &Runtime[K]{
		family:      family,
		pool:        pool,
		tracker:     tracker,
		fetcher:     fetcher,
		handler:     handler,
		elector:     elector,
		configs:     make(map[K]Config, len(configs)),
		leaderRetry: 5 * time.Second,
		logger:      slog.Default(),
		kicks:       make(map[K]chan struct{}, len(configs)),
		cycleMu:     make(map[K]*sync.Mutex, len(configs)),
	}
	for key, cfg := range configs {
		r.configs[key] = cfg.withDefaults()
		r.kicks[key] = make(chan struct{}, 1)
		r.cycleMu[key] = &sync.Mutex{}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the election loop and one worker per enabled key.
// Idempotent until Stop.
func (r *Runtime[K]) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.electionLoop(runCtx)

	for key, cfg := range r.configs {
		if !cfg.Enabled {
			r.logger.Info("processor disabled", "family", r.family, "key", key.String())
			continue
		}
		r.wg.Add(1)
		go r.worker(runCtx, key, cfg)
	}
	r.logger.Info("processor runtime started", "family", r.family, "processors", len(r.configs))
}

// Stop cancels the schedulers, waits for in-flight cycles to drain,
// and releases the leader lock.
func (r *Runtime[K]) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	r.elector.Release(context.Background())
	r.logger.Info("processor runtime stopped", "family", r.family)
}

// electionLoop wins leadership, then watches for its loss and rejoins
// the race. Workers consult IsLeader each cycle, so the loop only has
// to keep the elector trying.
func (r *Runtime[K]) electionLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		if err := r.elector.Run(ctx, r.leaderRetry); err != nil {
			// Run only fails when ctx is done.
			return
		}
		ticker := time.NewTicker(r.leaderRetry)
		for r.elector.IsLeader(ctx) {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
			}
		}
		ticker.Stop()
	}
}

// Process runs one cycle for key immediately, regardless of the
// schedule. The worker's next poll is unaffected.
func (r *Runtime[K]) Process(ctx context.Context, key K) error {
	cfg, ok := r.configs[key]
	if !ok {
		return fmt.Errorf("unknown processor %q", key.String())
	}
	_, err := r.tick(ctx, key, cfg)
	return err
}

// Pause stops scheduling cycles for key until Resume.
func (r *Runtime[K]) Pause(ctx context.Context, key K) error {
	return r.tracker.SetStatus(ctx, key, StatusPaused)
}

// Resume re-enables a paused processor and wakes its worker so the
// next cycle runs without waiting out the poll interval.
func (r *Runtime[K]) Resume(ctx context.Context, key K) error {
	if err := r.tracker.SetStatus(ctx, key, StatusActive); err != nil {
		return err
	}
	r.kick(key)
	return nil
}

// ResetErrorCount clears the error state for key, recovering it from
// FAILED, and wakes its worker.
func (r *Runtime[K]) ResetErrorCount(ctx context.Context, key K) error {
	if err := r.tracker.ResetErrorCount(ctx, key); err != nil {
		return err
	}
	r.kick(key)
	return nil
}

// kick nudges the key's worker out of its poll timer. Non-blocking; a
// pending kick already covers the wakeup.
func (r *Runtime[K]) kick(key K) {
	ch, ok := r.kicks[key]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// ProgressDetails reports the progress row for key.
func (r *Runtime[K]) ProgressDetails(ctx context.Context, key K) (ProgressDetails, error) {
	return r.tracker.Details(ctx, key)
}

type cycleResult struct {
	skipped bool
	empty   bool
	handled int
}

func (r *Runtime[K]) worker(ctx context.Context, key K, cfg Config) {
	defer r.wg.Done()

	consecutiveEmpty := 0
	timer := time.NewTimer(cfg.PollingInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-r.kicks[key]:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		res, err := r.tick(ctx, key, cfg)

		var delay time.Duration
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			consecutiveEmpty = 0
			delay = cfg.RetryDelay
		case res.empty:
			consecutiveEmpty++
			delay = nextPollDelay(cfg, consecutiveEmpty)
		case res.skipped:
			delay = cfg.PollingInterval
		default:
			consecutiveEmpty = 0
			delay = cfg.PollingInterval
		}
		timer.Reset(delay)
	}
}

// tick runs one cycle under the key's mutex and records handler
// failures on the progress row.
func (r *Runtime[K]) tick(ctx context.Context, key K, cfg Config) (cycleResult, error) {
	mu := r.cycleMu[key]
	mu.Lock()
	defer mu.Unlock()

	res, err := r.runCycle(ctx, key, cfg)
	if err != nil && ctx.Err() == nil {
		r.logger.Error("processor cycle failed",
			"family", r.family, "key", key.String(), "error", err)
		if recErr := r.tracker.RecordError(ctx, key, err.Error(), cfg.MaxRetries); recErr != nil {
			r.logger.Error("record processor error",
				"family", r.family, "key", key.String(), "error", recErr)
		}
	}
	return res, err
}

func (r *Runtime[K]) runCycle(ctx context.Context, key K, cfg Config) (cycleResult, error) {
	if !cfg.Enabled || !r.elector.IsLeader(ctx) {
		return cycleResult{skipped: true}, nil
	}

	status, err := r.tracker.Status(ctx, key)
	if err != nil {
		if dcb.IsTableNotFoundError(err) {
			r.logger.Warn("progress table missing, skipping cycle",
				"family", r.family, "key", key.String())
			return cycleResult{skipped: true}, nil
		}
		return cycleResult{}, err
	}
	if status != StatusActive {
		return cycleResult{skipped: true}, nil
	}

	if err := r.tracker.AutoRegister(ctx, key, r.elector.InstanceID()); err != nil {
		return cycleResult{}, err
	}

	lastPosition, err := r.tracker.LastPosition(ctx, key)
	if err != nil {
		return cycleResult{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return cycleResult{}, fmt.Errorf("begin cycle transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	events, err := r.fetcher.Fetch(ctx, key, lastPosition, cfg.BatchSize)
	if err != nil {
		return cycleResult{}, fmt.Errorf("fetch events: %w", err)
	}

	if len(events) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return cycleResult{}, fmt.Errorf("commit empty cycle: %w", err)
		}
		if err := r.tracker.Heartbeat(ctx, key, r.elector.InstanceID()); err != nil {
			r.logger.Warn("heartbeat failed",
				"family", r.family, "key", key.String(), "error", err)
		}
		return cycleResult{empty: true}, nil
	}

	handled, newPosition, err := r.handler.Handle(ctx, tx, key, events)
	if err != nil {
		return cycleResult{}, err
	}
	if newPosition < lastPosition {
		return cycleResult{}, fmt.Errorf("handler moved position backwards: %d < %d", newPosition, lastPosition)
	}

	if err := r.tracker.UpdateProgress(ctx, tx, key, newPosition); err != nil {
		return cycleResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return cycleResult{}, fmt.Errorf("commit cycle: %w", err)
	}

	r.logger.Debug("processor cycle complete",
		"family", r.family, "key", key.String(),
		"handled", handled, "position", newPosition)
	return cycleResult{handled: handled}, nil
}
