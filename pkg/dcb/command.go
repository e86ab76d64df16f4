package dcb

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Command represents a user intent that may produce events.
type Command interface {
	GetType() string
	GetData() []byte
}

// command is the internal implementation
type command struct {
	commandType string
	data        []byte
}

func (c *command) GetType() string { return c.commandType }
func (c *command) GetData() []byte { return c.data }

// NewCommand creates a command of the given type with a pre-serialized
// payload. The store treats the payload as opaque bytes.
func NewCommand(commandType string, data []byte) Command {
	return &command{
		commandType: commandType,
		data:        data,
	}
}

// CommandHandler turns a command into events plus the append condition
// guarding them. Handlers typically call Project on the store they
// receive to build their decision state; the store is bound to the
// executor's transaction.
type CommandHandler interface {
	Handle(ctx context.Context, store EventStore, cmd Command) ([]InputEvent, AppendCondition, error)
}

// CommandHandlerFunc allows using functions as CommandHandler
// implementations.
type CommandHandlerFunc func(ctx context.Context, store EventStore, cmd Command) ([]InputEvent, AppendCondition, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, store EventStore, cmd Command) ([]InputEvent, AppendCondition, error) {
	return f(ctx, store, cmd)
}

// ExecutionResult reports the outcome of a successfully executed
// command. WasIdempotent is true when the command's effect was already
// present: no events were appended and the command was not recorded.
type ExecutionResult struct {
	WasIdempotent bool
	TransactionID uint64
	Positions     []int64
}

// Clock abstracts the time source used for command durations so tests
// can be deterministic.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall-clock Clock.
func SystemClock() Clock { return systemClock{} }

// CommandExecutor routes commands to registered handlers and executes
// each one inside a single store transaction.
type CommandExecutor interface {
	// Register binds a handler to a command type. Registering the same
	// type twice replaces the previous handler.
	Register(commandType string, handler CommandHandler)

	// Execute runs the handler for the command's type, appends the
	// produced events under the handler's condition, and records the
	// command, all in one transaction. An IdempotencyError from the
	// append is translated into a successful result with
	// WasIdempotent set; a handler failure surfaces as a DomainError.
	Execute(ctx context.Context, cmd Command) (ExecutionResult, error)
}

type commandExecutor struct {
	store    EventStore
	clock    Clock
	hooks    CommandHooks
	mu       sync.RWMutex
	handlers map[string]CommandHandler
}

// ExecutorOption configures a CommandExecutor.
type ExecutorOption func(*commandExecutor)

// WithHooks installs the lifecycle hook sink. Defaults to NopHooks.
func WithHooks(hooks CommandHooks) ExecutorOption {
	return func(ce *commandExecutor) {
		if hooks != nil {
			ce.hooks = hooks
		}
	}
}

// WithClock overrides the time source used for durations.
func WithClock(clock Clock) ExecutorOption {
	return func(ce *commandExecutor) {
		if clock != nil {
			ce.clock = clock
		}
	}
}

// NewCommandExecutor creates a CommandExecutor on top of the store.
func NewCommandExecutor(store EventStore, opts ...ExecutorOption) CommandExecutor {
	ce := &commandExecutor{
		store:    store,
		clock:    systemClock{},
		hooks:    NopHooks{},
		handlers: make(map[string]CommandHandler),
	}
	for _, opt := range opts {
		opt(ce)
	}
	return ce
}

func (ce *commandExecutor) Register(commandType string, handler CommandHandler) {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	ce.handlers[commandType] = handler
}

func (ce *commandExecutor) handlerFor(commandType string) (CommandHandler, bool) {
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	handler, ok := ce.handlers[commandType]
	return handler, ok
}

func (ce *commandExecutor) Execute(ctx context.Context, cmd Command) (ExecutionResult, error) {
	if cmd == nil {
		return ExecutionResult{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("command cannot be nil"),
			},
			Field: "command",
			Value: "nil",
		}
	}
	if cmd.GetType() == "" {
		return ExecutionResult{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("command type cannot be empty"),
			},
			Field: "type",
			Value: "empty",
		}
	}

	handler, ok := ce.handlerFor(cmd.GetType())
	if !ok {
		return ExecutionResult{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("no handler registered for command type %s", cmd.GetType()),
			},
			Field: "type",
			Value: cmd.GetType(),
		}
	}

	ce.hooks.CommandStarted(ctx, cmd.GetType())
	started := ce.clock.Now()

	var result ExecutionResult
	err := ce.store.WithinTransaction(ctx, func(ctx context.Context, store EventStore) error {
		events, condition, err := handler.Handle(ctx, store, cmd)
		if err != nil {
			// Store errors surfacing through the handler keep their
			// classification; everything else is a domain rejection.
			if IsConcurrencyError(err) || IsIdempotencyError(err) || IsResourceError(err) || IsValidationError(err) {
				return err
			}
			return &DomainError{
				EventStoreError: EventStoreError{
					Op:  "execute",
					Err: err,
				},
				CommandType: cmd.GetType(),
			}
		}

		// A handler may legitimately decide no new events are needed;
		// the command is still recorded.
		if len(events) == 0 {
			return store.StoreCommand(ctx, cmd.GetType(), cmd.GetData())
		}

		var appendResult AppendResult
		if condition != nil {
			appendResult, err = store.AppendIf(ctx, events, condition)
		} else {
			appendResult, err = store.Append(ctx, events)
		}
		if err != nil {
			return err
		}

		result.TransactionID = appendResult.TransactionID
		result.Positions = appendResult.Positions

		return store.StoreCommand(ctx, cmd.GetType(), cmd.GetData())
	})

	if err != nil {
		if IsIdempotencyError(err) {
			// The requested effect is already present: success, nothing
			// re-emitted, command not recorded.
			ce.hooks.CommandIdempotent(ctx, cmd.GetType())
			return ExecutionResult{WasIdempotent: true}, nil
		}
		ce.hooks.CommandFailed(ctx, cmd.GetType(), errorClass(err))
		return ExecutionResult{}, err
	}

	ce.hooks.CommandSucceeded(ctx, cmd.GetType(), ce.clock.Now().Sub(started))
	return result, nil
}

// errorClass names the error category for hook consumers.
func errorClass(err error) string {
	switch {
	case IsConcurrencyError(err):
		return "concurrency"
	case IsDomainError(err):
		return "domain"
	case IsValidationError(err):
		return "validation"
	case IsResourceError(err):
		return "infrastructure"
	default:
		return "unknown"
	}
}
