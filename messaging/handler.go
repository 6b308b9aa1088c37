package messaging

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/glimte/mmate-ipc/contracts"
)

// CommandHandler answers commands of type Q arriving on one channel.
type CommandHandler[Q contracts.Command, R any] interface {
	// ChannelName is the channel the handler consumes
	ChannelName() string

	// HandleCommand produces the reply. A returned error becomes an
	// ErrorEnvelope reply; see StatusCoder for choosing its status.
	HandleCommand(ctx context.Context, cmd Q, execCtx contracts.ExecutionContext) (R, error)
}

// EventHandler consumes events of type E. Delivery is at least once, so
// handlers must tolerate seeing the same event twice.
type EventHandler[E contracts.Event] interface {
	// HandlerName identifies the handler; it names the subscriber group
	HandlerName() string

	// ChannelName is the channel the handler consumes
	ChannelName() string

	// HandleEvent processes one event
	HandleEvent(ctx context.Context, event E, execCtx contracts.ExecutionContext) error
}

// Result is the eventual outcome of an asynchronous handler
type Result[R any] struct {
	Value R
	Err   error
}

// CommandHandlerFunc is a function adapter for CommandHandler
type CommandHandlerFunc[Q contracts.Command, R any] func(ctx context.Context, cmd Q, execCtx contracts.ExecutionContext) (R, error)

// AsyncCommandHandlerFunc starts work and returns a channel that yields the
// result once. The channel should have a buffer of one; a result sent after
// the context ended is received and discarded.
type AsyncCommandHandlerFunc[Q contracts.Command, R any] func(ctx context.Context, cmd Q, execCtx contracts.ExecutionContext) <-chan Result[R]

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc[E contracts.Event] func(ctx context.Context, event E, execCtx contracts.ExecutionContext) error

type funcCommandHandler[Q contracts.Command, R any] struct {
	channel string
	fn      CommandHandlerFunc[Q, R]
}

func (h *funcCommandHandler[Q, R]) ChannelName() string { return h.channel }

func (h *funcCommandHandler[Q, R]) HandleCommand(ctx context.Context, cmd Q, execCtx contracts.ExecutionContext) (R, error) {
	return h.fn(ctx, cmd, execCtx)
}

// HandleCommand builds a CommandHandler for channel from fn
func HandleCommand[Q contracts.Command, R any](channel string, fn CommandHandlerFunc[Q, R]) CommandHandler[Q, R] {
	return &funcCommandHandler[Q, R]{channel: channel, fn: fn}
}

// HandleCommandAsync builds a CommandHandler from an asynchronous function.
// The dispatcher waits for the deferred result before replying.
func HandleCommandAsync[Q contracts.Command, R any](channel string, fn AsyncCommandHandlerFunc[Q, R]) CommandHandler[Q, R] {
	return HandleCommand[Q, R](channel, func(ctx context.Context, cmd Q, execCtx contracts.ExecutionContext) (R, error) {
		var zero R
		results := fn(ctx, cmd, execCtx)
		if results == nil {
			return zero, &HandlerExecutionError{Channel: channel, Message: "async handler returned no result channel"}
		}
		select {
		case res, ok := <-results:
			if !ok {
				return zero, &HandlerExecutionError{Channel: channel, Message: "async handler completed without a result"}
			}
			return res.Value, res.Err
		case <-ctx.Done():
			go func() { <-results }()
			return zero, ctx.Err()
		}
	})
}

type funcEventHandler[E contracts.Event] struct {
	name    string
	channel string
	fn      EventHandlerFunc[E]
}

func (h *funcEventHandler[E]) HandlerName() string { return h.name }
func (h *funcEventHandler[E]) ChannelName() string { return h.channel }

func (h *funcEventHandler[E]) HandleEvent(ctx context.Context, event E, execCtx contracts.ExecutionContext) error {
	return h.fn(ctx, event, execCtx)
}

// HandleEvent builds an EventHandler named name for channel from fn
func HandleEvent[E contracts.Event](name, channel string, fn EventHandlerFunc[E]) EventHandler[E] {
	return &funcEventHandler[E]{name: name, channel: channel, fn: fn}
}

// commandBinding is a registered command handler with its types erased.
type commandBinding struct {
	channel     string
	commandType string
	invoke      func(ctx context.Context, env *contracts.Envelope) (any, error)
}

// eventBinding is a registered event handler with its types erased.
type eventBinding struct {
	name      string
	channel   string
	eventType string
	invoke    func(ctx context.Context, env *contracts.Envelope) error
}

// HandlerInfo describes a registered handler
type HandlerInfo struct {
	Name    string
	Channel string
	Type    string
}

// HandlerRegistry is the explicit list of handlers a service runs, built at
// startup and read by the dispatchers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	commands map[string]commandBinding
	events   []eventBinding
}

// NewHandlerRegistry creates an empty registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		commands: make(map[string]commandBinding),
	}
}

// RegisterCommandHandler adds h to the registry. A channel accepts exactly
// one command handler.
func RegisterCommandHandler[Q contracts.Command, R any](r *HandlerRegistry, h CommandHandler[Q, R]) error {
	if h == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	channel := strings.TrimSpace(h.ChannelName())
	if channel == "" {
		return fmt.Errorf("%w: command handler %T", ErrNoChannel, h)
	}

	var zero Q
	binding := commandBinding{
		channel:     channel,
		commandType: typeName(zero),
		invoke: func(ctx context.Context, env *contracts.Envelope) (any, error) {
			cmd, err := decodePayload[Q](channel, env.Payload)
			if err != nil {
				return nil, err
			}
			return h.HandleCommand(ctx, cmd, contracts.ExecutionContextFrom(env))
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.commands[channel]; ok {
		return fmt.Errorf("%w: channel %s is handled by %s", ErrDuplicateHandler, channel, existing.commandType)
	}
	r.commands[channel] = binding
	return nil
}

// RegisterEventHandler adds h to the registry. A channel may have any number
// of event handlers, each with a distinct name.
func RegisterEventHandler[E contracts.Event](r *HandlerRegistry, h EventHandler[E]) error {
	if h == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	channel := strings.TrimSpace(h.ChannelName())
	if channel == "" {
		return fmt.Errorf("%w: event handler %T", ErrNoChannel, h)
	}
	name := strings.TrimSpace(h.HandlerName())
	if name == "" {
		name = typeName(h)
	}

	var zero E
	binding := eventBinding{
		name:      name,
		channel:   channel,
		eventType: typeName(zero),
		invoke: func(ctx context.Context, env *contracts.Envelope) error {
			event, err := decodePayload[E](channel, env.Payload)
			if err != nil {
				return err
			}
			return h.HandleEvent(ctx, event, contracts.ExecutionContextFrom(env))
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.events {
		if existing.channel == channel && existing.name == name {
			return fmt.Errorf("%w: event handler %s on channel %s", ErrDuplicateHandler, name, channel)
		}
	}
	r.events = append(r.events, binding)
	return nil
}

// CommandHandlers lists the registered command handlers ordered by channel
func (r *HandlerRegistry) CommandHandlers() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]HandlerInfo, 0, len(r.commands))
	for _, b := range r.commands {
		infos = append(infos, HandlerInfo{Name: b.channel, Channel: b.channel, Type: b.commandType})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Channel < infos[j].Channel })
	return infos
}

// EventHandlers lists the registered event handlers in registration order
func (r *HandlerRegistry) EventHandlers() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]HandlerInfo, 0, len(r.events))
	for _, b := range r.events {
		infos = append(infos, HandlerInfo{Name: b.name, Channel: b.channel, Type: b.eventType})
	}
	return infos
}

func (r *HandlerRegistry) commandBindings() []commandBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]commandBinding, 0, len(r.commands))
	for _, b := range r.commands {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].channel < out[j].channel })
	return out
}

func (r *HandlerRegistry) eventBindings() []eventBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]eventBinding(nil), r.events...)
}
