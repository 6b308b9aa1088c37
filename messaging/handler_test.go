package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-ipc/contracts"
)

type namedEventHandler struct{}

func (namedEventHandler) HandlerName() string { return "" }
func (namedEventHandler) ChannelName() string { return "orders.placed" }
func (namedEventHandler) HandleEvent(context.Context, orderPlaced, contracts.ExecutionContext) error {
	return nil
}

func TestHandlerRegistry_CommandHandlers(t *testing.T) {
	registry := NewHandlerRegistry()

	require.NoError(t, RegisterCommandHandler(registry, uppercaseHandler()))
	require.NoError(t, RegisterCommandHandler(registry, HandleCommand[orderCommand, echoReply]("orders",
		func(context.Context, orderCommand, contracts.ExecutionContext) (echoReply, error) {
			return echoReply{}, nil
		})))

	err := RegisterCommandHandler(registry, uppercaseHandler())
	assert.ErrorIs(t, err, ErrDuplicateHandler)

	err = RegisterCommandHandler(registry, HandleCommand[echoCommand, echoReply]("  ",
		func(context.Context, echoCommand, contracts.ExecutionContext) (echoReply, error) {
			return echoReply{}, nil
		}))
	assert.ErrorIs(t, err, ErrNoChannel)

	infos := registry.CommandHandlers()
	require.Len(t, infos, 2)
	assert.Equal(t, "echo", infos[0].Channel)
	assert.Equal(t, "messaging.echoCommand", infos[0].Type)
	assert.Equal(t, "orders", infos[1].Channel)
}

func TestHandlerRegistry_EventHandlers(t *testing.T) {
	registry := NewHandlerRegistry()
	noop := func(context.Context, orderPlaced, contracts.ExecutionContext) error { return nil }

	require.NoError(t, RegisterEventHandler(registry, HandleEvent[orderPlaced]("invoice", "orders.placed", noop)))
	require.NoError(t, RegisterEventHandler(registry, HandleEvent[orderPlaced]("audit", "orders.placed", noop)))
	assert.ErrorIs(t, RegisterEventHandler(registry, HandleEvent[orderPlaced]("invoice", "orders.placed", noop)), ErrDuplicateHandler)
	assert.ErrorIs(t, RegisterEventHandler(registry, HandleEvent[orderPlaced]("x", "", noop)), ErrNoChannel)

	// An unnamed handler falls back to its type name.
	require.NoError(t, RegisterEventHandler[orderPlaced](registry, namedEventHandler{}))

	infos := registry.EventHandlers()
	require.Len(t, infos, 3)
	assert.Equal(t, "invoice", infos[0].Name)
	assert.Equal(t, "audit", infos[1].Name)
	assert.Equal(t, "messaging.namedEventHandler", infos[2].Name)
	assert.Equal(t, "messaging.orderPlaced", infos[2].Type)
}

func TestHandleCommandAsync(t *testing.T) {
	t.Run("nil channel", func(t *testing.T) {
		h := HandleCommandAsync[echoCommand, echoReply]("echo",
			func(context.Context, echoCommand, contracts.ExecutionContext) <-chan Result[echoReply] {
				return nil
			})
		_, err := h.HandleCommand(context.Background(), echoCommand{}, contracts.ExecutionContext{})
		var execErr *HandlerExecutionError
		assert.ErrorAs(t, err, &execErr)
	})

	t.Run("closed without result", func(t *testing.T) {
		h := HandleCommandAsync[echoCommand, echoReply]("echo",
			func(context.Context, echoCommand, contracts.ExecutionContext) <-chan Result[echoReply] {
				out := make(chan Result[echoReply])
				close(out)
				return out
			})
		_, err := h.HandleCommand(context.Background(), echoCommand{}, contracts.ExecutionContext{})
		var execErr *HandlerExecutionError
		assert.ErrorAs(t, err, &execErr)
	})

	t.Run("context ends first", func(t *testing.T) {
		h := HandleCommandAsync[echoCommand, echoReply]("echo",
			func(context.Context, echoCommand, contracts.ExecutionContext) <-chan Result[echoReply] {
				out := make(chan Result[echoReply])
				close(out)
				return out
			})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := h.HandleCommand(ctx, echoCommand{}, contracts.ExecutionContext{})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("late result on an unbuffered channel does not block the sender", func(t *testing.T) {
		release := make(chan struct{})
		sent := make(chan struct{})
		h := HandleCommandAsync[echoCommand, echoReply]("echo",
			func(context.Context, echoCommand, contracts.ExecutionContext) <-chan Result[echoReply] {
				out := make(chan Result[echoReply])
				go func() {
					defer close(sent)
					<-release
					out <- Result[echoReply]{Value: echoReply{Text: "too late"}}
				}()
				return out
			})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := h.HandleCommand(ctx, echoCommand{}, contracts.ExecutionContext{})
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		close(release)
		select {
		case <-sent:
		case <-time.After(time.Second):
			t.Fatal("async handler is still blocked on its result channel")
		}
	})
}
