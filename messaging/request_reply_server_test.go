package messaging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-ipc/contracts"
)

// mockTransport records calls for the cases the fake transport cannot
// express.
type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) NewProducer(ctx context.Context, route Route) (Producer, error) {
	args := m.Called(ctx, route)
	if p := args.Get(0); p != nil {
		return p.(Producer), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTransport) Subscribe(ctx context.Context, route Route, opts SubscribeOptions, handler DeliveryHandler) (Subscription, error) {
	args := m.Called(ctx, route, opts, handler)
	if s := args.Get(0); s != nil {
		return s.(Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTransport) Close() error {
	return m.Called().Error(0)
}

type mockSubscription struct {
	mock.Mock
	route Route
}

func (m *mockSubscription) Route() Route {
	return m.route
}

func (m *mockSubscription) Unsubscribe() error {
	return m.Called().Error(0)
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCommandHandlerDispatcher_Start(t *testing.T) {
	t.Run("subscribes each handler in a group named after its channel", func(t *testing.T) {
		transport := newFakeTransport(t)
		logs := &syncBuffer{}
		bus := newTestBus(t, "echo-service", transport, WithLogger(slog.New(slog.NewTextHandler(logs, nil))))

		registry := NewHandlerRegistry()
		require.NoError(t, RegisterCommandHandler(registry, uppercaseHandler()))
		d := startCommandDispatcher(t, bus, registry)

		route := Route{Channel: "echo", Kind: contracts.KindCommand}
		assert.Equal(t, 1, transport.subscribers(route))
		assert.ErrorIs(t, d.Start(context.Background()), ErrDispatcherRunning)
		assert.Contains(t, logs.String(), "registered command handler")
		assert.Contains(t, logs.String(), "channel=echo")

		require.NoError(t, d.Stop())
		assert.Zero(t, transport.subscribers(route))
		assert.NoError(t, d.Stop())
	})

	t.Run("failed subscription closes the ones already open", func(t *testing.T) {
		transport := &mockTransport{}
		bus, err := NewBus("echo-service", transport, WithSweepInterval(0))
		require.NoError(t, err)
		defer bus.Close()

		registry := NewHandlerRegistry()
		require.NoError(t, RegisterCommandHandler(registry, uppercaseHandler()))
		require.NoError(t, RegisterCommandHandler(registry, HandleCommand[orderCommand, echoReply]("orders",
			func(context.Context, orderCommand, contracts.ExecutionContext) (echoReply, error) {
				return echoReply{}, nil
			})))

		sub := &mockSubscription{route: Route{Channel: "echo", Kind: contracts.KindCommand}}
		sub.On("Unsubscribe").Return(nil)
		transport.On("Subscribe", mock.Anything, Route{Channel: "echo", Kind: contracts.KindCommand}, SubscribeOptions{Group: "echo"}, mock.Anything).
			Return(sub, nil)
		transport.On("Subscribe", mock.Anything, Route{Channel: "orders", Kind: contracts.KindCommand}, SubscribeOptions{Group: "orders"}, mock.Anything).
			Return(nil, errors.New("queue declare refused"))

		d := NewCommandHandlerDispatcher(bus, registry)
		err = d.Start(context.Background())

		var transportErr *TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.Equal(t, "orders", transportErr.Channel)
		sub.AssertExpectations(t)
		transport.AssertExpectations(t)
	})
}

type orderCommand struct {
	OrderID int `json:"orderId"`
}

func (orderCommand) Channel() string { return "orders" }

func TestCommandHandlerDispatcher_MissingReplyChannel(t *testing.T) {
	transport := newFakeTransport(t)
	bus := newTestBus(t, "echo-service", transport)

	called := false
	registry := NewHandlerRegistry()
	require.NoError(t, RegisterCommandHandler(registry, HandleCommand[echoCommand, echoReply]("echo",
		func(_ context.Context, cmd echoCommand, _ contracts.ExecutionContext) (echoReply, error) {
			called = true
			return echoReply{Text: cmd.Text}, nil
		})))

	d := NewCommandHandlerDispatcher(bus, registry)
	delivery := &fakeDelivery{env: contracts.NewEnvelope("echo", contracts.KindCommand, []byte(`{"text":"x"}`))}
	d.deliveryHandler(registry.commandBindings()[0])(context.Background(), delivery)

	assert.True(t, called)
	assert.True(t, delivery.acked.Load())
	assert.Zero(t, transport.sent.Load())
}

func TestCommandHandlerDispatcher_HandlerTimeout(t *testing.T) {
	transport := newFakeTransport(t)

	server := newTestBus(t, "echo-service", transport)
	registry := NewHandlerRegistry()
	require.NoError(t, RegisterCommandHandler(registry, HandleCommand[echoCommand, echoReply]("echo",
		func(ctx context.Context, _ echoCommand, _ contracts.ExecutionContext) (echoReply, error) {
			<-ctx.Done()
			return echoReply{}, ctx.Err()
		})))
	startCommandDispatcher(t, server, registry, WithHandlerTimeout(20*time.Millisecond))

	client := newTestBus(t, "caller", transport)
	exec := NewCommandExecutor[echoCommand, echoReply](client)

	_, err := exec.Call(testContext(t), echoCommand{Text: "slow"}, contracts.NewExecutionContext("alice"))

	var remote *RemoteExecutionError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, 500, remote.Code)
	assert.Equal(t, context.DeadlineExceeded.Error(), remote.Message)
}

func TestCommandHandlerDispatcher_CustomStatusMapper(t *testing.T) {
	errNotFound := errors.New("not found")
	transport := newFakeTransport(t)

	server := newTestBus(t, "echo-service", transport,
		WithStatusMapper(NewStatusMapper(StatusRule{Target: errNotFound, Code: 404})))
	registry := NewHandlerRegistry()
	require.NoError(t, RegisterCommandHandler(registry, HandleCommand[echoCommand, echoReply]("echo",
		func(context.Context, echoCommand, contracts.ExecutionContext) (echoReply, error) {
			return echoReply{}, errors.Join(errors.New("lookup failed"), errNotFound)
		})))
	startCommandDispatcher(t, server, registry)

	client := newTestBus(t, "caller", transport)
	exec := NewCommandExecutor[echoCommand, echoReply](client)

	_, err := exec.Call(testContext(t), echoCommand{Text: "x"}, contracts.NewExecutionContext("alice"))

	var remote *RemoteExecutionError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, 404, remote.Code)
}

func TestHandlerOutcome(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, handlerOutcome(nil))
	assert.Equal(t, OutcomeFailure, handlerOutcome(errors.New("x")))
	assert.Equal(t, OutcomeDecodeError, handlerOutcome(&DecodingError{Err: errors.New("x")}))
	assert.Equal(t, OutcomePanic, handlerOutcome(&HandlerExecutionError{Panic: true}))
}
