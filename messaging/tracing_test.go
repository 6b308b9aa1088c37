package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-ipc/contracts"
)

// recordSpans installs a recording tracer provider and the W3C propagator
// for the duration of the test.
func recordSpans(t *testing.T) (*tracetest.SpanRecorder, trace.Tracer) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	prevProvider, prevPropagator := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
		_ = provider.Shutdown(context.Background())
	})
	return recorder, provider.Tracer("test")
}

func endedSpan(t *testing.T, recorder *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	var found sdktrace.ReadOnlySpan
	require.Eventually(t, func() bool {
		for _, span := range recorder.Ended() {
			if span.Name() == name {
				found = span
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "span %q not ended", name)
	return found
}

type traceCapture struct {
	mu  sync.Mutex
	ids []trace.TraceID
}

func (c *traceCapture) add(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, trace.SpanContextFromContext(ctx).TraceID())
}

func (c *traceCapture) all() []trace.TraceID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]trace.TraceID(nil), c.ids...)
}

func TestTracing_CommandContinuesCallerTrace(t *testing.T) {
	recorder, tracer := recordSpans(t)
	transport := newFakeTransport(t)

	seen := &traceCapture{}
	startEchoServer(t, transport, HandleCommand[echoCommand, echoReply]("echo",
		func(ctx context.Context, cmd echoCommand, _ contracts.ExecutionContext) (echoReply, error) {
			seen.add(ctx)
			if cmd.Text == "fail" {
				return echoReply{}, errors.New("boom")
			}
			return echoReply{Text: cmd.Text}, nil
		}))

	exec := NewCommandExecutor[echoCommand, echoReply](newTestBus(t, "caller", transport))

	ctx, parent := tracer.Start(testContext(t), "checkout")
	_, err := exec.Call(ctx, echoCommand{Text: "ok"}, contracts.NewExecutionContext("alice"))
	require.NoError(t, err)
	_, err = exec.Call(ctx, echoCommand{Text: "fail"}, contracts.NewExecutionContext("alice"))
	var remote *RemoteExecutionError
	require.ErrorAs(t, err, &remote)
	parent.End()

	traceID := parent.SpanContext().TraceID()
	require.Len(t, seen.all(), 2)
	for _, id := range seen.all() {
		assert.Equal(t, traceID, id)
	}

	send := endedSpan(t, recorder, "send echo")
	assert.Equal(t, traceID, send.SpanContext().TraceID())
	assert.Equal(t, trace.SpanKindProducer, send.SpanKind())

	require.Eventually(t, func() bool {
		processed := 0
		for _, span := range recorder.Ended() {
			if span.Name() == "process echo" {
				processed++
			}
		}
		return processed == 2
	}, time.Second, 5*time.Millisecond)

	var failed, succeeded int
	for _, span := range recorder.Ended() {
		if span.Name() != "process echo" {
			continue
		}
		assert.Equal(t, traceID, span.SpanContext().TraceID())
		assert.Equal(t, trace.SpanKindConsumer, span.SpanKind())
		switch span.Status().Code {
		case codes.Error:
			failed++
			assert.Equal(t, "boom", span.Status().Description)
		default:
			succeeded++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, succeeded)
}

func TestTracing_EventContinuesPublisherTrace(t *testing.T) {
	recorder, tracer := recordSpans(t)
	transport := newFakeTransport(t)

	seen := &traceCapture{}
	bus := newTestBus(t, "billing", transport)
	registry := NewHandlerRegistry()
	require.NoError(t, RegisterEventHandler(registry, HandleEvent[orderPlaced]("invoice", "orders.placed",
		func(ctx context.Context, _ orderPlaced, _ contracts.ExecutionContext) error {
			seen.add(ctx)
			return errors.New("ledger unavailable")
		})))
	startEventDispatcher(t, bus, registry)

	ctx, parent := tracer.Start(testContext(t), "place order")
	publisher := NewEventDispatcher(newTestBus(t, "orders", transport))
	require.NoError(t, publisher.Publish(ctx, orderPlaced{OrderID: 1}, contracts.NewExecutionContext("alice")))
	transport.drain()
	parent.End()

	traceID := parent.SpanContext().TraceID()
	assert.Equal(t, []trace.TraceID{traceID}, seen.all())

	publish := endedSpan(t, recorder, "publish orders.placed")
	assert.Equal(t, traceID, publish.SpanContext().TraceID())

	process := endedSpan(t, recorder, "process orders.placed")
	assert.Equal(t, traceID, process.SpanContext().TraceID())
	assert.Equal(t, publish.SpanContext().SpanID(), process.Parent().SpanID())
	assert.Equal(t, codes.Error, process.Status().Code)
	assert.Equal(t, "ledger unavailable", process.Status().Description)
}
