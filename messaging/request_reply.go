package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/internal/cache"
)

// CommandExecutor sends commands of type Q and resolves their replies as R.
// All executors on a Bus that share a reply channel share one reply
// pipeline.
type CommandExecutor[Q contracts.Command, R any] struct {
	bus *Bus
}

// NewCommandExecutor creates an executor on bus
func NewCommandExecutor[Q contracts.Command, R any](bus *Bus) *CommandExecutor[Q, R] {
	return &CommandExecutor[Q, R]{bus: bus}
}

// Execute sends cmd and returns a future for its reply. Failures before the
// command reaches the broker come back as an already completed future.
// There is no built-in timeout: bound the wait with the context passed to
// Future.Await.
func (e *CommandExecutor[Q, R]) Execute(ctx context.Context, cmd Q, execCtx contracts.ExecutionContext) *Future[R] {
	channels, err := e.bus.mapper.Map(cmd)
	if err != nil {
		return failedFuture[R]("", err)
	}

	ctx, span := startSpan(ctx, "send "+channels.Channel, trace.SpanKindProducer, channels.Channel)

	payload, err := encodePayload(channels.Channel, cmd)
	if err != nil {
		endSpan(span, err)
		return failedFuture[R](channels.Channel, err)
	}

	lease, err := e.bus.acquirePipeline(ctx, channels.ReplyChannel)
	if err != nil {
		if errors.Is(err, cache.ErrClosed) {
			err = ErrBusClosed
		}
		endSpan(span, err)
		return failedFuture[R](channels.Channel, err)
	}
	pipeline := lease.Value()

	correlationID := uuid.NewString()
	future := newFuture[R](channels.Channel, correlationID)
	sentAt := time.Now()

	slot := &pendingReply{
		correlationID: correlationID,
		channel:       channels.Channel,
		sentAt:        e.bus.clock.Now(),
		lease:         lease,
		deliver: func(env *contracts.Envelope) {
			value, outcome, err := decodeReply[R](channels.Channel, env)
			e.bus.metrics.ReplyReceived(channels.Channel, outcome, time.Since(sentAt))
			future.complete(value, err)
		},
		fail: func(err error) {
			future.complete(*new(R), err)
		},
	}
	future.onAbandon = func() {
		pipeline.remove(correlationID)
	}

	// The slot must exist before the command leaves, or a fast reply could
	// arrive with nobody waiting for it.
	if err := pipeline.register(slot); err != nil {
		lease.Release()
		endSpan(span, err)
		return failedFuture[R](channels.Channel, err)
	}

	env := contracts.NewEnvelope(channels.Channel, contracts.KindCommand, payload)
	env.ReplyChannel = channels.ReplyChannel
	env.CorrelationID = correlationID
	execCtx.Apply(env)
	injectTrace(ctx, env)

	err = e.bus.send(ctx, Route{Channel: channels.Channel, Kind: contracts.KindCommand}, env)
	e.bus.metrics.CommandSent(channels.Channel, err)
	if err != nil {
		pipeline.remove(correlationID)
		future.complete(*new(R), err)
		endSpan(span, err)
		return future
	}

	e.bus.logger.Debug("command sent",
		"channel", channels.Channel,
		"replyChannel", channels.ReplyChannel,
		"correlationId", correlationID)
	endSpan(span, nil)
	return future
}

// Call sends cmd and waits for the reply until ctx ends.
func (e *CommandExecutor[Q, R]) Call(ctx context.Context, cmd Q, execCtx contracts.ExecutionContext) (R, error) {
	return e.Execute(ctx, cmd, execCtx).Await(ctx)
}

func decodeReply[R any](channel string, env *contracts.Envelope) (R, string, error) {
	var zero R
	if err := CheckReply(channel, env); err != nil {
		if IsRemote(err) {
			return zero, OutcomeRemoteError, err
		}
		return zero, OutcomeDecodeError, err
	}

	value, err := decodePayload[R](channel, env.Payload)
	if err != nil {
		return zero, OutcomeDecodeError, err
	}
	return value, OutcomeSuccess, nil
}
