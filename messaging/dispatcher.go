package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// subscriptionSpec is one subscription a dispatcher needs at start.
type subscriptionSpec struct {
	route   Route
	opts    SubscribeOptions
	handler DeliveryHandler
}

// subscribeAll opens every subscription concurrently. If any of them fails,
// the ones already open are closed again.
func subscribeAll(ctx context.Context, transport Transport, specs []subscriptionSpec) ([]Subscription, error) {
	var (
		mu   sync.Mutex
		subs = make([]Subscription, 0, len(specs))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		g.Go(func() error {
			sub, err := transport.Subscribe(ctx, spec.route, spec.opts, spec.handler)
			if err != nil {
				return &TransportError{Op: "subscribe", Channel: spec.route.Channel, Err: err}
			}
			mu.Lock()
			subs = append(subs, sub)
			mu.Unlock()
			return gctx.Err()
		})
	}

	if err := g.Wait(); err != nil {
		if closeErr := unsubscribeAll(subs); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
		return nil, err
	}
	return subs, nil
}

func unsubscribeAll(subs []Subscription) error {
	var errs *multierror.Error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to unsubscribe from %s: %w", sub.Route(), err))
		}
	}
	return errs.ErrorOrNil()
}

// settle acknowledges a delivery. Dispatchers always ack: failures are
// answered or logged, never redelivered by this layer.
func settle(logger *slog.Logger, d Delivery) {
	if err := d.Ack(); err != nil {
		logger.Error("failed to ack message",
			"channel", d.Envelope().Channel,
			"correlationId", d.Envelope().CorrelationID,
			"error", err)
	}
}

// recovered turns a handler panic into a HandlerExecutionError.
func recovered(logger *slog.Logger, channel string, r any) error {
	logger.Error("handler panicked",
		"channel", channel,
		"panic", r,
		"stack", string(debug.Stack()))
	return &HandlerExecutionError{
		Channel: channel,
		Message: fmt.Sprint(r),
		Panic:   true,
	}
}
