package messaging

import (
	"context"
	"errors"
	"sync"
)

// Future is the eventual reply to a command.
type Future[R any] struct {
	correlationID string
	channel       string
	done          chan struct{}
	once          sync.Once
	value         R
	err           error
	onAbandon     func()
}

func newFuture[R any](channel, correlationID string) *Future[R] {
	return &Future[R]{
		channel:       channel,
		correlationID: correlationID,
		done:          make(chan struct{}),
	}
}

// failedFuture returns an already completed future
func failedFuture[R any](channel string, err error) *Future[R] {
	f := newFuture[R](channel, "")
	f.complete(*new(R), err)
	return f
}

// complete settles the future. Only the first call has any effect.
func (f *Future[R]) complete(value R, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

// CorrelationID returns the id the reply is matched on. It is empty when the
// command never left the process.
func (f *Future[R]) CorrelationID() string {
	return f.correlationID
}

// Done is closed once the future has a result
func (f *Future[R]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the reply arrives or ctx ends. When ctx ends first the
// pending slot is released and a *TimeoutError is returned; a reply arriving
// later is discarded.
func (f *Future[R]) Await(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
	}

	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		err := &TimeoutError{Channel: f.channel, CorrelationID: f.correlationID, Err: ctx.Err()}
		if f.complete(*new(R), err) {
			f.abandon()
		}
		return f.value, f.err
	}
}

// Cancel stops waiting locally. Nothing is sent to the handler, which may
// still run to completion.
func (f *Future[R]) Cancel() {
	if f.complete(*new(R), ErrFutureCancelled) {
		f.abandon()
	}
}

// Err returns the failure once the future is done, nil otherwise
func (f *Future[R]) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

func (f *Future[R]) abandon() {
	if f.onAbandon != nil {
		f.onAbandon()
	}
}

// IsCancelled reports whether err came from Future.Cancel
func IsCancelled(err error) bool {
	return errors.Is(err, ErrFutureCancelled)
}
