package messaging

import (
	"time"
)

// Outcome labels used by Metrics
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeRemoteError = "remote_error"
	OutcomeDecodeError = "decode_error"
	OutcomePanic       = "panic"
)

// Metrics collects messaging metrics
type Metrics interface {
	// CommandSent records an outbound command
	CommandSent(channel string, err error)

	// ReplyReceived records a reply matched to a pending call
	ReplyReceived(channel string, outcome string, latency time.Duration)

	// PendingReplies adjusts the number of calls awaiting a reply
	PendingReplies(replyChannel string, delta int)

	// CommandHandled records one handler invocation
	CommandHandled(channel string, outcome string, duration time.Duration)

	// EventPublished records an outbound event
	EventPublished(channel string, err error)

	// EventHandled records one event handler invocation
	EventHandled(channel, handler string, outcome string, duration time.Duration)

	// ResourceEvicted records a cached producer or reply pipeline leaving the cache
	ResourceEvicted(resource string, reason string)
}

// NoOpMetrics is a no-op implementation of Metrics
type NoOpMetrics struct{}

func (NoOpMetrics) CommandSent(string, error) {}
func (NoOpMetrics) ReplyReceived(string, string, time.Duration) {}
func (NoOpMetrics) PendingReplies(string, int) {}
func (NoOpMetrics) CommandHandled(string, string, time.Duration) {}
func (NoOpMetrics) EventPublished(string, error) {}
func (NoOpMetrics) EventHandled(string, string, string, time.Duration) {}
func (NoOpMetrics) ResourceEvicted(string, string) {}
