// Package kafka provides a messaging.Transport over Apache Kafka using
// watermill-kafka and sarama.
//
// Every channel is a topic. Command handlers and event subscriber groups
// map to Kafka consumer groups; subscriptions without a group (reply
// listeners) get a consumer group private to the transport instance.
// Every group starts at the oldest offset, so a reply published before the
// group was assigned its partitions is still read. Replies meant for other
// callers are dropped by correlation id.
package kafka

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IBM/sarama"
	wm "github.com/ThreeDotsLabs/watermill"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/glimte/mmate-ipc/transports/watermill"
)

// ErrNoBrokers is returned when no broker address is configured
var ErrNoBrokers = errors.New("kafka: at least one broker is required")

// Config holds Kafka connection settings
type Config struct {
	Brokers  []string
	ClientID string

	// InstanceID names this process's private consumer group. It defaults
	// to a random id; set it to something stable to resume from committed
	// offsets across restarts.
	InstanceID string

	// NackResendSleep delays redelivery of a nacked message
	NackResendSleep time.Duration

	// ReconnectRetrySleep delays consumer reconnection attempts
	ReconnectRetrySleep time.Duration

	Logger *slog.Logger
}

// ParseBrokers splits a comma separated broker list, dropping blanks
func ParseBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "mmate-ipc"
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.NackResendSleep == 0 {
		c.NackResendSleep = 100 * time.Millisecond
	}
	if c.ReconnectRetrySleep == 0 {
		c.ReconnectRetrySleep = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// NewTransport connects a synchronous producer and returns a transport
// whose subscriptions each run their own consumer group.
func NewTransport(cfg Config) (*watermill.Transport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	cfg = cfg.withDefaults()
	logger := watermill.NewLogger(cfg.Logger.With("transport", "kafka"))

	publisher, err := wmkafka.NewPublisher(wmkafka.PublisherConfig{
		Brokers:               cfg.Brokers,
		Marshaler:             wmkafka.DefaultMarshaler{},
		OverwriteSaramaConfig: publisherSaramaConfig(cfg),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
	}

	return watermill.NewTransport(publisher, subscriberFactory(cfg, logger),
		watermill.WithLogger(cfg.Logger))
}

func publisherSaramaConfig(cfg Config) *sarama.Config {
	sc := wmkafka.DefaultSaramaSyncPublisherConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = sarama.WaitForAll
	return sc
}

func subscriberSaramaConfig(cfg Config) *sarama.Config {
	sc := wmkafka.DefaultSaramaSubscriberConfig()
	sc.ClientID = cfg.ClientID
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	return sc
}

// consumerGroup resolves the Kafka consumer group for a subscription.
// Named groups are shared by every replica. The empty group is private to
// this instance and topic and stays the same across reply pipeline
// rebuilds, so a rebuilt listener resumes from its committed offset.
func consumerGroup(cfg Config, topic, group string) string {
	if group == "" {
		return cfg.ClientID + ".private." + cfg.InstanceID + "." + topic
	}
	return group
}

func subscriberFactory(cfg Config, logger wm.LoggerAdapter) watermill.SubscriberFactory {
	return func(topic, group string) (message.Subscriber, error) {
		name := consumerGroup(cfg, topic, group)

		sub, err := wmkafka.NewSubscriber(wmkafka.SubscriberConfig{
			Brokers:               cfg.Brokers,
			Unmarshaler:           wmkafka.DefaultMarshaler{},
			OverwriteSaramaConfig: subscriberSaramaConfig(cfg),
			ConsumerGroup:         name,
			NackResendSleep:       cfg.NackResendSleep,
			ReconnectRetrySleep:   cfg.ReconnectRetrySleep,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka subscriber for %s (group %s): %w", topic, name, err)
		}
		return sub, nil
	}
}
