package messaging

import (
	"fmt"
	"strings"

	"github.com/glimte/mmate-ipc/contracts"
)

// Channels is the addressing pair for a command.
type Channels struct {
	Channel      string
	ReplyChannel string
}

// ChannelMapper derives channel names. It does no I/O, so callers and
// handlers compute the same names independently.
type ChannelMapper struct {
	serviceName string
}

// NewChannelMapper creates a mapper for the owning service
func NewChannelMapper(serviceName string) (*ChannelMapper, error) {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		return nil, ErrNoServiceName
	}
	return &ChannelMapper{serviceName: serviceName}, nil
}

// ServiceName returns the owning service
func (m *ChannelMapper) ServiceName() string {
	return m.serviceName
}

// Map returns the channel a command is sent on and the channel its reply
// comes back on.
func (m *ChannelMapper) Map(cmd contracts.Command) (Channels, error) {
	channel, err := declaredChannel(cmd)
	if err != nil {
		return Channels{}, err
	}
	return Channels{
		Channel:      channel,
		ReplyChannel: ReplyChannelName(m.serviceName, channel),
	}, nil
}

// EventChannel returns the channel an event is published on
func (m *ChannelMapper) EventChannel(evt contracts.Event) (string, error) {
	return declaredChannel(evt)
}

// ReplyChannelName is "<service>-<channel>-Replies".
func ReplyChannelName(serviceName, channel string) string {
	return serviceName + "-" + channel + "-Replies"
}

type channelDeclarer interface {
	Channel() string
}

func declaredChannel(v channelDeclarer) (string, error) {
	if v == nil {
		return "", ErrNoChannel
	}
	channel := strings.TrimSpace(v.Channel())
	if channel == "" {
		return "", fmt.Errorf("%w: %T", ErrNoChannel, v)
	}
	return channel, nil
}
