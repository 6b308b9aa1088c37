package nats

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/messaging"
)

func TestMessageMapping(t *testing.T) {
	env := contracts.NewEnvelope("text.uppercase", contracts.KindCommand, []byte(`{"text":"hi"}`))
	env.ReplyChannel = "caller-text.uppercase-Replies"
	env.CorrelationID = "corr-1"
	env.UserID = "alice"
	env.SetHeader("traceparent", "00-abc-def-01")

	msg := toMsg("text.uppercase", env)
	assert.Equal(t, "text.uppercase", msg.Subject)
	assert.Equal(t, []string{"corr-1"}, msg.Header[contracts.HeaderCorrelationID])
	assert.Equal(t, []string{"00-abc-def-01"}, msg.Header["traceparent"])

	route := messaging.Route{Channel: "text.uppercase", Kind: contracts.KindCommand}
	d := newDelivery(route, msg)
	got := d.Envelope()
	assert.Equal(t, "text.uppercase", got.Channel)
	assert.Equal(t, "caller-text.uppercase-Replies", got.ReplyChannel)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, contracts.KindCommand, got.Kind)
	assert.Equal(t, "00-abc-def-01", got.Header("traceparent"))
	assert.Equal(t, env.Payload, got.Payload)

	assert.NoError(t, d.Ack())
	assert.NoError(t, d.Nack(true))
}

func TestNewDelivery_KindFromRoute(t *testing.T) {
	msg := &nats.Msg{Subject: "people.greeted", Header: nats.Header{"x-empty": nil}, Data: []byte(`{}`)}
	env := newDelivery(messaging.Route{Channel: "people.greeted", Kind: contracts.KindEvent}, msg).Envelope()

	assert.Equal(t, contracts.KindEvent, env.Kind)
	assert.Empty(t, env.Header("x-empty"))
}

func TestNewTransport_ConnectFailure(t *testing.T) {
	_, err := NewTransport("nats://127.0.0.1:1",
		WithConnectOptions(nats.Timeout(100*time.Millisecond)))
	assert.ErrorContains(t, err, "failed to connect to nats")
}
