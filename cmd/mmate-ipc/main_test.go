package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/messaging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEcho(t *testing.T) {
	reply, err := echo(context.Background(), textCommand{Text: "Hello World"}, contracts.NewExecutionContext(""))
	require.NoError(t, err)
	assert.Equal(t, "HELLO WORLD", reply.Text)

	_, err = echo(context.Background(), textCommand{Text: "  "}, contracts.NewExecutionContext(""))
	var handlerErr *messaging.HandlerExecutionError
	require.ErrorAs(t, err, &handlerErr)
	assert.Equal(t, 400, handlerErr.StatusCode())
}

func TestRawEvent_PassesBodyThrough(t *testing.T) {
	evt := rawEvent{channel: "orders.placed", Body: json.RawMessage(`{"id":7}`)}
	assert.Equal(t, "orders.placed", evt.Channel())

	data, err := json.Marshal(evt)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7}`, string(data))

	var decoded rawEvent
	require.NoError(t, json.Unmarshal([]byte(`[1,2]`), &decoded))
	assert.Equal(t, `[1,2]`, string(decoded.Body))

	data, err = json.Marshal(rawEvent{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestPublishCommand(t *testing.T) {
	out, err := run(t, "publish", "--transport", "memory", "--service", "cli",
		"--log-level", "error", "--channel", "orders.placed", `{"id":1}`)
	require.NoError(t, err)
	assert.Contains(t, out, "published to orders.placed")

	_, err = run(t, "publish", "--transport", "memory", "--channel", "orders.placed", "{not json")
	assert.ErrorContains(t, err, "not valid JSON")

	_, err = run(t, "publish", "--transport", "memory", `{"id":1}`)
	assert.ErrorContains(t, err, "--channel is required")
}

func TestRootCommand_RejectsBadConfig(t *testing.T) {
	_, err := run(t, "publish", "--transport", "carrier-pigeon", "--channel", "x", `{}`)
	assert.ErrorContains(t, err, "unknown transport")
}

func TestHealthCommand(t *testing.T) {
	out, err := run(t, "health", "--transport", "memory", "--log-level", "error")
	require.NoError(t, err)

	var report struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "healthy", report.Status)
}
