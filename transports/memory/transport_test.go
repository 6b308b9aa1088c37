package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/messaging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type uppercase struct {
	Text string `json:"text"`
}

func (uppercase) Channel() string { return "text.uppercase" }

type uppercased struct {
	Text string `json:"text"`
}

type greeted struct {
	Name string `json:"name"`
}

func (greeted) Channel() string { return "people.greeted" }

func newBus(t *testing.T, service string, transport messaging.Transport) *messaging.Bus {
	t.Helper()
	bus, err := messaging.NewBus(service, transport, messaging.WithSweepInterval(0))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = bus.Close()
	})
	return bus
}

func serveUppercase(t *testing.T, bus *messaging.Bus) {
	t.Helper()
	registry := messaging.NewHandlerRegistry()
	require.NoError(t, messaging.RegisterCommandHandler(registry, messaging.HandleCommand[uppercase, uppercased]("text.uppercase",
		func(_ context.Context, cmd uppercase, _ contracts.ExecutionContext) (uppercased, error) {
			if cmd.Text == "" {
				return uppercased{}, errors.New("nothing to shout")
			}
			return uppercased{Text: strings.ToUpper(cmd.Text)}, nil
		})))

	dispatcher := messaging.NewCommandHandlerDispatcher(bus, registry)
	require.NoError(t, dispatcher.Start(context.Background()))
	t.Cleanup(func() {
		_ = dispatcher.Stop()
	})
}

func TestMemory_CommandRoundTrip(t *testing.T) {
	transport := NewTransport()
	defer transport.Close()

	serveUppercase(t, newBus(t, "text-service", transport))
	client := newBus(t, "caller", transport)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exec := messaging.NewCommandExecutor[uppercase, uppercased](client)
	reply, err := exec.Call(ctx, uppercase{Text: "Hello World"}, contracts.NewExecutionContext("alice"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO WORLD", reply.Text)

	_, err = exec.Call(ctx, uppercase{}, contracts.NewExecutionContext("alice"))
	var remote *messaging.RemoteExecutionError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, 500, remote.StatusCode())
	assert.Contains(t, remote.Message, "nothing to shout")
}

func TestMemory_ConcurrentCalls(t *testing.T) {
	transport := NewTransport()
	defer transport.Close()

	serveUppercase(t, newBus(t, "text-service", transport))
	client := newBus(t, "caller", transport)
	exec := messaging.NewCommandExecutor[uppercase, uppercased](client)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := fmt.Sprintf("message %d", i)
			reply, err := exec.Call(ctx, uppercase{Text: text}, contracts.NewExecutionContext("u"))
			if assert.NoError(t, err) {
				assert.Equal(t, strings.ToUpper(text), reply.Text)
			}
		}(i)
	}
	wg.Wait()
}

func TestMemory_EventFanOut(t *testing.T) {
	transport := NewTransport()
	defer transport.Close()

	received := make(chan string, 8)
	subscribe := func(service, handler string) {
		registry := messaging.NewHandlerRegistry()
		require.NoError(t, messaging.RegisterEventHandler(registry, messaging.HandleEvent[greeted](handler, "people.greeted",
			func(_ context.Context, evt greeted, _ contracts.ExecutionContext) error {
				received <- service + "/" + handler + ":" + evt.Name
				return nil
			})))
		d := messaging.NewEventHandlerDispatcher(newBus(t, service, transport), registry)
		require.NoError(t, d.Start(context.Background()))
		t.Cleanup(func() {
			_ = d.Stop()
		})
	}
	subscribe("audit", "record")
	subscribe("mailer", "welcome")
	subscribe("mailer", "welcome")

	publisher := messaging.NewEventDispatcher(newBus(t, "people", transport))
	require.NoError(t, publisher.Publish(context.Background(), greeted{Name: "bob"}, contracts.NewExecutionContext("u")))

	var got []string
	for len(got) < 2 {
		select {
		case s := <-received:
			got = append(got, s)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %v", got)
		}
	}
	assert.ElementsMatch(t, []string{"audit/record:bob", "mailer/welcome:bob"}, got)

	select {
	case s := <-received:
		t.Fatalf("unexpected extra delivery %s", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemory_PublishWithoutSubscribers(t *testing.T) {
	transport := NewTransport()
	defer transport.Close()

	publisher := messaging.NewEventDispatcher(newBus(t, "people", transport))
	assert.NoError(t, publisher.Publish(context.Background(), greeted{Name: "nobody"}, contracts.NewExecutionContext("u")))
}
