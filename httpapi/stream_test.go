package httpapi

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pkt.systems/termlink/schema"
)

var testBackoff = BackoffConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 200 * time.Millisecond, Multiplier: 2}

func newTestStream(t *testing.T, serverURL string) *EventStream {
	t.Helper()
	stream, err := NewEventStream(serverURL, "", StreamOptions{Backoff: testBackoff})
	require.NoError(t, err)
	t.Cleanup(stream.Close)
	return stream
}

func collect(ch chan schema.StreamEvent) func(schema.StreamEvent) {
	return func(event schema.StreamEvent) {
		ch <- event
	}
}

func receive(t *testing.T, ch chan schema.StreamEvent) schema.StreamEvent {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return schema.StreamEvent{}
	}
}

func TestEventStreamDeliversSubscribedTopics(t *testing.T) {
	hub := NewHub(16, nil)
	srv := NewServer(Config{}, &fakeHost{}, hub, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	stream := newTestStream(t, ts.URL)
	require.Zero(t, hub.Subscribers(), "stream connects lazily")

	outputs := make(chan schema.StreamEvent, 8)
	teardown, err := stream.Subscribe(schema.TopicOutput, collect(outputs))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 3*time.Second, 10*time.Millisecond)

	hub.Publish(schema.StreamEvent{
		Topic:     schema.TopicLifecycle,
		Lifecycle: &schema.LifecyclePayload{WorkspaceID: "ws", TerminalID: "main", Status: schema.LifecycleStarted},
	})
	hub.Publish(outputEvent(1, "hello"))

	event := receive(t, outputs)
	require.Equal(t, schema.TopicOutput, event.Topic)
	require.Equal(t, "hello", string(event.Output.Data))
	require.EqualValues(t, 1, event.Output.Seq)

	teardown()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestEventStreamResumesFromLastEventID(t *testing.T) {
	hub := NewHub(16, nil)
	srv := NewServer(Config{}, &fakeHost{}, hub, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	stream := newTestStream(t, ts.URL)
	outputs := make(chan schema.StreamEvent, 8)
	_, err := stream.Subscribe(schema.TopicOutput, collect(outputs))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 3*time.Second, 10*time.Millisecond)

	hub.Publish(outputEvent(1, "one"))
	require.Equal(t, "one", string(receive(t, outputs).Output.Data))

	ts.CloseClientConnections()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 3*time.Second, 5*time.Millisecond)
	hub.Publish(outputEvent(2, "two"))
	hub.Publish(outputEvent(3, "three"))

	require.Equal(t, "two", string(receive(t, outputs).Output.Data))
	require.Equal(t, "three", string(receive(t, outputs).Output.Data))
	select {
	case event := <-outputs:
		t.Fatalf("unexpected duplicate delivery: %+v", event.Output)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventStreamReportsHostRestart(t *testing.T) {
	hubA := NewHub(16, nil)
	srvA := NewServer(Config{}, &fakeHost{}, hubA, nil)
	hubB := NewHub(16, nil)
	srvB := NewServer(Config{}, &fakeHost{}, hubB, nil)

	var current atomic.Pointer[http.Handler]
	handlerA := srvA.Handler()
	current.Store(&handlerA)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		(*current.Load()).ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	stream := newTestStream(t, ts.URL)
	restarts := make(chan schema.StreamEvent, 4)
	outputs := make(chan schema.StreamEvent, 8)
	_, err := stream.Subscribe(schema.TopicSessiondRestarted, collect(restarts))
	require.NoError(t, err)
	_, err = stream.Subscribe(schema.TopicOutput, collect(outputs))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hubA.Subscribers() == 1 }, 3*time.Second, 10*time.Millisecond)
	hubA.Publish(outputEvent(1, "before"))
	require.Equal(t, "before", string(receive(t, outputs).Output.Data))

	handlerB := srvB.Handler()
	current.Store(&handlerB)
	ts.CloseClientConnections()

	event := receive(t, restarts)
	require.Equal(t, schema.TopicSessiondRestarted, event.Topic)
	require.Equal(t, srvB.Instance(), event.Restarted.Instance)

	require.Eventually(t, func() bool { return hubB.Subscribers() == 1 }, 3*time.Second, 10*time.Millisecond)
	hubB.Publish(outputEvent(1, "after"))
	require.Equal(t, "after", string(receive(t, outputs).Output.Data))
}

func TestEventStreamClosed(t *testing.T) {
	stream, err := NewEventStream("http://127.0.0.1:1", "", StreamOptions{Backoff: testBackoff})
	require.NoError(t, err)
	stream.Close()
	_, err = stream.Subscribe(schema.TopicOutput, func(schema.StreamEvent) {})
	require.ErrorIs(t, err, schema.ErrStreamClosed)
}
