package eventbus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/termlink/schema"
)

type fakeUpstream struct {
	mu         sync.Mutex
	subscribes map[schema.Topic]int
	teardowns  map[schema.Topic]int
	handlers   map[schema.Topic]Handler
	failTopic  schema.Topic
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		subscribes: make(map[schema.Topic]int),
		teardowns:  make(map[schema.Topic]int),
		handlers:   make(map[schema.Topic]Handler),
	}
}

func (u *fakeUpstream) Subscribe(topic schema.Topic, handler Handler) (func(), error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if topic == u.failTopic {
		return nil, errors.New("boom")
	}
	u.subscribes[topic]++
	u.handlers[topic] = handler
	return func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.teardowns[topic]++
		delete(u.handlers, topic)
	}, nil
}

func (u *fakeUpstream) emit(event schema.StreamEvent) {
	u.mu.Lock()
	handler := u.handlers[event.Topic]
	u.mu.Unlock()
	if handler != nil {
		handler(event)
	}
}

func (u *fakeUpstream) counts(topic schema.Topic) (int, int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.subscribes[topic], u.teardowns[topic]
}

func outputEvent(seq int64) schema.StreamEvent {
	return schema.StreamEvent{
		Topic:  schema.TopicOutput,
		Output: &schema.OutputPayload{WorkspaceID: "ws", TerminalID: "term", Seq: seq, Data: []byte("x")},
	}
}

func TestRegistrySharesOneUpstreamPerTopic(t *testing.T) {
	upstream := newFakeUpstream()
	reg := New(upstream, nil)

	var got1, got2 []int64
	unsub1, err := reg.Subscribe(schema.TopicOutput, func(ev schema.StreamEvent) { got1 = append(got1, ev.Output.Seq) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	unsub2, err := reg.Subscribe(schema.TopicOutput, func(ev schema.StreamEvent) { got2 = append(got2, ev.Output.Seq) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if subs, _ := upstream.counts(schema.TopicOutput); subs != 1 {
		t.Fatalf("expected one upstream subscription, got %d", subs)
	}
	if reg.Count(schema.TopicOutput) != 2 {
		t.Fatalf("expected two listeners, got %d", reg.Count(schema.TopicOutput))
	}

	upstream.emit(outputEvent(1))
	if len(got1) != 1 || len(got2) != 1 {
		t.Fatalf("expected fanout to both listeners, got %v %v", got1, got2)
	}

	unsub1()
	unsub1()
	if _, teardowns := upstream.counts(schema.TopicOutput); teardowns != 0 {
		t.Fatalf("expected upstream kept while a listener remains")
	}
	upstream.emit(outputEvent(2))
	if len(got1) != 1 || len(got2) != 2 {
		t.Fatalf("unexpected delivery after unsubscribe: %v %v", got1, got2)
	}

	unsub2()
	if _, teardowns := upstream.counts(schema.TopicOutput); teardowns != 1 {
		t.Fatalf("expected upstream torn down once, got %d", teardowns)
	}
	if reg.Count(schema.TopicOutput) != 0 {
		t.Fatalf("expected no listeners")
	}

	unsub3, err := reg.Subscribe(schema.TopicOutput, func(schema.StreamEvent) {})
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	defer unsub3()
	if subs, _ := upstream.counts(schema.TopicOutput); subs != 2 {
		t.Fatalf("expected fresh upstream subscription, got %d", subs)
	}
}

func TestRegistrySubscribeErrorLeavesNoEntry(t *testing.T) {
	upstream := newFakeUpstream()
	upstream.failTopic = schema.TopicModes
	reg := New(upstream, nil)
	if _, err := reg.Subscribe(schema.TopicModes, func(schema.StreamEvent) {}); err == nil {
		t.Fatalf("expected subscribe error")
	}
	if reg.Count(schema.TopicModes) != 0 {
		t.Fatalf("expected no listeners after failed subscribe")
	}
}

func TestRegistryPublishLocal(t *testing.T) {
	reg := New(nil, nil)
	var got []schema.Topic
	unsub, err := reg.Subscribe(schema.TopicLifecycle, func(ev schema.StreamEvent) { got = append(got, ev.Topic) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()
	reg.Publish(outputEvent(1))
	reg.Publish(schema.StreamEvent{Topic: schema.TopicLifecycle, Lifecycle: &schema.LifecyclePayload{Status: schema.LifecycleStarted}})
	if len(got) != 1 || got[0] != schema.TopicLifecycle {
		t.Fatalf("expected only lifecycle delivery, got %v", got)
	}
}

func TestSubscribeChanDropsWhenFull(t *testing.T) {
	reg := New(nil, nil)
	reg.depth = 1
	ch, cancel, err := reg.SubscribeChan(schema.TopicOutput)
	if err != nil {
		t.Fatalf("subscribe chan: %v", err)
	}
	done := make(chan struct{})
	go func() {
		reg.Publish(outputEvent(1))
		reg.Publish(outputEvent(2))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("publish blocked on full channel")
	}
	got := <-ch
	if got.Output.Seq != 1 {
		t.Fatalf("expected first event retained, got %d", got.Output.Seq)
	}
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after cancel")
	}
	reg.Publish(outputEvent(3))
}
