package eventbus

import (
	"context"
	"sort"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/termlink/schema"
)

// Handler receives events for one topic.
type Handler func(schema.StreamEvent)

// Upstream is the underlying transport. Subscribe must not invoke the
// handler synchronously.
type Upstream interface {
	Subscribe(topic schema.Topic, handler Handler) (teardown func(), err error)
}

// Registry shares one upstream subscription per topic between any number of
// listeners. The upstream subscription is torn down with the last listener.
type Registry struct {
	// subMu serializes upstream subscribe/teardown; mu guards listener sets.
	subMu    sync.Mutex
	mu       sync.Mutex
	upstream Upstream
	topics   map[schema.Topic]*topicEntry
	nextID   uint64
	log      pslog.Logger
	depth    int
}

type topicEntry struct {
	listeners map[uint64]Handler
	teardown  func()
}

// New constructs a Registry. A nil upstream yields a local registry fed only
// by Publish.
func New(upstream Upstream, logger pslog.Logger) *Registry {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Registry{
		upstream: upstream,
		topics:   make(map[schema.Topic]*topicEntry),
		log:      logger,
		depth:    256,
	}
}

// Subscribe registers a listener for topic and returns an idempotent unsubscribe.
func (r *Registry) Subscribe(topic schema.Topic, listener Handler) (func(), error) {
	if r == nil || listener == nil {
		return func() {}, nil
	}
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.Lock()
	entry := r.topics[topic]
	r.mu.Unlock()
	if entry == nil {
		var teardown func()
		if r.upstream != nil {
			var err error
			teardown, err = r.upstream.Subscribe(topic, func(event schema.StreamEvent) {
				r.dispatch(topic, event)
			})
			if err != nil {
				r.log.Warn("eventbus upstream subscribe failed", "topic", topic, "err", err)
				return nil, err
			}
			r.log.Debug("eventbus upstream subscribed", "topic", topic)
		}
		entry = &topicEntry{listeners: make(map[uint64]Handler), teardown: teardown}
	}

	r.mu.Lock()
	r.topics[topic] = entry
	r.nextID++
	id := r.nextID
	entry.listeners[id] = listener
	count := len(entry.listeners)
	r.mu.Unlock()
	r.log.Debug("eventbus subscribe", "topic", topic, "listeners", count)

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(topic, id) })
	}, nil
}

func (r *Registry) unsubscribe(topic schema.Topic, id uint64) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.Lock()
	entry := r.topics[topic]
	if entry == nil {
		r.mu.Unlock()
		return
	}
	delete(entry.listeners, id)
	remaining := len(entry.listeners)
	var teardown func()
	if remaining == 0 {
		delete(r.topics, topic)
		teardown = entry.teardown
	}
	r.mu.Unlock()
	r.log.Debug("eventbus unsubscribe", "topic", topic, "listeners", remaining)
	if teardown != nil {
		teardown()
		r.log.Debug("eventbus upstream torn down", "topic", topic)
	}
}

// SubscribeChan registers a buffered channel listener. Events are dropped
// when the channel is full. The channel is closed by the returned cancel.
func (r *Registry) SubscribeChan(topic schema.Topic) (<-chan schema.StreamEvent, func(), error) {
	if r == nil {
		return nil, func() {}, nil
	}
	sink := &chanSink{ch: make(chan schema.StreamEvent, r.depth)}
	unsubscribe, err := r.Subscribe(topic, func(event schema.StreamEvent) {
		if !sink.send(event) {
			r.log.Trace("eventbus dropped", "topic", topic)
		}
	})
	if err != nil {
		return nil, func() {}, err
	}
	return sink.ch, func() {
		unsubscribe()
		sink.close()
	}, nil
}

// Publish delivers the event to the listeners of its topic.
func (r *Registry) Publish(event schema.StreamEvent) {
	if r == nil {
		return
	}
	r.dispatch(event.Topic, event)
}

// Count returns the number of listeners registered for topic.
func (r *Registry) Count(topic schema.Topic) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry := r.topics[topic]; entry != nil {
		return len(entry.listeners)
	}
	return 0
}

func (r *Registry) dispatch(topic schema.Topic, event schema.StreamEvent) {
	r.mu.Lock()
	entry := r.topics[topic]
	if entry == nil {
		r.mu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(entry.listeners))
	for id := range entry.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]Handler, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, entry.listeners[id])
	}
	r.mu.Unlock()
	for _, listener := range listeners {
		listener(event)
	}
}

type chanSink struct {
	mu     sync.Mutex
	ch     chan schema.StreamEvent
	closed bool
}

func (s *chanSink) send(event schema.StreamEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

func (s *chanSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
