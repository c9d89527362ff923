package httpapi

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/termlink/schema"
)

// Envelope is one hub event with its stream sequence number.
type Envelope struct {
	Seq   uint64             `json:"seq"`
	Event schema.StreamEvent `json:"event"`
}

// Hub broadcasts host events to SSE subscribers and retains a bounded
// history for Last-Event-ID replay.
type Hub struct {
	mu          sync.Mutex
	seq         uint64
	history     []Envelope
	historySize int
	subs        map[chan Envelope]struct{}
	log         pslog.Logger
}

const subscriberDepth = 256

// NewHub constructs a hub with the given history size.
func NewHub(historySize int, logger pslog.Logger) *Hub {
	if historySize <= 0 {
		historySize = 4096
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Hub{
		historySize: historySize,
		subs:        make(map[chan Envelope]struct{}),
		log:         logger,
	}
}

// Publish assigns the next sequence number and fans the event out.
// Subscribers that cannot keep up lose the event.
func (h *Hub) Publish(event schema.StreamEvent) uint64 {
	h.mu.Lock()
	h.seq++
	env := Envelope{Seq: h.seq, Event: event}
	h.history = append(h.history, env)
	if len(h.history) > h.historySize {
		h.history = h.history[len(h.history)-h.historySize:]
	}
	subs := make([]chan Envelope, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- env:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.log.Warn("hub event dropped", "topic", event.Topic, "seq", env.Seq, "dropped", dropped)
	} else {
		h.log.Trace("hub event", "topic", event.Topic, "seq", env.Seq)
	}
	return env.Seq
}

// Subscribe registers a subscriber and returns, atomically with the
// registration, the retained events with a sequence above after.
func (h *Hub) Subscribe(after uint64) (<-chan Envelope, func(), []Envelope) {
	h.mu.Lock()
	ch := make(chan Envelope, subscriberDepth)
	h.subs[ch] = struct{}{}
	var replay []Envelope
	if after > 0 {
		for _, env := range h.history {
			if env.Seq > after {
				replay = append(replay, env)
			}
		}
	}
	count := len(h.subs)
	h.mu.Unlock()
	h.log.Debug("hub subscribe", "subs", count, "after", after, "replay", len(replay))

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			remaining := len(h.subs)
			h.mu.Unlock()
			h.log.Debug("hub unsubscribe", "subs", remaining)
		})
	}
	return ch, unsubscribe, replay
}

// Seq returns the last assigned sequence number.
func (h *Hub) Seq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
