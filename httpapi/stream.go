package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/termlink/internal/eventbus"
	"pkt.systems/termlink/schema"
)

var _ eventbus.Upstream = (*EventStream)(nil)

const maxSSEFrameBytes = 16 << 20

// StreamOptions tunes an EventStream.
type StreamOptions struct {
	HTTPClient *http.Client
	Backoff    BackoffConfig
	Logger     pslog.Logger
}

// EventStream consumes the host SSE stream and fans events out per topic.
// It connects on the first subscription and disconnects when the last
// subscription is torn down. Reconnects resume from the last event id while
// the host instance is unchanged; a changed instance is reported as a
// sessiond-restarted event.
type EventStream struct {
	base    *url.URL
	token   string
	http    *http.Client
	backoff BackoffConfig
	log     pslog.Logger

	mu       sync.Mutex
	handlers map[schema.Topic]map[uint64]eventbus.Handler
	nextID   uint64
	cancel   context.CancelFunc
	closed   bool
	instance string
	lastID   uint64
	rng      *rand.Rand
	wg       sync.WaitGroup
}

// NewEventStream constructs a stream for serverURL.
func NewEventStream(serverURL, token string, opts StreamOptions) (*EventStream, error) {
	base, err := parseServerURL(serverURL)
	if err != nil {
		return nil, err
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	backoff := opts.Backoff
	if backoff == (BackoffConfig{}) {
		backoff = DefaultBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &EventStream{
		base:     base,
		token:    strings.TrimSpace(token),
		http:     httpClient,
		backoff:  backoff,
		log:      logger.With("server", base.Host),
		handlers: make(map[schema.Topic]map[uint64]eventbus.Handler),
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x7465726d)),
	}, nil
}

// Subscribe registers handler for topic. Handlers run on the stream reader
// goroutine, in stream order.
func (s *EventStream) Subscribe(topic schema.Topic, handler eventbus.Handler) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, schema.ErrStreamClosed
	}
	set := s.handlers[topic]
	if set == nil {
		set = make(map[uint64]eventbus.Handler)
		s.handlers[topic] = set
	}
	s.nextID++
	id := s.nextID
	set[id] = handler
	if s.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.wg.Add(1)
		go s.run(ctx)
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(topic, id) })
	}, nil
}

func (s *EventStream) remove(topic schema.Topic, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.handlers[topic]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(s.handlers, topic)
		}
	}
	if len(s.handlers) == 0 && s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.log.Debug("event stream idle")
	}
}

// Close stops the stream and waits for the reader to exit.
func (s *EventStream) Close() {
	s.mu.Lock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.handlers = make(map[schema.Topic]map[uint64]eventbus.Handler)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *EventStream) run(ctx context.Context) {
	defer s.wg.Done()
	attempt := 0
	for {
		connected, err := s.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		attempt++
		s.mu.Lock()
		delay := nextBackoffDelay(s.backoff, attempt, s.rng)
		s.mu.Unlock()
		s.log.Warn("event stream disconnected", "err", err, "attempt", attempt, "retry_ms", delay.Milliseconds())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect runs one SSE connection until it ends. connected reports whether
// the hello frame was received.
func (s *EventStream) connect(ctx context.Context) (connected bool, err error) {
	s.mu.Lock()
	instance, lastID := s.instance, s.lastID
	s.mu.Unlock()

	query := url.Values{}
	if instance != "" {
		query.Set("instance", instance)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(s.base, pathStream, query), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if instance != "" && lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(lastID, 10))
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", schema.ErrHostUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, responseError(resp)
	}
	s.log.Debug("event stream connected", "last_id", lastID)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSEFrameBytes)
	var frame sseFrame
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if frame.data.Len() > 0 {
				if s.handleFrame(&frame) {
					connected = true
				}
			}
			frame = sseFrame{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			frame.event = value
		case "id":
			frame.id = parseUint(value)
		case "data":
			if frame.data.Len() > 0 {
				frame.data.WriteByte('\n')
			}
			frame.data.WriteString(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return connected, err
	}
	return connected, schema.ErrStreamClosed
}

type sseFrame struct {
	event string
	id    uint64
	data  bytes.Buffer
}

// handleFrame dispatches one frame and reports whether it was a hello.
func (s *EventStream) handleFrame(frame *sseFrame) bool {
	if frame.event == sseEventHello {
		var hello helloFrame
		if err := json.Unmarshal(frame.data.Bytes(), &hello); err != nil {
			s.log.Warn("event stream hello invalid", "err", err)
			return false
		}
		s.mu.Lock()
		previous := s.instance
		s.instance = hello.Instance
		restarted := previous != "" && previous != hello.Instance
		if restarted || previous == "" {
			s.lastID = 0
		}
		s.mu.Unlock()
		if restarted {
			s.log.Warn("terminal host restarted", "previous", previous, "instance", hello.Instance)
			s.dispatch(schema.StreamEvent{
				Topic:     schema.TopicSessiondRestarted,
				Restarted: &schema.SessiondRestartedPayload{Instance: hello.Instance, At: time.Now()},
			})
		}
		return true
	}

	var event schema.StreamEvent
	if err := json.Unmarshal(frame.data.Bytes(), &event); err != nil {
		s.log.Warn("event stream frame invalid", "id", frame.id, "err", err)
		return false
	}
	if frame.id > 0 {
		s.mu.Lock()
		if frame.id > s.lastID {
			s.lastID = frame.id
		}
		s.mu.Unlock()
	}
	if !event.Valid() {
		s.log.Warn("event stream event without payload", "id", frame.id, "topic", event.Topic)
		return false
	}
	s.dispatch(event)
	return false
}

func (s *EventStream) dispatch(event schema.StreamEvent) {
	s.mu.Lock()
	set := s.handlers[event.Topic]
	handlers := make([]eventbus.Handler, 0, len(set))
	for _, handler := range set {
		handlers = append(handlers, handler)
	}
	s.mu.Unlock()
	for _, handler := range handlers {
		handler(event)
	}
}
