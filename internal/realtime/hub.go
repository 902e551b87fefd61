package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultBufferSize = 64

var (
	ErrMissingTopic       = errors.New("realtime: topic is required")
	ErrInvalidPresence    = errors.New("realtime: presence state must be valid json")
	ErrSubscriptionClosed = errors.New("realtime: subscription closed")
)

// EventKind enumerates the events a subscription receives.
type EventKind string

const (
	EventPresenceSync  EventKind = "presence_sync"
	EventPresenceJoin  EventKind = "presence_join"
	EventPresenceLeave EventKind = "presence_leave"
	EventRowChange     EventKind = "row_change"
)

// PresenceSnapshot maps presence keys to the states tracked under them.
type PresenceSnapshot map[string][]json.RawMessage

// Event is a single delivery to a subscription.
type Event struct {
	Kind      EventKind         `json:"kind"`
	Topic     string            `json:"topic"`
	Key       string            `json:"key,omitempty"`
	Presences []json.RawMessage `json:"presences,omitempty"`
	State     PresenceSnapshot  `json:"state,omitempty"`
	Change    *RowChange        `json:"change,omitempty"`
}

// SubscribeOptions configures a subscription's presence key and row-change filters.
type SubscribeOptions struct {
	PresenceKey string
	Changes     []ChangeFilter
}

// HubConfig configures a Hub.
type HubConfig struct {
	BufferSize int
	Logger     *zap.Logger
}

// Hub fans out presence state and row changes to topic subscribers.
type Hub struct {
	mu            sync.Mutex
	topics        map[string]*topicState
	subscriptions map[int64]*Subscription
	nextID        int64
	bufferSize    int
	logger        *zap.Logger
}

type topicState struct {
	members  map[int64]*Subscription
	presence map[string]map[int64]json.RawMessage
}

// Subscription is one attachment to a topic.
type Subscription struct {
	hub     *Hub
	id      int64
	topic   string
	key     string
	filters []ChangeFilter
	stream  chan Event
	done    chan struct{}
	closed  bool

	// overflow holds row changes that did not fit in stream. A flusher goroutine owns
	// closing stream while it runs.
	queueMu  sync.Mutex
	overflow []Event
	flushing bool
	ended    bool
}

func NewHub(cfg HubConfig) *Hub {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		topics:        make(map[string]*topicState),
		subscriptions: make(map[int64]*Subscription),
		bufferSize:    bufferSize,
		logger:        logger,
	}
}

// Subscribe attaches to topic. The subscription closes when ctx is done or Close is called.
func (h *Hub) Subscribe(ctx context.Context, topic string, opts SubscribeOptions) (*Subscription, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, ErrMissingTopic
	}
	key := strings.TrimSpace(opts.PresenceKey)
	if key == "" {
		key = uuid.NewString()
	}

	h.mu.Lock()
	h.nextID++
	subscription := &Subscription{
		hub:     h,
		id:      h.nextID,
		topic:   topic,
		key:     key,
		filters: append([]ChangeFilter(nil), opts.Changes...),
		stream:  make(chan Event, h.bufferSize),
		done:    make(chan struct{}),
	}
	state := h.topicLocked(topic)
	state.members[subscription.id] = subscription
	h.subscriptions[subscription.id] = subscription
	h.deliverLocked(subscription, Event{Kind: EventPresenceSync, Topic: topic, State: state.snapshot()})
	h.mu.Unlock()

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				subscription.Close()
			case <-subscription.done:
			}
		}()
	}
	return subscription, nil
}

// NotifyChange delivers change to every subscription with a matching filter.
func (h *Hub) NotifyChange(change RowChange) {
	if change.Table == "" || change.Type == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subscription := range h.subscriptions {
		for _, filter := range subscription.filters {
			if !filter.Matches(change) {
				continue
			}
			delivered := change
			h.deliverLocked(subscription, Event{Kind: EventRowChange, Topic: subscription.topic, Change: &delivered})
			break
		}
	}
}

// PresenceState returns the current presence snapshot for topic.
func (h *Hub) PresenceState(topic string) PresenceSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.topics[topic]
	if !ok {
		return PresenceSnapshot{}
	}
	return state.snapshot()
}

func (h *Hub) topicLocked(topic string) *topicState {
	state, ok := h.topics[topic]
	if !ok {
		state = &topicState{
			members:  make(map[int64]*Subscription),
			presence: make(map[string]map[int64]json.RawMessage),
		}
		h.topics[topic] = state
	}
	return state
}

func (h *Hub) broadcastLocked(topic string, event Event) {
	state, ok := h.topics[topic]
	if !ok {
		return
	}
	for _, member := range state.members {
		h.deliverLocked(member, event)
	}
}

// deliverLocked never drops row changes: once stream is full they queue in order behind
// it. Presence events are dropped instead; every later sync carries the full snapshot.
func (h *Hub) deliverLocked(subscription *Subscription, event Event) {
	if subscription.closed {
		return
	}
	subscription.queueMu.Lock()
	defer subscription.queueMu.Unlock()
	if len(subscription.overflow) == 0 {
		select {
		case subscription.stream <- event:
			return
		default:
		}
	}
	if event.Kind == EventRowChange {
		subscription.overflow = append(subscription.overflow, event)
		if !subscription.flushing {
			subscription.flushing = true
			go subscription.flush()
		}
		return
	}
	h.logger.Warn("realtime subscriber buffer full, dropping event",
		zap.String("topic", subscription.topic),
		zap.String("presence_key", subscription.key),
		zap.String("kind", string(event.Kind)))
}

func (s *Subscription) flush() {
	for {
		s.queueMu.Lock()
		if s.ended || len(s.overflow) == 0 {
			ended := s.ended
			s.overflow = nil
			s.flushing = false
			s.queueMu.Unlock()
			if ended {
				close(s.stream)
			}
			return
		}
		next := s.overflow[0]
		s.queueMu.Unlock()

		select {
		case s.stream <- next:
			s.queueMu.Lock()
			s.overflow = s.overflow[1:]
			s.queueMu.Unlock()
		case <-s.done:
		}
	}
}

func (state *topicState) snapshot() PresenceSnapshot {
	snapshot := make(PresenceSnapshot, len(state.presence))
	for key, metas := range state.presence {
		entries := make([]json.RawMessage, 0, len(metas))
		for _, meta := range metas {
			entries = append(entries, meta)
		}
		snapshot[key] = entries
	}
	return snapshot
}

// Events returns the delivery stream. It is closed when the subscription closes.
func (s *Subscription) Events() <-chan Event {
	return s.stream
}

// Key returns the presence key.
func (s *Subscription) Key() string {
	return s.key
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Done is closed once the subscription has been closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Track publishes state as this subscription's presence, superseding any previous state.
func (s *Subscription) Track(state json.RawMessage) error {
	if !json.Valid(state) {
		return ErrInvalidPresence
	}
	stored := append(json.RawMessage(nil), state...)

	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return ErrSubscriptionClosed
	}
	topic := h.topicLocked(s.topic)
	metas, ok := topic.presence[s.key]
	if !ok {
		metas = make(map[int64]json.RawMessage)
		topic.presence[s.key] = metas
	}
	_, existed := metas[s.id]
	metas[s.id] = stored
	if !existed {
		h.broadcastLocked(s.topic, Event{Kind: EventPresenceJoin, Topic: s.topic, Key: s.key, Presences: []json.RawMessage{stored}})
	}
	h.broadcastLocked(s.topic, Event{Kind: EventPresenceSync, Topic: s.topic, State: topic.snapshot()})
	return nil
}

// Close untracks presence, detaches from the topic and closes the event stream. Safe to call repeatedly.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	s.untrackLocked()
	s.closed = true
	delete(h.subscriptions, s.id)
	if topic, ok := h.topics[s.topic]; ok {
		delete(topic.members, s.id)
		if len(topic.members) == 0 && len(topic.presence) == 0 {
			delete(h.topics, s.topic)
		}
	}
	s.queueMu.Lock()
	s.ended = true
	if !s.flushing {
		close(s.stream)
	}
	s.queueMu.Unlock()
	close(s.done)
}

func (s *Subscription) untrackLocked() {
	h := s.hub
	topic, ok := h.topics[s.topic]
	if !ok {
		return
	}
	metas, ok := topic.presence[s.key]
	if !ok {
		return
	}
	left, ok := metas[s.id]
	if !ok {
		return
	}
	delete(metas, s.id)
	if len(metas) == 0 {
		delete(topic.presence, s.key)
	}
	h.broadcastLocked(s.topic, Event{Kind: EventPresenceLeave, Topic: s.topic, Key: s.key, Presences: []json.RawMessage{left}})
	h.broadcastLocked(s.topic, Event{Kind: EventPresenceSync, Topic: s.topic, State: topic.snapshot()})
}
