package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/spatial/internal/apperr"
	"github.com/MarcoPoloResearchLab/spatial/internal/realtime"
	"go.uber.org/zap"
)

const (
	// DefaultTopic is the realtime topic tavern streams listen on.
	DefaultTopic = "tavern-messages"

	opAttach = "chat.attach"
)

// ErrStreamAttached reports a second Attach on the same stream.
var ErrStreamAttached = errors.New("chat: stream already attached")

// MessageFilter selects tavern message inserts.
func MessageFilter() realtime.ChangeFilter {
	return realtime.ChangeFilter{
		Event: realtime.ChangeInsert,
		Table: tableTavernMessages,
	}
}

// MessageLog is the persisted tavern log a stream reads and writes through.
type MessageLog interface {
	Send(ctx context.Context, userID, content string) (Message, error)
	History(ctx context.Context, limit int) ([]Message, error)
}

// Subscriber opens realtime subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, opts realtime.SubscribeOptions) (*realtime.Subscription, error)
}

// StreamConfig wires a Stream.
type StreamConfig struct {
	Log        MessageLog
	Subscriber Subscriber
	Topic      string
	// HistoryLimit bounds the initial history read.
	HistoryLimit int
	// OnAppend runs for every message appended after the initial history, in commit order.
	OnAppend func(Message)
	Logger   *zap.Logger
}

// Stream is one participant's live view of the tavern log.
type Stream struct {
	log          MessageLog
	subscriber   Subscriber
	topic        string
	historyLimit int
	onAppend     func(Message)
	logger       *zap.Logger

	mu           sync.Mutex
	messages     []Message
	seen         map[string]struct{}
	subscription *realtime.Subscription
	attached     bool
	closed       bool
	done         chan struct{}
}

func NewStream(cfg StreamConfig) (*Stream, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("chat: message log is required")
	}
	if cfg.Subscriber == nil {
		return nil, fmt.Errorf("chat: subscriber is required")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		log:          cfg.Log,
		subscriber:   cfg.Subscriber,
		topic:        topic,
		historyLimit: historyLimit,
		onAppend:     cfg.OnAppend,
		logger:       logger,
		seen:         make(map[string]struct{}),
		done:         make(chan struct{}),
	}, nil
}

// Attach subscribes to new messages and then loads the recent history. Messages that
// commit between the two steps are kept once. Cancelling ctx ends the subscription.
func (s *Stream) Attach(ctx context.Context) error {
	s.mu.Lock()
	if s.attached {
		s.mu.Unlock()
		return ErrStreamAttached
	}
	s.attached = true
	s.mu.Unlock()

	subscription, err := s.subscriber.Subscribe(ctx, s.topic, realtime.SubscribeOptions{
		Changes: []realtime.ChangeFilter{MessageFilter()},
	})
	if err != nil {
		close(s.done)
		return apperr.Persistence(opAttach, "subscribe_failed", err)
	}

	history, err := s.log.History(ctx, s.historyLimit)
	if err != nil {
		subscription.Close()
		close(s.done)
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		subscription.Close()
		close(s.done)
		return nil
	}
	for _, message := range history {
		s.appendLocked(message)
	}
	s.subscription = subscription
	s.mu.Unlock()

	go s.consume(subscription)
	return nil
}

// Messages returns the current log, oldest first.
func (s *Stream) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Send posts content as userID. The message shows up in Messages only once its insert
// notification arrives.
func (s *Stream) Send(ctx context.Context, userID, content string) error {
	_, err := s.log.Send(ctx, userID, content)
	return err
}

// Done is closed once the stream stops consuming notifications.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close stops the stream. Notifications delivered afterwards are ignored.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subscription := s.subscription
	s.mu.Unlock()
	if subscription != nil {
		subscription.Close()
	}
}

func (s *Stream) consume(subscription *realtime.Subscription) {
	defer close(s.done)
	for event := range subscription.Events() {
		if event.Kind != realtime.EventRowChange || event.Change == nil {
			continue
		}
		var message Message
		if err := json.Unmarshal(event.Change.New, &message); err != nil {
			s.logger.Error("chat stream error",
				zap.String("operation", "chat.consume"),
				zap.String("reason", "decode_failed"),
				zap.Error(err))
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		appended := s.appendLocked(message)
		s.mu.Unlock()
		if appended && s.onAppend != nil {
			s.onAppend(message)
		}
	}
}

func (s *Stream) appendLocked(message Message) bool {
	if message.ID == "" {
		return false
	}
	if _, duplicate := s.seen[message.ID]; duplicate {
		return false
	}
	s.seen[message.ID] = struct{}{}
	s.messages = append(s.messages, message)
	return true
}
