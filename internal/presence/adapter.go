package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/spatial/internal/apperr"
	"github.com/MarcoPoloResearchLab/spatial/internal/realtime"
	"github.com/MarcoPoloResearchLab/spatial/internal/users"
	"go.uber.org/zap"
)

const (
	defaultStaleAfter = 30 * time.Second

	opJoin    = "presence.join"
	opPublish = "presence.publish"
)

// Channel is the realtime collaborator presence is tracked through.
type Channel interface {
	Subscribe(ctx context.Context, topic string, opts realtime.SubscribeOptions) (*realtime.Subscription, error)
}

// Participant identifies the local participant joining a presence channel.
type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

// Cursor is a pointer position on the shared canvas.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// State is the presence record a participant publishes. Key names the connection that
// published it, so one user with several open connections has one State per connection.
type State struct {
	Key      string `json:"key"`
	ID       string `json:"id"`
	Username string `json:"username"`
	Color    string `json:"color"`
	Cursor   Cursor `json:"cursor"`
	LastSeen int64  `json:"lastSeen"`
}

// AdapterConfig wires the presence adapter.
type AdapterConfig struct {
	Channel    Channel
	StaleAfter time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Adapter joins participants to presence channels.
type Adapter struct {
	channel    Channel
	staleAfter time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

// JoinOptions configures a single join.
type JoinOptions struct {
	// Key identifies this connection's presence entry. Defaults to the participant id.
	Key string
	// OnSync receives the live view of other participants after every full sync.
	OnSync func(others []State)
}

// Handle is one participant's attachment to a presence channel.
type Handle struct {
	adapter      *Adapter
	subscription *realtime.Subscription
	self         Participant
	key          string
	onSync       func([]State)

	mu     sync.Mutex
	mirror map[string]State

	closeOnce sync.Once
	done      chan struct{}
}

func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if cfg.Channel == nil {
		return nil, fmt.Errorf("presence: channel is required")
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		channel:    cfg.Channel,
		staleAfter: staleAfter,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Join subscribes participant to channelID and publishes its initial state at the origin.
func (a *Adapter) Join(ctx context.Context, channelID string, participant Participant, opts JoinOptions) (*Handle, error) {
	participant.ID = strings.TrimSpace(participant.ID)
	if participant.ID == "" {
		return nil, apperr.NotAuthenticated(opJoin)
	}
	if strings.TrimSpace(participant.Username) == "" {
		participant.Username = users.GuestUsername(participant.ID)
	}
	if strings.TrimSpace(participant.Color) == "" {
		participant.Color = users.RandomNeonColor()
	}

	key := strings.TrimSpace(opts.Key)
	if key == "" {
		key = participant.ID
	}

	subscription, err := a.channel.Subscribe(ctx, channelID, realtime.SubscribeOptions{PresenceKey: key})
	if err != nil {
		return nil, apperr.Persistence(opJoin, "subscribe_failed", err)
	}

	handle := &Handle{
		adapter:      a,
		subscription: subscription,
		self:         participant,
		key:          key,
		onSync:       opts.OnSync,
		mirror:       make(map[string]State),
		done:         make(chan struct{}),
	}
	go handle.consume()

	if err := handle.Publish(Cursor{}); err != nil {
		handle.Close()
		return nil, err
	}
	return handle, nil
}

func (h *Handle) consume() {
	defer close(h.done)
	for event := range h.subscription.Events() {
		if event.Kind != realtime.EventPresenceSync {
			continue
		}
		h.replace(event.State)
		if h.onSync != nil {
			h.onSync(h.Others())
		}
	}
}

func (h *Handle) replace(snapshot realtime.PresenceSnapshot) {
	mirror := make(map[string]State, len(snapshot))
	for key, entries := range snapshot {
		for _, raw := range entries {
			var state State
			if err := json.Unmarshal(raw, &state); err != nil {
				h.adapter.logger.Warn("discarding malformed presence state",
					zap.String("topic", h.subscription.Topic()),
					zap.String("presence_key", key),
					zap.Error(err))
				continue
			}
			if existing, ok := mirror[key]; ok && existing.LastSeen > state.LastSeen {
				continue
			}
			mirror[key] = state
		}
	}
	h.mu.Lock()
	h.mirror = mirror
	h.mu.Unlock()
}

// Self returns the participant this handle publishes for.
func (h *Handle) Self() Participant {
	return h.self
}

// Publish broadcasts the participant's state at cursor, stamped with the current time.
func (h *Handle) Publish(cursor Cursor) error {
	state := State{
		Key:      h.key,
		ID:       h.self.ID,
		Username: h.self.Username,
		Color:    h.self.Color,
		Cursor:   cursor,
		LastSeen: h.adapter.clock().UnixMilli(),
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return apperr.Persistence(opPublish, "encode_failed", err)
	}
	if err := h.subscription.Track(payload); err != nil {
		return apperr.Persistence(opPublish, "track_failed", err)
	}
	return nil
}

// Others returns the live states of every other connection, ordered by id then key. Other
// connections of the same user are included. Entries whose lastSeen is at least the stale
// window old are treated as departed.
func (h *Handle) Others() []State {
	cutoff := h.adapter.clock().UnixMilli() - h.adapter.staleAfter.Milliseconds()

	h.mu.Lock()
	others := make([]State, 0, len(h.mirror))
	for key, state := range h.mirror {
		if key == h.key {
			continue
		}
		if state.LastSeen <= cutoff {
			continue
		}
		others = append(others, state)
	}
	h.mu.Unlock()

	sort.Slice(others, func(i, j int) bool {
		if others[i].ID != others[j].ID {
			return others[i].ID < others[j].ID
		}
		return others[i].Key < others[j].Key
	})
	return others
}

// Snapshot returns a copy of the mirrored mapping as of the last sync, unfiltered.
func (h *Handle) Snapshot() map[string]State {
	h.mu.Lock()
	defer h.mu.Unlock()
	snapshot := make(map[string]State, len(h.mirror))
	for key, state := range h.mirror {
		snapshot[key] = state
	}
	return snapshot
}

// Done is closed once the handle has stopped receiving presence updates.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Close leaves the channel. Safe to call repeatedly.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.subscription.Close()
	})
}
