package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestHubDeliversInitialPresenceSync(t *testing.T) {
	hub := NewHub(HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscription, err := hub.Subscribe(ctx, "canvas", SubscribeOptions{PresenceKey: "alice"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer subscription.Close()

	event := nextEvent(t, subscription)
	if event.Kind != EventPresenceSync {
		t.Fatalf("expected presence sync, got %s", event.Kind)
	}
	if len(event.State) != 0 {
		t.Fatalf("expected empty presence state, got %v", event.State)
	}
}

func TestHubRejectsEmptyTopic(t *testing.T) {
	hub := NewHub(HubConfig{})
	if _, err := hub.Subscribe(context.Background(), "  ", SubscribeOptions{}); err != ErrMissingTopic {
		t.Fatalf("expected ErrMissingTopic, got %v", err)
	}
}

func TestHubPresenceTrackSupersedesAndLeaves(t *testing.T) {
	hub := NewHub(HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observer, err := hub.Subscribe(ctx, "canvas", SubscribeOptions{PresenceKey: "observer"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer observer.Close()
	drain(observer)

	member, err := hub.Subscribe(ctx, "canvas", SubscribeOptions{PresenceKey: "member"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := member.Track(json.RawMessage(`{"x":1}`)); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	join := nextEvent(t, observer)
	if join.Kind != EventPresenceJoin || join.Key != "member" {
		t.Fatalf("expected join for member, got %#v", join)
	}
	sync := nextEvent(t, observer)
	if sync.Kind != EventPresenceSync || len(sync.State["member"]) != 1 {
		t.Fatalf("expected sync with member state, got %#v", sync)
	}

	if err := member.Track(json.RawMessage(`{"x":2}`)); err != nil {
		t.Fatalf("second track failed: %v", err)
	}
	sync = nextEvent(t, observer)
	if sync.Kind != EventPresenceSync {
		t.Fatalf("expected only a sync on update, got %s", sync.Kind)
	}
	if states := sync.State["member"]; len(states) != 1 || string(states[0]) != `{"x":2}` {
		t.Fatalf("expected superseded state, got %v", states)
	}

	member.Close()
	leave := nextEvent(t, observer)
	if leave.Kind != EventPresenceLeave || leave.Key != "member" {
		t.Fatalf("expected leave for member, got %#v", leave)
	}
	sync = nextEvent(t, observer)
	if _, ok := sync.State["member"]; ok {
		t.Fatalf("expected member to be removed from presence state")
	}
	if len(hub.PresenceState("canvas")) != 0 {
		t.Fatalf("expected hub presence state to be empty")
	}
}

func TestHubRejectsInvalidPresenceAndClosedSubscriptions(t *testing.T) {
	hub := NewHub(HubConfig{})
	subscription, err := hub.Subscribe(context.Background(), "canvas", SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if subscription.Key() == "" {
		t.Fatalf("expected generated presence key")
	}
	if err := subscription.Track(json.RawMessage(`{not json`)); err != ErrInvalidPresence {
		t.Fatalf("expected ErrInvalidPresence, got %v", err)
	}
	subscription.Close()
	subscription.Close()
	if err := subscription.Track(json.RawMessage(`{}`)); err != ErrSubscriptionClosed {
		t.Fatalf("expected ErrSubscriptionClosed, got %v", err)
	}
	for range subscription.Events() {
	}
}

func TestHubClosesSubscriptionWhenContextEnds(t *testing.T) {
	hub := NewHub(HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	subscription, err := hub.Subscribe(ctx, "canvas", SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	cancel()
	select {
	case <-subscription.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected subscription to close after context cancellation")
	}
}

func TestHubRoutesRowChangesByFilter(t *testing.T) {
	hub := NewHub(HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeTwo, err := hub.Subscribe(ctx, "node-presence-2", SubscribeOptions{Changes: []ChangeFilter{
		{Event: ChangeAny, Table: "node_presence", Column: "node_id", Value: "2"},
	}})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	drain(nodeTwo)

	nodeThree, err := hub.Subscribe(ctx, "node-presence-3", SubscribeOptions{Changes: []ChangeFilter{
		{Event: ChangeAny, Table: "node_presence", Column: "node_id", Value: "3"},
	}})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	drain(nodeThree)

	change, err := NewRowChange(ChangeDelete, "node_presence", nil, map[string]string{"node_id": "2", "user_id": "u1"}, time.Now())
	if err != nil {
		t.Fatalf("failed to build change: %v", err)
	}
	hub.NotifyChange(change)

	event := nextEvent(t, nodeTwo)
	if event.Kind != EventRowChange || event.Change == nil || event.Change.Type != ChangeDelete {
		t.Fatalf("expected delete row change, got %#v", event)
	}

	select {
	case unexpected := <-nodeThree.Events():
		t.Fatalf("did not expect change for unrelated node: %#v", unexpected)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubQueuesRowChangesPastAFullBuffer(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 1})
	subscription, err := hub.Subscribe(context.Background(), "tavern", SubscribeOptions{Changes: []ChangeFilter{
		{Event: ChangeInsert, Table: "tavern_messages"},
	}})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer subscription.Close()

	messageIDs := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, messageID := range messageIDs {
		change, err := NewRowChange(ChangeInsert, "tavern_messages", map[string]string{"id": messageID}, nil, time.Now())
		if err != nil {
			t.Fatalf("failed to build change: %v", err)
		}
		hub.NotifyChange(change)
	}

	if event := nextEvent(t, subscription); event.Kind != EventPresenceSync {
		t.Fatalf("expected the buffered sync first, got %s", event.Kind)
	}
	for _, messageID := range messageIDs {
		event := nextEvent(t, subscription)
		if event.Kind != EventRowChange || event.Change == nil {
			t.Fatalf("expected row change %s, got %#v", messageID, event)
		}
		var record map[string]string
		if err := json.Unmarshal(event.Change.New, &record); err != nil {
			t.Fatalf("failed to decode row: %v", err)
		}
		if record["id"] != messageID {
			t.Fatalf("expected row changes in notify order, got %q want %q", record["id"], messageID)
		}
	}
}

func TestHubDropsPresenceEventsWhenBufferIsFull(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 1})
	ctx := context.Background()
	watcher, err := hub.Subscribe(ctx, "canvas", SubscribeOptions{PresenceKey: "watcher"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer watcher.Close()
	peer, err := hub.Subscribe(ctx, "canvas", SubscribeOptions{PresenceKey: "peer"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer peer.Close()

	if err := peer.Track(json.RawMessage(`{"x":1}`)); err != nil {
		t.Fatalf("track failed: %v", err)
	}

	event := nextEvent(t, watcher)
	if event.Kind != EventPresenceSync || len(event.State) != 0 {
		t.Fatalf("expected the initial empty sync, got %#v", event)
	}
	select {
	case unexpected := <-watcher.Events():
		t.Fatalf("expected presence events past a full buffer to be dropped, got %#v", unexpected)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubClosesStreamWithQueuedRowChanges(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 1})
	subscription, err := hub.Subscribe(context.Background(), "tavern", SubscribeOptions{Changes: []ChangeFilter{
		{Event: ChangeInsert, Table: "tavern_messages"},
	}})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	for _, messageID := range []string{"m1", "m2", "m3"} {
		change, err := NewRowChange(ChangeInsert, "tavern_messages", map[string]string{"id": messageID}, nil, time.Now())
		if err != nil {
			t.Fatalf("failed to build change: %v", err)
		}
		hub.NotifyChange(change)
	}

	subscription.Close()
	subscription.Close()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-subscription.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("expected the event stream to close after Close")
		}
	}
}

func nextEvent(t *testing.T, subscription *Subscription) Event {
	t.Helper()
	select {
	case event, ok := <-subscription.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return event
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime event within deadline")
	}
	return Event{}
}

func drain(subscription *Subscription) {
	for {
		select {
		case <-subscription.Events():
		default:
			return
		}
	}
}
