package occupancy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/spatial/internal/apperr"
	"github.com/MarcoPoloResearchLab/spatial/internal/ids"
	"github.com/MarcoPoloResearchLab/spatial/internal/realtime"
	"github.com/MarcoPoloResearchLab/spatial/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opJoinNode  = "occupancy.join_node"
	opLeaveNode = "occupancy.leave_node"
	opOccupants = "occupancy.occupants"
	opWatch     = "occupancy.watch"

	topicPrefix = "node-presence-"
)

// ProfileDirectory resolves occupant display identities.
type ProfileDirectory interface {
	ProfilesByUserID(ctx context.Context, userIDs []string) (map[string]users.Profile, error)
}

// Subscriber opens realtime subscriptions for change notifications.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, opts realtime.SubscribeOptions) (*realtime.Subscription, error)
}

// TrackerConfig wires the occupancy tracker.
type TrackerConfig struct {
	Database   *gorm.DB
	Notifier   realtime.Notifier
	Subscriber Subscriber
	Profiles   ProfileDirectory
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Tracker persists which participant is at which node and reports node occupants.
type Tracker struct {
	db         *gorm.DB
	notifier   realtime.Notifier
	subscriber Subscriber
	profiles   ProfileDirectory
	ids        ids.Provider
	now        func() time.Time
	logger     *zap.Logger
}

func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("occupancy: database connection required")
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		db:         cfg.Database,
		notifier:   cfg.Notifier,
		subscriber: cfg.Subscriber,
		profiles:   cfg.Profiles,
		ids:        idProvider,
		now:        clock,
		logger:     logger,
	}, nil
}

// JoinNode moves userID to nodeID. Any occupancy the user holds at another node is removed
// in the same transaction, so a user is never recorded at two nodes.
func (t *Tracker) JoinNode(ctx context.Context, userID, nodeID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return apperr.NotAuthenticated(opJoinNode)
	}
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return apperr.Validation(opJoinNode, "missing_node", nil)
	}

	now := t.now().UTC()
	var (
		removed  []Record
		joined   Record
		inserted bool
	)
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND node_id <> ?", userID, nodeID).Find(&removed).Error; err != nil {
			return err
		}
		if len(removed) > 0 {
			if err := tx.Where("user_id = ? AND node_id <> ?", userID, nodeID).Delete(&Record{}).Error; err != nil {
				return err
			}
		}

		err := tx.Where("node_id = ? AND user_id = ?", nodeID, userID).Take(&joined).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			id, idErr := t.ids.NewID()
			if idErr != nil {
				return idErr
			}
			joined = Record{ID: id, NodeID: nodeID, UserID: userID, JoinedAt: now}
			inserted = true
			return tx.Create(&joined).Error
		}
		if err != nil {
			return err
		}
		joined.JoinedAt = now
		return tx.Model(&Record{}).Where("id = ?", joined.ID).Update("joined_at", now).Error
	})
	if err != nil {
		t.logError(opJoinNode, "write_failed", err, zap.String("user_id", userID), zap.String("node_id", nodeID))
		return apperr.Persistence(opJoinNode, "write_failed", err)
	}

	for _, record := range removed {
		t.notify(realtime.ChangeDelete, nil, record)
	}
	if inserted {
		t.notify(realtime.ChangeInsert, joined, nil)
	} else {
		t.notify(realtime.ChangeUpdate, joined, nil)
	}
	return nil
}

// LeaveNode removes userID's occupancy of nodeID. Leaving a node the user is not at is a no-op.
func (t *Tracker) LeaveNode(ctx context.Context, userID, nodeID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return apperr.NotAuthenticated(opLeaveNode)
	}
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return nil
	}

	var removed []Record
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("node_id = ? AND user_id = ?", nodeID, userID).Find(&removed).Error; err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}
		return tx.Where("node_id = ? AND user_id = ?", nodeID, userID).Delete(&Record{}).Error
	})
	if err != nil {
		t.logError(opLeaveNode, "delete_failed", err, zap.String("user_id", userID), zap.String("node_id", nodeID))
		return apperr.Persistence(opLeaveNode, "delete_failed", err)
	}
	for _, record := range removed {
		t.notify(realtime.ChangeDelete, nil, record)
	}
	return nil
}

// Occupants reads the full occupant set of nodeID.
func (t *Tracker) Occupants(ctx context.Context, nodeID string) (Snapshot, error) {
	nodeID = strings.TrimSpace(nodeID)
	var records []Record
	if err := t.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("joined_at ASC").
		Order("id ASC").
		Find(&records).Error; err != nil {
		return Snapshot{}, apperr.Persistence(opOccupants, "query_failed", err)
	}

	profiles := map[string]users.Profile{}
	if t.profiles != nil && len(records) > 0 {
		userIDs := make([]string, 0, len(records))
		for _, record := range records {
			userIDs = append(userIDs, record.UserID)
		}
		resolved, err := t.profiles.ProfilesByUserID(ctx, userIDs)
		if err != nil {
			// Occupancy is still accurate without display names.
			t.logError(opOccupants, "profile_lookup_failed", err, zap.String("node_id", nodeID))
		} else {
			profiles = resolved
		}
	}

	participants := make([]Participant, 0, len(records))
	for _, record := range records {
		profile := profiles[record.UserID]
		participants = append(participants, Participant{
			UserID:   record.UserID,
			Username: profile.DisplayUsername(),
			Color:    profile.DisplayColor(),
			JoinedAt: record.JoinedAt,
		})
	}
	return Snapshot{NodeID: nodeID, Count: len(records), Participants: participants}, nil
}

// Watch delivers a fresh Snapshot of nodeID on start and after every occupancy change for
// that node. Each delivery is a full re-read. Callbacks run on one goroutine, in order.
func (t *Tracker) Watch(ctx context.Context, nodeID string, onChange func(Snapshot)) (*Watch, error) {
	if t.subscriber == nil {
		return nil, apperr.Persistence(opWatch, "subscriber_missing", nil)
	}
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return nil, apperr.Validation(opWatch, "missing_node", nil)
	}
	subscription, err := t.subscriber.Subscribe(ctx, topicPrefix+nodeID, realtime.SubscribeOptions{
		Changes: []realtime.ChangeFilter{{
			Event:  realtime.ChangeAny,
			Table:  tableNodePresence,
			Column: "node_id",
			Value:  nodeID,
		}},
	})
	if err != nil {
		return nil, apperr.Persistence(opWatch, "subscribe_failed", err)
	}

	watch := &Watch{
		tracker:      t,
		nodeID:       nodeID,
		subscription: subscription,
		onChange:     onChange,
		done:         make(chan struct{}),
	}
	go watch.run(ctx)
	return watch, nil
}

// Watch is a live occupancy subscription for one node.
type Watch struct {
	tracker      *Tracker
	nodeID       string
	subscription *realtime.Subscription
	onChange     func(Snapshot)
	stopped      atomic.Bool
	stopOnce     sync.Once
	done         chan struct{}
}

func (w *Watch) run(ctx context.Context) {
	defer close(w.done)
	w.refresh(ctx)
	for event := range w.subscription.Events() {
		if event.Kind != realtime.EventRowChange {
			continue
		}
		w.refresh(ctx)
	}
}

func (w *Watch) refresh(ctx context.Context) {
	if w.stopped.Load() {
		return
	}
	snapshot, err := w.tracker.Occupants(ctx, w.nodeID)
	if err != nil {
		w.tracker.logError(opWatch, "refresh_failed", err, zap.String("node_id", w.nodeID))
		return
	}
	if w.stopped.Load() || w.onChange == nil {
		return
	}
	w.onChange(snapshot)
}

// NodeID returns the watched node.
func (w *Watch) NodeID() string {
	return w.nodeID
}

// Stop ends the watch. Callbacks that have not started yet are suppressed.
func (w *Watch) Stop() {
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.subscription.Close()
	})
}

// Done is closed once the watch goroutine has exited.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

func (t *Tracker) notify(changeType realtime.ChangeType, newRecord, oldRecord any) {
	if t.notifier == nil {
		return
	}
	change, err := realtime.NewRowChange(changeType, tableNodePresence, newRecord, oldRecord, t.now())
	if err != nil {
		t.logError("occupancy.notify", "encode_failed", err)
		return
	}
	t.notifier.NotifyChange(change)
}

func (t *Tracker) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	t.logger.Error("occupancy tracker error", attrs...)
}
