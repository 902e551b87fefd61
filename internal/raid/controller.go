package raid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/spatial/internal/apperr"
	"github.com/MarcoPoloResearchLab/spatial/internal/auth"
	"github.com/MarcoPoloResearchLab/spatial/internal/occupancy"
	"github.com/MarcoPoloResearchLab/spatial/internal/realtime"
	"go.uber.org/zap"
)

const (
	// DefaultThreshold is the occupant count that triggers a raid.
	DefaultThreshold = 3
	// DefaultRewardXP is granted to every participant of a completed raid.
	DefaultRewardXP = 100

	sessionTopicPrefix = "raid-session-"

	opEnterNode = "raid.enter_node"
	opLeaveNode = "raid.leave_node"
	opAttach    = "raid.attach"
	opSubmit    = "raid.submit"
	opEdit      = "raid.edit"
	opWatch     = "raid.watch_session"
)

// ErrRaidNotActive reports an action that needs an active raid.
var ErrRaidNotActive = errors.New("raid: no active raid")

// Phase is the controller's local raid state.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseTriggered Phase = "triggered"
	PhaseActive    Phase = "active"
	PhaseCompleted Phase = "completed"
)

// NodeTracker records node occupancy and reports occupant changes.
type NodeTracker interface {
	JoinNode(ctx context.Context, userID, nodeID string) error
	LeaveNode(ctx context.Context, userID, nodeID string) error
	Watch(ctx context.Context, nodeID string, onChange func(occupancy.Snapshot)) (*occupancy.Watch, error)
}

// SessionStore persists raid sessions and rewards.
type SessionStore interface {
	ActiveSession(ctx context.Context, nodeID string) (Session, bool, error)
	Session(ctx context.Context, sessionID string) (Session, bool, error)
	CreateSession(ctx context.Context, nodeID, challengeCode string) (Session, error)
	CompleteSession(ctx context.Context, sessionID, solution string) (Session, error)
	UpsertRewards(ctx context.Context, nodeID string, userIDs []string, xp int) error
}

// Subscriber opens realtime subscriptions for session change notifications.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, opts realtime.SubscribeOptions) (*realtime.Subscription, error)
}

// View is a snapshot of the controller's state.
type View struct {
	Phase         Phase                   `json:"phase"`
	NodeID        string                  `json:"node_id,omitempty"`
	OccupantCount int                     `json:"occupant_count"`
	Participants  []occupancy.Participant `json:"participants"`
	Session       *Session                `json:"session,omitempty"`
	Workspace     string                  `json:"workspace,omitempty"`
}

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	Identity   auth.Identity
	Tracker    NodeTracker
	Sessions   SessionStore
	Subscriber Subscriber
	Workspace  Workspace
	Picker     ChallengePicker
	Threshold  int
	RewardXP   int
	Logger     *zap.Logger
	// OnChange receives the current view after every transition.
	OnChange func(View)
	// OnError receives failures of background work such as attaching to a session.
	OnError func(error)
}

// Controller runs one participant's raid lifecycle for the node they occupy.
//
// Idle moves to Triggered when the node's occupant count reaches the threshold, then to
// Active once a session is attached or created. Submitting moves Active to Completed.
// Observing the session close, dropping below the threshold, or leaving the node all
// return to Idle. Asynchronous work captures the epoch it started in and is discarded if
// the view has moved on by the time it resolves.
type Controller struct {
	identity   auth.Identity
	tracker    NodeTracker
	sessions   SessionStore
	subscriber Subscriber
	workspace  Workspace
	picker     ChallengePicker
	threshold  int
	rewardXP   int
	logger     *zap.Logger
	onChange   func(View)
	onError    func(error)

	ctx    context.Context
	cancel context.CancelFunc

	notifyMu sync.Mutex

	mu           sync.Mutex
	phase        Phase
	nodeID       string
	count        int
	participants []occupancy.Participant
	session      *Session
	epoch        uint64
	generation   uint64
	nodeWatch    *occupancy.Watch
	sessionSub   *realtime.Subscription
	closed       bool
}

type detached struct {
	watch        *occupancy.Watch
	subscription *realtime.Subscription
}

func (d detached) stop() {
	if d.watch != nil {
		d.watch.Stop()
	}
	if d.subscription != nil {
		d.subscription.Close()
	}
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("raid: identity is required")
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("raid: occupancy tracker is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("raid: session store is required")
	}
	if cfg.Subscriber == nil {
		return nil, fmt.Errorf("raid: subscriber is required")
	}
	workspace := cfg.Workspace
	if workspace == nil {
		workspace = NewLastWriteWorkspace()
	}
	picker := cfg.Picker
	if picker == nil {
		picker = RandomPicker{}
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	rewardXP := cfg.RewardXP
	if rewardXP <= 0 {
		rewardXP = DefaultRewardXP
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		identity:   cfg.Identity,
		tracker:    cfg.Tracker,
		sessions:   cfg.Sessions,
		subscriber: cfg.Subscriber,
		workspace:  workspace,
		picker:     picker,
		threshold:  threshold,
		rewardXP:   rewardXP,
		logger:     logger,
		onChange:   cfg.OnChange,
		onError:    cfg.OnError,
		ctx:        ctx,
		cancel:     cancel,
		phase:      PhaseIdle,
	}, nil
}

// View returns the current state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := View{
		Phase:         c.phase,
		NodeID:        c.nodeID,
		OccupantCount: c.count,
		Participants:  append([]occupancy.Participant(nil), c.participants...),
	}
	if c.session != nil {
		session := *c.session
		view.Session = &session
		view.Workspace = c.workspace.Text()
	}
	return view
}

// EnterNode records the current user at nodeID and starts following its occupancy.
func (c *Controller) EnterNode(ctx context.Context, nodeID string) error {
	user, ok := c.identity.CurrentUser()
	if !ok {
		return apperr.NotAuthenticated(opEnterNode)
	}
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return apperr.Validation(opEnterNode, "missing_node", nil)
	}
	if err := c.tracker.JoinNode(ctx, user.ID, nodeID); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	stale := c.detachLocked()
	c.nodeID = nodeID
	generation := c.generation
	c.mu.Unlock()
	stale.stop()
	c.emit()

	watch, err := c.tracker.Watch(c.ctx, nodeID, func(snapshot occupancy.Snapshot) {
		c.observe(generation, snapshot)
	})
	if err != nil {
		c.logError(opEnterNode, "watch_failed", err, zap.String("node_id", nodeID))
		return err
	}

	c.mu.Lock()
	if c.closed || c.generation != generation {
		c.mu.Unlock()
		watch.Stop()
		return nil
	}
	c.nodeWatch = watch
	c.mu.Unlock()
	return nil
}

// LeaveNode returns the view to Idle at once, then removes the user's occupancy.
func (c *Controller) LeaveNode(ctx context.Context) error {
	c.mu.Lock()
	nodeID := c.nodeID
	stale := c.detachLocked()
	c.mu.Unlock()
	stale.stop()
	c.emit()

	if nodeID == "" {
		return nil
	}
	user, ok := c.identity.CurrentUser()
	if !ok {
		return apperr.NotAuthenticated(opLeaveNode)
	}
	return c.tracker.LeaveNode(ctx, user.ID, nodeID)
}

// Edit replaces the shared payload of the active raid.
func (c *Controller) Edit(text string) error {
	c.mu.Lock()
	if c.phase != PhaseActive || c.session == nil {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", opEdit, ErrRaidNotActive)
	}
	c.workspace.Edit(text)
	c.mu.Unlock()
	c.emit()
	return nil
}

// Submit completes the active raid with code and rewards the node's current occupants.
// Rewards are best effort: a failed reward write is logged and the raid stays completed.
func (c *Controller) Submit(ctx context.Context, code string) error {
	if strings.TrimSpace(code) == "" {
		return apperr.Validation(opSubmit, "empty_solution", nil)
	}
	user, ok := c.identity.CurrentUser()
	if !ok {
		return apperr.NotAuthenticated(opSubmit)
	}

	c.mu.Lock()
	if c.phase != PhaseActive || c.session == nil {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", opSubmit, ErrRaidNotActive)
	}
	session := *c.session
	epoch := c.epoch
	participants := make([]string, 0, len(c.participants))
	for _, participant := range c.participants {
		participants = append(participants, participant.UserID)
	}
	c.mu.Unlock()

	completed, err := c.sessions.CompleteSession(ctx, session.ID, code)
	if err != nil {
		if !errors.Is(err, ErrSessionClosed) {
			c.logError(opSubmit, "complete_failed", err, zap.String("session_id", session.ID))
		}
		return err
	}

	c.mu.Lock()
	if !c.closed && c.epoch == epoch {
		c.phase = PhaseCompleted
		c.session = &completed
	}
	c.mu.Unlock()
	c.emit()

	if err := c.sessions.UpsertRewards(ctx, session.NodeID, participants, c.rewardXP); err != nil {
		c.logError(opSubmit, "reward_failed", err,
			zap.String("session_id", session.ID),
			zap.Int("participants", len(participants)))
	}
	c.logger.Info("raid completed",
		zap.String("session_id", session.ID),
		zap.String("node_id", session.NodeID),
		zap.String("user_id", user.ID))
	return nil
}

// Close stops all watches. The controller ignores every later notification.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stale := c.detachLocked()
	c.mu.Unlock()
	stale.stop()
	c.cancel()
}

func (c *Controller) observe(generation uint64, snapshot occupancy.Snapshot) {
	c.mu.Lock()
	if c.closed || generation != c.generation || snapshot.NodeID != c.nodeID {
		c.mu.Unlock()
		return
	}
	c.count = snapshot.Count
	c.participants = append([]occupancy.Participant(nil), snapshot.Participants...)
	start, epoch, nodeID, stale := c.evaluateLocked()
	c.mu.Unlock()

	stale.stop()
	c.emit()
	if start {
		c.attach(epoch, nodeID)
	}
}

// evaluateLocked applies the threshold rule to the last observed count.
func (c *Controller) evaluateLocked() (start bool, epoch uint64, nodeID string, stale detached) {
	if c.nodeID == "" {
		return false, 0, "", detached{}
	}
	if c.count >= c.threshold {
		if c.phase != PhaseIdle {
			return false, 0, "", detached{}
		}
		c.epoch++
		c.phase = PhaseTriggered
		return true, c.epoch, c.nodeID, detached{}
	}
	if c.phase == PhaseIdle {
		return false, 0, "", detached{}
	}
	// Below the threshold the view is dropped locally; the stored session stays active.
	return false, 0, "", c.clearRaidLocked()
}

// attach joins the node's active session, creating it when none exists.
func (c *Controller) attach(epoch uint64, nodeID string) {
	session, found, err := c.sessions.ActiveSession(c.ctx, nodeID)
	if err == nil && !found {
		session, err = c.sessions.CreateSession(c.ctx, nodeID, c.picker.Pick().Code)
		if errors.Is(err, ErrActiveSessionExists) {
			session, found, err = c.sessions.ActiveSession(c.ctx, nodeID)
			if err == nil && !found {
				err = ErrActiveSessionExists
			}
		}
	}
	if err != nil {
		c.abandon(epoch, nodeID, err)
		return
	}

	subscription, err := c.subscriber.Subscribe(c.ctx, sessionTopicPrefix+session.ID, realtime.SubscribeOptions{
		Changes: []realtime.ChangeFilter{{
			Event:  realtime.ChangeUpdate,
			Table:  tableRaidSessions,
			Column: "id",
			Value:  session.ID,
		}},
	})
	if err != nil {
		c.abandon(epoch, nodeID, apperr.Persistence(opAttach, "subscribe_failed", err))
		return
	}

	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		c.mu.Unlock()
		subscription.Close()
		return
	}
	c.phase = PhaseActive
	c.session = &session
	c.sessionSub = subscription
	c.workspace.Reset(session.ChallengeCode)
	c.mu.Unlock()

	go c.watchSession(subscription, session.ID)
	c.emit()
}

func (c *Controller) abandon(epoch uint64, nodeID string, err error) {
	c.logError(opAttach, "attach_failed", err, zap.String("node_id", nodeID))
	c.mu.Lock()
	changed := false
	if !c.closed && c.epoch == epoch && c.phase == PhaseTriggered {
		c.epoch++
		c.phase = PhaseIdle
		changed = true
	}
	c.mu.Unlock()
	if !changed {
		return
	}
	c.emit()
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Controller) watchSession(subscription *realtime.Subscription, sessionID string) {
	// The session may have closed between attaching and subscribing.
	if current, found, err := c.sessions.Session(c.ctx, sessionID); err == nil && (!found || !current.IsActive) {
		c.sessionEnded(sessionID)
	}
	for event := range subscription.Events() {
		if event.Kind != realtime.EventRowChange || event.Change == nil {
			continue
		}
		var updated Session
		if err := json.Unmarshal(event.Change.New, &updated); err != nil {
			c.logError(opWatch, "decode_failed", err, zap.String("session_id", sessionID))
			continue
		}
		if !updated.IsActive {
			c.sessionEnded(sessionID)
		}
	}
}

func (c *Controller) sessionEnded(sessionID string) {
	c.mu.Lock()
	if c.closed || c.session == nil || c.session.ID != sessionID {
		c.mu.Unlock()
		return
	}
	stale := c.clearRaidLocked()
	start, epoch, nodeID, _ := c.evaluateLocked()
	c.mu.Unlock()

	stale.stop()
	c.emit()
	if start {
		c.attach(epoch, nodeID)
	}
}

// clearRaidLocked drops the local raid view and returns the session subscription to close.
func (c *Controller) clearRaidLocked() detached {
	c.epoch++
	c.phase = PhaseIdle
	c.session = nil
	stale := detached{subscription: c.sessionSub}
	c.sessionSub = nil
	return stale
}

// detachLocked forgets the current node entirely.
func (c *Controller) detachLocked() detached {
	stale := c.clearRaidLocked()
	stale.watch = c.nodeWatch
	c.nodeWatch = nil
	c.generation++
	c.nodeID = ""
	c.count = 0
	c.participants = nil
	return stale
}

func (c *Controller) emit() {
	if c.onChange == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.onChange(c.View())
}

func (c *Controller) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("raid controller error", attrs...)
}
