package presence

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultCursorInterval is the minimum spacing between cursor publishes (about 60Hz).
const DefaultCursorInterval = 16 * time.Millisecond

// CursorPublisher receives throttled cursor positions.
type CursorPublisher interface {
	Publish(cursor Cursor) error
}

// FrameScheduler runs flush once after delay and returns a function that cancels it.
type FrameScheduler func(delay time.Duration, flush func()) (cancel func())

// TimerScheduler is the FrameScheduler backed by time.AfterFunc.
func TimerScheduler(delay time.Duration, flush func()) func() {
	timer := time.AfterFunc(delay, flush)
	return func() {
		timer.Stop()
	}
}

// CursorBroadcasterConfig wires a CursorBroadcaster.
type CursorBroadcasterConfig struct {
	Publisher CursorPublisher
	Interval  time.Duration
	Clock     func() time.Time
	Scheduler FrameScheduler
	Logger    *zap.Logger
}

// CursorBroadcaster coalesces raw pointer movement into at most one publish per interval.
// Only the most recent position is kept; it is the one sent when the cooldown ends.
type CursorBroadcaster struct {
	publisher CursorPublisher
	limiter   *rate.Limiter
	clock     func() time.Time
	schedule  FrameScheduler
	logger    *zap.Logger

	mu             sync.Mutex
	pending        *Cursor
	flushScheduled bool
	cancelFlush    func()
	closed         bool
}

func NewCursorBroadcaster(cfg CursorBroadcasterConfig) (*CursorBroadcaster, error) {
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("presence: cursor publisher is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultCursorInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = TimerScheduler
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CursorBroadcaster{
		publisher: cfg.Publisher,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		clock:     clock,
		schedule:  scheduler,
		logger:    logger,
	}, nil
}

// Update records cursor as the latest position. It publishes immediately when the interval
// has elapsed, otherwise it makes sure exactly one deferred flush is pending.
func (b *CursorBroadcaster) Update(cursor Cursor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	latest := cursor
	b.pending = &latest
	if b.flushScheduled {
		return
	}

	now := b.clock()
	reservation := b.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return
	}
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		b.publishLocked()
		return
	}
	// The reservation holds the flush's slot in the limiter.
	b.flushScheduled = true
	b.cancelFlush = b.schedule(delay, b.flush)
}

func (b *CursorBroadcaster) flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || !b.flushScheduled {
		return
	}
	b.flushScheduled = false
	b.cancelFlush = nil
	b.publishLocked()
}

func (b *CursorBroadcaster) publishLocked() {
	if b.pending == nil {
		return
	}
	cursor := *b.pending
	b.pending = nil
	if err := b.publisher.Publish(cursor); err != nil {
		b.logger.Warn("cursor publish failed", zap.Error(err))
	}
}

// Close cancels any pending flush and drops later updates.
func (b *CursorBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.pending = nil
	if b.cancelFlush != nil {
		b.cancelFlush()
		b.cancelFlush = nil
	}
	b.flushScheduled = false
}
