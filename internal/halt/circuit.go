package halt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Broadcaster is the secondary channel: it tells other instances about a halt.
type Broadcaster interface {
	Publish(ctx context.Context, s Status) error
}

// Recorder is the tertiary channel: it writes a permanent record of a halt.
type Recorder interface {
	RecordHalt(ctx context.Context, s Status) error
}

// Config holds circuit configuration.
type Config struct {
	// InstanceID identifies this process in broadcasts. Generated when empty.
	InstanceID string
	// Budget bounds the total time TriggerHalt spends on the secondary and
	// tertiary channels.
	Budget time.Duration
	// BroadcastShare is the part of Budget the secondary channel may use.
	BroadcastShare time.Duration
}

// Circuit is the halt circuit for one process. The zero value is not usable;
// construct it with New.
type Circuit struct {
	state atomic.Pointer[Status]

	cfg         Config
	broadcaster Broadcaster

	mu        sync.Mutex
	recorder  Recorder
	observers []func(Status)
	onMetrics func(Status)

	logger *zap.Logger
	now    func() time.Time
}

// New creates a Circuit. broadcaster may be nil for single-instance deployments.
func New(cfg Config, broadcaster Broadcaster, logger *zap.Logger) *Circuit {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 80 * time.Millisecond
	}
	if cfg.BroadcastShare <= 0 || cfg.BroadcastShare > cfg.Budget {
		cfg.BroadcastShare = cfg.Budget / 2
	}
	return &Circuit{
		cfg:         cfg,
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,
	}
}

// SetRecorder configures the tertiary channel. The ledger depends on the
// circuit, so the recorder is attached after both exist.
func (c *Circuit) SetRecorder(r Recorder) {
	c.mu.Lock()
	c.recorder = r
	c.mu.Unlock()
}

// SetMetricsRecord configures a callback invoked once when the halt is set.
func (c *Circuit) SetMetricsRecord(fn func(Status)) {
	c.mu.Lock()
	c.onMetrics = fn
	c.mu.Unlock()
}

// OnHalt registers fn to be called asynchronously after the halt is set.
func (c *Circuit) OnHalt(fn func(Status)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// InstanceID returns the identifier this circuit uses in broadcasts.
func (c *Circuit) InstanceID() string { return c.cfg.InstanceID }

// IsHalted reports whether the primary flag is set. It performs a single
// atomic load and never blocks.
func (c *Circuit) IsHalted() bool {
	return c.state.Load() != nil
}

// GetHaltStatus returns the current halt status.
func (c *Circuit) GetHaltStatus() Status {
	if s := c.state.Load(); s != nil {
		return *s
	}
	return Status{}
}

// TriggerHalt sets the primary flag and then attempts the broadcast and the
// ledger record in that order. Secondary and tertiary failures are logged and
// swallowed; the call returns within the configured budget regardless of
// their outcome. Triggering an already halted circuit returns the existing
// status unchanged.
func (c *Circuit) TriggerHalt(ctx context.Context, reason Reason, operatorID, message string) Status {
	st := &Status{
		IsHalted:   true,
		HaltedAt:   c.now().UTC(),
		Reason:     reason,
		OperatorID: operatorID,
		Message:    message,
		Origin:     c.cfg.InstanceID,
	}
	if !c.state.CompareAndSwap(nil, st) {
		return c.GetHaltStatus()
	}
	deadline := time.Now().Add(c.cfg.Budget)

	c.logger.Error("HALT: primary flag set",
		zap.String("reason", string(reason)),
		zap.String("operator_id", operatorID),
		zap.String("message", message),
	)

	if c.broadcaster != nil {
		budget := min(c.cfg.BroadcastShare, time.Until(deadline))
		c.attempt(ctx, "broadcast", budget, func(ctx context.Context) error {
			return c.broadcaster.Publish(ctx, *st)
		})
	}

	c.mu.Lock()
	recorder := c.recorder
	c.mu.Unlock()
	if recorder != nil {
		c.attempt(ctx, "ledger", time.Until(deadline), func(ctx context.Context) error {
			return recorder.RecordHalt(ctx, *st)
		})
	}

	c.notify(*st)
	return *st
}

// ApplyRemote sets the primary flag from a halt broadcast by another instance.
// Nothing is re-broadcast or re-recorded; the originating instance owns those.
// It reports whether the flag changed.
func (c *Circuit) ApplyRemote(s Status) bool {
	if !s.IsHalted {
		return false
	}
	if s.HaltedAt.IsZero() {
		s.HaltedAt = c.now().UTC()
	}
	if !c.state.CompareAndSwap(nil, &s) {
		return false
	}
	c.logger.Error("HALT: applied from broadcast",
		zap.String("origin", s.Origin),
		zap.String("reason", string(s.Reason)),
	)
	c.notify(s)
	return true
}

// attempt runs fn with a deadline and stops waiting when it expires, even if
// fn ignores its context.
func (c *Circuit) attempt(parent context.Context, channel string, budget time.Duration, fn func(context.Context) error) {
	if budget <= 0 {
		c.logger.Warn("halt channel skipped: budget exhausted", zap.String("channel", channel))
		return
	}
	ctx, cancel := context.WithTimeout(parent, budget)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			c.logger.Warn("halt channel failed", zap.String("channel", channel), zap.Error(err))
		}
	case <-ctx.Done():
		c.logger.Warn("halt channel timed out",
			zap.String("channel", channel),
			zap.Duration("budget", budget),
		)
	}
}

func (c *Circuit) notify(s Status) {
	c.mu.Lock()
	observers := append([]func(Status){}, c.observers...)
	onMetrics := c.onMetrics
	c.mu.Unlock()

	if onMetrics != nil {
		onMetrics(s)
	}
	for _, fn := range observers {
		go fn(s)
	}
}
