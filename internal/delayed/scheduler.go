// Package delayed implements the Delayed Delivery Scheduler (§4.F): a
// periodic sweep that promotes due queued messages to now-online mesh
// targets. It is new code generalized from the teacher's goroutine+ticker
// loop idiom (see internal/connection/serial.go's reconnect loop) applied
// to queue draining instead of port reconnection.
package delayed

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/logging"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/queue"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/registry"
)

const (
	defaultTickInterval = 30 * time.Second
	sweepLimit          = 50
)

// deliveredPrefix tags a delayed message delivered on its retry sweep
// (§6: "Exit codes..." / "📬 [Delayed]" marker referenced by §4.F).
const deliveredPrefix = "📬 [Delayed] "

// Sender is the subset of the Mesh Transport the scheduler needs.
type Sender interface {
	Send(text string, toNode uint32) error
}

// Scheduler owns the periodic Delayed Delivery tick.
type Scheduler struct {
	queue    *queue.Queue
	registry *registry.Registry
	sender   Sender
	interval time.Duration
	logger   *zap.Logger

	ticking atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Scheduler. interval<=0 uses the documented default of 30s.
func New(q *queue.Queue, reg *registry.Registry, sender Sender, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultTickInterval
	}
	return &Scheduler{
		queue:    q,
		registry: reg,
		sender:   sender,
		interval: interval,
		logger:   logging.With(zap.String("component", "delayed-delivery")),
	}
}

// Start launches the background ticker. It returns immediately; Stop
// blocks until the current tick (if any) finishes.
func (s *Scheduler) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// Stop signals the ticker goroutine to exit and waits for it, bounded by
// the caller's context (§4.K: "each sub-stop bounded ~5s").
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.stopCh == nil {
		return nil
	}
	close(s.stopCh)
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tick runs a single sweep. It is re-entrant-safe: if a previous tick is
// still executing, this invocation is skipped entirely (§4.F).
func (s *Scheduler) tick() {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Debug("skipping delayed delivery tick, previous tick still running")
		return
	}
	defer s.ticking.Store(false)

	if _, err := s.queue.Cleanup(); err != nil {
		s.logger.Warn("delayed delivery cleanup failed", zap.Error(err))
	}

	due, err := s.queue.GetNextMessages(sweepLimit)
	if err != nil {
		s.logger.Warn("failed to fetch due messages", zap.Error(err))
		return
	}

	for _, msg := range due {
		s.process(msg)
	}
}

func (s *Scheduler) process(msg queue.QueuedMessage) {
	local, known := s.registry.GetLocal(msg.ToNode)
	if !known {
		if _, err := s.queue.MarkFailed(msg.ID, "Target node no longer known"); err != nil {
			s.logger.Warn("failed to mark unknown-target message failed", zap.Error(err))
		}
		return
	}
	if !s.registry.IsOnline(msg.ToNode) {
		return
	}

	if ok, err := s.queue.MarkProcessing(msg.ID); err != nil || !ok {
		if err != nil {
			s.logger.Warn("failed to mark message processing", zap.Error(err))
		}
		return
	}

	sendErr := s.sender.Send(deliveredPrefix+msg.Message, msg.ToNode)
	if sendErr == nil {
		if err := s.queue.MarkDelivered(msg.ID); err != nil {
			s.logger.Warn("failed to mark message delivered", zap.Error(err))
		}
		s.notifyBestEffort(msg.FromNode, fmt.Sprintf("✅ Your queued message was delivered to %s", displayName(local)))
		return
	}

	retryable, err := s.queue.MarkFailed(msg.ID, sendErr.Error())
	if err != nil {
		s.logger.Warn("failed to record delivery failure", zap.Error(err))
		return
	}
	if !retryable {
		s.notifyBestEffort(msg.FromNode, fmt.Sprintf("❌ Your queued message to %s could not be delivered", displayName(local)))
	}
}

func (s *Scheduler) notifyBestEffort(toNode uint32, text string) {
	if err := s.sender.Send(text, toNode); err != nil {
		s.logger.Debug("best-effort delayed delivery notification failed", zap.Error(err))
	}
}

func displayName(n registry.LocalNodeInfo) string {
	if n.LongName != "" {
		return n.LongName
	}
	if n.ShortName != "" {
		return n.ShortName
	}
	return fmt.Sprintf("node %d", n.Num)
}
