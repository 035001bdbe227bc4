// Package scheduler selects segments that are due for recalculation and runs
// them one after another through the segmentation engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/segment-engine/internal/metrics"
	"github.com/ignite/segment-engine/internal/pkg/logger"
	"github.com/ignite/segment-engine/internal/segmentation"
)

const (
	// DefaultTick is how often the scheduler looks for due segments
	DefaultTick = 60 * time.Second

	// TriggerSchedule marks runs started by the scheduler
	TriggerSchedule = "schedule"
)

// SegmentLister is the part of segmentation.Store the scheduler reads.
type SegmentLister interface {
	ListScheduled(ctx context.Context) ([]*segmentation.Segment, error)
	ResetExpiredClaims(ctx context.Context, now time.Time) (int64, error)
}

// Recalculator runs one segment. segmentation.Engine implements it.
type Recalculator interface {
	Recalculate(ctx context.Context, req segmentation.Request) (*segmentation.RunReport, error)
}

// IsDue reports whether a segment should be recalculated at now. Only live
// scheduled segments are ever due. A segment that was never calculated is
// due at once; otherwise its interval must have fully elapsed. A scheduled
// segment without an interval only runs once.
func IsDue(seg *segmentation.Segment, now time.Time) bool {
	if seg == nil || !seg.Live() || seg.TypeOfUpdate != segmentation.UpdateScheduled {
		return false
	}
	if seg.UpdatedAt == nil {
		return true
	}
	interval := seg.Interval()
	if interval <= 0 {
		return false
	}
	return now.Sub(*seg.UpdatedAt) >= interval
}

// DueSegments filters segs down to the ones due at now, keeping their order.
func DueSegments(segs []*segmentation.Segment, now time.Time) []*segmentation.Segment {
	var due []*segmentation.Segment
	for _, seg := range segs {
		if IsDue(seg, now) {
			due = append(due, seg)
		}
	}
	return due
}

// TickStats summarizes one scheduler pass.
type TickStats struct {
	Due       int
	Succeeded int
	Failed    int
	Skipped   int
	Reset     int64
}

// Scheduler periodically recalculates due segments. Segments are processed
// strictly one at a time; a failing segment never stops the rest of the pass.
type Scheduler struct {
	segments SegmentLister
	engine   Recalculator
	tick     time.Duration
	now      func() time.Time

	// Stats
	ticks     int64
	succeeded int64
	failed    int64
	skipped   int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// New creates a scheduler. tick <= 0 uses DefaultTick.
func New(segments SegmentLister, engine Recalculator, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{
		segments: segments,
		engine:   engine,
		tick:     tick,
		now:      time.Now,
	}
}

// WithClock replaces time.Now, for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start runs a first pass immediately and then one per tick until Stop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	log.Printf("[SegmentScheduler] Starting with tick interval: %v", s.tick)

	s.wg.Add(1)
	go s.loop()

	return nil
}

// Stop cancels the running pass and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log.Printf("[SegmentScheduler] Stopping...")
	s.cancel()
	s.wg.Wait()
	log.Printf("[SegmentScheduler] Stopped. Ticks: %d, succeeded: %d, failed: %d, skipped: %d",
		atomic.LoadInt64(&s.ticks), atomic.LoadInt64(&s.succeeded),
		atomic.LoadInt64(&s.failed), atomic.LoadInt64(&s.skipped))
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.runTick()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runTick()
		}
	}
}

func (s *Scheduler) runTick() {
	stats, err := s.Tick(s.ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			logger.Error("scheduler tick failed", "error", err)
		}
		return
	}
	if stats.Due > 0 || stats.Reset > 0 {
		log.Printf("[SegmentScheduler] Tick done: due=%d ok=%d failed=%d skipped=%d reset=%d",
			stats.Due, stats.Succeeded, stats.Failed, stats.Skipped, stats.Reset)
	}
}

// Tick performs one pass: expired claims are returned to idle, due segments
// are selected, and each one is recalculated in order. The error is only
// non-nil when the pass could not list segments at all.
func (s *Scheduler) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	atomic.AddInt64(&s.ticks, 1)

	now := s.now().UTC()
	reset, err := s.segments.ResetExpiredClaims(ctx, now)
	if err != nil {
		logger.Warn("reset expired segment claims failed", "error", err)
	}
	stats.Reset = reset

	segs, err := s.segments.ListScheduled(ctx)
	if err != nil {
		return stats, fmt.Errorf("list scheduled segments: %w", err)
	}
	due := DueSegments(segs, now)
	stats.Due = len(due)
	metrics.SetDueSegments(len(due))

	for _, seg := range due {
		if ctx.Err() != nil {
			break
		}
		switch err := s.runOne(ctx, seg.ID); {
		case err == nil:
			stats.Succeeded++
			atomic.AddInt64(&s.succeeded, 1)
		case errors.Is(err, segmentation.ErrAlreadyClaimed):
			stats.Skipped++
			atomic.AddInt64(&s.skipped, 1)
		default:
			stats.Failed++
			atomic.AddInt64(&s.failed, 1)
		}
	}
	return stats, nil
}

// runOne shields the pass from a panicking segment.
func (s *Scheduler) runOne(ctx context.Context, segmentID int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			logger.Error("segment recalculation panicked", "segment_id", segmentID, "panic", r)
		}
	}()
	_, err = s.engine.Recalculate(ctx, segmentation.Request{SegmentID: segmentID, Trigger: TriggerSchedule})
	return err
}
