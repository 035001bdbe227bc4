package notify

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/ignite/segment-engine/internal/actions"
	"github.com/ignite/segment-engine/internal/metrics"
	"github.com/ignite/segment-engine/internal/pkg/logger"
	"github.com/ignite/segment-engine/internal/segmentation"
)

// DefaultFanout bounds concurrent member event publishing.
const DefaultFanout = 8

// Emitter turns engine callbacks into live events. It implements
// segmentation.Notifier; every method logs publish failures and returns.
type Emitter struct {
	pub       Publisher
	directory actions.Directory
	fanout    int
	now       func() time.Time
}

// NewEmitter creates an emitter. directory may be nil, in which case member
// events carry only ids. fanout <= 0 uses DefaultFanout.
func NewEmitter(pub Publisher, directory actions.Directory, fanout int) *Emitter {
	if fanout <= 0 {
		fanout = DefaultFanout
	}
	return &Emitter{pub: pub, directory: directory, fanout: fanout, now: time.Now}
}

type recalcPayload struct {
	SegmentID  int64                                                `json:"segment_id"`
	RunID      string                                               `json:"run_id,omitempty"`
	Outcome    string                                               `json:"outcome,omitempty"`
	DurationMS int64                                                `json:"duration_ms,omitempty"`
	Changes    map[segmentation.ObjectType]segmentation.DeltaCounts `json:"changes,omitempty"`
	Actions    map[string]map[segmentation.ActionStatus]int         `json:"actions,omitempty"`
	Error      string                                               `json:"error,omitempty"`
}

// MemberPayload is the payload of segment_member_added/removed.
type MemberPayload struct {
	SegmentID  int64                   `json:"segment_id"`
	ObjectType segmentation.ObjectType `json:"object_type"`
	ID         int64                   `json:"id"`
	Name       string                  `json:"name,omitempty"`
	Phone      string                  `json:"phone,omitempty"`
}

func (e *Emitter) RecalcStarted(ctx context.Context, token string, segmentID int64, runID string) {
	e.publish(ctx, token, EventRecalcStart, recalcPayload{SegmentID: segmentID, RunID: runID})
}

func (e *Emitter) RecalcFinished(ctx context.Context, token string, report *segmentation.RunReport) {
	e.publish(ctx, token, EventRecalcFinish, recalcPayload{
		SegmentID:  report.SegmentID,
		RunID:      report.RunID,
		Outcome:    report.Outcome,
		DurationMS: report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
		Changes:    report.Changes,
		Actions:    report.ActionSummary(),
	})
}

func (e *Emitter) RecalcFailed(ctx context.Context, token string, segmentID int64, reason string, err error) {
	p := recalcPayload{SegmentID: segmentID}
	if err != nil {
		p.Error = err.Error()
	}
	e.publish(ctx, token, EventRecalcFailPfx+reason, p)
}

// MembersChanged publishes one event per entered or exited object. Events
// are published concurrently, so their relative order is not defined.
func (e *Emitter) MembersChanged(ctx context.Context, seg *segmentation.Segment, changes segmentation.ChangeSet) {
	if seg.ScopeToken == "" || changes.Empty() {
		return
	}

	p := pool.New().WithMaxGoroutines(e.fanout)
	for _, t := range segmentation.AllObjectTypes {
		delta, ok := changes[t]
		if !ok || (len(delta.New) == 0 && len(delta.Removed) == 0) {
			continue
		}
		entities := e.lookup(ctx, seg, t, delta)

		for _, id := range delta.New {
			payload := memberPayload(seg.ID, t, id, entities)
			p.Go(func() { e.publish(ctx, seg.ScopeToken, EventMemberAdded, payload) })
		}
		for _, id := range delta.Removed {
			payload := memberPayload(seg.ID, t, id, entities)
			p.Go(func() { e.publish(ctx, seg.ScopeToken, EventMemberRemoved, payload) })
		}
	}
	p.Wait()
}

func (e *Emitter) lookup(ctx context.Context, seg *segmentation.Segment, t segmentation.ObjectType, delta *segmentation.Delta) map[int64]actions.Entity {
	if e.directory == nil {
		return nil
	}
	ids := append(append([]int64{}, delta.New...), delta.Removed...)
	entities, err := e.directory.Lookup(ctx, seg.CashboxID, t, ids)
	if err != nil {
		logger.Warn("member event lookup failed", "segment_id", seg.ID, "error", err)
		return nil
	}
	return entities
}

func memberPayload(segmentID int64, t segmentation.ObjectType, id int64, entities map[int64]actions.Entity) MemberPayload {
	p := MemberPayload{SegmentID: segmentID, ObjectType: t, ID: id}
	if ent, ok := entities[id]; ok {
		p.Name = ent.Name
		p.Phone = ent.Phone
	}
	return p
}

func (e *Emitter) publish(ctx context.Context, token, name string, payload interface{}) {
	if token == "" {
		logger.Debug("live event dropped, no scope token", "event", name)
		return
	}
	ev, err := NewEvent(token, name, payload, e.now())
	if err == nil {
		err = e.pub.Publish(ctx, ev)
	}
	metrics.IncEventPublished(name, err)
	if err != nil {
		logger.Warn("live event publish failed", "event", name, "error", err)
	}
}
