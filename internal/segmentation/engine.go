package segmentation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/segment-engine/internal/metrics"
	"github.com/ignite/segment-engine/internal/pkg/logger"
)

// ==========================================
// COLLABORATORS
// ==========================================

// SegmentRepository is the part of Store the engine needs.
type SegmentRepository interface {
	Get(ctx context.Context, id int64) (*Segment, error)
	Claim(ctx context.Context, id int64, owner string, now time.Time, lease time.Duration) error
	Renew(ctx context.Context, id int64, owner string, now time.Time, lease time.Duration) error
	MarkCalculated(ctx context.Context, id int64, owner string, now time.Time) error
	MarkIdle(ctx context.Context, id int64, owner string) error
}

// CandidateSource compiles and evaluates criteria.
type CandidateSource interface {
	Plan(seg *Segment, now time.Time) (*Plan, error)
	Candidates(ctx context.Context, plan *Plan) (map[ObjectType][]int64, error)
}

// Reconciler persists a candidate set into the membership ledger.
type Reconciler interface {
	Reconcile(ctx context.Context, segmentID int64, candidates map[ObjectType][]int64, now time.Time) (ChangeSet, error)
}

// ActionRunner executes configured side effects for a change-set. Run never
// fails as a whole: every attempt is reported as an ActionResult.
type ActionRunner interface {
	Validate(seg *Segment) error
	Run(ctx context.Context, seg *Segment, changes ChangeSet) []ActionResult
}

// Notifier publishes lifecycle events to the tenant's live channel. All
// methods are fire-and-forget.
type Notifier interface {
	RecalcStarted(ctx context.Context, token string, segmentID int64, runID string)
	RecalcFinished(ctx context.Context, token string, report *RunReport)
	RecalcFailed(ctx context.Context, token string, segmentID int64, reason string, err error)
	MembersChanged(ctx context.Context, seg *Segment, changes ChangeSet)
}

// ReportArchiver stores finished run reports.
type ReportArchiver interface {
	Archive(ctx context.Context, report *RunReport) error
}

// Lease is a cross-process lock held for the duration of one run.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// EngineConfig tunes the recalculation cycle.
type EngineConfig struct {
	// PhaseTimeout bounds candidate evaluation, reconcile and actions separately.
	PhaseTimeout time.Duration
	// Lease is how long the claim on a segment stays valid. The claim is
	// renewed before reconcile and before actions, so Lease has to outlast
	// one phase rather than the whole run.
	Lease time.Duration
}

// Request identifies one recalculation. ScopeToken is only used when the
// segment cannot be loaded and the tenant's token is known to the caller.
type Request struct {
	SegmentID  int64
	ScopeToken string
	Trigger    string
}

// ==========================================
// ENGINE
// ==========================================

// Engine runs one segment through the full recalculation cycle.
type Engine struct {
	segments SegmentRepository
	compiler CandidateSource
	ledger   Reconciler
	actions  ActionRunner
	notifier Notifier
	archiver ReportArchiver
	leases   func(segmentID int64) Lease
	cfg      EngineConfig
	now      func() time.Time
}

// NewEngine wires the engine.
func NewEngine(segments SegmentRepository, compiler CandidateSource, ledger Reconciler, actions ActionRunner, notifier Notifier, cfg EngineConfig) *Engine {
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = 5 * time.Minute
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 15 * time.Minute
	}
	if cfg.Lease < 2*cfg.PhaseTimeout {
		cfg.Lease = 2 * cfg.PhaseTimeout
	}
	return &Engine{
		segments: segments,
		compiler: compiler,
		ledger:   ledger,
		actions:  actions,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithArchiver stores every run report through a.
func (e *Engine) WithArchiver(a ReportArchiver) *Engine {
	e.archiver = a
	return e
}

// WithLeases adds a cross-process lease on top of the row claim.
func (e *Engine) WithLeases(f func(segmentID int64) Lease) *Engine {
	e.leases = f
	return e
}

// WithClock replaces time.Now, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Recalculate runs one cycle for a segment:
// claim, start event, compile, reconcile, actions, member events,
// mark calculated, finish event. Any failure after the claim returns the
// segment to idle and emits recalc_fail_<reason>. ErrAlreadyClaimed means
// the run was skipped, not failed.
//
// Once the ledger commits, the remaining steps run detached from ctx so a
// cancelled caller cannot drop the actions for committed transitions.
func (e *Engine) Recalculate(ctx context.Context, req Request) (*RunReport, error) {
	now := e.now().UTC()
	report := &RunReport{
		RunID:     uuid.NewString(),
		SegmentID: req.SegmentID,
		StartedAt: now,
	}

	seg, err := e.segments.Get(ctx, req.SegmentID)
	if err != nil {
		return e.fail(ctx, report, req.ScopeToken, "", err)
	}
	report.CashboxID = seg.CashboxID
	token := seg.ScopeToken
	if token == "" {
		token = req.ScopeToken
	}
	if !seg.Live() {
		return e.fail(ctx, report, token, "", ErrSegmentArchived)
	}

	var lease Lease
	if e.leases != nil {
		lease = e.leases(seg.ID)
		ok, err := lease.Acquire(ctx)
		if err != nil {
			return e.fail(ctx, report, token, "", fmt.Errorf("acquire lease: %w", err))
		}
		if !ok {
			return e.skip(report, ErrAlreadyClaimed)
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := lease.Release(rctx); err != nil {
				logger.Warn("segment lease release failed", "segment_id", seg.ID, "error", err)
			}
		}()
	}

	owner := report.RunID
	if err := e.segments.Claim(ctx, seg.ID, owner, now, e.cfg.Lease); err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			return e.skip(report, err)
		}
		return e.fail(ctx, report, token, "", err)
	}

	logger.Info("segment recalculation started",
		"segment_id", seg.ID, "run_id", report.RunID, "trigger", req.Trigger)
	e.notifier.RecalcStarted(ctx, token, seg.ID, report.RunID)

	claim := runClaim{seg: seg, owner: owner, lease: lease}
	changes, err := e.evaluate(ctx, claim, now)
	if err != nil {
		return e.fail(ctx, report, token, owner, err)
	}

	detached := context.WithoutCancel(ctx)
	if err := e.keepAlive(detached, claim); err != nil {
		logger.Warn("segment claim renewal failed after commit",
			"segment_id", seg.ID, "run_id", report.RunID, "error", err)
	}

	var results []ActionResult
	_ = e.phase(detached, "actions", func(pctx context.Context) error {
		results = e.actions.Run(pctx, seg, changes)
		return nil
	})
	_ = e.phase(detached, "notify", func(pctx context.Context) error {
		e.notifier.MembersChanged(pctx, seg, changes)
		return nil
	})

	err = e.phase(detached, "finalize", func(pctx context.Context) error {
		return e.segments.MarkCalculated(pctx, seg.ID, owner, now)
	})
	if err != nil {
		report.Changes = changes.Counts()
		report.Actions = results
		return e.fail(detached, report, token, owner, err)
	}

	report.FinishedAt = e.now().UTC()
	report.Outcome = string(StatusCalculated)
	report.Changes = changes.Counts()
	report.Actions = results

	e.notifier.RecalcFinished(detached, token, report)
	e.record(report)
	e.archive(detached, report)

	logger.Info("segment recalculation finished",
		"segment_id", seg.ID, "run_id", report.RunID,
		"duration_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds())
	return report, nil
}

// runClaim is what a run holds on its segment between Claim and MarkCalculated.
type runClaim struct {
	seg   *Segment
	owner string
	lease Lease
}

// evaluate compiles the criteria, fetches candidates and commits them to the
// ledger. Nothing is committed when it returns an error.
func (e *Engine) evaluate(ctx context.Context, claim runClaim, now time.Time) (ChangeSet, error) {
	seg := claim.seg
	plan, err := e.compiler.Plan(seg, now)
	if err != nil {
		return nil, err
	}
	if err := e.actions.Validate(seg); err != nil {
		return nil, err
	}
	logger.Debug("segment criteria compiled", "segment_id", seg.ID, "object_types", describeTypes(plan.Types))

	var candidates map[ObjectType][]int64
	err = e.phase(ctx, "evaluate", func(pctx context.Context) error {
		var err error
		candidates, err = e.compiler.Candidates(pctx, plan)
		return err
	})
	if err != nil {
		return nil, err
	}

	// A run that lost its claim must not write the ledger.
	if err := e.keepAlive(ctx, claim); err != nil {
		return nil, err
	}

	var changes ChangeSet
	err = e.phase(ctx, "reconcile", func(pctx context.Context) error {
		var err error
		changes, err = e.ledger.Reconcile(pctx, seg.ID, candidates, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// keepAlive renews the row claim and the cross-process lease for another
// cfg.Lease from the wall clock.
func (e *Engine) keepAlive(ctx context.Context, claim runClaim) error {
	if err := e.segments.Renew(ctx, claim.seg.ID, claim.owner, e.now().UTC(), e.cfg.Lease); err != nil {
		return fmt.Errorf("renew claim: %w", err)
	}
	if claim.lease == nil {
		return nil
	}
	if err := claim.lease.Extend(ctx, e.cfg.Lease); err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return nil
}

func (e *Engine) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
	defer cancel()
	err := fn(pctx)
	if err != nil && errors.Is(pctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s phase timed out after %s: %w", name, e.cfg.PhaseTimeout, err)
	}
	if err != nil {
		return fmt.Errorf("%s phase: %w", name, err)
	}
	return nil
}

// fail finishes a run that did not complete. owner is empty when no claim
// was taken, in which case the segment row is left alone.
func (e *Engine) fail(ctx context.Context, report *RunReport, token, owner string, err error) (*RunReport, error) {
	reason := FailureReason(err)
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if owner != "" {
		if idleErr := e.segments.MarkIdle(bg, report.SegmentID, owner); idleErr != nil {
			logger.Error("segment reset to idle failed", "segment_id", report.SegmentID, "error", idleErr)
		}
	}

	report.FinishedAt = e.now().UTC()
	report.Outcome = "failed"
	report.FailReason = reason
	report.Error = err.Error()

	e.notifier.RecalcFailed(bg, token, report.SegmentID, reason, err)
	e.record(report)
	e.archive(bg, report)

	logger.Error("segment recalculation failed",
		"segment_id", report.SegmentID, "run_id", report.RunID, "reason", reason, "error", err)
	return report, err
}

func (e *Engine) skip(report *RunReport, err error) (*RunReport, error) {
	report.FinishedAt = e.now().UTC()
	report.Outcome = "skipped"
	report.Error = err.Error()
	e.record(report)
	logger.Debug("segment recalculation skipped", "segment_id", report.SegmentID, "error", err)
	return report, err
}

func (e *Engine) record(report *RunReport) {
	metrics.ObserveRecalculation(report.Outcome, report.FailReason, report.FinishedAt.Sub(report.StartedAt))
	for t, c := range report.Changes {
		metrics.AddMembershipChanges(string(t), c.New, c.Removed)
	}
	for _, a := range report.Actions {
		metrics.IncActionResult(a.Action, string(a.Status))
	}
}

func (e *Engine) archive(ctx context.Context, report *RunReport) {
	if e.archiver == nil {
		return
	}
	if err := e.archiver.Archive(ctx, report); err != nil {
		logger.Warn("run report archive failed", "segment_id", report.SegmentID, "run_id", report.RunID, "error", err)
	}
}
