package segmentation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo is an in-memory SegmentRepository.
type fakeRepo struct {
	mu        sync.Mutex
	segs      map[int64]*Segment
	claimErr  error
	getErr    error
	calcCalls []time.Time
	idleCalls int
	owners    []string

	renewCalls int
	renewErr   error
	calcErr    error
	// calcCtxErr is ctx.Err() as seen by MarkCalculated.
	calcCtxErr error
}

func (r *fakeRepo) Get(ctx context.Context, id int64) (*Segment, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	seg, ok := r.segs[id]
	if !ok {
		return nil, ErrSegmentNotFound
	}
	cp := *seg
	return &cp, nil
}

func (r *fakeRepo) Claim(ctx context.Context, id int64, owner string, now time.Time, lease time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimErr != nil {
		return r.claimErr
	}
	r.owners = append(r.owners, owner)
	r.segs[id].Status = StatusInProgress
	return nil
}

func (r *fakeRepo) Renew(ctx context.Context, id int64, owner string, now time.Time, lease time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renewCalls++
	return r.renewErr
}

func (r *fakeRepo) MarkCalculated(ctx context.Context, id int64, owner string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calcCalls = append(r.calcCalls, now)
	r.calcCtxErr = ctx.Err()
	if r.calcErr != nil {
		return r.calcErr
	}
	r.segs[id].Status = StatusCalculated
	return nil
}

func (r *fakeRepo) MarkIdle(ctx context.Context, id int64, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idleCalls++
	r.segs[id].Status = StatusIdle
	return nil
}

// fakeSource returns fixed candidates, optionally blocking until ctx ends.
type fakeSource struct {
	candidates map[ObjectType][]int64
	block      bool
	nows       []time.Time
}

func (f *fakeSource) Plan(seg *Segment, now time.Time) (*Plan, error) {
	f.nows = append(f.nows, now)
	doc, err := ParseCriteria(seg.Criteria)
	if err != nil {
		return nil, err
	}
	return &Plan{SegmentID: seg.ID, Now: now, Types: doc.Types()}, nil
}

func (f *fakeSource) Candidates(ctx context.Context, plan *Plan) (map[ObjectType][]int64, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.candidates, nil
}

// fakeLedger keeps open sets in memory using Diff. afterCommit runs once the
// new sets are stored.
type fakeLedger struct {
	open        map[ObjectType][]int64
	err         error
	nows        []time.Time
	afterCommit func()
}

func (l *fakeLedger) Reconcile(ctx context.Context, segmentID int64, candidates map[ObjectType][]int64, now time.Time) (ChangeSet, error) {
	l.nows = append(l.nows, now)
	if l.err != nil {
		return nil, l.err
	}
	if l.open == nil {
		l.open = make(map[ObjectType][]int64)
	}
	out := make(ChangeSet)
	for t, ids := range candidates {
		ids = normalizeIDs(ids)
		out[t] = Diff(ids, l.open[t])
		l.open[t] = ids
	}
	if l.afterCommit != nil {
		l.afterCommit()
	}
	return out, nil
}

type fakeActions struct {
	validateErr error
	runs        int
	ctxErrs     []error
}

func (a *fakeActions) Validate(seg *Segment) error { return a.validateErr }

func (a *fakeActions) Run(ctx context.Context, seg *Segment, changes ChangeSet) []ActionResult {
	a.runs++
	a.ctxErrs = append(a.ctxErrs, ctx.Err())
	var out []ActionResult
	for t, d := range changes {
		for _, id := range d.New {
			out = append(out, ActionResult{Action: "add_tags", ObjectType: t, ObjectID: id, Transition: TransitionEnter, Status: ActionOK})
		}
	}
	return out
}

// recordingNotifier captures event names in order.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	tokens []string
}

func (n *recordingNotifier) add(token, event string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.tokens = append(n.tokens, token)
}

func (n *recordingNotifier) RecalcStarted(ctx context.Context, token string, segmentID int64, runID string) {
	n.add(token, "recalc_start")
}

func (n *recordingNotifier) RecalcFinished(ctx context.Context, token string, report *RunReport) {
	n.add(token, "recalc_finish")
}

func (n *recordingNotifier) RecalcFailed(ctx context.Context, token string, segmentID int64, reason string, err error) {
	n.add(token, "recalc_fail_"+reason)
}

func (n *recordingNotifier) MembersChanged(ctx context.Context, seg *Segment, changes ChangeSet) {
	n.add(seg.ScopeToken, "members")
}

type fakeLease struct {
	ok        bool
	released  bool
	extends   []time.Duration
	extendErr error
}

func (l *fakeLease) Acquire(ctx context.Context) (bool, error) { return l.ok, nil }
func (l *fakeLease) Extend(ctx context.Context, ttl time.Duration) error {
	l.extends = append(l.extends, ttl)
	return l.extendErr
}
func (l *fakeLease) Release(ctx context.Context) error {
	l.released = true
	return nil
}

type memArchiver struct{ reports []*RunReport }

func (a *memArchiver) Archive(ctx context.Context, r *RunReport) error {
	a.reports = append(a.reports, r)
	return nil
}

type engineFixture struct {
	repo     *fakeRepo
	source   *fakeSource
	ledger   *fakeLedger
	actions  *fakeActions
	notifier *recordingNotifier
	archiver *memArchiver
	engine   *Engine
}

func newEngineFixture(criteria string) *engineFixture {
	f := &engineFixture{
		repo: &fakeRepo{segs: map[int64]*Segment{
			1: {ID: 1, CashboxID: 2, ScopeToken: "tok", Name: "s", Criteria: json.RawMessage(criteria), Status: StatusIdle},
		}},
		source:   &fakeSource{candidates: map[ObjectType][]int64{ObjectCustomer: {1, 2, 3}}},
		ledger:   &fakeLedger{open: map[ObjectType][]int64{ObjectCustomer: {2, 3, 4}}},
		actions:  &fakeActions{},
		notifier: &recordingNotifier{},
		archiver: &memArchiver{},
	}
	f.engine = NewEngine(f.repo, f.source, f.ledger, f.actions, f.notifier, EngineConfig{PhaseTimeout: time.Second}).
		WithArchiver(f.archiver).
		WithClock(func() time.Time { return pinnedNow })
	return f
}

func TestEngine_RecalculateSuccess(t *testing.T) {
	f := newEngineFixture(`{}`)

	report, err := f.engine.Recalculate(context.Background(), Request{SegmentID: 1, Trigger: "manual"})
	require.NoError(t, err)

	assert.Equal(t, "calculated", report.Outcome)
	assert.Equal(t, DeltaCounts{New: 1, Removed: 1, Active: 3}, report.Changes[ObjectCustomer])
	require.Len(t, report.Actions, 1)
	assert.Equal(t, int64(1), report.Actions[0].ObjectID)

	assert.Equal(t, []string{"recalc_start", "members", "recalc_finish"}, f.notifier.events)
	assert.Equal(t, []string{"tok", "tok", "tok"}, f.notifier.tokens)
	assert.Equal(t, StatusCalculated, f.repo.segs[1].Status)
	assert.Equal(t, 0, f.repo.idleCalls)
	require.Len(t, f.archiver.reports, 1)
	assert.Equal(t, report.RunID, f.repo.owners[0])
}

func TestEngine_PinsNowAcrossPhases(t *testing.T) {
	f := newEngineFixture(`{}`)
	calls := 0
	f.engine.WithClock(func() time.Time {
		calls++
		return pinnedNow.Add(time.Duration(calls) * time.Minute)
	})

	report, err := f.engine.Recalculate(context.Background(), Request{SegmentID: 1})
	require.NoError(t, err)

	runNow := report.StartedAt
	assert.Equal(t, []time.Time{runNow}, f.source.nows)
	assert.Equal(t, []time.Time{runNow}, f.ledger.nows)
	assert.Equal(t, []time.Time{runNow}, f.repo.calcCalls)
}

func TestEngine_SecondRunHasNoChanges(t *testing.T) {
	f := newEngineFixture(`{}`)

	_, err := f.engine.Recalculate(context.Background(), Request{SegmentID: 1})
	require.NoError(t, err)
	report, err := f.engine.Recalculate(context.Background(), Request{SegmentID: 1})
	require.NoError(t, err)

	assert.Equal(t, DeltaCounts{Active: 3}, report.Changes[ObjectCustomer])
	assert.Empty(t, report.Actions)
}

func TestEngine_Failures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(f *engineFixture)
		req       Request
		reason    string
		wantIdle  int
		wantToken string
	}{
		{
			name:      "missing segment",
			req:       Request{SegmentID: 404, ScopeToken: "caller-tok"},
			reason:    "404",
			wantToken: "caller-tok",
		},
		{
			name:      "archived segment",
			setup:     func(f *engineFixture) { f.repo.segs[1].IsArchived = true },
			req:       Request{SegmentID: 1},
			reason:    "410",
			wantToken: "tok",
		},
		{
			name:      "invalid criteria",
			setup:     func(f *engineFixture) { f.repo.segs[1].Criteria = json.RawMessage(`{"purchases":{"count":{}}}`) },
			req:       Request{SegmentID: 1},
			reason:    "422",
			wantIdle:  1,
			wantToken: "tok",
		},
		{
			name:      "invalid actions",
			setup:     func(f *engineFixture) { f.actions.validateErr = NewValidationError("actions.webhook.url: required") },
			req:       Request{SegmentID: 1},
			reason:    "422",
			wantIdle:  1,
			wantToken: "tok",
		},
		{
			name:      "ledger error",
			setup:     func(f *engineFixture) { f.ledger.err = errors.New("connection reset") },
			req:       Request{SegmentID: 1},
			reason:    "500",
			wantIdle:  1,
			wantToken: "tok",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(`{}`)
			if tt.setup != nil {
				tt.setup(f)
			}

			report, err := f.engine.Recalculate(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, "failed", report.Outcome)
			assert.Equal(t, tt.reason, report.FailReason)
			assert.Equal(t, tt.wantIdle, f.repo.idleCalls)

			last := f.notifier.events[len(f.notifier.events)-1]
			assert.Equal(t, "recalc_fail_"+tt.reason, last)
			assert.Equal(t, tt.wantToken, f.notifier.tokens[len(f.notifier.tokens)-1])
			assert.NotContains(t, f.notifier.events, "members")
			assert.Empty(t, f.repo.calcCalls)
			assert.Equal(t, 0, f.actions.runs)
			require.Len(t, f.archiver.reports, 1)
		})
	}
}

func TestEngine_PhaseTimeout(t *testing.T) {
	f := newEngineFixture(`{}`)
	f.source.block = true
	f.engine.cfg.PhaseTimeout = 20 * time.Millisecond

	report, err := f.engine.Recalculate(context.Background(), Request{SegmentID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evaluate phase timed out")
	assert.Equal(t, "500", report.FailReason)
	assert.Equal(t, 1, f.repo.idleCalls)
	assert.Empty(t, f.ledger.nows)
}

func TestEngine_SkipsWhenClaimed(t *testing.T) {
	f := newEngineFixture(`{}`)
	f.repo.claimErr = ErrAlreadyClaimed

	report, err := f.engine.Recalculate(context.Background(), Request{SegmentID: 1})
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.Equal(t, "skipped", report.Outcome)
	assert.Empty(t, f.notifier.events)
	assert.Equal(t, 0, f.repo.idleCalls)
	assert.Empty(t, f.archiver.reports)
}

func TestEngine_SkipsWhenLeaseHeldElsewhere(t *testing.T) {
	f := newEngineFixture(`{}`)
	lease := &fakeLease{ok: false}
	f.engine.WithLeases(func(int64) Lease { return lease })

	report, err := f.engine.Recalculate(context.Background(), Request{SegmentID: 1})
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.Equal(t, "skipped", report.Outcome)
	assert.Empty(t, f.repo.owners)
}

func TestEngine_ReleasesLeaseAfterRun(t *testing.T) {
	f := newEngineFixture(`{}`)
	lease := &fakeLease{ok: true}
	f.engine.WithLeases(func(int64) Lease { return lease })

	_, err := f.engine.Recalculate(context.Background(), Request{SegmentID: 1})
	require.NoError(t, err)
	assert.True(t, lease.released)
}

func TestEngine_CancelledAfterCommitStillRunsActions(t *testing.T) {
	f := newEngineFixture(`{}`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.ledger.afterCommit = cancel

	report, err := f.engine.Recalculate(ctx, Request{SegmentID: 1})
	require.NoError(t, err)

	assert.Equal(t, "calculated", report.Outcome)
	assert.Equal(t, 1, f.actions.runs)
	assert.Equal(t, []error{nil}, f.actions.ctxErrs)
	require.Len(t, report.Actions, 1)
	assert.NoError(t, f.repo.calcCtxErr)
	assert.Len(t, f.repo.calcCalls, 1)
	assert.Equal(t, 0, f.repo.idleCalls)
	assert.Equal(t, []string{"recalc_start", "members", "recalc_finish"}, f.notifier.events)
}

func TestEngine_RenewsClaimAndLeaseBeforeWriting(t *testing.T) {
	f := newEngineFixture(`{}`)
	lease := &fakeLease{ok: true}
	f.engine.cfg.Lease = 3 * time.Second
	f.engine.WithLeases(func(int64) Lease { return lease })

	_, err := f.engine.Recalculate(context.Background(), Request{SegmentID: 1})
	require.NoError(t, err)

	// Once before reconcile and once before actions.
	assert.Equal(t, 2, f.repo.renewCalls)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, lease.extends)
}

func TestEngine_ClaimLostBeforeReconcile(t *testing.T) {
	f := newEngineFixture(`{}`)
	f.repo.renewErr = fmt.Errorf("segment 1: %w", ErrClaimLost)

	report, err := f.engine.Recalculate(context.Background(), Request{SegmentID: 1})
	require.ErrorIs(t, err, ErrClaimLost)
	assert.Equal(t, "failed", report.Outcome)
	assert.Equal(t, "500", report.FailReason)
	assert.Empty(t, f.ledger.nows)
	assert.Equal(t, 0, f.actions.runs)
	assert.Empty(t, f.repo.calcCalls)
}

func TestEngine_LeaseLostBeforeReconcile(t *testing.T) {
	f := newEngineFixture(`{}`)
	lease := &fakeLease{ok: true, extendErr: errors.New("lease lost")}
	f.engine.WithLeases(func(int64) Lease { return lease })

	report, err := f.engine.Recalculate(context.Background(), Request{SegmentID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extend lease")
	assert.Equal(t, "failed", report.Outcome)
	assert.Empty(t, f.ledger.nows)
	assert.True(t, lease.released)
}

func TestEngine_ClaimLostAtFinishIsAFailure(t *testing.T) {
	f := newEngineFixture(`{}`)
	f.repo.calcErr = fmt.Errorf("segment 1: %w", ErrClaimLost)

	report, err := f.engine.Recalculate(context.Background(), Request{SegmentID: 1})
	require.ErrorIs(t, err, ErrClaimLost)
	assert.Equal(t, "failed", report.Outcome)
	assert.Equal(t, "500", report.FailReason)
	// The ledger committed, so the report still carries what happened.
	assert.Equal(t, DeltaCounts{New: 1, Removed: 1, Active: 3}, report.Changes[ObjectCustomer])
	assert.Equal(t, 1, f.actions.runs)
	assert.Equal(t, "recalc_fail_500", f.notifier.events[len(f.notifier.events)-1])
	assert.NotContains(t, f.notifier.events, "recalc_finish")
}
