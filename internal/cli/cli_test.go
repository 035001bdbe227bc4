package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/segment-engine/internal/segmentation"
	"github.com/ignite/segment-engine/internal/storage"
)

var cliNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSegments struct {
	segs []*segmentation.Segment
	err  error
}

func (f *fakeSegments) ListScheduled(ctx context.Context) ([]*segmentation.Segment, error) {
	return f.segs, f.err
}

type fakeEngine struct {
	report *segmentation.RunReport
	err    error
	got    segmentation.Request
}

func (f *fakeEngine) Recalculate(ctx context.Context, req segmentation.Request) (*segmentation.RunReport, error) {
	f.got = req
	return f.report, f.err
}

type fakeMembers struct {
	intervals []segmentation.MembershipInterval
	ids       []int64
	gotAt     time.Time
	gotType   segmentation.ObjectType
}

func (f *fakeMembers) History(ctx context.Context, segmentID int64, t segmentation.ObjectType, objectID int64) ([]segmentation.MembershipInterval, error) {
	f.gotType = t
	return f.intervals, nil
}

func (f *fakeMembers) MembersAt(ctx context.Context, segmentID int64, t segmentation.ObjectType, at time.Time) ([]int64, error) {
	f.gotType = t
	f.gotAt = at
	return f.ids, nil
}

type fakeArchive struct {
	runs []storage.RunEntry
}

func (f *fakeArchive) ListRuns(ctx context.Context, segmentID int64, limit int) ([]storage.RunEntry, error) {
	if limit < len(f.runs) {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

// run executes segmentctl against b and returns stdout and the error.
func run(t *testing.T, b *Backend, args ...string) (string, error) {
	t.Helper()
	closed := false
	b.Close = func() { closed = true }
	b.Now = func() time.Time { return cliNow }

	buf := &bytes.Buffer{}
	cmd := NewRootCommand(func(ctx context.Context, opts *RootOptions) (*Backend, error) {
		return b, nil
	})
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil {
		assert.True(t, closed, "backend should be closed after the command")
	}
	return buf.String(), err
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestDue_ListsOnlyDueSegments(t *testing.T) {
	hourly := &segmentation.UpdateSettings{IntervalMinutes: 60}
	segs := &fakeSegments{segs: []*segmentation.Segment{
		{ID: 1, CashboxID: 7, Name: "never run", TypeOfUpdate: segmentation.UpdateScheduled, UpdateSettings: hourly},
		{ID: 2, CashboxID: 7, Name: "fresh", TypeOfUpdate: segmentation.UpdateScheduled, UpdateSettings: hourly, UpdatedAt: ptrTime(cliNow.Add(-10 * time.Minute))},
		{ID: 3, CashboxID: 7, Name: "stale", TypeOfUpdate: segmentation.UpdateScheduled, UpdateSettings: hourly, UpdatedAt: ptrTime(cliNow.Add(-2 * time.Hour))},
	}}

	out, err := run(t, &Backend{Segments: segs}, "due")
	require.NoError(t, err)
	assert.Contains(t, out, "never run")
	assert.Contains(t, out, "stale")
	assert.NotContains(t, out, "fresh")
	assert.Contains(t, out, "never")

	out, err = run(t, &Backend{Segments: segs}, "due", "--format", "json")
	require.NoError(t, err)
	var due []segmentation.Segment
	require.NoError(t, json.Unmarshal([]byte(out), &due))
	require.Len(t, due, 2)
	assert.Equal(t, int64(1), due[0].ID)
	assert.Equal(t, int64(3), due[1].ID)
}

func TestDue_NothingDue(t *testing.T) {
	out, err := run(t, &Backend{Segments: &fakeSegments{}}, "due")
	require.NoError(t, err)
	assert.Contains(t, out, "No segments due")

	out, err = run(t, &Backend{Segments: &fakeSegments{}}, "due", "--format", "json")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

func TestRecalc_PrintsReport(t *testing.T) {
	engine := &fakeEngine{report: &segmentation.RunReport{
		RunID:      "run-1",
		SegmentID:  5,
		StartedAt:  cliNow,
		FinishedAt: cliNow.Add(1500 * time.Millisecond),
		Outcome:    "calculated",
		Changes: map[segmentation.ObjectType]segmentation.DeltaCounts{
			segmentation.ObjectCustomer: {New: 3, Removed: 1, Active: 10},
		},
		Actions: []segmentation.ActionResult{
			{Action: "add_tags", Status: segmentation.ActionOK},
			{Action: "add_tags", Status: segmentation.ActionOK},
		},
	}}

	out, err := run(t, &Backend{Engine: engine}, "recalc", "5", "--token", "tok")
	require.NoError(t, err)
	assert.Equal(t, int64(5), engine.got.SegmentID)
	assert.Equal(t, "tok", engine.got.ScopeToken)
	assert.Equal(t, TriggerCLI, engine.got.Trigger)
	assert.Contains(t, out, "Segment 5 calculated in 1.5s (run run-1)")
	assert.Contains(t, out, "+3 -1 (active 10)")
	assert.Contains(t, out, "ok=2")
}

func TestRecalc_ActionSummaryIsSorted(t *testing.T) {
	engine := &fakeEngine{report: &segmentation.RunReport{
		RunID:      "run-2",
		SegmentID:  5,
		StartedAt:  cliNow,
		FinishedAt: cliNow,
		Outcome:    "calculated",
		Actions: []segmentation.ActionResult{
			{Action: "webhook", Status: segmentation.ActionSkipped},
			{Action: "webhook", Status: segmentation.ActionFailed},
			{Action: "webhook", Status: segmentation.ActionOK},
			{Action: "add_tags", Status: segmentation.ActionOK},
			{Action: "send_email", Status: segmentation.ActionOK},
			{Action: "webhook", Status: segmentation.ActionOK},
		},
	}}

	want := "  action add_tags     ok=1\n" +
		"  action send_email   ok=1\n" +
		"  action webhook      failed=1 ok=2 skipped=1\n"
	for i := 0; i < 20; i++ {
		out, err := run(t, &Backend{Engine: engine}, "recalc", "5")
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(out, want), out)
	}
}

func TestRecalc_FailureExitCodes(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{"not found", segmentation.ErrSegmentNotFound, "recalc_fail_404"},
		{"archived", segmentation.ErrSegmentArchived, "recalc_fail_410"},
		{"invalid", segmentation.NewValidationError("bad field"), "recalc_fail_422"},
		{"internal", errors.New("boom"), "recalc_fail_500"},
		{"claimed", fmt.Errorf("run: %w", segmentation.ErrAlreadyClaimed), "skipped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, &Backend{Engine: &fakeEngine{err: tt.err}}, "recalc", "9")
			require.Error(t, err)
			assert.Equal(t, ExitFailure, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestRecalc_InvalidID(t *testing.T) {
	for _, arg := range []string{"abc", "0", "1.5"} {
		_, err := run(t, &Backend{Engine: &fakeEngine{}}, "recalc", arg)
		require.Error(t, err, arg)
		assert.Equal(t, ExitCommandError, GetExitCode(err), arg)
	}
}

func TestHistory(t *testing.T) {
	members := &fakeMembers{intervals: []segmentation.MembershipInterval{
		{ValidFrom: cliNow.Add(-48 * time.Hour), ValidTo: ptrTime(cliNow.Add(-24 * time.Hour))},
		{ValidFrom: cliNow.Add(-time.Hour)},
	}}

	out, err := run(t, &Backend{Members: members}, "history", "1", "sales_document", "42")
	require.NoError(t, err)
	assert.Equal(t, segmentation.ObjectSalesDocument, members.gotType)
	assert.Contains(t, out, "2026-02-27T12:00:00Z  ->  2026-02-28T12:00:00Z")
	assert.Contains(t, out, "2026-03-01T11:00:00Z  ->  open")

	out, err = run(t, &Backend{Members: &fakeMembers{}}, "history", "1", "customer", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "never a member")

	_, err = run(t, &Backend{Members: members}, "history", "1", "invoice", "42")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMembers(t *testing.T) {
	members := &fakeMembers{ids: []int64{3, 4}}

	out, err := run(t, &Backend{Members: members}, "members", "1")
	require.NoError(t, err)
	assert.Equal(t, segmentation.ObjectCustomer, members.gotType)
	assert.True(t, members.gotAt.Equal(cliNow))
	assert.Contains(t, out, "2 customer members at 2026-03-01T12:00:00Z")

	out, err = run(t, &Backend{Members: members}, "members", "1", "--at", "2026-01-01T00:00:00Z", "--format", "json")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), members.gotAt)

	var resp struct {
		SegmentID int64   `json:"segment_id"`
		IDs       []int64 `json:"ids"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(1), resp.SegmentID)
	assert.Equal(t, []int64{3, 4}, resp.IDs)

	_, err = run(t, &Backend{Members: members}, "members", "1", "--at", "yesterday")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRuns(t *testing.T) {
	archive := &fakeArchive{runs: []storage.RunEntry{
		{SegmentID: 1, RunID: "b", StartedAt: cliNow, Outcome: "failed", FailReason: "422"},
		{SegmentID: 1, RunID: "a", StartedAt: cliNow.Add(-time.Hour), Outcome: "calculated", Entered: 4, Exited: 1},
	}}

	out, err := run(t, &Backend{Archive: archive}, "runs", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "failed (422)")
	assert.Contains(t, out, "calculated")

	out, err = run(t, &Backend{Archive: archive}, "runs", "1", "--limit", "1", "--format", "json")
	require.NoError(t, err)
	var runs []storage.RunEntry
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "b", runs[0].RunID)
}

func TestRuns_NoArchive(t *testing.T) {
	_, err := run(t, &Backend{}, "runs", "1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "not configured")
}

func TestRoot_RejectsUnknownFormat(t *testing.T) {
	_, err := run(t, &Backend{Segments: &fakeSegments{}}, "due", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestOpenerFailure(t *testing.T) {
	cmd := NewRootCommand(func(ctx context.Context, opts *RootOptions) (*Backend, error) {
		assert.Equal(t, "cfg.yaml", opts.Config)
		return nil, errors.New("connection refused")
	})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", "cfg.yaml", "due"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", WrapExitError(ExitCommandError, "x", nil))))
}
