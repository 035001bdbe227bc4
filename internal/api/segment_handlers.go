package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/segment-engine/internal/pkg/httputil"
	"github.com/ignite/segment-engine/internal/pkg/logger"
	"github.com/ignite/segment-engine/internal/segmentation"
	"github.com/ignite/segment-engine/internal/storage"
)

// TriggerAPI marks runs started over HTTP.
const TriggerAPI = "api"

// scopeTokenHeader names the tenant whose live feed hears about a run on a
// segment that cannot be loaded. Honoured only behind the API key.
const scopeTokenHeader = "X-Scope-Token"

// Recalculator runs one segment. segmentation.Engine implements it.
type Recalculator interface {
	Recalculate(ctx context.Context, req segmentation.Request) (*segmentation.RunReport, error)
}

// MembershipReader answers point-in-time questions about the ledger.
type MembershipReader interface {
	History(ctx context.Context, segmentID int64, t segmentation.ObjectType, objectID int64) ([]segmentation.MembershipInterval, error)
	MembersAt(ctx context.Context, segmentID int64, t segmentation.ObjectType, at time.Time) ([]int64, error)
}

// RunArchive lists and loads archived run reports.
type RunArchive interface {
	ListRuns(ctx context.Context, segmentID int64, limit int) ([]storage.RunEntry, error)
	GetReport(ctx context.Context, key string) (*segmentation.RunReport, error)
}

// SegmentHandlers serves the segment endpoints.
type SegmentHandlers struct {
	engine  Recalculator
	members MembershipReader
	archive RunArchive

	// background recalculations
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSegmentHandlers creates the handlers. archive may be nil.
func NewSegmentHandlers(engine Recalculator, members MembershipReader, archive RunArchive) *SegmentHandlers {
	ctx, cancel := context.WithCancel(context.Background())
	return &SegmentHandlers{
		engine:  engine,
		members: members,
		archive: archive,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close cancels background recalculations and waits for them to return.
func (h *SegmentHandlers) Close() {
	h.cancel()
	h.wg.Wait()
}

// HandleRecalculate starts one recalculation of a segment regardless of its
// schedule. By default the run continues in the background and the response
// is 202; with ?wait=true the response carries the run report, or the
// failure mapped to 404, 410, 422, 409 or 500.
//
//	POST /api/segments/{id}/recalculate
func (h *SegmentHandlers) HandleRecalculate(w http.ResponseWriter, r *http.Request) {
	id, ok := segmentID(w, r)
	if !ok {
		return
	}
	req := segmentation.Request{
		SegmentID:  id,
		ScopeToken: r.Header.Get(scopeTokenHeader),
		Trigger:    TriggerAPI,
	}

	if r.URL.Query().Get("wait") == "true" {
		report, err := h.engine.Recalculate(r.Context(), req)
		if err != nil {
			httputil.RecalcError(w, err)
			return
		}
		httputil.OK(w, report)
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if _, err := h.engine.Recalculate(h.ctx, req); err != nil && !errors.Is(err, segmentation.ErrAlreadyClaimed) {
			logger.Warn("on-demand recalculation failed", "segment_id", id, "error", err)
		}
	}()
	httputil.Accepted(w, map[string]interface{}{"segment_id": id, "status": "accepted"})
}

// HandleHistory returns every membership interval of one object.
//
//	GET /api/segments/{id}/history/{type}/{objectID}
func (h *SegmentHandlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := segmentID(w, r)
	if !ok {
		return
	}
	t := segmentation.ObjectType(chi.URLParam(r, "type"))
	if !t.Valid() {
		httputil.BadRequest(w, "unknown object type: "+string(t))
		return
	}
	objectID, err := strconv.ParseInt(chi.URLParam(r, "objectID"), 10, 64)
	if err != nil {
		httputil.BadRequest(w, "invalid object id")
		return
	}

	intervals, err := h.members.History(r.Context(), id, t, objectID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if intervals == nil {
		intervals = []segmentation.MembershipInterval{}
	}
	httputil.OK(w, map[string]interface{}{
		"segment_id":  id,
		"object_type": t,
		"object_id":   objectID,
		"intervals":   intervals,
	})
}

// HandleMembers returns the members of a segment at a point in time.
// ?type defaults to customer and ?at (RFC3339) to now.
//
//	GET /api/segments/{id}/members
func (h *SegmentHandlers) HandleMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := segmentID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	t := segmentation.ObjectCustomer
	if v := q.Get("type"); v != "" {
		t = segmentation.ObjectType(v)
		if !t.Valid() {
			httputil.BadRequest(w, "unknown object type: "+v)
			return
		}
	}
	at := time.Now().UTC()
	if v := q.Get("at"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.BadRequest(w, "at must be RFC3339")
			return
		}
		at = parsed.UTC()
	}

	ids, err := h.members.MembersAt(r.Context(), id, t, at)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	httputil.OK(w, map[string]interface{}{
		"segment_id":  id,
		"object_type": t,
		"at":          at,
		"count":       len(ids),
		"ids":         ids,
	})
}

// HandleRuns lists archived runs of a segment, newest first.
//
//	GET /api/segments/{id}/runs
func (h *SegmentHandlers) HandleRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := segmentID(w, r)
	if !ok {
		return
	}
	if h.archive == nil {
		httputil.NotFound(w, "run archive is not configured")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			httputil.BadRequest(w, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	runs, err := h.archive.ListRuns(r.Context(), id, limit)
	if errors.Is(err, storage.ErrNoIndex) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if runs == nil {
		runs = []storage.RunEntry{}
	}
	httputil.OK(w, map[string]interface{}{"segment_id": id, "runs": runs})
}

// HandleReport returns one archived run report by its key.
//
//	GET /api/runs/report?key=...
func (h *SegmentHandlers) HandleReport(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		httputil.NotFound(w, "run archive is not configured")
		return
	}
	report, err := h.archive.GetReport(r.Context(), r.URL.Query().Get("key"))
	if errors.Is(err, storage.ErrInvalidKey) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		httputil.NotFound(w, "report not found")
		return
	}
	httputil.OK(w, report)
}

func segmentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "invalid segment id")
		return 0, false
	}
	return id, true
}
