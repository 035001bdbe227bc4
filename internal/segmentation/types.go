// Package segmentation evaluates audience criteria against operational data,
// keeps a bitemporal ledger of who is in each segment and drives the
// recalculation cycle that turns membership changes into side effects.
package segmentation

import (
	"encoding/json"
	"sort"
	"time"
)

// ==========================================
// ENUMS
// ==========================================

// ObjectType is the kind of entity a segment can contain.
type ObjectType string

const (
	ObjectCustomer      ObjectType = "customer"
	ObjectSalesDocument ObjectType = "sales_document"
)

// AllObjectTypes lists every object type in a stable processing order.
var AllObjectTypes = []ObjectType{ObjectCustomer, ObjectSalesDocument}

// Valid reports whether t is a known object type.
func (t ObjectType) Valid() bool {
	return t == ObjectCustomer || t == ObjectSalesDocument
}

// UpdateType controls how a segment gets recalculated.
type UpdateType string

const (
	UpdateScheduled UpdateType = "scheduled"
	UpdateOnDemand  UpdateType = "on_demand"
)

// Status is the recalculation state of a segment.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusInProgress Status = "in_progress"
	StatusCalculated Status = "calculated"
)

// ==========================================
// SEGMENT
// ==========================================

// UpdateSettings holds the schedule of a scheduled segment.
type UpdateSettings struct {
	IntervalMinutes int `json:"interval_minutes"`
}

// Segment is a persisted segment definition as the engine reads it.
type Segment struct {
	ID               int64           `json:"id" db:"id"`
	CashboxID        int64           `json:"cashbox_id" db:"cashbox_id"`
	ScopeToken       string          `json:"-" db:"token"`
	Name             string          `json:"name" db:"name"`
	Criteria         json.RawMessage `json:"criteria" db:"criteria"`
	Actions          json.RawMessage `json:"actions,omitempty" db:"actions"`
	TypeOfUpdate     UpdateType      `json:"type_of_update" db:"type_of_update"`
	UpdateSettings   *UpdateSettings `json:"update_settings,omitempty" db:"update_settings"`
	Status           Status          `json:"status" db:"status"`
	IsArchived       bool            `json:"is_archived" db:"is_archived"`
	IsDeleted        bool            `json:"is_deleted" db:"is_deleted"`
	UpdatedAt        *time.Time      `json:"updated_at,omitempty" db:"updated_at"`
	PreviousUpdateAt *time.Time      `json:"previous_update_at,omitempty" db:"previous_update_at"`
	ClaimedUntil     *time.Time      `json:"claimed_until,omitempty" db:"claimed_until"`
}

// Interval returns the configured recalculation interval, zero when unset.
func (s *Segment) Interval() time.Duration {
	if s.UpdateSettings == nil || s.UpdateSettings.IntervalMinutes <= 0 {
		return 0
	}
	return time.Duration(s.UpdateSettings.IntervalMinutes) * time.Minute
}

// Live reports whether the segment is neither archived nor deleted.
func (s *Segment) Live() bool {
	return !s.IsArchived && !s.IsDeleted
}

// ==========================================
// MEMBERSHIP LEDGER
// ==========================================

// MembershipInterval is one row of the membership ledger. ValidTo is nil
// while the object is still a member.
type MembershipInterval struct {
	SegmentID  int64      `json:"segment_id"`
	ObjectType ObjectType `json:"object_type"`
	ObjectID   int64      `json:"object_id"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidTo    *time.Time `json:"valid_to,omitempty"`
}

// Open reports whether the interval is still open.
func (m MembershipInterval) Open() bool { return m.ValidTo == nil }

// Delta is the membership change of one object type within one run.
type Delta struct {
	New     []int64 `json:"new"`
	Removed []int64 `json:"removed"`
	Active  []int64 `json:"active"`
	// Returning holds the ids in New that were members at some earlier time.
	Returning []int64 `json:"returning,omitempty"`
}

// IsReturning reports whether id re-entered the segment.
func (d *Delta) IsReturning(id int64) bool {
	i := sort.Search(len(d.Returning), func(i int) bool { return d.Returning[i] >= id })
	return i < len(d.Returning) && d.Returning[i] == id
}

// ChangeSet is the per-object-type result of one reconcile.
type ChangeSet map[ObjectType]*Delta

// Empty reports whether nothing entered or left.
func (c ChangeSet) Empty() bool {
	for _, d := range c {
		if len(d.New) > 0 || len(d.Removed) > 0 {
			return false
		}
	}
	return true
}

// Counts summarises the change-set for reports and events.
func (c ChangeSet) Counts() map[ObjectType]DeltaCounts {
	out := make(map[ObjectType]DeltaCounts, len(c))
	for t, d := range c {
		out[t] = DeltaCounts{New: len(d.New), Removed: len(d.Removed), Active: len(d.Active)}
	}
	return out
}

// DeltaCounts is the size of a Delta.
type DeltaCounts struct {
	New     int `json:"new"`
	Removed int `json:"removed"`
	Active  int `json:"active"`
}

// ==========================================
// ACTIONS & REPORTS
// ==========================================

// Transition says whether an action fired because an object entered or left.
type Transition string

const (
	TransitionEnter Transition = "enter"
	TransitionExit  Transition = "exit"
)

// ActionStatus is the outcome of one action against one object.
type ActionStatus string

const (
	ActionOK      ActionStatus = "ok"
	ActionFailed  ActionStatus = "failed"
	ActionSkipped ActionStatus = "skipped"
)

// ActionResult records one side effect attempt. Failures are values here,
// never errors propagated out of the pipeline.
type ActionResult struct {
	Action     string        `json:"action"`
	ObjectType ObjectType    `json:"object_type"`
	ObjectID   int64         `json:"object_id"`
	Transition Transition    `json:"transition"`
	Status     ActionStatus  `json:"status"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// RunReport is the outcome of a single recalculation.
type RunReport struct {
	RunID      string                     `json:"run_id"`
	SegmentID  int64                      `json:"segment_id"`
	CashboxID  int64                      `json:"cashbox_id"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt time.Time                  `json:"finished_at"`
	Outcome    string                     `json:"outcome"`
	FailReason string                     `json:"fail_reason,omitempty"`
	Error      string                     `json:"error,omitempty"`
	Changes    map[ObjectType]DeltaCounts `json:"changes,omitempty"`
	Actions    []ActionResult             `json:"actions,omitempty"`
}

// ActionSummary counts results by action and status.
func (r *RunReport) ActionSummary() map[string]map[ActionStatus]int {
	out := make(map[string]map[ActionStatus]int)
	for _, a := range r.Actions {
		if out[a.Action] == nil {
			out[a.Action] = make(map[ActionStatus]int)
		}
		out[a.Action][a.Status]++
	}
	return out
}
