package segmentation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Queryer is the read side of *sql.DB and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// BuiltQuery is a compiled membership query.
type BuiltQuery struct {
	SQL  string
	Args []interface{}
}

// Plan is the validated, compiled form of a segment's criteria for one run.
type Plan struct {
	SegmentID int64
	Now       time.Time
	Types     []ObjectType
	Queries   map[ObjectType]BuiltQuery
}

// Compiler turns criteria into candidate id sets. It only reads.
type Compiler struct {
	db Queryer
}

// NewCompiler creates a compiler that runs its queries against db.
func NewCompiler(db Queryer) *Compiler {
	return &Compiler{db: db}
}

// Plan validates the segment's criteria and compiles one query per object
// type. Nothing touches the database, so malformed criteria fail before any
// query runs.
func (c *Compiler) Plan(seg *Segment, now time.Time) (*Plan, error) {
	doc, err := ParseCriteria(seg.Criteria)
	if err != nil {
		return nil, err
	}
	return PlanDocument(doc, seg.ID, seg.CashboxID, now)
}

// PlanDocument compiles an already parsed document.
func PlanDocument(doc *CriteriaDocument, segmentID, cashboxID int64, now time.Time) (*Plan, error) {
	plan := &Plan{
		SegmentID: segmentID,
		Now:       now,
		Types:     doc.Types(),
		Queries:   make(map[ObjectType]BuiltQuery),
	}
	verr := &ValidationError{}
	for _, t := range plan.Types {
		qb := NewQueryBuilder(now)
		query, args, err := qb.BuildMembershipQuery(t, cashboxID, doc.Tree(t))
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				verr.Problems = append(verr.Problems, ve.Problems...)
				continue
			}
			return nil, err
		}
		plan.Queries[t] = BuiltQuery{SQL: query, Args: args}
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Candidates runs the plan and returns the sorted, deduplicated id set for
// every object type the criteria select.
func (c *Compiler) Candidates(ctx context.Context, plan *Plan) (map[ObjectType][]int64, error) {
	out := make(map[ObjectType][]int64, len(plan.Types))
	for _, t := range plan.Types {
		q := plan.Queries[t]
		ids, err := c.queryIDs(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("candidates for %s: %w", t, err)
		}
		out[t] = ids
	}
	return out, nil
}

func (c *Compiler) queryIDs(ctx context.Context, q BuiltQuery) ([]int64, error) {
	rows, err := c.db.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return normalizeIDs(ids), nil
}

// normalizeIDs sorts and deduplicates in place.
func normalizeIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return []int64{}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}
