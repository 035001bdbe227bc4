package segmentation

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Diff compares a fresh candidate set with the currently open members.
// Both slices must be sorted and free of duplicates.
//
//	new     = candidates - open
//	removed = open - candidates
//	active  = candidates
func Diff(candidates, open []int64) *Delta {
	d := &Delta{New: []int64{}, Removed: []int64{}, Active: candidates}
	if d.Active == nil {
		d.Active = []int64{}
	}
	i, j := 0, 0
	for i < len(candidates) && j < len(open) {
		switch {
		case candidates[i] == open[j]:
			i++
			j++
		case candidates[i] < open[j]:
			d.New = append(d.New, candidates[i])
			i++
		default:
			d.Removed = append(d.Removed, open[j])
			j++
		}
	}
	d.New = append(d.New, candidates[i:]...)
	d.Removed = append(d.Removed, open[j:]...)
	return d
}

// Ledger applies candidate sets to the membership ledger.
type Ledger struct {
	db    *sql.DB
	store *SnapshotStore
}

// NewLedger creates a ledger writing through store.
func NewLedger(db *sql.DB, store *SnapshotStore) *Ledger {
	return &Ledger{db: db, store: store}
}

// Reconcile diffs candidates against the open snapshot and persists the
// result in a single transaction: new ids get an open interval at now and
// removed ids have their interval closed at now. Unchanged members are not
// written. Object types missing from candidates have all their members
// closed. Running it twice with the same candidates leaves the ledger as is
// and returns an empty change-set the second time.
func (l *Ledger) Reconcile(ctx context.Context, segmentID int64, candidates map[ObjectType][]int64, now time.Time) (ChangeSet, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reconcile: %w", err)
	}
	defer tx.Rollback()

	changes := make(ChangeSet)
	for _, t := range AllObjectTypes {
		fresh, selected := candidates[t]
		fresh = normalizeIDs(append([]int64(nil), fresh...))

		open, err := l.store.OpenIDs(ctx, tx, segmentID, t)
		if err != nil {
			return nil, err
		}
		if !selected && len(open) == 0 {
			continue
		}

		delta := Diff(fresh, open)
		if len(delta.New) > 0 {
			if delta.Returning, err = l.store.PreviousMembers(ctx, tx, segmentID, t, delta.New); err != nil {
				return nil, err
			}
			if _, err := l.store.InsertOpen(ctx, tx, segmentID, t, delta.New, now); err != nil {
				return nil, err
			}
		}
		if len(delta.Removed) > 0 {
			if _, err := l.store.CloseOpen(ctx, tx, segmentID, t, delta.Removed, now); err != nil {
				return nil, err
			}
		}
		changes[t] = delta
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reconcile: %w", err)
	}
	return changes, nil
}
