package segmentation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store reads segment definitions and persists their recalculation state.
// Segment CRUD lives elsewhere; the engine only touches status columns.
type Store struct {
	db *sql.DB
}

// NewStore creates a new segment store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const segmentColumns = `
	s.id, s.cashbox_id, COALESCE(cb.token, ''), s.name, s.criteria, s.actions,
	s.type_of_update, s.update_settings, s.status, s.is_archived, s.is_deleted,
	s.updated_at, s.previous_update_at, s.claimed_until`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSegment(row rowScanner) (*Segment, error) {
	seg := &Segment{}
	var criteria, actions, settings []byte
	var updatedAt, prevUpdateAt, claimedUntil sql.NullTime
	err := row.Scan(
		&seg.ID, &seg.CashboxID, &seg.ScopeToken, &seg.Name, &criteria, &actions,
		&seg.TypeOfUpdate, &settings, &seg.Status, &seg.IsArchived, &seg.IsDeleted,
		&updatedAt, &prevUpdateAt, &claimedUntil)
	if err != nil {
		return nil, err
	}
	seg.Criteria = json.RawMessage(criteria)
	if len(actions) > 0 {
		seg.Actions = json.RawMessage(actions)
	}
	if len(settings) > 0 && string(settings) != "null" {
		var us UpdateSettings
		if err := json.Unmarshal(settings, &us); err != nil {
			return nil, fmt.Errorf("segment %d update_settings: %w", seg.ID, err)
		}
		seg.UpdateSettings = &us
	}
	if updatedAt.Valid {
		seg.UpdatedAt = &updatedAt.Time
	}
	if prevUpdateAt.Valid {
		seg.PreviousUpdateAt = &prevUpdateAt.Time
	}
	if claimedUntil.Valid {
		seg.ClaimedUntil = &claimedUntil.Time
	}
	return seg, nil
}

// Get loads one segment with its tenant's scope token.
func (s *Store) Get(ctx context.Context, id int64) (*Segment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT`+segmentColumns+`
		FROM segments s
		LEFT JOIN cashboxes cb ON cb.id = s.cashbox_id
		WHERE s.id = $1`, id)
	seg, err := scanSegment(row)
	if err == sql.ErrNoRows {
		return nil, ErrSegmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get segment %d: %w", id, err)
	}
	return seg, nil
}

// ListScheduled returns every live segment on a schedule. Whether each one
// is due is decided by the caller.
func (s *Store) ListScheduled(ctx context.Context) ([]*Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT`+segmentColumns+`
		FROM segments s
		LEFT JOIN cashboxes cb ON cb.id = s.cashbox_id
		WHERE s.type_of_update = 'scheduled'
		  AND NOT s.is_archived AND NOT s.is_deleted
		ORDER BY s.updated_at NULLS FIRST, s.id`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled segments: %w", err)
	}
	defer rows.Close()

	var out []*Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// Claim moves a segment to in_progress for owner until now+lease. It fails
// with ErrAlreadyClaimed while another owner's lease is still running.
func (s *Store) Claim(ctx context.Context, id int64, owner string, now time.Time, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE segments
		SET status = 'in_progress', claimed_until = $3, claimed_by = $4
		WHERE id = $1
		  AND (status <> 'in_progress' OR claimed_until IS NULL OR claimed_until < $2)`,
		id, now, now.Add(lease), owner)
	if err != nil {
		return fmt.Errorf("claim segment %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim segment %d: %w", id, err)
	}
	if n == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

// MarkCalculated finishes a successful run: the previous updated_at moves to
// previous_update_at and updated_at becomes the run's now.
func (s *Store) MarkCalculated(ctx context.Context, id int64, owner string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE segments
		SET status = 'calculated', previous_update_at = updated_at, updated_at = $2,
		    claimed_until = NULL, claimed_by = NULL
		WHERE id = $1 AND claimed_by = $3`, id, now, owner)
	if err != nil {
		return fmt.Errorf("mark segment %d calculated: %w", id, err)
	}
	return claimHeld(res, id)
}

// Renew pushes owner's claim out to now+lease. It fails with ErrClaimLost
// when the claim was already reset or taken over.
func (s *Store) Renew(ctx context.Context, id int64, owner string, now time.Time, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE segments
		SET claimed_until = $3
		WHERE id = $1 AND claimed_by = $2 AND status = 'in_progress'`,
		id, owner, now.Add(lease))
	if err != nil {
		return fmt.Errorf("renew claim on segment %d: %w", id, err)
	}
	return claimHeld(res, id)
}

func claimHeld(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("segment %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("segment %d: %w", id, ErrClaimLost)
	}
	return nil
}

// MarkIdle returns a failed run's segment to idle without touching updated_at.
func (s *Store) MarkIdle(ctx context.Context, id int64, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE segments
		SET status = 'idle', claimed_until = NULL, claimed_by = NULL
		WHERE id = $1 AND claimed_by = $2`, id, owner)
	if err != nil {
		return fmt.Errorf("mark segment %d idle: %w", id, err)
	}
	return nil
}

// ResetExpiredClaims returns in_progress segments whose lease ran out to idle.
func (s *Store) ResetExpiredClaims(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE segments
		SET status = 'idle', claimed_until = NULL, claimed_by = NULL
		WHERE status = 'in_progress'
		  AND (claimed_until IS NULL OR claimed_until < $1)`, now)
	if err != nil {
		return 0, fmt.Errorf("reset expired claims: %w", err)
	}
	return res.RowsAffected()
}
