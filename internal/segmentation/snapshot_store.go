package segmentation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DefaultBatchSize bounds the number of ids sent in one ledger statement.
const DefaultBatchSize = 10000

// DBTX is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// SnapshotStore reads and writes the membership interval ledger. Rows are
// never deleted: leaving closes the open interval, re-entering opens a new one.
type SnapshotStore struct {
	db        *sql.DB
	batchSize int
}

// NewSnapshotStore creates a store. batchSize <= 0 uses DefaultBatchSize.
func NewSnapshotStore(db *sql.DB, batchSize int) *SnapshotStore {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &SnapshotStore{db: db, batchSize: batchSize}
}

// OpenIDs returns the ids with an open interval, sorted.
func (s *SnapshotStore) OpenIDs(ctx context.Context, q DBTX, segmentID int64, t ObjectType) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT object_id FROM segment_objects
		WHERE segment_id = $1 AND object_type = $2 AND valid_to IS NULL
		ORDER BY object_id`, segmentID, string(t))
	if err != nil {
		return nil, fmt.Errorf("open ids: %w", err)
	}
	return scanIDs(rows)
}

// PreviousMembers returns the subset of ids that have at least one closed
// interval in the segment.
func (s *SnapshotStore) PreviousMembers(ctx context.Context, q DBTX, segmentID int64, t ObjectType, ids []int64) ([]int64, error) {
	var out []int64
	err := s.eachBatch(ids, func(batch []int64) error {
		rows, err := q.QueryContext(ctx, `
			SELECT DISTINCT object_id FROM segment_objects
			WHERE segment_id = $1 AND object_type = $2
			  AND object_id = ANY($3) AND valid_to IS NOT NULL`,
			segmentID, string(t), pq.Array(batch))
		if err != nil {
			return fmt.Errorf("previous members: %w", err)
		}
		found, err := scanIDs(rows)
		if err != nil {
			return err
		}
		out = append(out, found...)
		return nil
	})
	return normalizeIDs(out), err
}

// InsertOpen opens an interval at now for each id. Ids that already have an
// open interval are skipped by the partial unique index.
func (s *SnapshotStore) InsertOpen(ctx context.Context, q DBTX, segmentID int64, t ObjectType, ids []int64, now time.Time) (int64, error) {
	var total int64
	err := s.eachBatch(ids, func(batch []int64) error {
		res, err := q.ExecContext(ctx, `
			INSERT INTO segment_objects (segment_id, object_type, object_id, valid_from)
			SELECT $1, $2, unnest($3::bigint[]), $4
			ON CONFLICT (segment_id, object_type, object_id) WHERE valid_to IS NULL DO NOTHING`,
			segmentID, string(t), pq.Array(batch), now)
		if err != nil {
			return fmt.Errorf("insert open intervals: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
		return nil
	})
	return total, err
}

// CloseOpen sets valid_to = now on the open intervals of ids.
func (s *SnapshotStore) CloseOpen(ctx context.Context, q DBTX, segmentID int64, t ObjectType, ids []int64, now time.Time) (int64, error) {
	var total int64
	err := s.eachBatch(ids, func(batch []int64) error {
		res, err := q.ExecContext(ctx, `
			UPDATE segment_objects SET valid_to = $4
			WHERE segment_id = $1 AND object_type = $2
			  AND object_id = ANY($3) AND valid_to IS NULL`,
			segmentID, string(t), pq.Array(batch), now)
		if err != nil {
			return fmt.Errorf("close open intervals: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
		return nil
	})
	return total, err
}

// History returns every interval of one object, oldest first.
func (s *SnapshotStore) History(ctx context.Context, segmentID int64, t ObjectType, objectID int64) ([]MembershipInterval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT valid_from, valid_to FROM segment_objects
		WHERE segment_id = $1 AND object_type = $2 AND object_id = $3
		ORDER BY valid_from, id`, segmentID, string(t), objectID)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var out []MembershipInterval
	for rows.Next() {
		iv := MembershipInterval{SegmentID: segmentID, ObjectType: t, ObjectID: objectID}
		var validTo sql.NullTime
		if err := rows.Scan(&iv.ValidFrom, &validTo); err != nil {
			return nil, err
		}
		if validTo.Valid {
			iv.ValidTo = &validTo.Time
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

// MembersAt returns the ids whose interval covers at. Intervals are
// half-open: [valid_from, valid_to).
func (s *SnapshotStore) MembersAt(ctx context.Context, segmentID int64, t ObjectType, at time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT object_id FROM segment_objects
		WHERE segment_id = $1 AND object_type = $2
		  AND valid_from <= $3 AND (valid_to IS NULL OR valid_to > $3)
		ORDER BY object_id`, segmentID, string(t), at)
	if err != nil {
		return nil, fmt.Errorf("members at: %w", err)
	}
	return scanIDs(rows)
}

// OpenCounts returns the current member count per object type.
func (s *SnapshotStore) OpenCounts(ctx context.Context, segmentID int64) (map[ObjectType]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT object_type, COUNT(*) FROM segment_objects
		WHERE segment_id = $1 AND valid_to IS NULL
		GROUP BY object_type`, segmentID)
	if err != nil {
		return nil, fmt.Errorf("open counts: %w", err)
	}
	defer rows.Close()

	out := make(map[ObjectType]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[ObjectType(t)] = n
	}
	return out, rows.Err()
}

func (s *SnapshotStore) eachBatch(ids []int64, fn func([]int64) error) error {
	for start := 0; start < len(ids); start += s.batchSize {
		end := start + s.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := fn(ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
