package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// TagRepo implements actions.Tagger against PostgreSQL.
type TagRepo struct{ db *sql.DB }

// NewTagRepo creates a Postgres-backed tagging service.
func NewTagRepo(db *sql.DB) *TagRepo { return &TagRepo{db: db} }

// EnsureTags inserts any missing tag names for the cashbox and returns the
// ids of all of them.
func (r *TagRepo) EnsureTags(ctx context.Context, cashboxID int64, names []string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	if len(names) == 0 {
		return out, nil
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO tags (cashbox_id, name)
		SELECT $1, unnest($2::text[])
		ON CONFLICT (cashbox_id, name) DO NOTHING
	`, cashboxID, pq.Array(names)); err != nil {
		return nil, fmt.Errorf("ensure tags: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name FROM tags WHERE cashbox_id = $1 AND name = ANY($2)`,
		cashboxID, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, rows.Err()
}

// Attach links tags to a customer. Existing links are kept.
func (r *TagRepo) Attach(ctx context.Context, customerID int64, tagIDs []int64) error {
	if len(tagIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO contragent_tags (contragent_id, tag_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT (contragent_id, tag_id) DO NOTHING
	`, customerID, pq.Array(tagIDs))
	if err != nil {
		return fmt.Errorf("attach tags: %w", err)
	}
	return nil
}

// Detach unlinks tags from a customer.
func (r *TagRepo) Detach(ctx context.Context, customerID int64, tagIDs []int64) error {
	if len(tagIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM contragent_tags WHERE contragent_id = $1 AND tag_id = ANY($2)`,
		customerID, pq.Array(tagIDs))
	if err != nil {
		return fmt.Errorf("detach tags: %w", err)
	}
	return nil
}
