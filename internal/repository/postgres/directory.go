package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/segment-engine/internal/actions"
	"github.com/ignite/segment-engine/internal/segmentation"
)

// DirectoryRepo implements actions.Directory against PostgreSQL.
type DirectoryRepo struct{ db *sql.DB }

// NewDirectoryRepo creates a Postgres-backed customer directory.
func NewDirectoryRepo(db *sql.DB) *DirectoryRepo { return &DirectoryRepo{db: db} }

func (r *DirectoryRepo) Lookup(ctx context.Context, cashboxID int64, t segmentation.ObjectType, ids []int64) (map[int64]actions.Entity, error) {
	out := make(map[int64]actions.Entity, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var q string
	switch t {
	case segmentation.ObjectCustomer:
		q = `
		SELECT c.id, c.id, c.name, COALESCE(c.phone,''), COALESCE(c.email,''), COALESCE(c.chat_id,'')
		FROM contragents c
		WHERE c.cashbox_id = $1 AND c.id = ANY($2)`
	case segmentation.ObjectSalesDocument:
		q = `
		SELECT d.id, COALESCE(c.id, 0), d.number, COALESCE(c.phone,''), COALESCE(c.email,''), COALESCE(c.chat_id,'')
		FROM docs_sales d
		LEFT JOIN contragents c ON c.id = d.contragent_id
		WHERE d.cashbox_id = $1 AND d.id = ANY($2)`
	default:
		return nil, fmt.Errorf("directory lookup: unknown object type %q", t)
	}

	rows, err := r.db.QueryContext(ctx, q, cashboxID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("directory lookup: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e actions.Entity
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.Name, &e.Phone, &e.Email, &e.ChatID); err != nil {
			return nil, fmt.Errorf("scan directory entry: %w", err)
		}
		out[e.ID] = e
	}
	return out, rows.Err()
}
