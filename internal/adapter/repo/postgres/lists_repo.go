package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/safeguardai/decision-engine/internal/domain"
)

// ListRepo loads allow/deny list entries. The live membership tests run
// against Redis sets; this repository seeds them at startup.
type ListRepo struct{ Pool PgxPool }

// NewListRepo constructs a ListRepo with the given pool.
func NewListRepo(p PgxPool) *ListRepo { return &ListRepo{Pool: p} }

// LoadAll returns all non-expired list entries.
func (r *ListRepo) LoadAll(ctx domain.Context) ([]domain.ListEntry, error) {
	tracer := otel.Tracer("repo.lists")
	ctx, span := tracer.Start(ctx, "lists.LoadAll")
	defer span.End()

	q := `SELECT list_type, kind, value, COALESCE(reason,''), expires_at
	      FROM lists WHERE expires_at IS NULL OR expires_at > $1`
	rows, err := r.Pool.Query(ctx, q, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("op=lists.load: %w: %w", domain.ErrPersistence, err)
	}
	defer rows.Close()

	var out []domain.ListEntry
	for rows.Next() {
		var e domain.ListEntry
		if err := rows.Scan(&e.ListType, &e.Kind, &e.Value, &e.Reason, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("op=lists.load: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=lists.load: %w", err)
	}
	return out, nil
}
