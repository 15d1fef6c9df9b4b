package postgres

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/safeguardai/decision-engine/internal/domain"
)

// EventRepo persists transaction events append-only.
type EventRepo struct{ Pool PgxPool }

// NewEventRepo constructs an EventRepo with the given pool.
func NewEventRepo(p PgxPool) *EventRepo { return &EventRepo{Pool: p} }

// Append stores the accepted event. Duplicate event ids are a no-op so
// retries stay idempotent.
func (r *EventRepo) Append(ctx domain.Context, ev domain.TransactionEvent) error {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.Append")
	defer span.End()

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=event.append: %w", err)
	}
	now := time.Now().UTC()
	hash := integrityHash(ev.EventID, ev.TenantID, now, payload)
	q := `INSERT INTO events (event_id, tenant_id, idem_key, payload, hash, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6)
	      ON CONFLICT (event_id) DO NOTHING`
	_, err = r.Pool.Exec(ctx, q, ev.EventID, ev.TenantID, ev.IdemKey(), payload, hash, now)
	if err != nil {
		return fmt.Errorf("op=event.append: %w: %w", domain.ErrPersistence, err)
	}
	return nil
}

// integrityHash covers the identifying fields plus the serialized payload so
// audit rows are tamper-evident.
func integrityHash(eventID, tenantID string, ts time.Time, payload []byte) []byte {
	h := sha256.New()
	h.Write([]byte(eventID))
	h.Write([]byte(tenantID))
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	h.Write(payload)
	return h.Sum(nil)
}
