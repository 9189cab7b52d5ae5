package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fire-dispatch/radiostatus/internal/config"
	"fire-dispatch/radiostatus/internal/domain"
)

// Archive mirrors the status log into TimescaleDB so history survives a
// reset of the shared store. Terminals never read it back; only the
// vehicle history view does.
type Archive struct {
	pool *pgxpool.Pool
}

func NewArchive(ctx context.Context, cfg *config.Config) (*Archive, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBMaxConns,
	)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &Archive{pool: pool}, nil
}

func (a *Archive) Close() {
	a.pool.Close()
}

func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Acknowledgment only ever flips confirmed and alert_delivered, so those are
// the only columns refreshed on conflict.
const upsertEntrySQL = `
	INSERT INTO vehicle_status_log
		(id, vehicle_id, vehicle_call_sign, old_status, new_status, previous_status,
		 timestamp, confirmed, alert_delivered, user_id)
	VALUES
		($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''))
	ON CONFLICT (id, timestamp) DO UPDATE SET
		confirmed       = EXCLUDED.confirmed,
		alert_delivered = EXCLUDED.alert_delivered
`

func (a *Archive) UpsertEntries(ctx context.Context, entries []domain.StatusLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(upsertEntrySQL,
			e.ID,
			e.VehicleID,
			e.VehicleCallSign,
			int(e.OldStatus),
			int(e.NewStatus),
			int(e.PreviousStatus),
			e.Timestamp,
			e.Confirmed,
			e.AlertDelivered,
			e.UserID,
		)
	}

	if err := a.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert failed for batch of %d: %w", len(entries), err)
	}
	return nil
}

func (a *Archive) RecentForVehicle(ctx context.Context, vehicleID string, limit int) ([]domain.StatusLogEntry, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT id, vehicle_id, vehicle_call_sign, old_status, new_status, previous_status,
		       timestamp, confirmed, alert_delivered, COALESCE(user_id, '')
		FROM vehicle_status_log
		WHERE vehicle_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`, vehicleID, limit)
	if err != nil {
		return nil, fmt.Errorf("history query failed for %s: %w", vehicleID, err)
	}
	defer rows.Close()

	var out []domain.StatusLogEntry
	for rows.Next() {
		var (
			e                 domain.StatusLogEntry
			oldS, newS, prevS int
		)
		if err := rows.Scan(&e.ID, &e.VehicleID, &e.VehicleCallSign, &oldS, &newS, &prevS,
			&e.Timestamp, &e.Confirmed, &e.AlertDelivered, &e.UserID); err != nil {
			return nil, fmt.Errorf("history scan failed: %w", err)
		}
		e.OldStatus = domain.StatusCode(oldS)
		e.NewStatus = domain.StatusCode(newS)
		e.PreviousStatus = domain.StatusCode(prevS)
		out = append(out, e)
	}
	return out, rows.Err()
}
