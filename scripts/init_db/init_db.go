package main

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"

	"fire-dispatch/radiostatus/internal/config"
)

func main() {
	// config.Load merges .env when present
	cfg := config.Load()

	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
	)

	ctx := context.Background()

	fmt.Println("Connecting to TimescaleDB...")
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure TimescaleDB is running:\n  docker-compose up -d timescaledb", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	step1_extensions(ctx, conn)
	step2_status_log_table(ctx, conn)
	step3_indexes(ctx, conn)
	step4_verify(ctx, conn)

	fmt.Println("\n✅ Archive initialised successfully")
	fmt.Println("   Run next: ARCHIVE_ENABLED=true go run ./cmd/statusd")
}

// ─────────────────────────────────────────────────────────────
// Step 1: Extensions
// ─────────────────────────────────────────────────────────────
func step1_extensions(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 1: Extensions ──────────────────────────")

	execOrFatal(ctx, conn,
		"CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE;",
		"timescaledb extension",
	)
}

// ─────────────────────────────────────────────────────────────
// Step 2: vehicle_status_log table
// ─────────────────────────────────────────────────────────────
func step2_status_log_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 2: vehicle_status_log table ────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS vehicle_status_log (

			-- <terminal id>-<uuid v7>, assigned by the writing terminal
			id                 TEXT         NOT NULL,

			-- Partition column; the hypertable needs it in every unique key
			timestamp          TIMESTAMPTZ  NOT NULL,

			vehicle_id         TEXT         NOT NULL,
			vehicle_call_sign  TEXT         NOT NULL DEFAULT '',

			-- FMS status codes 0..9
			old_status         SMALLINT     NOT NULL,
			new_status         SMALLINT     NOT NULL,
			previous_status    SMALLINT     NOT NULL,

			-- Speech request acknowledgment
			confirmed          BOOLEAN      NOT NULL DEFAULT false,
			alert_delivered    BOOLEAN      NOT NULL DEFAULT false,

			-- NULL when the transition was detected rather than reported
			user_id            TEXT,

			archived_at        TIMESTAMPTZ  NOT NULL DEFAULT NOW(),

			UNIQUE (id, timestamp),

			CONSTRAINT chk_old_status CHECK (old_status BETWEEN 0 AND 9),
			CONSTRAINT chk_new_status CHECK (new_status BETWEEN 0 AND 9),
			CONSTRAINT chk_previous_status CHECK (previous_status BETWEEN 0 AND 9)
		);
	`, "vehicle_status_log table created")

	execOrFatal(ctx, conn, `
		SELECT create_hypertable(
			'vehicle_status_log',
			'timestamp',
			if_not_exists => TRUE
		);
	`, "vehicle_status_log converted to hypertable")
}

// ─────────────────────────────────────────────────────────────
// Step 3: Indexes
// ─────────────────────────────────────────────────────────────
func step3_indexes(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 3: Indexes ─────────────────────────────")

	indexes := []struct {
		name string
		sql  string
		why  string
	}{
		{
			name: "idx_status_log_vehicle_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_status_log_vehicle_time
				  ON vehicle_status_log (vehicle_id, timestamp DESC);`,
			why: "query: history for one vehicle",
		},
		{
			name: "idx_status_log_open_requests",
			sql: `CREATE INDEX IF NOT EXISTS idx_status_log_open_requests
				  ON vehicle_status_log (timestamp DESC)
				  WHERE new_status IN (0, 5) AND alert_delivered = false;`,
			why: "query: unacknowledged speech requests (partial index)",
		},
	}

	for _, idx := range indexes {
		execOrFatal(ctx, conn, idx.sql,
			fmt.Sprintf("%-40s ← %s", idx.name, idx.why),
		)
	}
}

// ─────────────────────────────────────────────────────────────
// Step 4: Verify everything was created
// ─────────────────────────────────────────────────────────────
func step4_verify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 4: Verification ────────────────────────")

	var hypertableName string
	err := conn.QueryRow(ctx, `
		SELECT hypertable_name
		FROM timescaledb_information.hypertables
		WHERE hypertable_name = 'vehicle_status_log'
	`).Scan(&hypertableName)
	if err != nil {
		log.Fatalf("vehicle_status_log is not a hypertable: %v", err)
	}
	fmt.Printf("  ✓ hypertable: %s (time partitioned)\n", hypertableName)

	var indexCount int
	err = conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pg_indexes
		WHERE tablename = 'vehicle_status_log'
		AND indexname LIKE 'idx_%'
	`).Scan(&indexCount)
	if err != nil {
		log.Fatalf("Index check failed: %v", err)
	}
	fmt.Printf("  ✓ indexes created: %d\n", indexCount)
}

// execOrFatal runs a SQL statement and prints result or exits on error
func execOrFatal(ctx context.Context, conn *pgx.Conn, sql, label string) {
	_, err := conn.Exec(ctx, sql)
	if err != nil {
		log.Fatalf("FAILED: %s\nError: %v\nSQL: %s", label, err, sql)
	}
	fmt.Printf("  ✓ %s\n", label)
}
