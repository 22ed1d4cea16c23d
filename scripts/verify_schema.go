package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/grichardomi/nexusmeme-sub003/pkg/config"
)

// verify_schema checks that a database carries the tables, columns and
// indexes the core relies on. Run it against a fresh or migrated
// database before pointing the service at it:
//
//	go run ./scripts/verify_schema.go
//
// It uses DATABASE_URL from the environment (or .env), same as the
// main binary.

var tables = []string{
	"job_queue",
	"trades",
	"bot_instances",
	"bot_events",
	"exchange_credentials",
	"email_outbox",
	"market_snapshots",
	"market_regimes",
}

var columns = map[string][]string{
	"job_queue": {"priority", "run_after", "dedupe_key", "claimed_by"},
	"trades":    {"idempotency_key", "pyramid_levels", "realized_pnl"},
}

var indexes = []string{
	"idx_job_queue_due",
	"idx_job_queue_dedupe",
	"idx_trades_bot_open",
	"idx_email_outbox_pending",
	"idx_market_regimes_latest",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	fmt.Printf("Verifying schema at: %s\n", cfg.DatabaseURL)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close(ctx)

	bad := 0

	fmt.Println("\n1. Tables...")
	for _, table := range tables {
		var reg *string
		if err := conn.QueryRow(ctx, "SELECT to_regclass($1)::text", table).Scan(&reg); err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		if reg != nil {
			fmt.Printf("✓ %s exists\n", table)
		} else {
			fmt.Printf("❌ %s MISSING\n", table)
			bad++
		}
	}

	fmt.Println("\n2. Columns...")
	for table, cols := range columns {
		for _, col := range cols {
			var n int
			err := conn.QueryRow(ctx,
				`SELECT COUNT(*) FROM information_schema.columns
				 WHERE table_name = $1 AND column_name = $2`, table, col).Scan(&n)
			if err != nil {
				log.Fatalf("Query failed: %v", err)
			}
			if n > 0 {
				fmt.Printf("✓ %s.%s exists\n", table, col)
			} else {
				fmt.Printf("❌ %s.%s MISSING\n", table, col)
				bad++
			}
		}
	}

	fmt.Println("\n3. Indexes...")
	for _, idx := range indexes {
		var n int
		err := conn.QueryRow(ctx,
			"SELECT COUNT(*) FROM pg_indexes WHERE indexname = $1", idx).Scan(&n)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		if n > 0 {
			fmt.Printf("✓ %s exists\n", idx)
		} else {
			fmt.Printf("❌ %s MISSING\n", idx)
			bad++
		}
	}

	fmt.Println("\n4. Idempotency constraint...")
	var n int
	err = conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM pg_constraint
		 WHERE conname = 'trades_idempotency_key_unique' AND contype = 'u'`).Scan(&n)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	if n > 0 {
		fmt.Println("✓ trades.idempotency_key is UNIQUE")
	} else {
		fmt.Println("❌ trades.idempotency_key UNIQUE constraint MISSING")
		bad++
	}

	if bad > 0 {
		log.Fatalf("\nSchema verification FAILED: %d problem(s). Run migrations first.", bad)
	}
	fmt.Println("\nSchema verification passed.")
}
