package database

import (
	"context"
	"database/sql"
	"fmt"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle that backs both the alert store and the
// persisted metric values.
type DB struct {
	conn *sql.DB
}

func InitDB(dbPath string) (*DB, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// one connection serialises user commands and engine writes
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}

	log.Debugf("Database initialized at %s", dbPath)
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	createAlertsTable := `
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		owner INTEGER NOT NULL,
		chain TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		threshold REAL NOT NULL,
		direction TEXT NOT NULL DEFAULT '',
		timeframe TEXT NOT NULL DEFAULT '',
		reference_price REAL NOT NULL DEFAULT 0,
		reference_time INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		observed_value REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		settled_at INTEGER NOT NULL DEFAULT 0
	);`
	if _, err := db.conn.ExecContext(ctx, createAlertsTable); err != nil {
		return fmt.Errorf("failed to create alerts table: %w", err)
	}

	createStateIndex := `CREATE INDEX IF NOT EXISTS idx_alerts_state ON alerts (state);`
	if _, err := db.conn.ExecContext(ctx, createStateIndex); err != nil {
		return fmt.Errorf("failed to create alerts state index: %w", err)
	}

	createOwnerIndex := `CREATE INDEX IF NOT EXISTS idx_alerts_owner ON alerts (owner);`
	if _, err := db.conn.ExecContext(ctx, createOwnerIndex); err != nil {
		return fmt.Errorf("failed to create alerts owner index: %w", err)
	}

	createMetricsTable := `
		CREATE TABLE IF NOT EXISTS metrics (
		metric_name TEXT NOT NULL,
		label_key TEXT NOT NULL DEFAULT '',
		label_value TEXT NOT NULL DEFAULT '',
		metric_value REAL NOT NULL,
		PRIMARY KEY (metric_name, label_key, label_value)
	);`
	if _, err := db.conn.ExecContext(ctx, createMetricsTable); err != nil {
		return fmt.Errorf("failed to create metrics table: %w", err)
	}

	return nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) Close() error {
	if db != nil && db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
