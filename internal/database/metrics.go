package database

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// SaveMetrics replaces the stored values of the given series in one
// transaction. Keys are metric names; unlabelled series use empty label fields.
func (db *DB) SaveMetrics(ctx context.Context, values []MetricValue) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin metrics transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT OR REPLACE INTO metrics (metric_name, label_key, label_value, metric_value)
	VALUES (?, ?, ?, ?);`
	for _, v := range values {
		if _, err := tx.ExecContext(ctx, query, v.Name, v.LabelKey, v.LabelValue, v.Value); err != nil {
			return fmt.Errorf("failed to save metric %s: %w", v.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metrics: %w", err)
	}
	log.Debugf("Saved %d metric values", len(values))
	return nil
}

// MetricValue is one persisted sample of a counter.
type MetricValue struct {
	Name       string
	LabelKey   string
	LabelValue string
	Value      float64
}

// LoadMetrics returns every stored sample.
func (db *DB) LoadMetrics(ctx context.Context) ([]MetricValue, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT metric_name, label_key, label_value, metric_value FROM metrics;`)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var values []MetricValue
	for rows.Next() {
		var v MetricValue
		if err := rows.Scan(&v.Name, &v.LabelKey, &v.LabelValue, &v.Value); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
