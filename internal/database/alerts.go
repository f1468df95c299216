package database

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"token-alert-bot/internal/types"
)

const alertColumns = `id, owner, chain, address, name, symbol, kind, threshold, direction, timeframe,
	reference_price, reference_time, state, observed_value, created_at, settled_at`

// Insert saves a validated alert. Duplicate targets are allowed, ids are not.
func (db *DB) Insert(ctx context.Context, a types.Alert) (string, error) {
	query := `
	INSERT INTO alerts (` + alertColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	_, err := db.conn.ExecContext(ctx, query,
		a.ID, a.Owner, a.Target.Chain, a.Target.Address, a.Name, a.Symbol,
		string(a.Kind), a.Threshold, string(a.Direction), string(a.Timeframe),
		a.ReferencePrice, toUnix(a.ReferenceTime), string(a.State), a.ObservedValue,
		toUnix(a.CreatedAt), toUnix(a.SettledAt),
	)
	if err != nil {
		return "", errors.Wrapf(types.ErrPersistence, "insert alert %s: %v", a.ID, err)
	}

	log.WithFields(log.Fields{"alert_id": a.ID, "owner": a.Owner, "token": a.Target.String(), "kind": a.Kind}).
		Debug("Alert inserted")
	return a.ID, nil
}

// List returns alerts matching f, oldest first.
func (db *DB) List(ctx context.Context, f types.Filter) ([]types.Alert, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Owner != 0 {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id;"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(types.ErrPersistence, "query alerts: %v", err)
	}
	defer rows.Close()

	var alerts []types.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, errors.Wrapf(types.ErrPersistence, "scan alert: %v", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(types.ErrPersistence, "iterate alerts: %v", err)
	}

	return alerts, nil
}

func (db *DB) Get(ctx context.Context, id string) (types.Alert, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?;`, id)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return types.Alert{}, errors.Wrapf(types.ErrNotFound, "alert %s", id)
	} else if err != nil {
		return types.Alert{}, errors.Wrapf(types.ErrPersistence, "get alert %s: %v", id, err)
	}
	return a, nil
}

// UpdateState settles a single armed alert. It fails with ErrNotFound when the
// alert is gone or no longer armed.
func (db *DB) UpdateState(ctx context.Context, t types.Transition) error {
	applied, err := db.ApplyTransitions(ctx, []types.Transition{t})
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return errors.Wrapf(types.ErrNotFound, "armed alert %s", t.ID)
	}
	return nil
}

// ApplyTransitions writes a cycle's transitions in one transaction and
// returns those that took effect. A transition only applies to a row that is
// still armed, so deleted or already settled alerts are skipped.
func (db *DB) ApplyTransitions(ctx context.Context, ts []types.Transition) ([]types.Transition, error) {
	if len(ts) == 0 {
		return nil, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrapf(types.ErrPersistence, "begin transaction: %v", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	UPDATE alerts SET state = ?, settled_at = ?, observed_value = ?
	WHERE id = ? AND state = ?;`)
	if err != nil {
		return nil, errors.Wrapf(types.ErrPersistence, "prepare transition: %v", err)
	}
	defer stmt.Close()

	applied := make([]types.Transition, 0, len(ts))
	for _, t := range ts {
		if !t.To.Terminal() {
			return nil, errors.Errorf("invalid transition of alert %s to %q", t.ID, t.To)
		}
		res, err := stmt.ExecContext(ctx, string(t.To), toUnix(t.At), t.Observed, t.ID, string(types.StateArmed))
		if err != nil {
			return nil, errors.Wrapf(types.ErrPersistence, "transition alert %s: %v", t.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, errors.Wrapf(types.ErrPersistence, "transition alert %s: %v", t.ID, err)
		}
		if n == 1 {
			applied = append(applied, t)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrapf(types.ErrPersistence, "commit transitions: %v", err)
	}
	return applied, nil
}

// Delete removes an alert regardless of its state.
func (db *DB) Delete(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM alerts WHERE id = ?;`, id)
	if err != nil {
		return errors.Wrapf(types.ErrPersistence, "delete alert %s: %v", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(types.ErrPersistence, "delete alert %s: %v", id, err)
	}
	if n == 0 {
		return errors.Wrapf(types.ErrNotFound, "alert %s", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(s scanner) (types.Alert, error) {
	var (
		a                                 types.Alert
		kind, direction, timeframe, state string
		refTime, createdAt, settledAt     int64
	)
	err := s.Scan(&a.ID, &a.Owner, &a.Target.Chain, &a.Target.Address, &a.Name, &a.Symbol,
		&kind, &a.Threshold, &direction, &timeframe,
		&a.ReferencePrice, &refTime, &state, &a.ObservedValue, &createdAt, &settledAt)
	if err != nil {
		return types.Alert{}, err
	}

	a.Kind = types.Kind(kind)
	a.Direction = types.Direction(direction)
	a.Timeframe = types.Timeframe(timeframe)
	a.State = types.State(state)
	a.ReferenceTime = fromUnix(refTime)
	a.CreatedAt = fromUnix(createdAt)
	a.SettledAt = fromUnix(settledAt)
	return a, nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
