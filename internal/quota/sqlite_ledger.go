package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS quota_periods (
	caller_id    TEXT    NOT NULL,
	period_id    INTEGER NOT NULL,
	period_limit INTEGER NOT NULL DEFAULT 0,
	used         INTEGER NOT NULL DEFAULT 0 CHECK (used >= 0),
	version      INTEGER NOT NULL DEFAULT 0,
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (caller_id, period_id)
);

CREATE TABLE IF NOT EXISTS usage_events (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id      TEXT    NOT NULL,
	caller_id       TEXT    NOT NULL,
	period_id       INTEGER NOT NULL,
	provider        TEXT    NOT NULL DEFAULT '',
	model           TEXT    NOT NULL DEFAULT '',
	tokens_reserved INTEGER NOT NULL,
	tokens_used     INTEGER NOT NULL,
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_events_caller ON usage_events (caller_id, period_id);
`

// SQLiteLedger is the Ledger backed by SQLite. SQLite allows one writer, so the
// pool is limited to a single connection and every conditional update runs in a
// transaction on it.
type SQLiteLedger struct {
	db        *sql.DB
	now       func() time.Time
	closeOnce sync.Once
}

var _ Ledger = (*SQLiteLedger)(nil)

// OpenSQLite opens (creating if needed) the ledger database at dsn.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteLedger, error) {
	if dsn == "" {
		return nil, errors.New("quota: ledger dsn cannot be empty")
	}

	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, ledgerSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	return &SQLiteLedger{db: db, now: time.Now}, nil
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// ConsumeIfWithin implements Ledger.
func (l *SQLiteLedger) ConsumeIfWithin(
	ctx context.Context, key Key, limit, tokens, carry int64,
) (dec Decision, err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := l.now().UnixMilli()
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO quota_periods (caller_id, period_id, period_limit, used, version, updated_at)
		VALUES (?, ?, ?, 0, 0, ?)
		ON CONFLICT (caller_id, period_id) DO NOTHING`,
		key.CallerID, key.Period, limit, now,
	); err != nil {
		return Decision{}, fmt.Errorf("ledger: ensure row: %w", err)
	}

	if carry != 0 {
		if _, err = tx.ExecContext(ctx, `
			UPDATE quota_periods
			SET used = MAX(used + ?, 0), version = version + 1, updated_at = ?
			WHERE caller_id = ? AND period_id = ?`,
			carry, now, key.CallerID, key.Period,
		); err != nil {
			return Decision{}, fmt.Errorf("ledger: apply carry: %w", err)
		}
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE quota_periods
		SET used = used + ?, version = version + 1, period_limit = ?, updated_at = ?
		WHERE caller_id = ? AND period_id = ? AND used + ? <= ?
		RETURNING used`,
		tokens, limit, now, key.CallerID, key.Period, tokens, limit,
	).Scan(&dec.Used)
	switch {
	case err == nil:
		dec.Granted = true
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRowContext(ctx,
			`SELECT used FROM quota_periods WHERE caller_id = ? AND period_id = ?`,
			key.CallerID, key.Period,
		).Scan(&dec.Used)
		if err != nil {
			return Decision{}, fmt.Errorf("ledger: read used: %w", err)
		}
	default:
		return Decision{}, fmt.Errorf("ledger: consume: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("ledger: commit: %w", err)
	}
	return dec, nil
}

// Used implements Ledger.
func (l *SQLiteLedger) Used(ctx context.Context, key Key) (int64, error) {
	var used int64
	err := l.db.QueryRowContext(ctx,
		`SELECT used FROM quota_periods WHERE caller_id = ? AND period_id = ?`,
		key.CallerID, key.Period,
	).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: read used: %w", err)
	}
	return used, nil
}

// Adjust implements Ledger.
func (l *SQLiteLedger) Adjust(ctx context.Context, key Key, limit, delta int64) (int64, error) {
	var used int64
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO quota_periods (caller_id, period_id, period_limit, used, version, updated_at)
		VALUES (?, ?, ?, MAX(?, 0), 1, ?)
		ON CONFLICT (caller_id, period_id) DO UPDATE SET
			used = MAX(quota_periods.used + ?, 0),
			version = quota_periods.version + 1,
			updated_at = excluded.updated_at
		RETURNING used`,
		key.CallerID, key.Period, limit, delta, l.now().UnixMilli(), delta,
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("ledger: adjust: %w", err)
	}
	return used, nil
}

// RecordUsage implements Ledger.
func (l *SQLiteLedger) RecordUsage(ctx context.Context, events []UsageRecord) (err error) {
	if len(events) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_events
			(request_id, caller_id, period_id, provider, model, tokens_reserved, tokens_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("ledger: prepare usage insert: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		ev := &events[i]
		at := ev.At
		if at.IsZero() {
			at = l.now()
		}
		if _, err = stmt.ExecContext(ctx,
			ev.RequestID, ev.CallerID, ev.Period, ev.Provider, ev.Model,
			ev.Reserved, ev.ActualUsed, at.UnixMilli(),
		); err != nil {
			return fmt.Errorf("ledger: insert usage event: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// UsageTotal sums the actual tokens recorded for a caller in a period.
func (l *SQLiteLedger) UsageTotal(ctx context.Context, key Key) (int64, error) {
	var total int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(tokens_used), 0) FROM usage_events WHERE caller_id = ? AND period_id = ?`,
		key.CallerID, key.Period,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("ledger: usage total: %w", err)
	}
	return total, nil
}

// Ping checks the database connection.
func (l *SQLiteLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the database. It is safe to call more than once.
func (l *SQLiteLedger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.db.Close()
	})
	return err
}
