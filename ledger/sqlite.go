package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ooo-mirror/model"
)

const schemaName = "ooo-ledger"

// SQLiteLedger keeps the delivered set in a local database file.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the ledger database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	l := &SQLiteLedger{db: db}
	if err := l.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate(ctx context.Context) error {
	var version int
	err := l.db.QueryRowContext(ctx, `SELECT version FROM db_version WHERE name = ?`, schemaName).Scan(&version)
	if err != nil {
		if _, err := l.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS db_version (
			name TEXT PRIMARY KEY,
			version INTEGER
		)`); err != nil {
			return fmt.Errorf("create db_version table: %w", err)
		}
		if _, err := l.db.ExecContext(ctx, `INSERT OR IGNORE INTO db_version (name, version) VALUES (?, 0)`, schemaName); err != nil {
			return fmt.Errorf("init db_version table: %w", err)
		}
		version = 0
	}

	if version == 0 {
		if _, err := l.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS delivered_events (
			calendar_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			title TEXT,
			start_at TEXT,
			end_at TEXT,
			delivered_at TEXT NOT NULL,
			PRIMARY KEY (calendar_id, event_id)
		)`); err != nil {
			return fmt.Errorf("create delivered_events table: %w", err)
		}
		if _, err := l.db.ExecContext(ctx, `UPDATE db_version SET version = 1 WHERE name = ?`, schemaName); err != nil {
			return fmt.Errorf("update db_version table: %w", err)
		}
	}
	return nil
}

func (l *SQLiteLedger) Seen(ctx context.Context, calendarID, eventID string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM delivered_events WHERE calendar_id = ? AND event_id = ?`,
		calendarID, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("ledger lookup %s/%s: %w", calendarID, eventID, err)
	}
	return n > 0, nil
}

func (l *SQLiteLedger) Record(ctx context.Context, rec model.DeliveredEventRecord) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO delivered_events (calendar_id, event_id, title, start_at, end_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.CalendarID, rec.EventID, rec.Title, rec.Start, rec.End, rec.DeliveredAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("ledger record %s/%s: %w", rec.CalendarID, rec.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger record %s/%s: %w", rec.CalendarID, rec.EventID, err)
	}
	return n == 1, nil
}

func (l *SQLiteLedger) Count(ctx context.Context, calendarID string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM delivered_events WHERE calendar_id = ?`, calendarID).Scan(&n)
	return n, err
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
