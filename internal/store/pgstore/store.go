// Package pgstore implements the cursor store on PostgreSQL so that several
// ledgersync processes can share delivery cursors.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/roach88/ledgersync/internal/ir"
	"github.com/roach88/ledgersync/internal/store"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ledgersync_cursors (
	account    TEXT PRIMARY KEY,
	seq        BIGINT NOT NULL,
	event_id   TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

const (
	loadQuery = "SELECT seq, event_id FROM ledgersync_cursors WHERE account = $1"

	advanceQuery = `
		INSERT INTO ledgersync_cursors (account, seq, event_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account) DO UPDATE SET
			seq = EXCLUDED.seq,
			event_id = EXCLUDED.event_id,
			updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.seq > ledgersync_cursors.seq
		   OR (EXCLUDED.seq = ledgersync_cursors.seq
		       AND EXCLUDED.event_id COLLATE "C" > ledgersync_cursors.event_id COLLATE "C")`

	listQuery = `SELECT account, seq, event_id, updated_at FROM ledgersync_cursors ORDER BY account COLLATE "C"`

	resetQuery = "DELETE FROM ledgersync_cursors WHERE account = $1"
)

// Store implements the cursor store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New wraps an existing connection pool. The caller owns db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn and creates the cursor table if needed.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s := New(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the cursor table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create cursor table: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadCursor returns the stored cursor, or the zero Position if none exists.
func (s *Store) LoadCursor(ctx context.Context, account ir.AccountKey) (ir.Position, error) {
	var pos ir.Position
	err := s.db.QueryRowContext(ctx, loadQuery, string(account)).Scan(&pos.Seq, &pos.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Position{}, nil
	}
	if err != nil {
		return ir.Position{}, fmt.Errorf("failed to load cursor %s: %w", account, err)
	}
	return pos, nil
}

// AdvanceCursor stores pos if it is strictly after the stored cursor.
// The comparison runs inside the upsert, so concurrent writers never regress it.
func (s *Store) AdvanceCursor(ctx context.Context, account ir.AccountKey, pos ir.Position) (bool, error) {
	if pos.IsZero() {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, advanceQuery, string(account), pos.Seq, pos.ID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to advance cursor %s: %w", account, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to advance cursor %s: %w", account, err)
	}
	return n > 0, nil
}

// ListCursors returns every stored cursor ordered by account.
func (s *Store) ListCursors(ctx context.Context) ([]store.CursorRecord, error) {
	rows, err := s.db.QueryContext(ctx, listQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()

	records := []store.CursorRecord{}
	for rows.Next() {
		var (
			rec     store.CursorRecord
			account string
		)
		if err := rows.Scan(&account, &rec.Position.Seq, &rec.Position.ID, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		rec.Account = ir.AccountKey(account)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	return records, nil
}

// ResetCursor deletes the cursor for account. Reports whether one existed.
func (s *Store) ResetCursor(ctx context.Context, account ir.AccountKey) (bool, error) {
	res, err := s.db.ExecContext(ctx, resetQuery, string(account))
	if err != nil {
		return false, fmt.Errorf("failed to reset cursor %s: %w", account, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to reset cursor %s: %w", account, err)
	}
	return n > 0, nil
}
