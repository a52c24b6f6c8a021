package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/ledgersync/internal/ir"
)

// CursorRecord is one row of the cursor table.
type CursorRecord struct {
	Account   ir.AccountKey `json:"account"`
	Position  ir.Position   `json:"position"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// LoadCursor returns the stored cursor for account, or the zero Position if
// the account has never been delivered.
func (s *Store) LoadCursor(ctx context.Context, account ir.AccountKey) (ir.Position, error) {
	var pos ir.Position
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, event_id FROM cursors WHERE account = ?
	`, string(account)).Scan(&pos.Seq, &pos.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Position{}, nil
	}
	if err != nil {
		return ir.Position{}, fmt.Errorf("load cursor %s: %w", account, err)
	}
	return pos, nil
}

// ListCursors returns every stored cursor ordered by account.
//
// Returns an empty slice (not nil) if no cursors exist.
func (s *Store) ListCursors(ctx context.Context) ([]CursorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account, seq, event_id, updated_at
		FROM cursors
		ORDER BY account COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query cursors: %w", err)
	}
	defer rows.Close()

	records := []CursorRecord{}
	for rows.Next() {
		var (
			rec     CursorRecord
			account string
			updated string
		)
		if err := rows.Scan(&account, &rec.Position.Seq, &rec.Position.ID, &updated); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		rec.Account = ir.AccountKey(account)
		if rec.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cursors: %w", err)
	}
	return records, nil
}

// ReadEventsAfter returns up to limit events concerning account strictly after
// the given position. Results are ordered by seq ASC, id ASC COLLATE BINARY.
//
// Returns an empty slice (not nil) if no events match.
func (s *Store) ReadEventsAfter(ctx context.Context, account ir.AccountKey, after ir.Position, limit int) ([]ir.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.seq, e.id, e.kind, e.payload, e.accounts, e.observed_at
		FROM events e
		JOIN event_accounts a ON a.seq = e.seq
		WHERE a.account = ?
		  AND (e.seq > ? OR (e.seq = ? AND e.id > ?))
		ORDER BY e.seq ASC, e.id COLLATE BINARY ASC
		LIMIT ?
	`, string(account), after.Seq, after.Seq, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []ir.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// Tip returns the position of the newest event in the log, or the zero
// Position when the log is empty.
func (s *Store) Tip(ctx context.Context) (ir.Position, error) {
	var pos ir.Position
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, id FROM events ORDER BY seq DESC LIMIT 1
	`).Scan(&pos.Seq, &pos.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Position{}, nil
	}
	if err != nil {
		return ir.Position{}, fmt.Errorf("query tip: %w", err)
	}
	return pos, nil
}

func scanEvent(rows *sql.Rows) (ir.Event, error) {
	var (
		ev       ir.Event
		kind     string
		payload  string
		accounts string
		observed string
	)
	if err := rows.Scan(&ev.Position.Seq, &ev.Position.ID, &kind, &payload, &accounts, &observed); err != nil {
		return ir.Event{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Kind = ir.Kind(kind)
	ev.Payload = []byte(payload)

	var err error
	if ev.Accounts, err = unmarshalAccounts(accounts); err != nil {
		return ir.Event{}, err
	}
	if ev.ObservedAt, err = parseTime(observed); err != nil {
		return ir.Event{}, err
	}
	return ev, nil
}
