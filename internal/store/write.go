package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/ledgersync/internal/ir"
)

// AppendEvent assigns the next sequence number to a new event and writes it
// to the local event log. The event id is content-addressed over
// (kind, accounts, seq, payload).
func (s *Store) AppendEvent(ctx context.Context, kind ir.Kind, payload json.RawMessage, accounts []ir.AccountKey) (ir.Event, error) {
	if len(accounts) == 0 {
		return ir.Event{}, fmt.Errorf("append event: no accounts")
	}
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return ir.Event{}, fmt.Errorf("append event: %w", err)
	}
	accountsJSON, err := marshalAccounts(accounts)
	if err != nil {
		return ir.Event{}, fmt.Errorf("append event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.Event{}, fmt.Errorf("append event: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM events`).Scan(&seq); err != nil {
		return ir.Event{}, fmt.Errorf("append event: next seq: %w", err)
	}
	id, err := ir.EventID(kind, accounts, seq, json.RawMessage(payloadJSON))
	if err != nil {
		return ir.Event{}, fmt.Errorf("append event: %w", err)
	}
	observed := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (seq, id, kind, payload, accounts, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, seq, id, string(kind), payloadJSON, accountsJSON, formatTime(observed)); err != nil {
		return ir.Event{}, fmt.Errorf("append event: %w", err)
	}
	for _, account := range accounts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO event_accounts (seq, account) VALUES (?, ?)
			ON CONFLICT DO NOTHING
		`, seq, string(account)); err != nil {
			return ir.Event{}, fmt.Errorf("append event: index account: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ir.Event{}, fmt.Errorf("append event: commit: %w", err)
	}

	return ir.Event{
		Kind:       kind,
		Payload:    json.RawMessage(payloadJSON),
		Accounts:   append([]ir.AccountKey(nil), accounts...),
		Position:   ir.Position{Seq: seq, ID: id},
		ObservedAt: observed,
	}, nil
}

// AdvanceCursor stores pos as the cursor for account if it is strictly after
// the stored value, and reports whether it did.
//
// The comparison happens inside the upsert, so concurrent writers from
// different processes can never move a cursor backwards.
func (s *Store) AdvanceCursor(ctx context.Context, account ir.AccountKey, pos ir.Position) (bool, error) {
	if pos.IsZero() {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (account, seq, event_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			seq = excluded.seq,
			event_id = excluded.event_id,
			updated_at = excluded.updated_at
		WHERE excluded.seq > cursors.seq
		   OR (excluded.seq = cursors.seq AND excluded.event_id > cursors.event_id)
	`, string(account), pos.Seq, pos.ID, formatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("advance cursor %s: %w", account, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance cursor %s: %w", account, err)
	}
	return n > 0, nil
}

// ResetCursor deletes the cursor for account so the next subscription
// replays its history from genesis. Reports whether a cursor existed.
func (s *Store) ResetCursor(ctx context.Context, account ir.AccountKey) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cursors WHERE account = ?`, string(account))
	if err != nil {
		return false, fmt.Errorf("reset cursor %s: %w", account, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reset cursor %s: %w", account, err)
	}
	return n > 0, nil
}
