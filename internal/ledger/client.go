package ledger

import (
	"context"
	"errors"

	"github.com/roach88/ledgersync/internal/ir"
)

// Client is the read side of a ledger.
type Client interface {
	// FetchEventsSince returns events concerning account strictly after
	// cursor, in ascending position order. A non-empty pageToken continues a
	// previous page of the same query. limit caps the page size; zero means
	// the ledger's default. Calls with identical arguments are safe to repeat.
	FetchEventsSince(ctx context.Context, account ir.AccountKey, cursor ir.Position, pageToken string, limit int) (Page, error)

	// SubscribeLive opens a push stream of events concerning account. The
	// stream delivers events in ledger order but makes no promise that it
	// saw every event since it was opened. ctx bounds the connection attempt
	// only; the stream lives until Close or disconnect.
	SubscribeLive(ctx context.Context, account ir.AccountKey) (Subscription, error)
}

// Page is one page of a historical query.
type Page struct {
	Events        []ir.Event
	NextPageToken string

	// AtTip reports that no events beyond Events existed when the query ran.
	AtTip bool
}

// Subscription is an open live stream.
type Subscription interface {
	// Events is closed when the stream disconnects or is closed.
	Events() <-chan ir.Event

	// Err returns the disconnect cause once Events is closed. It returns nil
	// when the subscription was closed by its owner.
	Err() error

	Close() error
}

var (
	// ErrDisconnected is the cause reported for a dropped live stream.
	ErrDisconnected = errors.New("ledger: live stream disconnected")

	// ErrUnavailable is returned while a ledger refuses connections.
	ErrUnavailable = errors.New("ledger: unavailable")

	// ErrInjected is returned by Memory for injected query failures.
	ErrInjected = errors.New("ledger: injected failure")
)
