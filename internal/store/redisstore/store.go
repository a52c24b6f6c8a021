// Package redisstore implements the cursor store on Redis. Cursor updates run
// as a Lua script so the compare-and-set is atomic on the server.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/ledgersync/internal/ir"
	"github.com/roach88/ledgersync/internal/store"
)

const defaultPrefix = "ledgersync"

// advanceCursorScript stores a cursor only if it moves forward.
// KEYS[1] = cursor hash key
// KEYS[2] = index set of known accounts
// ARGV[1] = seq
// ARGV[2] = event id
// ARGV[3] = updated_at (RFC 3339)
// ARGV[4] = account
// Returns 1 if the cursor was written, 0 otherwise.
var advanceCursorScript = redis.NewScript(`
local key = KEYS[1]
local seq = tonumber(ARGV[1])
local id = ARGV[2]

local state = redis.call("HMGET", key, "seq", "event_id")
local cur_seq = tonumber(state[1])
local cur_id = state[2]

if cur_seq then
    if seq < cur_seq then
        return 0
    end
    if seq == cur_seq and (not cur_id or id <= cur_id) then
        return 0
    end
end

redis.call("HSET", key, "seq", ARGV[1], "event_id", id, "updated_at", ARGV[3])
redis.call("SADD", KEYS[2], ARGV[4])
return 1
`)

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key namespace. Defaults to "ledgersync".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// Store implements the cursor store using Redis.
type Store struct {
	client *redis.Client
	prefix string
}

// New creates a store backed by the Redis server at addr.
func New(addr, password string, db int, opts ...Option) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewWithClient(rdb, opts...)
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) cursorKey(account ir.AccountKey) string {
	return fmt.Sprintf("%s:cursor:%s", s.prefix, account)
}

func (s *Store) indexKey() string {
	return s.prefix + ":cursors"
}

// LoadCursor returns the stored cursor, or the zero Position if none exists.
func (s *Store) LoadCursor(ctx context.Context, account ir.AccountKey) (ir.Position, error) {
	rec, ok, err := s.load(ctx, account)
	if err != nil {
		return ir.Position{}, err
	}
	if !ok {
		return ir.Position{}, nil
	}
	return rec.Position, nil
}

func (s *Store) load(ctx context.Context, account ir.AccountKey) (store.CursorRecord, bool, error) {
	vals, err := s.client.HMGet(ctx, s.cursorKey(account), "seq", "event_id", "updated_at").Result()
	if err != nil {
		return store.CursorRecord{}, false, fmt.Errorf("redis load cursor %s: %w", account, err)
	}
	if len(vals) != 3 || vals[0] == nil {
		return store.CursorRecord{}, false, nil
	}
	rec := store.CursorRecord{Account: account}
	seqStr, _ := vals[0].(string)
	rec.Position.Seq, err = strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return store.CursorRecord{}, false, fmt.Errorf("redis load cursor %s: bad seq %q", account, seqStr)
	}
	rec.Position.ID, _ = vals[1].(string)
	if updated, ok := vals[2].(string); ok {
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	}
	return rec, true, nil
}

// AdvanceCursor stores pos if it is strictly after the stored cursor.
func (s *Store) AdvanceCursor(ctx context.Context, account ir.AccountKey, pos ir.Position) (bool, error) {
	if pos.IsZero() {
		return false, nil
	}
	res, err := advanceCursorScript.Run(ctx, s.client,
		[]string{s.cursorKey(account), s.indexKey()},
		pos.Seq, pos.ID, time.Now().UTC().Format(time.RFC3339Nano), string(account),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis advance cursor %s: %w", account, err)
	}
	return res == 1, nil
}

// ListCursors returns every stored cursor ordered by account.
func (s *Store) ListCursors(ctx context.Context) ([]store.CursorRecord, error) {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list cursors: %w", err)
	}
	sort.Strings(members)

	records := []store.CursorRecord{}
	for _, m := range members {
		rec, ok, err := s.load(ctx, ir.AccountKey(m))
		if err != nil {
			return nil, err
		}
		if ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// ResetCursor deletes the cursor for account. Reports whether one existed.
func (s *Store) ResetCursor(ctx context.Context, account ir.AccountKey) (bool, error) {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.cursorKey(account))
	pipe.SRem(ctx, s.indexKey(), string(account))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis reset cursor %s: %w", account, err)
	}
	return del.Val() > 0, nil
}
