package ledger

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/roach88/ledgersync/internal/ir"
)

//go:embed record.schema.json
var recordSchemaJSON string

const recordSchemaURL = "https://ledgersync.local/schemas/record.schema.json"

var (
	recordSchemaOnce sync.Once
	recordSchema     *jsonschema.Schema
	recordSchemaErr  error
)

func compiledRecordSchema() (*jsonschema.Schema, error) {
	recordSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(recordSchemaURL, bytes.NewReader([]byte(recordSchemaJSON))); err != nil {
			recordSchemaErr = fmt.Errorf("record schema load failed: %w", err)
			return
		}
		recordSchema, recordSchemaErr = c.Compile(recordSchemaURL)
		if recordSchemaErr != nil {
			recordSchemaErr = fmt.Errorf("record schema compile failed: %w", recordSchemaErr)
		}
	})
	return recordSchema, recordSchemaErr
}

// Record is the wire form of an event, shared by the rpc transport and the
// CLI's JSON output.
type Record struct {
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Accounts   []string        `json:"accounts"`
	Seq        int64           `json:"seq"`
	ID         string          `json:"id"`
	ObservedAt string          `json:"observed_at,omitempty"`
}

// Encode converts an event to its wire record.
func Encode(ev ir.Event) ([]byte, error) {
	rec := Record{
		Kind:     string(ev.Kind),
		Payload:  ev.Payload,
		Accounts: make([]string, len(ev.Accounts)),
		Seq:      ev.Position.Seq,
		ID:       ev.Position.ID,
	}
	for i, a := range ev.Accounts {
		rec.Accounts[i] = string(a)
	}
	if !ev.ObservedAt.IsZero() {
		rec.ObservedAt = ev.ObservedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(rec)
}

// Decode parses one wire record.
//
// A record whose position cannot be read is rejected with an error, since the
// engine could neither order nor skip it. A record with a readable position
// but invalid content decodes to an Event with DecodeErr set so the caller
// can skip past it.
func Decode(raw []byte) (ir.Event, error) {
	var head struct {
		Seq *int64 `json:"seq"`
		ID  string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ir.Event{}, fmt.Errorf("decode record: %w", err)
	}
	if head.Seq == nil || *head.Seq <= 0 || head.ID == "" {
		return ir.Event{}, fmt.Errorf("decode record: missing position")
	}
	pos := ir.Position{Seq: *head.Seq, ID: head.ID}
	malformed := func(err error) (ir.Event, error) {
		return ir.Event{Kind: ir.KindUnknown, Position: pos, ObservedAt: time.Now(), DecodeErr: err}, nil
	}

	schema, err := compiledRecordSchema()
	if err != nil {
		return ir.Event{}, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return malformed(err)
	}
	if err := schema.Validate(doc); err != nil {
		return malformed(fmt.Errorf("record %s: schema validation failed: %w", pos, err))
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return malformed(err)
	}
	ev := ir.Event{
		Kind:       ir.Kind(rec.Kind),
		Payload:    rec.Payload,
		Accounts:   make([]ir.AccountKey, 0, len(rec.Accounts)),
		Position:   pos,
		ObservedAt: time.Now(),
	}
	for _, a := range rec.Accounts {
		key, err := ir.NewAccountKey(a)
		if err != nil {
			return malformed(fmt.Errorf("record %s: %w", pos, err))
		}
		ev.Accounts = append(ev.Accounts, key)
	}
	if rec.ObservedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, rec.ObservedAt); err == nil {
			ev.ObservedAt = t
		}
	}
	return ev, nil
}
