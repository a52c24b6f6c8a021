package ledger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/ledgersync/internal/ir"
)

// EncodePageToken returns the continuation token for a page ending at last.
func EncodePageToken(last ir.Position) string {
	return fmt.Sprintf("%d/%s", last.Seq, last.ID)
}

// DecodePageToken parses a token made by EncodePageToken.
func DecodePageToken(token string) (ir.Position, error) {
	seqStr, id, ok := strings.Cut(token, "/")
	if !ok {
		return ir.Position{}, fmt.Errorf("invalid page token %q", token)
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil || seq <= 0 {
		return ir.Position{}, fmt.Errorf("invalid page token %q", token)
	}
	return ir.Position{Seq: seq, ID: id}, nil
}

// resumeFrom returns where a query for (cursor, token) continues.
func resumeFrom(cursor ir.Position, token string) (ir.Position, error) {
	if token == "" {
		return cursor, nil
	}
	pos, err := DecodePageToken(token)
	if err != nil {
		return ir.Position{}, err
	}
	if pos.After(cursor) {
		return pos, nil
	}
	return cursor, nil
}
