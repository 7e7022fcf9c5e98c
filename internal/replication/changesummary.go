package replication

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/zoravur/livequery/internal/pgstore"
	"github.com/zoravur/livequery/internal/storage"
)

// Change is one row-level mutation inside a wal2json commit envelope.
// Grounded on the teacher's internal/wal/consumer.go Change/Keys/Envelope
// shapes (same JSON produced by the wal2json output plugin), field names
// kept identical since they are wal2json's own wire format, not a choice
// this codebase makes.
type Change struct {
	Schema  string `json:"schema"`
	Table   string `json:"table"`
	Kind    string `json:"kind"`
	OldKeys *Keys  `json:"oldkeys,omitempty"`
	NewKeys *Keys  `json:"newkeys,omitempty"`
}

// Keys holds one side (old or new) of a row's primary key column values.
type Keys struct {
	KeyNames  []string `json:"keynames"`
	KeyValues []any    `json:"keyvalues"`
}

// Envelope is one wal2json commit: every row change that happened inside
// it, in WAL order.
type Envelope struct {
	Change []Change `json:"change"`
}

// Summarizer turns raw wal2json commit payloads into storage.ChangeSummary
// values keyed by the LinkCatalog's stable table ordinals, the join point
// between logical replication's table names and internal/livequery's
// ordinal-indexed dependency tracing.
type Summarizer struct {
	Catalog *pgstore.LinkCatalog
}

// Decode parses one commit's raw wal2json payload into a ChangeSummary.
// Changes against tables the catalog doesn't know about (no single-column
// primary key) are silently skipped: such a
// table can never be the target of a LiveQuery in this model, so tracking
// its changes would serve nothing.
func (s *Summarizer) Decode(raw []byte) (storage.ChangeSummary, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("replication: decode envelope: %w", err)
	}

	var out storage.ChangeSummary
	for _, ch := range env.Change {
		qualified := ch.Table
		if ch.Schema != "" && ch.Schema != "public" {
			qualified = ch.Schema + "." + ch.Table
		}
		ord, ok := s.Catalog.TableOrdinal(qualified)
		if !ok {
			continue
		}
		pkCol, ok := s.Catalog.PrimaryKeyColumn(qualified)
		if !ok {
			continue
		}

		for len(out) <= ord {
			out = append(out, storage.TableChanges{})
		}
		tc := out[ord]
		if tc.Changed == nil {
			tc.Changed = map[storage.RowID]struct{}{}
		}

		if id, ok := rowID(ch.NewKeys, pkCol); ok {
			tc.Changed[id] = struct{}{}
		}
		if id, ok := rowID(ch.OldKeys, pkCol); ok {
			tc.Changed[id] = struct{}{}
		}

		out[ord] = tc
	}
	return out, nil
}

// rowID extracts pkCol's value out of a Keys side of a Change, converting
// wal2json's JSON-decoded value (float64, json.Number, or string) into a
// storage.RowID.
func rowID(keys *Keys, pkCol string) (storage.RowID, bool) {
	if keys == nil {
		return 0, false
	}
	for i, name := range keys.KeyNames {
		if name != pkCol || i >= len(keys.KeyValues) {
			continue
		}
		return toRowID(keys.KeyValues[i])
	}
	return 0, false
}

func toRowID(v any) (storage.RowID, bool) {
	switch t := v.(type) {
	case float64:
		return storage.RowID(int64(t)), true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return storage.RowID(n), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, false
		}
		return storage.RowID(n), true
	default:
		return 0, false
	}
}
