package memstore

import (
	"reflect"

	"github.com/zoravur/livequery/internal/storage"
)

// Diff builds a storage.ChangeSummary describing every row that differs in
// content between before and after, across all tables present in after;
// rows inserted since before and rows deleted since before both count. It
// never populates TableChanges.Moves: memstore has no implicit compaction,
// so tests that need to exercise move semantics construct a ChangeSummary
// with an explicit Moves map by hand (see DESIGN.md OQ-2).
func Diff(before, after *Snapshot) storage.ChangeSummary {
	var out storage.ChangeSummary
	for _, td := range after.tables {
		ord := td.def.Ordinal
		for len(out) <= ord {
			out = append(out, storage.TableChanges{})
		}
		var beforeRows map[storage.RowID]*Row
		if ord < len(before.tables) {
			beforeRows = before.tables[ord].rows
		}
		changed := map[storage.RowID]struct{}{}
		for id, row := range td.rows {
			old, existed := beforeRows[id]
			if !existed || !rowsEqual(old, row) {
				changed[id] = struct{}{}
			}
		}
		for id := range beforeRows {
			if _, stillThere := td.rows[id]; !stillThere {
				changed[id] = struct{}{}
			}
		}
		out[ord] = storage.TableChanges{Changed: changed}
	}
	return out
}

func rowsEqual(a, b *Row) bool {
	return reflect.DeepEqual(a.Values, b.Values) &&
		reflect.DeepEqual(a.Links, b.Links) &&
		reflect.DeepEqual(a.LinkLists, b.LinkLists)
}
