package memstore

import (
	"context"
	"sort"

	"github.com/zoravur/livequery/internal/storage"
)

// tableRef implements storage.TableRef against one table's frozen data
// within a single Snapshot.
type tableRef struct {
	td   *tableData
	snap *Snapshot
}

func newTableRef(td *tableData, snap *Snapshot) *tableRef {
	return &tableRef{td: td, snap: snap}
}

func (t *tableRef) Ordinal() int     { return t.td.def.Ordinal }
func (t *tableRef) ColumnCount() int { return len(t.td.def.Columns) }

func (t *tableRef) ColumnType(col int) storage.ColumnType {
	return t.td.def.Columns[col].Type
}

func (t *tableRef) GetLink(col int, row storage.RowID) (storage.RowID, bool) {
	r, ok := t.td.rows[row]
	if !ok || col >= len(r.Links) {
		return storage.AbsentRow, false
	}
	id := r.Links[col]
	if id == storage.AbsentRow {
		return storage.AbsentRow, false
	}
	return id, true
}

func (t *tableRef) GetLinkList(col int, row storage.RowID) []storage.RowID {
	r, ok := t.td.rows[row]
	if !ok || col >= len(r.LinkLists) {
		return nil
	}
	return r.LinkLists[col]
}

func (t *tableRef) LinkTarget(col int) storage.TableRef {
	name := t.td.def.Columns[col].Target
	target, ok := t.snap.byName[name]
	if !ok {
		return nil
	}
	return newTableRef(target, t.snap)
}

// scalar fetches a scalar column's value for sorting; not part of the
// storage.TableRef interface, used only within this package.
func (t *tableRef) scalar(col int, row storage.RowID) any {
	r, ok := t.td.rows[row]
	if !ok || col >= len(r.Values) {
		return nil
	}
	return r.Values[col]
}

// View is the ordered result of a Query, implementing storage.View.
type View struct {
	table   string
	rows    []storage.RowID
	outside storage.Version
	inSync  bool
}

func (v *View) Size() int                      { return len(v.rows) }
func (v *View) RowIndex(i int) storage.RowID    { return v.rows[i] }
func (v *View) OutsideVersion() storage.Version { return v.outside }
func (v *View) IsInSync() bool                  { return v.inSync }

// Query is a table-scoped, optionally filtered read against a single
// Snapshot, implementing storage.Query.
type Query struct {
	tableName string
	filter    func(storage.TableRef, storage.RowID) bool
	snap      *Snapshot
	ref       *tableRef
}

// NewQuery binds a query to table within snap. filter may be nil to select
// every row.
func NewQuery(snap *Snapshot, table string, filter func(storage.TableRef, storage.RowID) bool) *Query {
	td := snap.byName[table]
	return &Query{tableName: table, filter: filter, snap: snap, ref: newTableRef(td, snap)}
}

func (q *Query) Table() storage.TableRef { return q.ref }

func (q *Query) FindAll(ctx context.Context) (storage.View, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var rows []storage.RowID
	for _, id := range q.ref.td.order {
		if q.filter == nil || q.filter(q.ref, id) {
			rows = append(rows, id)
		}
	}
	return &View{table: q.tableName, rows: rows, outside: q.snap.version, inSync: true}, nil
}

// Sort returns a new View over v's rows reordered by cols. Stable: rows
// comparing equal on every column keep their relative FindAll order.
func (q *Query) Sort(v storage.View, cols []storage.SortColumn) storage.View {
	mv := v.(*View)
	rows := append([]storage.RowID(nil), mv.rows...)
	sort.SliceStable(rows, func(i, j int) bool {
		for _, c := range cols {
			a := q.ref.scalar(c.Column, rows[i])
			b := q.ref.scalar(c.Column, rows[j])
			if cmp := compareAny(a, b); cmp != 0 {
				if c.Ascending {
					return cmp < 0
				}
				return cmp > 0
			}
		}
		return false
	})
	return &View{table: mv.table, rows: rows, outside: mv.outside, inSync: mv.inSync}
}

func compareAny(a, b any) int {
	switch av := a.(type) {
	case int:
		bv := b.(int)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case int64:
		bv := b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		bv := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	default:
		return 0
	}
}
