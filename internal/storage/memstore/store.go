// Package memstore is a small in-memory reference implementation of the
// internal/storage interfaces, used by the livequery and coordinator test
// suites. It is not grounded on any external example: it is written
// directly against the storage interfaces it implements, since no retrieved
// repo ships an embedded row store of this shape. Mutations are
// version-stamped and every Snapshot is a frozen deep copy, so tests can
// mutate the live Store and diff two Snapshots afterwards. The Store itself
// has no mutex and must not be mutated from several goroutines at once.
package memstore

import "github.com/zoravur/livequery/internal/storage"

// ColumnDef describes one column of a table's schema.
type ColumnDef struct {
	Name   string
	Type   storage.ColumnType
	Target string // table name a link/link-list column points into
}

// TableDef is a table's fixed schema: name, stable ordinal, and columns.
type TableDef struct {
	Name    string
	Ordinal int
	Columns []ColumnDef
}

// Row is one row's storage. Values holds scalar column contents; Links and
// LinkLists are parallel to Values but only populated at indices whose
// column is a link or link-list column respectively.
type Row struct {
	ID        storage.RowID
	Values    []any
	Links     []storage.RowID
	LinkLists [][]storage.RowID
}

func (r *Row) clone() *Row {
	cp := &Row{ID: r.ID, Values: append([]any(nil), r.Values...), Links: append([]storage.RowID(nil), r.Links...)}
	cp.LinkLists = make([][]storage.RowID, len(r.LinkLists))
	for i, ll := range r.LinkLists {
		cp.LinkLists[i] = append([]storage.RowID(nil), ll...)
	}
	return cp
}

type tableData struct {
	def    TableDef
	order  []storage.RowID
	rows   map[storage.RowID]*Row
	nextID storage.RowID
}

func newTableData(def TableDef) *tableData {
	return &tableData{def: def, rows: make(map[storage.RowID]*Row)}
}

func (t *tableData) clone() *tableData {
	cp := &tableData{def: t.def, order: append([]storage.RowID(nil), t.order...), rows: make(map[storage.RowID]*Row, len(t.rows)), nextID: t.nextID}
	for id, r := range t.rows {
		cp.rows[id] = r.clone()
	}
	return cp
}

// Store is a mutable collection of tables. All mutation methods bump the
// store's version by exactly one and return it.
type Store struct {
	tables  []*tableData
	byName  map[string]*tableData
	version storage.Version
}

// NewStore returns an empty store at version 1.
func NewStore() *Store {
	return &Store{byName: make(map[string]*tableData), version: 1}
}

// AddTable registers a new table schema. The returned TableDef's Ordinal
// reflects registration order and must be used by callers wiring up
// TableRef.Ordinal.
func (s *Store) AddTable(name string, cols []ColumnDef) TableDef {
	def := TableDef{Name: name, Ordinal: len(s.tables), Columns: cols}
	td := newTableData(def)
	s.tables = append(s.tables, td)
	s.byName[name] = td
	return def
}

// Insert adds a new row to table and returns its id and the store's new
// version. links and linkLists must be the same length as values (one slot
// per column); non-link slots are ignored in links/linkLists and non-scalar
// slots are ignored in values.
func (s *Store) Insert(table string, values []any, links []storage.RowID, linkLists [][]storage.RowID) (storage.RowID, storage.Version) {
	td := s.byName[table]
	id := td.nextID
	td.nextID++
	td.rows[id] = &Row{ID: id, Values: values, Links: links, LinkLists: linkLists}
	td.order = append(td.order, id)
	s.version++
	return id, s.version
}

// Update replaces a row's content in place, preserving its position.
func (s *Store) Update(table string, id storage.RowID, values []any, links []storage.RowID, linkLists [][]storage.RowID) storage.Version {
	td := s.byName[table]
	td.rows[id] = &Row{ID: id, Values: values, Links: links, LinkLists: linkLists}
	s.version++
	return s.version
}

// Delete removes a row from table.
func (s *Store) Delete(table string, id storage.RowID) storage.Version {
	td := s.byName[table]
	delete(td.rows, id)
	for i, o := range td.order {
		if o == id {
			td.order = append(td.order[:i], td.order[i+1:]...)
			break
		}
	}
	s.version++
	return s.version
}

// Reorder overwrites table's row ordering wholesale, used by tests that
// exercise storage-level compaction/move semantics directly.
func (s *Store) Reorder(table string, order []storage.RowID) storage.Version {
	td := s.byName[table]
	td.order = append([]storage.RowID(nil), order...)
	s.version++
	return s.version
}

// CurrentVersion is the store's live version, independent of any Snapshot.
func (s *Store) CurrentVersion() storage.Version { return s.version }

// Snapshot freezes a deep copy of the store's current state.
func (s *Store) Snapshot() *Snapshot {
	snap := &Snapshot{version: s.version, byName: make(map[string]*tableData, len(s.byName))}
	snap.tables = make([]*tableData, len(s.tables))
	for i, td := range s.tables {
		cp := td.clone()
		snap.tables[i] = cp
		snap.byName[td.def.Name] = cp
	}
	return snap
}
