package memstore

import (
	"fmt"

	"github.com/zoravur/livequery/internal/storage"
)

// Snapshot is a frozen, point-in-time copy of a Store, implementing
// storage.Snapshot. It never observes later mutations to the Store it was
// taken from.
type Snapshot struct {
	version storage.Version
	tables  []*tableData
	byName  map[string]*tableData
}

func (s *Snapshot) CurrentVersion() storage.Version { return s.version }

// Close is a no-op: a memstore Snapshot is a plain deep copy, not a held
// resource.
func (s *Snapshot) Close() {}

type exportedQuery struct{ q *Query }

func (exportedQuery) IsExportedQuery() {}

type exportedView struct {
	table   string
	rows    []storage.RowID
	outside storage.Version
	inSync  bool
}

func (exportedView) IsExportedView() {}

// ExportQuery packages q for transport to another Snapshot. Since memstore
// queries only reference a table by name and a predicate, the export is
// just the query value itself; ImportQuery rebinds it to the destination
// snapshot's frozen table data.
func (s *Snapshot) ExportQuery(q storage.Query) (storage.ExportedQuery, error) {
	mq, ok := q.(*Query)
	if !ok {
		return nil, fmt.Errorf("memstore: query %T did not originate from memstore", q)
	}
	return exportedQuery{q: mq}, nil
}

func (s *Snapshot) ImportQuery(e storage.ExportedQuery) (storage.Query, error) {
	eq, ok := e.(exportedQuery)
	if !ok {
		return nil, fmt.Errorf("memstore: exported query %T did not originate from memstore", e)
	}
	td, ok := s.byName[eq.q.tableName]
	if !ok {
		return nil, fmt.Errorf("memstore: table %q not present in destination snapshot", eq.q.tableName)
	}
	return &Query{tableName: eq.q.tableName, filter: eq.q.filter, snap: s, ref: newTableRef(td, s)}, nil
}

// ExportView packages v for transport. memstore views carry only row ids
// and the version they were computed against, so export is a value copy.
func (s *Snapshot) ExportView(v storage.View) (storage.ExportedView, error) {
	mv, ok := v.(*View)
	if !ok {
		return nil, fmt.Errorf("memstore: view %T did not originate from memstore", v)
	}
	return exportedView{table: mv.table, rows: append([]storage.RowID(nil), mv.rows...), outside: mv.outside, inSync: mv.inSync}, nil
}

func (s *Snapshot) ImportView(e storage.ExportedView) (storage.View, error) {
	ev, ok := e.(exportedView)
	if !ok {
		return nil, fmt.Errorf("memstore: exported view %T did not originate from memstore", e)
	}
	return &View{table: ev.table, rows: ev.rows, outside: ev.outside, inSync: ev.inSync}, nil
}
